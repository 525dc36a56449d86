// Package recovery implements StreamRecovery from spec.md §4.6: make
// transient transport failures invisible to the consumer by
// reconnecting and resuming, deduplicating chunks the provider resends
// after reconnect.
//
// Grounded on the session-map-with-mutex shape of StreamRecoveryManager
// in
// other_examples/a51eb825_shxrryhuang-plandex__app-server-model-stream_recovery.go.go
// (sessions map[string]*StreamSession guarded by sync.RWMutex,
// checkpoint-every-N-chunks, sha256 content hashing, stale-session
// cleanup loop). That source's GetRecoveryInfo always reports
// CanResume: false ("mid-stream resumption not supported by
// provider") — this package implements actual resume via the dedup
// window spec.md §4.6 specifies, which the source example does not.
// Backoff delay computation uses github.com/cenkalti/backoff/v5
// instead of a hand-rolled loop.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/streamwerks/llmstream/internal/corestream"
)

// Status mirrors the recovery session lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusReconnect Status = "reconnecting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config holds StreamRecovery's tunable knobs (spec.md §4.6 defaults).
type Config struct {
	MaxRetries               int
	InitialBackoff            time.Duration
	MaxBackoff                time.Duration
	Multiplier                float64
	JitterFraction            float64 // additive jitter, fraction of delay (0-0.25 default)
	CheckpointIntervalChunks  int
	DedupWindow               int
	GracePeriod               time.Duration // how long a completed session's state survives
}

// DefaultConfig matches spec.md §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:               3,
		InitialBackoff:           time.Second,
		MaxBackoff:               30 * time.Second,
		Multiplier:               2.0,
		JitterFraction:           0.25,
		CheckpointIntervalChunks: 100,
		DedupWindow:              100,
		GracePeriod:              30 * time.Second,
	}
}

// Checkpoint is a resumable marker recorded every CheckpointIntervalChunks.
type Checkpoint struct {
	Seq         int
	ChunkCount  int64
	ContentHash string
	At          time.Time
}

// Session is the per-stream recovery state (spec.md §3: RecoveryState).
type Session struct {
	ID         string
	Provider   string
	StartedAt  time.Time
	Status     Status

	LastChunkID  string
	ChunksSeen   int64
	content      []byte // accumulated content, for checkpoint hashing
	dedup        []string
	dedupIndex   map[string]struct{}
	checkpoints  []Checkpoint

	RetryCount int
	EndedAt    time.Time
	EndReason  string
}

// dedupContains reports whether id has already been delivered.
func (s *Session) dedupContains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.dedupIndex[id]
	return ok
}

func (s *Session) recordDedup(id string) {
	if id == "" {
		return
	}
	s.dedup = append(s.dedup, id)
	s.dedupIndex[id] = struct{}{}
}

func (s *Session) pruneDedup(window int) {
	for len(s.dedup) > window {
		oldest := s.dedup[0]
		s.dedup = s.dedup[1:]
		delete(s.dedupIndex, oldest)
	}
}

// Manager tracks all in-flight recovery sessions, keyed by recovery ID.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCleanup chan struct{}
}

// NewManager creates a Manager and starts its background cleanup loop.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.CheckpointIntervalChunks <= 0 {
		cfg.CheckpointIntervalChunks = 100
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 100
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}

	m := &Manager{
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		stopCleanup: make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Close stops the background cleanup loop.
func (m *Manager) Close() {
	close(m.stopCleanup)
}

// InitRecovery registers a new stream for recovery tracking.
func (m *Manager) InitRecovery(id, provider string) *Session {
	s := &Session{
		ID:         id,
		Provider:   provider,
		StartedAt:  time.Now(),
		Status:     StatusActive,
		dedupIndex: make(map[string]struct{}),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// GetSession returns the tracked session, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IsDuplicate reports whether chunk.ID has already been delivered for
// this recovery session — the resume protocol's dedup check (spec.md
// §4.6: "a chunk is duplicate iff its id is non-empty and present in
// the window").
func (m *Manager) IsDuplicate(id string, chunk corestream.Chunk) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	return s.dedupContains(chunk.ID)
}

// RecordChunk updates last_chunk_id, appends to the dedup window, and
// creates a checkpoint every CheckpointIntervalChunks chunks.
func (m *Manager) RecordChunk(id string, chunk corestream.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if chunk.ID != "" {
		s.LastChunkID = chunk.ID
	}
	s.recordDedup(chunk.ID)
	s.pruneDedup(m.cfg.DedupWindow)
	s.ChunksSeen++
	s.content = append(s.content, []byte(chunk.Content)...)

	if s.ChunksSeen%int64(m.cfg.CheckpointIntervalChunks) == 0 {
		s.checkpoints = append(s.checkpoints, Checkpoint{
			Seq:         len(s.checkpoints) + 1,
			ChunkCount:  s.ChunksSeen,
			ContentHash: hashContent(s.content),
			At:          time.Now(),
		})
	}
}

// RecordError classifies reason and reports whether the stream should
// attempt a reconnect. If recoverable and retries remain, the session
// transitions to reconnecting.
func (m *Manager) RecordError(id string, err error) (recoverable bool) {
	recoverable = Recoverable(err)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return recoverable
	}
	if !recoverable || s.RetryCount >= m.cfg.MaxRetries {
		s.Status = StatusFailed
		s.EndedAt = time.Now()
		s.EndReason = "recovery exhausted"
		return false
	}
	s.RetryCount++
	s.Status = StatusReconnect
	return true
}

// NextBackoff computes the delay before the next reconnect attempt,
// per spec.md §4.6's schedule: delay = min(initial * multiplier^n,
// max) + jitter, where jitter is additive random 0-25% of delay.
func (m *Manager) NextBackoff(id string) time.Duration {
	m.mu.RLock()
	retry := 0
	if s, ok := m.sessions[id]; ok {
		retry = s.RetryCount - 1
		if retry < 0 {
			retry = 0
		}
	}
	m.mu.RUnlock()

	base := backoffDelay(m.cfg, retry)
	jitter := time.Duration(rand.Float64() * m.cfg.JitterFraction * float64(base))
	return base + jitter
}

// backoffDelay computes the un-jittered exponential delay for the
// given retry count, using cenkalti/backoff/v5's ExponentialBackOff
// for the growth/clamp math instead of a hand-rolled loop. Spec.md
// §4.6 applies its own additive jitter on top, so RandomizationFactor
// is disabled here.
func backoffDelay(cfg Config, retry int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialBackoff
	eb.MaxInterval = cfg.MaxBackoff
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = 0

	var delay time.Duration
	for i := 0; i <= retry; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}

// WaitForReconnect blocks for the computed backoff delay or until ctx
// is cancelled, whichever comes first.
func (m *Manager) WaitForReconnect(ctx context.Context, id string) error {
	delay := m.NextBackoff(id)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exhausted reports whether the session has used up its retry budget.
func (m *Manager) Exhausted(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return true
	}
	return s.Status == StatusFailed
}

// CompleteStream marks a session completed; its state is pruned after
// GracePeriod by the cleanup loop.
func (m *Manager) CompleteStream(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.Status = StatusCompleted
	s.EndedAt = time.Now()
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.pruneStale()
		}
	}
}

func (m *Manager) pruneStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		if s.Status == StatusCompleted || s.Status == StatusFailed {
			if now.Sub(s.EndedAt) > m.cfg.GracePeriod {
				delete(m.sessions, id)
			}
		}
	}
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Recoverable classifies an error per spec.md §4.6: transport timeout,
// connection closed, transient network error, HTTP 502/503/504,
// provider overload (429 with Retry-After, 529), and stream-reset
// after partial data are recoverable. Authentication, validation,
// other 4xx, and malformed credentials are not.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	return corestream.Recoverable(err)
}
