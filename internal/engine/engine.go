// Package engine implements the StreamingEngine facade from spec.md
// §4.7 and §6.2: the single entry point that picks basic vs advanced
// pipeline mode, maintains a stream registry for status/cancellation
// lookup, and exposes the named presets from spec.md §6.5.
//
// The registry shape (sync.RWMutex-guarded map keyed by generated ID)
// is grounded on StreamRecoveryManager.sessions in
// other_examples/a51eb825_shxrryhuang-plandex__app-server-model-stream_recovery.go.go,
// generalized here to track coordinator.Stream handles instead of
// recovery sessions — the engine is the facade one level above both
// the coordinator and the recovery manager.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamwerks/llmstream/internal/batch"
	"github.com/streamwerks/llmstream/internal/coordinator"
	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/flow"
	"github.com/streamwerks/llmstream/internal/recovery"
	"github.com/streamwerks/llmstream/internal/streambuffer"
)

// Preset names the option bundles from spec.md §6.5.
type Preset string

const (
	PresetHighThroughput Preset = "high_throughput"
	PresetLowLatency     Preset = "low_latency"
	PresetBalanced       Preset = "balanced"
	PresetConservative   Preset = "conservative"
)

// Options is the full enumerated option surface from spec.md §6.4.
type Options struct {
	ParseChunk     corestream.ParseChunkFunc
	Provider       string
	Timeout        time.Duration
	RecoveryID     string
	StreamRecovery bool
	Transform      corestream.TransformFunc
	Validate       corestream.ValidateFunc
	OnMetrics      corestream.MetricsFunc

	EnableFlowControl     bool
	BufferCapacity        int
	BackpressureThreshold float64
	OverflowStrategy      streambuffer.OverflowStrategy
	RateLimit             time.Duration

	EnableBatching   bool
	BatchSize        int
	MinBatchSize     int
	MaxBatchSize     int
	BatchTimeout     time.Duration
	AdaptiveBatching bool

	TrackDetailedMetrics bool
}

// Config resolves preset into a base Options value, then applies
// overrides field-by-field (spec.md §6.2: `config(preset, overrides)`).
// Zero-value fields in overrides leave the preset's value untouched —
// callers that need to force a field back to zero should build Options
// directly instead of going through a preset.
func Config(preset Preset, overrides Options) Options {
	base := presetOptions(preset)
	return mergeOptions(base, overrides)
}

func presetOptions(preset Preset) Options {
	switch preset {
	case PresetHighThroughput:
		return Options{
			EnableFlowControl:     true,
			BufferCapacity:        200,
			BackpressureThreshold: 0.9,
			OverflowStrategy:      streambuffer.Drop,
			RateLimit:             0,
			EnableBatching:        true,
			BatchSize:             10,
			BatchTimeout:          50 * time.Millisecond,
			AdaptiveBatching:      true,
		}
	case PresetLowLatency:
		return Options{
			EnableFlowControl:     true,
			BufferCapacity:        20,
			BackpressureThreshold: 0.7,
			OverflowStrategy:      streambuffer.Drop,
			RateLimit:             0,
			EnableBatching:        false,
		}
	case PresetBalanced:
		return Options{
			EnableFlowControl:     true,
			BufferCapacity:        100,
			BackpressureThreshold: 0.8,
			OverflowStrategy:      streambuffer.Drop,
			RateLimit:             time.Millisecond,
			EnableBatching:        true,
			BatchSize:             5,
			BatchTimeout:          25 * time.Millisecond,
			AdaptiveBatching:      true,
			TrackDetailedMetrics:  true,
		}
	case PresetConservative:
		return Options{
			EnableFlowControl:     true,
			BufferCapacity:        50,
			BackpressureThreshold: 0.6,
			OverflowStrategy:      streambuffer.Block,
			RateLimit:             2 * time.Millisecond,
			StreamRecovery:        true,
			TrackDetailedMetrics:  true,
		}
	default:
		return Options{}
	}
}

// mergeOptions overlays non-zero fields of o onto base.
func mergeOptions(base, o Options) Options {
	if o.ParseChunk != nil {
		base.ParseChunk = o.ParseChunk
	}
	if o.Provider != "" {
		base.Provider = o.Provider
	}
	if o.Timeout != 0 {
		base.Timeout = o.Timeout
	}
	if o.RecoveryID != "" {
		base.RecoveryID = o.RecoveryID
	}
	if o.StreamRecovery {
		base.StreamRecovery = true
	}
	if o.Transform != nil {
		base.Transform = o.Transform
	}
	if o.Validate != nil {
		base.Validate = o.Validate
	}
	if o.OnMetrics != nil {
		base.OnMetrics = o.OnMetrics
	}
	if o.EnableFlowControl {
		base.EnableFlowControl = true
	}
	if o.BufferCapacity != 0 {
		base.BufferCapacity = o.BufferCapacity
	}
	if o.BackpressureThreshold != 0 {
		base.BackpressureThreshold = o.BackpressureThreshold
	}
	if o.OverflowStrategy != 0 {
		base.OverflowStrategy = o.OverflowStrategy
	}
	if o.RateLimit != 0 {
		base.RateLimit = o.RateLimit
	}
	if o.EnableBatching {
		base.EnableBatching = true
	}
	if o.BatchSize != 0 {
		base.BatchSize = o.BatchSize
	}
	if o.MinBatchSize != 0 {
		base.MinBatchSize = o.MinBatchSize
	}
	if o.MaxBatchSize != 0 {
		base.MaxBatchSize = o.MaxBatchSize
	}
	if o.BatchTimeout != 0 {
		base.BatchTimeout = o.BatchTimeout
	}
	if o.AdaptiveBatching {
		base.AdaptiveBatching = true
	}
	if o.TrackDetailedMetrics {
		base.TrackDetailedMetrics = true
	}
	return base
}

// StreamStatus is returned by GetStreamStatus.
type StreamStatus struct {
	ID       string
	Provider string
	State    coordinator.State
	Metrics  corestream.Snapshot
}

// Engine is the StreamingEngine facade (spec.md §4.7).
type Engine struct {
	coord    *coordinator.Coordinator
	recovery *recovery.Manager

	mu      sync.RWMutex
	streams map[string]*coordinator.Stream
}

// New creates an Engine. recoveryMgr may be nil if no caller ever
// requests StreamRecovery.
func New(coord *coordinator.Coordinator, recoveryMgr *recovery.Manager) *Engine {
	return &Engine{
		coord:    coord,
		recovery: recoveryMgr,
		streams:  make(map[string]*coordinator.Stream),
	}
}

// StartStream picks basic mode (direct consumer callback) or advanced
// mode (full FlowController pipeline) from opts.EnableFlowControl,
// registers the resulting stream, and returns its ID (spec.md §4.7,
// §4.5 step 3). The buffer, rate-limit and batching options take
// effect only when EnableFlowControl is set.
func (e *Engine) StartStream(ctx context.Context, url string, body []byte, headers map[string]string, consumer corestream.ConsumerFunc, opts Options) (string, error) {
	if opts.ParseChunk == nil {
		return "", fmt.Errorf("engine: ParseChunk is required")
	}

	coordOpts := coordinator.Options{
		ParseChunk:     opts.ParseChunk,
		RecoveryID:     opts.RecoveryID,
		Timeout:        opts.Timeout,
		Provider:       opts.Provider,
		StreamRecovery: opts.StreamRecovery,
		Transform:      opts.Transform,
		Validate:       opts.Validate,
		OnMetrics:      opts.OnMetrics,
	}

	if opts.EnableFlowControl {
		fc := flow.DefaultConfig()
		if opts.BufferCapacity != 0 {
			fc.BufferCapacity = opts.BufferCapacity
		}
		if opts.BackpressureThreshold != 0 {
			fc.BackpressureThreshold = opts.BackpressureThreshold
		}
		fc.OverflowStrategy = opts.OverflowStrategy
		fc.RateLimit = opts.RateLimit
		fc.OnMetrics = opts.OnMetrics

		if opts.EnableBatching {
			bc := batch.DefaultConfig()
			if opts.BatchSize != 0 {
				bc.TargetSize = opts.BatchSize
			}
			if opts.MinBatchSize != 0 {
				bc.MinSize = opts.MinBatchSize
			}
			if opts.MaxBatchSize != 0 {
				bc.MaxSize = opts.MaxBatchSize
			}
			if opts.BatchTimeout != 0 {
				bc.Timeout = opts.BatchTimeout
			}
			bc.Adaptive = opts.AdaptiveBatching
			fc.Batch = &bc
		}

		coordOpts.Flow = &fc
	}

	s, err := e.coord.StartStream(ctx, url, body, headers, consumer, coordOpts)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.streams[s.ID] = s
	e.mu.Unlock()

	go e.reap(s)

	return s.ID, nil
}

// reap removes a stream from the registry once it reaches a terminal
// state, so the registry does not grow unbounded across the process
// lifetime.
func (e *Engine) reap(s *coordinator.Stream) {
	<-s.Done()
	time.Sleep(time.Minute) // grace period for late status/metrics queries
	e.mu.Lock()
	delete(e.streams, s.ID)
	e.mu.Unlock()
}

// CancelStream requests cancellation of an in-flight stream.
func (e *Engine) CancelStream(id string) error {
	e.mu.RLock()
	s, ok := e.streams[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: stream %q not found", id)
	}
	s.CancelStream()
	return nil
}

// GetStreamStatus reports a stream's current state and metrics.
func (e *Engine) GetStreamStatus(id string) (StreamStatus, error) {
	e.mu.RLock()
	s, ok := e.streams[id]
	e.mu.RUnlock()
	if !ok {
		return StreamStatus{}, fmt.Errorf("engine: stream %q not found", id)
	}
	return StreamStatus{
		ID:       s.ID,
		Provider: s.Provider,
		State:    s.State(),
		Metrics:  s.Metrics(),
	}, nil
}

// ListStreams returns the IDs of all currently registered streams.
func (e *Engine) ListStreams() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	return ids
}

// SimpleStream is the convenience wrapper from spec.md §6.2:
// `simple_stream(kwargs)`. It starts a basic-mode stream (no flow
// control) and blocks until the stream reaches a terminal state,
// returning the accumulated content.
func SimpleStream(ctx context.Context, e *Engine, url string, body []byte, headers map[string]string, parseChunk corestream.ParseChunkFunc) (string, error) {
	var result string
	done := make(chan struct{})

	consumer := func(c corestream.Chunk) error {
		result += c.Content
		if corestream.IsTerminal(c.FinishReason) {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		return nil
	}

	id, err := e.StartStream(ctx, url, body, headers, consumer, Options{ParseChunk: parseChunk})
	if err != nil {
		return "", err
	}

	e.mu.RLock()
	s := e.streams[id]
	e.mu.RUnlock()
	if s != nil {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, nil
}
