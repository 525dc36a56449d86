// Package batch implements the adaptive ChunkBatcher from spec.md
// §4.3: group small chunks for efficient delivery, flushing on size,
// timeout, a terminal finish reason, or explicit request.
//
// The flush-on-size-or-timer shape is grounded on the
// NewBufferedStreamer pattern in
// other_examples/d5e2f21e_ppipada-inference-go__internal-sdkutil-throttle_stream.go.go
// (a ticker goroutine plus a size-triggered inline flush over a mutex-
// guarded buffer); this module generalizes it from a flat string
// buffer to a []corestream.Chunk batch and adds the adaptive
// target/timeout recomputation spec.md §4.3 requires, which the
// throttle-stream source does not implement.
package batch

import (
	"time"

	"github.com/streamwerks/llmstream/internal/corestream"
)

// FlushReason records why a Batch was emitted.
type FlushReason string

const (
	ReasonSize        FlushReason = "size"
	ReasonTimeout     FlushReason = "timeout"
	ReasonEndMarker   FlushReason = "end-marker"
	ReasonForced      FlushReason = "forced"
)

// Batch is an ordered, non-empty sequence of chunks plus the reason it
// was flushed (spec.md §3).
type Batch struct {
	Chunks []corestream.Chunk
	Reason FlushReason
}

// Config holds the Batcher's tunable knobs (spec.md §4.3).
type Config struct {
	TargetSize int
	MinSize    int
	MaxSize    int
	Timeout    time.Duration
	Adaptive   bool
}

// DefaultConfig matches spec.md §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		TargetSize: 5,
		MinSize:    1,
		MaxSize:    20,
		Timeout:    25 * time.Millisecond,
		Adaptive:   false,
	}
}

const adaptiveWindow = 20

// Batcher accumulates chunks into Batches. It is not safe for
// concurrent use — like StreamBuffer, it is owned exclusively by the
// FlowController's consumer loop (spec.md §9).
type Batcher struct {
	cfg Config

	current       []corestream.Chunk
	effTargetSize int
	effTimeout    time.Duration

	firstChunkAt time.Time
	lastChunkAt  time.Time

	sizeHistory     []int
	intervalHistory []time.Duration
}

// New creates a Batcher with the given configuration.
func New(cfg Config) *Batcher {
	if cfg.MinSize < 1 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.TargetSize < cfg.MinSize {
		cfg.TargetSize = cfg.MinSize
	}
	if cfg.TargetSize > cfg.MaxSize {
		cfg.TargetSize = cfg.MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Millisecond
	}
	return &Batcher{
		cfg:           cfg,
		effTargetSize: cfg.TargetSize,
		effTimeout:    cfg.Timeout,
	}
}

// AddResult is the outcome of Add: either the chunk was buffered, or a
// Batch became ready and was returned (and the internal buffer reset).
type AddResult struct {
	Ready bool
	Batch Batch
}

// Add appends chunk to the current batch, recording adaptive-sizing
// history, and reports whether the batch is now ready for delivery.
func (b *Batcher) Add(chunk corestream.Chunk) AddResult {
	now := time.Now()

	if len(b.current) == 0 {
		b.firstChunkAt = now
	} else if b.cfg.Adaptive {
		b.recordInterval(now.Sub(b.lastChunkAt))
	}
	b.lastChunkAt = now

	if b.cfg.Adaptive {
		b.recordSize(len([]byte(chunk.Content)))
	}

	b.current = append(b.current, chunk)

	switch {
	case len(b.current) >= b.cfg.MaxSize:
		return AddResult{Ready: true, Batch: b.take(ReasonSize)}
	case len(b.current) >= b.effTargetSize:
		return AddResult{Ready: true, Batch: b.take(ReasonSize)}
	case corestream.IsTerminal(chunk.FinishReason):
		return AddResult{Ready: true, Batch: b.take(ReasonEndMarker)}
	default:
		return AddResult{}
	}
}

// TimedOut reports whether the current batch's timeout has elapsed,
// and if so, flushes it with ReasonTimeout. Callers drive this from a
// timer tied to firstChunkAt + effective timeout (spec.md §5: "either
// a single scheduler thread per stream... or language-native timers").
func (b *Batcher) TimedOut(now time.Time) (Batch, bool) {
	if len(b.current) == 0 {
		return Batch{}, false
	}
	if now.Sub(b.firstChunkAt) < b.effTimeout {
		return Batch{}, false
	}
	return b.take(ReasonTimeout), true
}

// NextDeadline returns when the current batch's timeout would fire, or
// the zero Time if no batch is in progress.
func (b *Batcher) NextDeadline() time.Time {
	if len(b.current) == 0 {
		return time.Time{}
	}
	return b.firstChunkAt.Add(b.effTimeout)
}

// Flush always returns the current (possibly empty) batch and cancels
// any pending timeout — per spec.md §4.3, flush-then-add behaves as a
// fresh batcher (spec.md §8 idempotence law).
func (b *Batcher) Flush() Batch {
	return b.take(ReasonForced)
}

// Pending reports how many chunks are currently buffered.
func (b *Batcher) Pending() int {
	return len(b.current)
}

func (b *Batcher) take(reason FlushReason) Batch {
	chunks := b.current
	b.current = nil
	if b.cfg.Adaptive {
		b.recompute()
	}
	return Batch{Chunks: chunks, Reason: reason}
}

func (b *Batcher) recordSize(n int) {
	b.sizeHistory = append(b.sizeHistory, n)
	if len(b.sizeHistory) > adaptiveWindow {
		b.sizeHistory = b.sizeHistory[len(b.sizeHistory)-adaptiveWindow:]
	}
}

func (b *Batcher) recordInterval(d time.Duration) {
	b.intervalHistory = append(b.intervalHistory, d)
	if len(b.intervalHistory) > adaptiveWindow {
		b.intervalHistory = b.intervalHistory[len(b.intervalHistory)-adaptiveWindow:]
	}
}

// recompute re-derives the effective target size and timeout from the
// last 20 chunk sizes and inter-arrival intervals, per spec.md §4.3's
// adaptive-behavior rules.
func (b *Batcher) recompute() {
	if len(b.sizeHistory) > 0 {
		avg := avgInt(b.sizeHistory)
		switch {
		case avg > 1000:
			b.effTargetSize = clamp(b.effTargetSize-2, b.cfg.MinSize, b.cfg.MaxSize)
		case avg < 100:
			b.effTargetSize = clamp(b.effTargetSize+2, b.cfg.MinSize, b.cfg.MaxSize)
		}
	}

	if len(b.intervalHistory) > 0 {
		avg := avgDuration(b.intervalHistory)
		switch {
		case avg < 10*time.Millisecond:
			b.effTimeout += 10 * time.Millisecond
		case avg > 100*time.Millisecond:
			b.effTimeout = clampDuration(b.effTimeout-10*time.Millisecond, 10*time.Millisecond)
		}
	}
}

func avgInt(xs []int) float64 {
	sum := 0
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func avgDuration(xs []time.Duration) time.Duration {
	var sum time.Duration
	for _, x := range xs {
		sum += x
	}
	return sum / time.Duration(len(xs))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	return v
}
