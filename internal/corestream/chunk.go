// Package corestream holds the types shared by every stage of the
// streaming pipeline — the canonical chunk, per-stream context, and the
// parse/consume hook signatures. It sits at the bottom of the import
// graph so the SSE parser, buffer, batcher, flow controller, and
// coordinator can all depend on it without cycles.
package corestream

import "time"

// Chunk is one delivery unit flowing out of the pipeline toward a
// consumer. It is immutable once produced — whoever currently holds it
// in the pipeline owns it exclusively.
type Chunk struct {
	Content      string
	FinishReason string // "" while streaming; "stop" | "length" | "error" | "cancelled" | provider-defined
	Model        string
	ID           string
	Metadata     map[string]any
}

// Terminal finish reasons recognized by the pipeline. A provider may
// supply others, but IsTerminal does not treat those as terminal, so
// they do not force a ChunkBatcher flush. The coordinator synthesizes
// stop, error and cancelled itself.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishError     = "error"
	FinishCancelled = "cancelled"
	FinishComplete  = "complete"
	FinishEnd       = "end"
)

// IsTerminal reports whether a finish reason ends the stream. Per
// spec.md §4.3, the batcher treats stop/length/complete/error/end as
// terminal triggers for an immediate flush; cancelled is terminal too.
func IsTerminal(reason string) bool {
	switch reason {
	case FinishStop, FinishLength, FinishComplete, FinishError, FinishEnd, FinishCancelled:
		return true
	default:
		return false
	}
}

// Context is the per-stream bookkeeping record threaded through the
// coordinator, flow controller, and engine registry.
type Context struct {
	StreamID  string
	Provider  string
	StartTime time.Time

	Chunks int64
	Bytes  int64
	Errors int64

	FlowControl     bool
	Batching        bool
	DetailedMetrics bool
}

// ParseChunkFunc is the provider-supplied hook that turns one SSE
// event's data payload into a canonical Chunk. It must be pure and
// fast (spec.md §6.1): no I/O, no blocking, and it must never panic —
// malformed input is reported via ParseResult, not a Go panic.
type ParseChunkFunc func(data string) ParseResult

// ParseResult is the sum type ParseChunkFunc returns: exactly one of
// Chunk (ok), Done (provider-signalled end-of-stream with no chunk),
// or Err (malformed / unrecognized event) is meaningful.
type ParseResult struct {
	Chunk *Chunk
	Done  bool
	Err   error
}

// Ok wraps a parsed chunk as a successful ParseResult.
func Ok(c Chunk) ParseResult { return ParseResult{Chunk: &c} }

// DoneResult reports that the provider's hook recognized an explicit
// end-of-stream marker carrying no chunk payload.
func DoneResult() ParseResult { return ParseResult{Done: true} }

// ErrResult wraps a parse failure. The event is dropped; the stream
// continues (spec.md §7: per-event parse failures are swallowed).
func ErrResult(err error) ParseResult { return ParseResult{Err: err} }

// ConsumerFunc is the caller-supplied callback that observes chunks.
// It may perform I/O. The flow controller counts a returned error or a
// panic as a failed delivery toward its error-rate threshold; it does
// not measure how long an invocation takes, so a slow consumer is
// never marked errored for being slow.
type ConsumerFunc func(Chunk) error

// TransformFunc optionally rewrites a chunk after parsing. Returning
// (nil, true) drops the chunk without counting it as "dropped" in
// metrics (spec.md §9 open question: transform-skip is an explicit
// filter, not an overflow drop).
type TransformFunc func(Chunk) (out *Chunk, skip bool)

// ValidateFunc optionally rejects a parsed chunk before it is
// forwarded downstream. A rejected chunk is dropped and counted as a
// stream error; nothing is logged.
type ValidateFunc func(Chunk) error

// MetricsFunc is the type of the OnMetrics callback carried by the
// engine, coordinator and flow option structs. No package in this
// module invokes it; snapshots are read through
// flow.Controller.GetMetrics and coordinator.Stream.Metrics.
type MetricsFunc func(Snapshot)

// Snapshot is a point-in-time metrics reading, shared by FlowController
// and StreamingEngine status queries.
type Snapshot struct {
	StreamID          string
	ChunksReceived    int64
	ChunksDelivered   int64
	Bytes             int64
	BufferFillRatio   float64
	Dropped           int64
	BackpressureCount int64
	AvgBatchSize      float64
	ThroughputCPS     float64
	DurationMS        int64
}
