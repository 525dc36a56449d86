// Package metrics wires the pipeline's corestream.Snapshot readings
// into Prometheus, exposed over promhttp at /metrics (SPEC_FULL.md
// §2A, §6C).
//
// Grounded on the Collector pattern in
// other_examples/mercator-hq-jupiter's pkg/telemetry/metrics/collector.go:
// a constructor taking a *prometheus.Registry, a handful of named
// sub-metrics grouped by concern, and a Record* method per event type.
// Adapted here to the streaming domain's concerns (chunks, bytes,
// backpressure, batch size, recovery attempts) instead of HTTP-gateway
// request metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamwerks/llmstream/internal/corestream"
)

// Collector owns every Prometheus metric the streaming pipeline emits.
type Collector struct {
	chunksReceived   *prometheus.CounterVec
	chunksDelivered  *prometheus.CounterVec
	bytesDelivered   *prometheus.CounterVec
	chunksDropped    *prometheus.CounterVec
	backpressure     *prometheus.CounterVec
	bufferFillRatio  *prometheus.GaugeVec
	avgBatchSize     *prometheus.GaugeVec
	throughputCPS    *prometheus.GaugeVec
	recoveryAttempts *prometheus.CounterVec
	streamDuration   *prometheus.HistogramVec

	// Snapshot fields are cumulative-since-stream-start, but
	// RecordSnapshot may be called repeatedly over a stream's life (e.g.
	// from an on_metrics callback, spec.md §6.4). last tracks
	// the previous cumulative reading per stream so RecordSnapshot can
	// add only the delta to the Prometheus counters instead of
	// double-counting on every call.
	mu   sync.Mutex
	last map[string]corestream.Snapshot
}

// NewCollector builds and registers every metric against registry.
// Passing a fresh *prometheus.Registry (rather than the global default
// registerer) keeps test instantiation side-effect free, matching the
// mercator-hq-jupiter collector's constructor shape.
func NewCollector(registry *prometheus.Registry) *Collector {
	c := &Collector{
		chunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "chunks_received_total",
			Help:      "Chunks received by the flow controller, per provider.",
		}, []string{"provider"}),
		chunksDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "chunks_delivered_total",
			Help:      "Chunks delivered to the consumer callback, per provider.",
		}, []string{"provider"}),
		bytesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "bytes_delivered_total",
			Help:      "Content bytes delivered to the consumer callback, per provider.",
		}, []string{"provider"}),
		chunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "chunks_dropped_total",
			Help:      "Chunks dropped by buffer overflow, per provider.",
		}, []string{"provider"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "backpressure_events_total",
			Help:      "Count of push_chunk calls that returned backpressure.",
		}, []string{"provider"}),
		bufferFillRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "buffer_fill_ratio",
			Help:      "Most recent StreamBuffer fill ratio, per stream.",
		}, []string{"stream_id"}),
		avgBatchSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "avg_batch_size",
			Help:      "Running average ChunkBatcher batch size, per stream.",
		}, []string{"stream_id"}),
		throughputCPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "throughput_chunks_per_second",
			Help:      "Delivered-chunk throughput, per stream.",
		}, []string{"stream_id"}),
		last: make(map[string]corestream.Snapshot),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmstream",
			Subsystem: "recovery",
			Name:      "reconnect_attempts_total",
			Help:      "StreamRecovery reconnect attempts, per provider.",
		}, []string{"provider"}),
		streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmstream",
			Subsystem: "pipeline",
			Name:      "stream_duration_seconds",
			Help:      "Wall-clock duration of completed streams, per provider.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
	}

	registry.MustRegister(
		c.chunksReceived,
		c.chunksDelivered,
		c.bytesDelivered,
		c.chunksDropped,
		c.backpressure,
		c.bufferFillRatio,
		c.avgBatchSize,
		c.throughputCPS,
		c.recoveryAttempts,
		c.streamDuration,
	)

	return c
}

// RecordSnapshot folds a FlowController/coordinator metrics snapshot
// into the Prometheus series for provider and streamID. Safe to call
// repeatedly over a stream's life (e.g. from on_metrics) — only the
// delta since the last call for this streamID is added to the counters.
func (c *Collector) RecordSnapshot(provider, streamID string, snap corestream.Snapshot) {
	c.mu.Lock()
	prev := c.last[streamID]
	c.last[streamID] = snap
	c.mu.Unlock()

	c.chunksReceived.WithLabelValues(provider).Add(float64(snap.ChunksReceived - prev.ChunksReceived))
	c.chunksDelivered.WithLabelValues(provider).Add(float64(snap.ChunksDelivered - prev.ChunksDelivered))
	c.bytesDelivered.WithLabelValues(provider).Add(float64(snap.Bytes - prev.Bytes))
	c.chunksDropped.WithLabelValues(provider).Add(float64(snap.Dropped - prev.Dropped))
	c.backpressure.WithLabelValues(provider).Add(float64(snap.BackpressureCount - prev.BackpressureCount))
	c.bufferFillRatio.WithLabelValues(streamID).Set(snap.BufferFillRatio)
	c.avgBatchSize.WithLabelValues(streamID).Set(snap.AvgBatchSize)
	c.throughputCPS.WithLabelValues(streamID).Set(snap.ThroughputCPS)
}

// Forget drops a completed stream's delta-tracking state and its
// per-stream gauge series, bounding cardinality growth over the
// process lifetime.
func (c *Collector) Forget(streamID string) {
	c.mu.Lock()
	delete(c.last, streamID)
	c.mu.Unlock()
	c.bufferFillRatio.DeleteLabelValues(streamID)
	c.avgBatchSize.DeleteLabelValues(streamID)
	c.throughputCPS.DeleteLabelValues(streamID)
}

// RecordReconnectAttempt counts one StreamRecovery reconnect attempt.
func (c *Collector) RecordReconnectAttempt(provider string) {
	c.recoveryAttempts.WithLabelValues(provider).Inc()
}

// RecordStreamDuration records a completed stream's wall-clock duration.
func (c *Collector) RecordStreamDuration(provider string, seconds float64) {
	c.streamDuration.WithLabelValues(provider).Observe(seconds)
}
