// Package flow implements the FlowController from spec.md §4.4: the
// producer→consumer bridge that owns a StreamBuffer and optional
// ChunkBatcher, applies backpressure and rate limiting, and reports
// metrics.
//
// The goroutine-plus-channel shape (producer pushes, a dedicated
// consumer loop pops and rate-limits delivery) generalizes the
// teacher's goroutine-per-stream pattern in
// internal/provider/google.go and internal/provider/anthropic.go,
// where a single goroutine reads SSE lines and sends on an unbuffered
// channel guarded by a ctx.Done() select — here the buffer plus a
// dedicated consumer loop replace the raw channel so backpressure and
// batching can be layered in between.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/streamwerks/llmstream/internal/batch"
	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/streambuffer"
)

// Status mirrors the FlowController state enum from spec.md §3.
type Status string

const (
	StatusActive       Status = "active"
	StatusBackpressure Status = "backpressure"
	StatusDraining     Status = "draining"
	StatusCompleted    Status = "completed"
	StatusErrored      Status = "errored"
)

// PushResult is the outcome of PushChunk.
type PushResult int

const (
	PushOK PushResult = iota
	PushBackpressure
)

// Config holds the FlowController's tunable knobs (spec.md §4.4, §6.4).
type Config struct {
	BufferCapacity        int
	BackpressureThreshold float64 // (0, 1], default 0.8
	OverflowStrategy      streambuffer.OverflowStrategy
	RateLimit             time.Duration // min interval between consumer invocations
	Batch                 *batch.Config // nil disables batching
	// OnMetrics and MetricsInterval are stored but not used: the
	// controller never calls OnMetrics. Snapshots are read through
	// GetMetrics.
	OnMetrics       corestream.MetricsFunc
	MetricsInterval time.Duration

	// FinalizationTimeout bounds how long CompleteStream waits for the
	// buffer to drain to zero (spec.md §4.4).
	FinalizationTimeout time.Duration

	// ConsumerErrorWindow / ConsumerErrorThreshold implement "errors
	// exceed a hard threshold (e.g., 50% of last 20 deliveries)"
	// (spec.md §4.4).
	ConsumerErrorWindow    int
	ConsumerErrorThreshold float64

	// PollInterval is how often the consumer loop wakes up absent a
	// push notification, so a pending batch can still time out even
	// when no further chunks arrive.
	PollInterval time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:         100,
		BackpressureThreshold:  0.8,
		OverflowStrategy:       streambuffer.Drop,
		RateLimit:              0,
		FinalizationTimeout:    2 * time.Second,
		ConsumerErrorWindow:    20,
		ConsumerErrorThreshold: 0.5,
		PollInterval:           5 * time.Millisecond,
	}
}

// Controller is the FlowController state resource from spec.md §3. It
// is created per-stream and destroyed on terminal event.
type Controller struct {
	cfg      Config
	buf      *streambuffer.Buffer
	batcher  *batch.Batcher
	consumer corestream.ConsumerFunc

	mu     sync.Mutex
	status Status

	notify chan struct{}
	done   chan struct{}
	loopWG sync.WaitGroup

	startTime        time.Time
	chunksReceived   int64
	chunksDelivered  int64
	bytes            int64
	backpressureHits int64
	batchSizes       []int
	lastDeliveryAt   time.Time

	recentResults []bool // ring of last N consumer invocation outcomes
}

// New creates a Controller ready to accept pushes. It starts the
// consumer loop goroutine immediately.
func New(cfg Config, consumer corestream.ConsumerFunc) *Controller {
	if cfg.BufferCapacity < 1 {
		cfg.BufferCapacity = 1
	}
	if cfg.BackpressureThreshold <= 0 || cfg.BackpressureThreshold > 1 {
		cfg.BackpressureThreshold = 0.8
	}
	if cfg.FinalizationTimeout <= 0 {
		cfg.FinalizationTimeout = 2 * time.Second
	}
	if cfg.ConsumerErrorWindow <= 0 {
		cfg.ConsumerErrorWindow = 20
	}
	if cfg.ConsumerErrorThreshold <= 0 {
		cfg.ConsumerErrorThreshold = 0.5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	c := &Controller{
		cfg:       cfg,
		buf:       streambuffer.New(cfg.BufferCapacity, cfg.OverflowStrategy),
		consumer:  consumer,
		status:    StatusActive,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	if cfg.Batch != nil {
		c.batcher = batch.New(*cfg.Batch)
	}

	c.loopWG.Add(1)
	go c.runLoop()
	return c
}

// PushChunk attempts to enqueue chunk and reports whether the producer
// should back off, per spec.md §4.4.
func (c *Controller) PushChunk(chunk corestream.Chunk) PushResult {
	c.mu.Lock()
	c.chunksReceived++
	c.bytes += int64(len(chunk.Content))

	res := c.buf.Push(chunk)
	fillRatio := c.buf.FillRatio()
	c.mu.Unlock()

	c.wake()

	if res == streambuffer.PushOverflow {
		c.mu.Lock()
		c.backpressureHits++
		c.mu.Unlock()
		c.setStatus(StatusBackpressure)
		return PushBackpressure
	}
	if fillRatio >= c.cfg.BackpressureThreshold {
		c.mu.Lock()
		c.backpressureHits++
		c.mu.Unlock()
		c.setStatus(StatusBackpressure)
		return PushBackpressure
	}
	c.clearBackpressureStatus()
	return PushOK
}

func (c *Controller) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	if c.status == StatusActive || c.status == StatusBackpressure {
		c.status = s
	}
	c.mu.Unlock()
}

func (c *Controller) clearBackpressureStatus() {
	c.mu.Lock()
	if c.status == StatusBackpressure {
		c.status = StatusActive
	}
	c.mu.Unlock()
}

// runLoop is the consumer activity from spec.md §5: it pops chunks
// (optionally via the batcher), enforces the rate limit, and invokes
// the consumer callback. It never touches the buffer concurrently with
// PushChunk thanks to the shared mutex (spec.md §9: StreamBuffer
// operations are serialized).
func (c *Controller) runLoop() {
	defer c.loopWG.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.drainAvailable()

		select {
		case <-c.done:
			return
		case <-c.notify:
		case <-ticker.C:
		}
	}
}

// drainAvailable pops everything currently available and delivers it,
// applying batching and rate limiting.
func (c *Controller) drainAvailable() {
	for {
		if c.isErrored() {
			return
		}

		c.mu.Lock()
		chunk, ok := c.buf.Pop()
		if !ok {
			// Nothing buffered; check whether a pending batch has
			// timed out and should flush anyway.
			if c.batcher != nil {
				if b, timedOut := c.batcher.TimedOut(time.Now()); timedOut {
					c.mu.Unlock()
					c.deliverBatch(b)
					continue
				}
			}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if c.batcher == nil {
			c.deliverOne(chunk)
			continue
		}

		result := c.batcher.Add(chunk)
		if result.Ready {
			c.deliverBatch(result.Batch)
		}
	}
}

func (c *Controller) deliverBatch(b batch.Batch) {
	c.mu.Lock()
	if len(b.Chunks) > 0 {
		c.batchSizes = append(c.batchSizes, len(b.Chunks))
	}
	c.mu.Unlock()

	for _, ch := range b.Chunks {
		c.deliverOne(ch)
	}
}

// deliverOne enforces the rate limit and invokes the consumer for a
// single chunk, updating delivered/error counters.
func (c *Controller) deliverOne(chunk corestream.Chunk) {
	c.mu.Lock()
	if !c.lastDeliveryAt.IsZero() && c.cfg.RateLimit > 0 {
		wait := c.cfg.RateLimit - time.Since(c.lastDeliveryAt)
		c.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
	} else {
		c.mu.Unlock()
	}

	err := c.invokeConsumer(chunk)

	c.mu.Lock()
	c.lastDeliveryAt = time.Now()
	c.chunksDelivered++
	c.recordResult(err == nil)
	c.mu.Unlock()

	if c.consumerErrorRateExceeded() {
		c.setStatus(StatusErrored)
	}
}

// invokeConsumer calls the user callback, converting a panic into an
// error so a misbehaving consumer never kills the producer (spec.md
// §4.4: "On callback exception: increment errors, do not propagate").
func (c *Controller) invokeConsumer(chunk corestream.Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = corestream.ErrConsumer
		}
	}()
	return c.consumer(chunk)
}

func (c *Controller) recordResult(ok bool) {
	c.recentResults = append(c.recentResults, ok)
	if len(c.recentResults) > c.cfg.ConsumerErrorWindow {
		c.recentResults = c.recentResults[len(c.recentResults)-c.cfg.ConsumerErrorWindow:]
	}
}

func (c *Controller) consumerErrorRateExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recentResults) < c.cfg.ConsumerErrorWindow {
		return false
	}
	failures := 0
	for _, ok := range c.recentResults {
		if !ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(c.recentResults))
	return rate > c.cfg.ConsumerErrorThreshold
}

func (c *Controller) isErrored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusErrored
}

// CompleteStream signals end-of-stream: flushes the batcher, waits for
// the buffer to drain to zero (bounded by FinalizationTimeout),
// delivers any remaining chunks, and transitions to completed.
func (c *Controller) CompleteStream(ctx context.Context) {
	c.setStatus(StatusDraining)

	c.mu.Lock()
	if c.batcher != nil {
		final := c.batcher.Flush()
		c.mu.Unlock()
		c.deliverBatch(final)
	} else {
		c.mu.Unlock()
	}

	deadline := time.Now().Add(c.cfg.FinalizationTimeout)
	for {
		c.mu.Lock()
		empty := c.buf.Empty()
		c.mu.Unlock()
		if empty || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			c.drainAvailable()
			goto drained
		case <-time.After(time.Millisecond):
		}
		c.drainAvailable()
	}
drained:

	close(c.done)
	c.loopWG.Wait()

	// Chunks drained into the batcher after the first flush above have
	// not formed a ready batch yet; deliver them now that the loop is
	// stopped.
	if c.batcher != nil && !c.isErrored() {
		c.mu.Lock()
		rest := c.batcher.Flush()
		c.mu.Unlock()
		c.deliverBatch(rest)
	}

	c.mu.Lock()
	if c.status != StatusErrored {
		c.status = StatusCompleted
	}
	c.mu.Unlock()
}

// Status reports the controller's current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GetMetrics returns a point-in-time metrics snapshot (spec.md §4.4).
func (c *Controller) GetMetrics(streamID string) corestream.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.buf.Stats()
	duration := time.Since(c.startTime)

	var avgBatch float64
	if len(c.batchSizes) > 0 {
		sum := 0
		for _, s := range c.batchSizes {
			sum += s
		}
		avgBatch = float64(sum) / float64(len(c.batchSizes))
	}

	var throughput float64
	if duration > 0 {
		throughput = float64(c.chunksDelivered) / duration.Seconds()
	}

	return corestream.Snapshot{
		StreamID:          streamID,
		ChunksReceived:    c.chunksReceived,
		ChunksDelivered:   c.chunksDelivered,
		Bytes:             c.bytes,
		BufferFillRatio:   c.buf.FillRatio(),
		Dropped:           stats.Dropped,
		BackpressureCount: c.backpressureHits,
		AvgBatchSize:      avgBatch,
		ThroughputCPS:     throughput,
		DurationMS:        duration.Milliseconds(),
	}
}
