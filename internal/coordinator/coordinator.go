// Package coordinator implements the StreamingCoordinator from spec.md
// §4.5: end-to-end orchestration of a single streaming HTTP request —
// POST, SSE parsing, the provider parse-chunk hook, optional
// validate/transform, delivery (direct or via FlowController), and
// StreamRecovery integration on error.
//
// Grounded on the teacher's streaming goroutines in
// internal/provider/google.go and internal/provider/anthropic.go (HTTP
// POST with Accept: text/event-stream, a reader goroutine decoding SSE
// lines into StreamChunk, select against ctx.Done() to honor
// cancellation) — generalized from provider-specific SSE line parsing
// to the shared internal/sse.Parser plus a provider-supplied
// corestream.ParseChunkFunc hook, and extended with the FlowController
// bridge and StreamRecovery handoff the teacher's single-shot
// goroutines do not have.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/flow"
	"github.com/streamwerks/llmstream/internal/recovery"
	"github.com/streamwerks/llmstream/internal/sse"
)

// State mirrors the per-stream state machine from spec.md §4.5:
// initialised → connecting → streaming → draining → completed, with
// side branches streaming → recovering → streaming, and any-state →
// errored / cancelled.
type State string

const (
	StateInitialised State = "initialised"
	StateConnecting  State = "connecting"
	StateStreaming   State = "streaming"
	StateRecovering  State = "recovering"
	StateDraining    State = "draining"
	StateCompleted   State = "completed"
	StateErrored     State = "errored"
	StateCancelled   State = "cancelled"
)

// CancelDrainDeadline bounds how long a cancelled stream's consumer is
// given to drain already-buffered chunks (spec.md §5: default 250ms).
const CancelDrainDeadline = 250 * time.Millisecond

// Options configures one call to StartStream (spec.md §4.5).
type Options struct {
	ParseChunk     corestream.ParseChunkFunc // required
	RecoveryID     string
	Timeout        time.Duration
	Provider       string
	StreamRecovery bool
	Transform      corestream.TransformFunc
	Validate       corestream.ValidateFunc
	OnMetrics      corestream.MetricsFunc

	// Flow, when non-nil, enables advanced mode: chunks are pushed
	// through a FlowController instead of calling the consumer
	// directly (spec.md §4.5 step 3).
	Flow *flow.Config
}

// Stream is a handle to one in-flight or completed streaming request.
type Stream struct {
	ID       string
	Provider string

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	done   chan struct{}

	flowCtl *flow.Controller

	// Counters are updated from the pump goroutine and read concurrently
	// by Metrics()/GetStreamStatus callers, so they're atomic rather than
	// mutex-guarded like state.
	chunksIn  atomic.Int64
	chunksOut atomic.Int64
	errors    atomic.Int64
}

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done returns a channel closed once the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Metrics returns the FlowController's metrics snapshot when advanced
// mode is active, or a basic counters-only snapshot otherwise.
func (s *Stream) Metrics() corestream.Snapshot {
	if s.flowCtl != nil {
		return s.flowCtl.GetMetrics(s.ID)
	}
	return corestream.Snapshot{
		StreamID:        s.ID,
		ChunksReceived:  s.chunksIn.Load(),
		ChunksDelivered: s.chunksOut.Load(),
	}
}

// Coordinator issues HTTP requests and orchestrates the SSE → chunk →
// consumer pipeline for each stream. One Coordinator may drive many
// concurrent streams; it holds no per-stream mutable state itself.
type Coordinator struct {
	client   *http.Client
	recovery *recovery.Manager
}

// New creates a Coordinator. recoveryMgr may be nil if no stream run
// through it ever sets StreamRecovery: true.
func New(client *http.Client, recoveryMgr *recovery.Manager) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Coordinator{client: client, recovery: recoveryMgr}
}

// StartStream begins one streaming HTTP request, per spec.md §4.5's
// execution steps 1-6. It returns immediately; the pipeline runs on a
// dedicated goroutine (spec.md §5: parallel threads with
// message-passing isolation per stream).
func (c *Coordinator) StartStream(ctx context.Context, url string, requestBody []byte, headers map[string]string, consumer corestream.ConsumerFunc, opts Options) (*Stream, error) {
	if opts.ParseChunk == nil {
		return nil, fmt.Errorf("coordinator: ParseChunk is required")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ID:       uuid.New().String(),
		Provider: opts.Provider,
		state:    StateInitialised,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	effectiveConsumer := consumer
	if opts.Flow != nil {
		s.flowCtl = flow.New(*opts.Flow, consumer)
		effectiveConsumer = func(ch corestream.Chunk) error {
			s.flowCtl.PushChunk(ch)
			return nil
		}
	}

	if opts.StreamRecovery && c.recovery != nil {
		c.recovery.InitRecovery(s.ID, opts.Provider)
	}

	go c.run(streamCtx, s, url, requestBody, headers, effectiveConsumer, opts)

	return s, nil
}

// CancelStream implements spec.md §5's cancellation semantics:
// asynchronous, idempotent, closes the HTTP connection promptly, and
// guarantees exactly one terminal chunk reaches the consumer.
func (s *Stream) CancelStream() {
	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateCancelled || s.state == StateErrored {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.mu.Unlock()
	s.cancel()
}

// run drives the connect/stream/reconnect loop for one stream. On a
// recoverable transport error with StreamRecovery enabled, it waits
// out the backoff and reissues the request in place — the retry is
// invisible to the consumer, matching spec.md §4.6's stated goal — and
// only surfaces a terminal error chunk once recovery is exhausted or
// the error is non-recoverable.
func (c *Coordinator) run(ctx context.Context, s *Stream, url string, body []byte, headers map[string]string, consumer corestream.ConsumerFunc, opts Options) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			c.drainAndCancel(s, consumer, opts)
			return
		}

		s.setState(StateConnecting)

		outcome := c.attempt(ctx, s, url, body, headers, consumer, opts)

		switch outcome.kind {
		case outcomeSuccess:
			c.finishSuccess(ctx, s, consumer, opts)
			return
		case outcomeCancelled:
			c.drainAndCancel(s, consumer, opts)
			return
		case outcomeError:
			if opts.StreamRecovery && c.recovery != nil && recovery.Recoverable(outcome.err) {
				s.setState(StateRecovering)
				if c.recovery.RecordError(s.ID, outcome.err) {
					if werr := c.recovery.WaitForReconnect(ctx, s.ID); werr != nil {
						c.drainAndCancel(s, consumer, opts)
						return
					}
					continue // reconnect: consumer never sees this error
				}
			}
			s.setState(StateErrored)
			consumer(corestream.Chunk{Content: fmt.Sprintf("Error: %v", outcome.err), FinishReason: corestream.FinishError})
			if s.flowCtl != nil {
				// Without this, runLoop's goroutine and buffer never
				// terminate: CompleteStream is what closes s.flowCtl.done.
				s.flowCtl.CompleteStream(ctx)
			}
			return
		}
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeCancelled
	outcomeError
)

type attemptOutcome struct {
	kind outcomeKind
	err  error
}

// attempt issues one HTTP POST and pumps its response body until the
// stream ends, is cancelled, or a transport error occurs.
func (c *Coordinator) attempt(ctx context.Context, s *Stream, url string, body []byte, headers map[string]string, consumer corestream.ConsumerFunc, opts Options) attemptOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{kind: outcomeError, err: fmt.Errorf("%w: %v", corestream.ErrTransport, err)}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := c.client
	if opts.Timeout > 0 {
		cl := *client
		cl.Timeout = opts.Timeout
		client = &cl
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{kind: outcomeCancelled}
		}
		return attemptOutcome{kind: outcomeError, err: classifyHTTPError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return attemptOutcome{kind: outcomeError, err: classifyStatus(resp.StatusCode)}
	}

	s.setState(StateStreaming)
	return c.pump(ctx, s, resp.Body, consumer, opts)
}

// pump reads the HTTP response body, feeds the SSE parser, and
// dispatches events — spec.md §4.5 steps 4-7.
func (c *Coordinator) pump(ctx context.Context, s *Stream, body io.Reader, consumer corestream.ConsumerFunc, opts Options) attemptOutcome {
	parser := sse.New()
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return attemptOutcome{kind: outcomeCancelled}
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			events := parser.Feed(buf[:n])
			if done := c.dispatchEvents(ctx, s, events, consumer, opts); done {
				return attemptOutcome{kind: outcomeSuccess}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return attemptOutcome{kind: outcomeCancelled}
			}
			if err == io.EOF {
				events := parser.Flush()
				c.dispatchEvents(ctx, s, events, consumer, opts)
				return attemptOutcome{kind: outcomeSuccess}
			}
			return attemptOutcome{kind: outcomeError, err: fmt.Errorf("%w: %v", corestream.ErrTransport, err)}
		}
	}
}

// dispatchEvents processes a batch of SSE events and reports whether a
// "[DONE]" sentinel was observed.
func (c *Coordinator) dispatchEvents(ctx context.Context, s *Stream, events []sse.Event, consumer corestream.ConsumerFunc, opts Options) bool {
	for _, ev := range events {
		if ev.Data == "[DONE]" {
			return true
		}

		result := opts.ParseChunk(ev.Data)
		switch {
		case result.Err != nil:
			s.errors.Add(1)
			continue
		case result.Done:
			continue
		case result.Chunk != nil:
			c.deliverChunk(ctx, s, *result.Chunk, consumer, opts)
		}
	}
	return false
}

func (c *Coordinator) deliverChunk(ctx context.Context, s *Stream, chunk corestream.Chunk, consumer corestream.ConsumerFunc, opts Options) {
	if opts.StreamRecovery && c.recovery != nil {
		if c.recovery.IsDuplicate(s.ID, chunk) {
			return
		}
	}

	if opts.Validate != nil {
		if err := opts.Validate(chunk); err != nil {
			s.errors.Add(1)
			return
		}
	}

	if opts.Transform != nil {
		out, skip := opts.Transform(chunk)
		if skip {
			// spec.md §9 open question: an explicit transform skip is
			// not counted as a buffer drop.
			return
		}
		if out != nil {
			chunk = *out
		}
	}

	s.chunksIn.Add(1)

	if opts.StreamRecovery && c.recovery != nil {
		c.recovery.RecordChunk(s.ID, chunk)
	}

	if err := consumer(chunk); err == nil {
		s.chunksOut.Add(1)
	}
}

// drainAndCancel implements the cancel-path drain from spec.md §5:
// deliver already-buffered chunks up to CancelDrainDeadline, then
// deliver exactly one terminal cancelled chunk.
func (c *Coordinator) drainAndCancel(s *Stream, consumer corestream.ConsumerFunc, opts Options) {
	s.setState(StateCancelled)

	if s.flowCtl != nil {
		// Push the terminal chunk into the flow controller's own buffer
		// *before* CompleteStream, so it is drained and delivered through
		// the still-running consumer loop rather than dropped into a
		// buffer nothing will ever pop again.
		s.flowCtl.PushChunk(corestream.Chunk{Content: "", FinishReason: corestream.FinishCancelled})
		drainCtx, cancel := context.WithTimeout(context.Background(), CancelDrainDeadline)
		defer cancel()
		s.flowCtl.CompleteStream(drainCtx)
	} else {
		consumer(corestream.Chunk{Content: "", FinishReason: corestream.FinishCancelled})
	}

	if opts.StreamRecovery && c.recovery != nil {
		c.recovery.CompleteStream(s.ID)
	}
}

func (c *Coordinator) finishSuccess(ctx context.Context, s *Stream, consumer corestream.ConsumerFunc, opts Options) {
	s.setState(StateDraining)

	if s.flowCtl != nil {
		// Same ordering as drainAndCancel: the terminal chunk must be
		// queued before CompleteStream so the drain loop delivers it
		// instead of CompleteStream closing down an already-silent
		// consumer loop.
		s.flowCtl.PushChunk(corestream.Chunk{Content: "", FinishReason: corestream.FinishStop})
		s.flowCtl.CompleteStream(ctx)
	} else {
		consumer(corestream.Chunk{Content: "", FinishReason: corestream.FinishStop})
	}

	if opts.StreamRecovery && c.recovery != nil {
		c.recovery.CompleteStream(s.ID)
	}

	s.setState(StateCompleted)
}

func classifyHTTPError(err error) error {
	return fmt.Errorf("%w: %v", corestream.ErrTransport, err)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", corestream.ErrAuth, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", corestream.ErrRateLimit, code)
	case code == 529:
		return fmt.Errorf("%w: status %d", corestream.ErrService, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", corestream.ErrService, code)
	case code >= 400:
		return fmt.Errorf("%w: status %d", corestream.ErrValidation, code)
	default:
		return fmt.Errorf("%w: unexpected status %d", corestream.ErrTransport, code)
	}
}
