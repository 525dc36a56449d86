package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/flow"
	"github.com/streamwerks/llmstream/internal/recovery"
)

// sseServer returns an httptest.Server that writes body verbatim as
// the SSE response, optionally flushing between chunks if split on
// "|||".
func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, part := range strings.Split(body, "|||") {
			w.Write([]byte(part))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func echoParseChunk(data string) corestream.ParseResult {
	return corestream.Ok(corestream.Chunk{Content: data})
}

func collector() (corestream.ConsumerFunc, func() []corestream.Chunk) {
	var mu sync.Mutex
	var got []corestream.Chunk
	fn := func(c corestream.Chunk) error {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		return nil
	}
	read := func() []corestream.Chunk {
		mu.Lock()
		defer mu.Unlock()
		out := make([]corestream.Chunk, len(got))
		copy(out, got)
		return out
	}
	return fn, read
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish in time")
	}
}

func TestCoordinator_HappyPath(t *testing.T) {
	srv := sseServer(t, "data: hello\n\ndata: world\n\ndata: [DONE]\n\n")
	defer srv.Close()

	c := New(srv.Client(), nil)
	consumer, read := collector()

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.Len(t, got, 3) // hello, world, synthesized terminal "stop"
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "world", got[1].Content)
	assert.Equal(t, corestream.FinishStop, got[2].FinishReason)
	assert.Equal(t, StateCompleted, s.State())
}

func TestCoordinator_SplitDeliveryAcrossReads(t *testing.T) {
	// Same logical event split across two physical writes/flushes.
	srv := sseServer(t, "data: hel|||lo\n\n|||data: [DONE]\n\n")
	defer srv.Close()

	c := New(srv.Client(), nil)
	consumer, read := collector()

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, "hello", got[0].Content)
}

func TestCoordinator_MalformedEventDoesNotAbortStream(t *testing.T) {
	srv := sseServer(t, "data: good\n\ndata: bad\n\ndata: [DONE]\n\n")
	defer srv.Close()

	c := New(srv.Client(), nil)
	consumer, read := collector()

	parse := func(data string) corestream.ParseResult {
		if data == "bad" {
			return corestream.ErrResult(assert.AnError)
		}
		return corestream.Ok(corestream.Chunk{Content: data})
	}

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: parse,
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.Len(t, got, 2) // good + synthesized terminal, bad swallowed
	assert.Equal(t, "good", got[0].Content)
}

func TestCoordinator_ValidateRejectsChunk(t *testing.T) {
	srv := sseServer(t, "data: reject-me\n\ndata: keep-me\n\ndata: [DONE]\n\n")
	defer srv.Close()

	c := New(srv.Client(), nil)
	consumer, read := collector()

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
		Validate: func(ch corestream.Chunk) error {
			if ch.Content == "reject-me" {
				return assert.AnError
			}
			return nil
		},
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.Len(t, got, 2)
	assert.Equal(t, "keep-me", got[0].Content)
}

func TestCoordinator_TransformSkipDropsChunkSilently(t *testing.T) {
	srv := sseServer(t, "data: skip-me\n\ndata: keep-me\n\ndata: [DONE]\n\n")
	defer srv.Close()

	c := New(srv.Client(), nil)
	consumer, read := collector()

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
		Transform: func(ch corestream.Chunk) (*corestream.Chunk, bool) {
			if ch.Content == "skip-me" {
				return nil, true
			}
			return &ch, false
		},
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.Len(t, got, 2)
	assert.Equal(t, "keep-me", got[0].Content)
}

func TestCoordinator_CancelDeliversTerminalCancelledChunk(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: first\n\n"))
		flusher.Flush()
		<-block // hang until the test cancels
	}))
	defer srv.Close()
	defer close(block)

	c := New(srv.Client(), nil)
	consumer, read := collector()

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.CancelStream()
	waitDone(t, s)

	got := read()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, corestream.FinishCancelled, last.FinishReason)
	assert.Equal(t, StateCancelled, s.State())
}

func TestCoordinator_AuthErrorIsNonRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	recMgr := recovery.NewManager(recovery.DefaultConfig())
	defer recMgr.Close()

	c := New(srv.Client(), recMgr)
	consumer, read := collector()

	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk:     echoParseChunk,
		StreamRecovery: true,
		Provider:       "test",
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.Len(t, got, 1)
	assert.Equal(t, corestream.FinishError, got[0].FinishReason)
	assert.Equal(t, StateErrored, s.State())
}

// TestCoordinator_FlowControlledSuccessDeliversTerminalChunk guards
// against finishSuccess calling flowCtl.CompleteStream without ever
// pushing a terminal chunk through it — a regression that left the
// consumer waiting forever for a FinishStop that never arrived.
func TestCoordinator_FlowControlledSuccessDeliversTerminalChunk(t *testing.T) {
	srv := sseServer(t, "data: hello\n\ndata: [DONE]\n\n")
	defer srv.Close()

	c := New(srv.Client(), nil)
	consumer, read := collector()

	fc := flow.DefaultConfig()
	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
		Flow:       &fc,
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, corestream.FinishStop, last.FinishReason)
	assert.Equal(t, StateCompleted, s.State())
}

// TestCoordinator_FlowControlledCancelDeliversTerminalChunk guards
// against drainAndCancel pushing the cancelled chunk to the raw
// consumer *after* CompleteStream has already torn down the flow
// controller's consumer loop, silently losing it.
func TestCoordinator_FlowControlledCancelDeliversTerminalChunk(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: first\n\n"))
		flusher.Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(srv.Client(), nil)
	consumer, read := collector()

	fc := flow.DefaultConfig()
	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
		Flow:       &fc,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.CancelStream()
	waitDone(t, s)

	got := read()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, corestream.FinishCancelled, last.FinishReason)
	assert.Equal(t, StateCancelled, s.State())
}

// TestCoordinator_FlowControlledErrorDeliversTerminalChunkAndCompletes
// guards against the outcomeError branch leaking the flow controller's
// background goroutine/buffer by never calling CompleteStream.
func TestCoordinator_FlowControlledErrorDeliversTerminalChunkAndCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	recMgr := recovery.NewManager(recovery.DefaultConfig())
	defer recMgr.Close()

	c := New(srv.Client(), recMgr)
	consumer, read := collector()

	fc := flow.DefaultConfig()
	s, err := c.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk:     echoParseChunk,
		StreamRecovery: true,
		Provider:       "test",
		Flow:           &fc,
	})
	require.NoError(t, err)
	waitDone(t, s)

	got := read()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, corestream.FinishError, last.FinishReason)
	assert.Equal(t, StateErrored, s.State())

	// flowCtl.CompleteStream must have run: its runLoop goroutine exits
	// once Status settles to Completed or Errored instead of spinning
	// forever on an unclosed done channel.
	require.NotNil(t, s.flowCtl)
	assert.Eventually(t, func() bool {
		st := s.flowCtl.Status()
		return st == flow.StatusCompleted || st == flow.StatusErrored
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_RequiresParseChunk(t *testing.T) {
	c := New(http.DefaultClient, nil)
	_, err := c.StartStream(context.Background(), "http://example.invalid", nil, nil, func(corestream.Chunk) error { return nil }, Options{})
	assert.Error(t, err)
}
