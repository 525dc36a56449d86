package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwerks/llmstream/internal/coordinator"
	"github.com/streamwerks/llmstream/internal/corestream"
	"github.com/streamwerks/llmstream/internal/streambuffer"
)

func echoParseChunk(data string) corestream.ParseResult {
	return corestream.Ok(corestream.Chunk{Content: data})
}

func TestConfig_PresetDefaults(t *testing.T) {
	ht := Config(PresetHighThroughput, Options{})
	assert.True(t, ht.EnableFlowControl)
	assert.Equal(t, 200, ht.BufferCapacity)
	assert.Equal(t, 0.9, ht.BackpressureThreshold)
	assert.True(t, ht.EnableBatching)
	assert.Equal(t, 10, ht.BatchSize)

	ll := Config(PresetLowLatency, Options{})
	assert.False(t, ll.EnableBatching)
	assert.Equal(t, 20, ll.BufferCapacity)

	cons := Config(PresetConservative, Options{})
	assert.Equal(t, streambuffer.Block, cons.OverflowStrategy)
	assert.True(t, cons.StreamRecovery)
}

func TestConfig_OverridesWinOverPreset(t *testing.T) {
	o := Config(PresetBalanced, Options{BufferCapacity: 999})
	assert.Equal(t, 999, o.BufferCapacity)
	assert.Equal(t, 0.8, o.BackpressureThreshold) // untouched from preset
}

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
}

func TestEngine_StartStreamBasicMode(t *testing.T) {
	srv := sseServer(t, "data: a\n\ndata: b\n\ndata: [DONE]\n\n")
	defer srv.Close()

	coord := coordinator.New(srv.Client(), nil)
	e := New(coord, nil)

	var received []string
	consumer := func(c corestream.Chunk) error {
		received = append(received, c.Content)
		return nil
	}

	id, err := e.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{
		ParseChunk: echoParseChunk,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		st, err := e.GetStreamStatus(id)
		return err == nil && st.State == coordinator.StateCompleted
	}, 2*time.Second, time.Millisecond)
}

func TestEngine_StartStreamAdvancedModeWithFlowControl(t *testing.T) {
	srv := sseServer(t, "data: a\n\ndata: b\n\ndata: c\n\ndata: [DONE]\n\n")
	defer srv.Close()

	coord := coordinator.New(srv.Client(), nil)
	e := New(coord, nil)

	var mu sync.Mutex
	var received []corestream.Chunk
	consumer := func(c corestream.Chunk) error {
		mu.Lock()
		received = append(received, c)
		mu.Unlock()
		return nil
	}

	id, err := e.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Config(PresetBalanced, Options{
		ParseChunk: echoParseChunk,
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := e.GetStreamStatus(id)
		return err == nil && st.State == coordinator.StateCompleted
	}, 2*time.Second, time.Millisecond)

	st, err := e.GetStreamStatus(id)
	require.NoError(t, err)
	assert.Greater(t, st.Metrics.ChunksDelivered, int64(0))

	// The flow-controlled consumer must still receive exactly one
	// terminal chunk — the gap that let finishSuccess's missing
	// PushChunk(FinishStop) ship undetected.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	assert.Equal(t, corestream.FinishStop, received[len(received)-1].FinishReason)
}

func TestEngine_GetStreamStatusNotFound(t *testing.T) {
	e := New(coordinator.New(http.DefaultClient, nil), nil)
	_, err := e.GetStreamStatus("missing")
	assert.Error(t, err)
}

func TestEngine_CancelStreamNotFound(t *testing.T) {
	e := New(coordinator.New(http.DefaultClient, nil), nil)
	err := e.CancelStream("missing")
	assert.Error(t, err)
}

func TestEngine_CancelStream(t *testing.T) {
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

	coord := coordinator.New(srv.Client(), nil)
	e := New(coord, nil)

	var received []corestream.Chunk
	consumer := func(c corestream.Chunk) error {
		received = append(received, c)
		return nil
	}

	id, err := e.StartStream(context.Background(), srv.URL, []byte(`{}`), nil, consumer, Options{ParseChunk: echoParseChunk})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.CancelStream(id))

	require.Eventually(t, func() bool {
		st, err := e.GetStreamStatus(id)
		return err == nil && st.State == coordinator.StateCancelled
	}, 2*time.Second, time.Millisecond)
}

func TestEngine_SimpleStreamAccumulatesContent(t *testing.T) {
	srv := sseServer(t, "data: Hello, \n\ndata: world\n\ndata: [DONE]\n\n")
	defer srv.Close()

	coord := coordinator.New(srv.Client(), nil)
	e := New(coord, nil)

	content, err := SimpleStream(context.Background(), e, srv.URL, []byte(`{}`), nil, echoParseChunk)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", content)
}

func TestEngine_StartStreamRequiresParseChunk(t *testing.T) {
	e := New(coordinator.New(http.DefaultClient, nil), nil)
	_, err := e.StartStream(context.Background(), "http://example.invalid", nil, nil, func(corestream.Chunk) error { return nil }, Options{})
	assert.Error(t, err)
}
