package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwerks/llmstream/internal/corestream"
)

func TestManager_InitAndRecordChunk(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	s := m.InitRecovery("s1", "anthropic")
	assert.Equal(t, StatusActive, s.Status)

	m.RecordChunk("s1", corestream.Chunk{ID: "c1", Content: "hello"})
	got, ok := m.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.LastChunkID)
	assert.EqualValues(t, 1, got.ChunksSeen)
}

// TestManager_DedupOnResume verifies the scenario from spec.md §8: ids
// "1","2","3" delivered, reconnect, provider resends "2","3","4" — the
// resumed chunks 2 and 3 must be recognized as duplicates.
func TestManager_DedupOnResume(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	m.InitRecovery("s1", "anthropic")
	for _, id := range []string{"1", "2", "3"} {
		m.RecordChunk("s1", corestream.Chunk{ID: id, Content: "x"})
	}

	assert.True(t, m.IsDuplicate("s1", corestream.Chunk{ID: "2"}))
	assert.True(t, m.IsDuplicate("s1", corestream.Chunk{ID: "3"}))
	assert.False(t, m.IsDuplicate("s1", corestream.Chunk{ID: "4"}))
}

func TestManager_DedupWindowEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupWindow = 2
	m := NewManager(cfg)
	defer m.Close()

	m.InitRecovery("s1", "p")
	m.RecordChunk("s1", corestream.Chunk{ID: "1"})
	m.RecordChunk("s1", corestream.Chunk{ID: "2"})
	m.RecordChunk("s1", corestream.Chunk{ID: "3"})

	assert.False(t, m.IsDuplicate("s1", corestream.Chunk{ID: "1"}))
	assert.True(t, m.IsDuplicate("s1", corestream.Chunk{ID: "2"}))
	assert.True(t, m.IsDuplicate("s1", corestream.Chunk{ID: "3"}))
}

func TestManager_CheckpointEveryIntervalChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointIntervalChunks = 2
	m := NewManager(cfg)
	defer m.Close()

	m.InitRecovery("s1", "p")
	for i := 0; i < 5; i++ {
		m.RecordChunk("s1", corestream.Chunk{Content: "x"})
	}
	s, _ := m.GetSession("s1")
	assert.Len(t, s.checkpoints, 2) // fires at chunk 2 and chunk 4
}

func TestManager_RecordErrorRecoverableSchedulesReconnect(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	m.InitRecovery("s1", "p")
	ok := m.RecordError("s1", corestream.ErrTimeout)
	assert.True(t, ok)

	s, _ := m.GetSession("s1")
	assert.Equal(t, StatusReconnect, s.Status)
	assert.Equal(t, 1, s.RetryCount)
}

func TestManager_RecordErrorNonRecoverableFails(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	m.InitRecovery("s1", "p")
	ok := m.RecordError("s1", corestream.ErrAuth)
	assert.False(t, ok)

	s, _ := m.GetSession("s1")
	assert.Equal(t, StatusFailed, s.Status)
}

func TestManager_ExhaustsAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	m := NewManager(cfg)
	defer m.Close()

	m.InitRecovery("s1", "p")
	assert.True(t, m.RecordError("s1", corestream.ErrTimeout))
	assert.True(t, m.RecordError("s1", corestream.ErrTimeout))
	assert.False(t, m.RecordError("s1", corestream.ErrTimeout))
	assert.True(t, m.Exhausted("s1"))
}

func TestManager_BackoffGrowsAndClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = 500 * time.Millisecond
	cfg.Multiplier = 2.0
	cfg.JitterFraction = 0

	d0 := backoffDelay(cfg, 0)
	d1 := backoffDelay(cfg, 1)
	d2 := backoffDelay(cfg, 2)
	d5 := backoffDelay(cfg, 5)

	assert.Equal(t, 100*time.Millisecond, d0)
	assert.Equal(t, 200*time.Millisecond, d1)
	assert.Equal(t, 400*time.Millisecond, d2)
	assert.Equal(t, 500*time.Millisecond, d5) // clamped to MaxBackoff
}

func TestManager_WaitForReconnectRespectsContextCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Hour
	m := NewManager(cfg)
	defer m.Close()

	m.InitRecovery("s1", "p")
	m.RecordError("s1", corestream.ErrTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := m.WaitForReconnect(ctx, "s1")
	assert.Error(t, err)
}

func TestRecoverable_ClassifiesPerSpec(t *testing.T) {
	assert.True(t, Recoverable(corestream.ErrTransport))
	assert.True(t, Recoverable(corestream.ErrTimeout))
	assert.True(t, Recoverable(corestream.ErrRateLimit))
	assert.True(t, Recoverable(corestream.ErrService))
	assert.False(t, Recoverable(corestream.ErrAuth))
	assert.False(t, Recoverable(corestream.ErrValidation))
	assert.False(t, Recoverable(nil))
}

func TestManager_CompleteStreamMarksCompleted(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Close()

	m.InitRecovery("s1", "p")
	m.CompleteStream("s1")
	s, _ := m.GetSession("s1")
	assert.Equal(t, StatusCompleted, s.Status)
}
