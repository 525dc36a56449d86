package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwerks/llmstream/internal/corestream"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestCollector_RecordSnapshotAddsDeltaNotTotal(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSnapshot("anthropic", "s1", corestream.Snapshot{ChunksReceived: 3, ChunksDelivered: 3, Bytes: 30})
	c.RecordSnapshot("anthropic", "s1", corestream.Snapshot{ChunksReceived: 7, ChunksDelivered: 7, Bytes: 70})

	assert.Equal(t, 7.0, counterValue(t, c.chunksReceived, "anthropic"))
	assert.Equal(t, 7.0, counterValue(t, c.chunksDelivered, "anthropic"))
	assert.Equal(t, 70.0, counterValue(t, c.bytesDelivered, "anthropic"))
}

func TestCollector_DistinctStreamsDoNotShareDeltaState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSnapshot("p", "s1", corestream.Snapshot{ChunksReceived: 5})
	c.RecordSnapshot("p", "s2", corestream.Snapshot{ChunksReceived: 2})

	assert.Equal(t, 7.0, counterValue(t, c.chunksReceived, "p"))
}

func TestCollector_ForgetRemovesGaugeSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSnapshot("p", "s1", corestream.Snapshot{BufferFillRatio: 0.5})
	c.Forget("s1")

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() == "llmstream_pipeline_buffer_fill_ratio" {
			assert.Empty(t, mf.GetMetric())
		}
	}
}

func TestCollector_RecordReconnectAttemptIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordReconnectAttempt("openai")
	c.RecordReconnectAttempt("openai")

	assert.Equal(t, 2.0, counterValue(t, c.recoveryAttempts, "openai"))
}
