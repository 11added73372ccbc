package telemetry

import (
	"bytes"
	"log"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapLogger(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		logger := WrapLogger(nil)
		logger.Printf("ignored %d", 42)
	})

	t.Run("forwards to logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := WrapLogger(log.New(&buf, "", 0))
		logger.Printf("hello %s", "world")
		assert.Equal(t, "hello world\n", buf.String())
	})
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)

	metrics.Add("commands_dispatched_total", 2)
	metrics.Add("commands_dispatched_total", 3)
	metrics.Store("timer_tick", 40)
	metrics.Store("timer_tick", 41)

	snapshot := metrics.Snapshot()
	assert.Equal(t, uint64(5), snapshot["commands_dispatched_total"])
	assert.Equal(t, uint64(41), snapshot["timer_tick"])

	count, err := testutil.GatherAndCount(reg, "lockstep_commands_dispatched_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, float64(41), testutil.ToFloat64(metrics.gauges["timer_tick"]))
}

func TestPrometheusMetricsNilSafe(t *testing.T) {
	var metrics *PrometheusMetrics
	metrics.Add("ignored", 1)
	metrics.Store("ignored", 1)
	assert.Nil(t, metrics.Snapshot())

	memoryOnly := NewPrometheusMetrics(nil)
	memoryOnly.Add("queue.depth-global", 1)
	assert.Equal(t, uint64(1), memoryOnly.Snapshot()["queue.depth-global"])
	assert.Equal(t, "queue_depth_global", metricName("queue.depth-global"))
}
