package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "docker")

	m.SetQueueDepth("total", 3)
	m.SetRunning(2)
	m.ObserveResult("completed", 0.5)
	m.ObserveResult("completed", 1.5)
	m.ObserveResult("timed_out", 10)
	m.ProvisionAttempt("retry")
	m.ProvisionAttempt("ok")
	m.Reaped("runtime", 2)
	m.Reaped("inventory", 0)
	m.Deferred()
	m.SetOutboxPending(1)

	assert.InDelta(t, 3, testutil.ToFloat64(m.QueueDepth.WithLabelValues("total")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Running), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Results.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Results.WithLabelValues("timed_out")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProvisionAttempts.WithLabelValues("retry")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SandboxesReaped.WithLabelValues("runtime")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.DeliveriesDeferred), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OutboxPending), 0)

	count, err := testutil.GatherAndCount(reg, "sandboxd_sandboxes_reaped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "zero additions must not create a series")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetQueueDepth("total", 1)
		m.SetRunning(1)
		m.ObserveResult("completed", 1)
		m.ProvisionAttempt("ok")
		m.Reaped("runtime", 1)
		m.Deferred()
		m.SetOutboxPending(1)
	})
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	New(reg, "local")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["sandboxd_executions_running"])
}
