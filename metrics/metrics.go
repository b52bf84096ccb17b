// Package metrics holds the Prometheus collectors the orchestrator reports
// through. A nil *Metrics is valid and records nothing, which keeps tests and
// one-shot commands free of registry plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sandboxd"

// Metrics is the set of orchestrator collectors.
type Metrics struct {
	QueueDepth         *prometheus.GaugeVec
	Running            prometheus.Gauge
	Results            *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ProvisionAttempts  *prometheus.CounterVec
	SandboxesReaped    *prometheus.CounterVec
	DeliveriesDeferred prometheus.Counter
	OutboxPending      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, backend string) *Metrics {
	constLabels := prometheus.Labels{"backend": backend}

	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "queue_depth",
			Help:        "Executions waiting for a slot, by session scope.",
			ConstLabels: constLabels,
		}, []string{"scope"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "executions_running",
			Help:        "Executions currently holding a sandbox.",
			ConstLabels: constLabels,
		}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "execution_results_total",
			Help:        "Terminal execution results by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "execution_duration_seconds",
			Help:        "Wall-clock time from provisioning to result.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"reason"}),
		ProvisionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "provision_attempts_total",
			Help:        "Sandbox provisioning attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		SandboxesReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "sandboxes_reaped_total",
			Help:        "Orphaned sandboxes force-released by the reaper.",
			ConstLabels: constLabels,
		}, []string{"source"}),
		DeliveriesDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "deliveries_deferred_total",
			Help:        "Results parked in the outbox because a consumer was not ready.",
			ConstLabels: constLabels,
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "outbox_pending",
			Help:        "Results waiting in the outbox for redelivery.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.Running,
		m.Results,
		m.ExecutionDuration,
		m.ProvisionAttempts,
		m.SandboxesReaped,
		m.DeliveriesDeferred,
		m.OutboxPending,
	)
	return m
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors alongside whatever is registered later.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// SetQueueDepth reports queued executions for one scope ("total" or "sessions").
func (m *Metrics) SetQueueDepth(scope string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(scope).Set(float64(n))
}

// SetRunning reports the number of running executions.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.Running.Set(float64(n))
}

// ObserveResult counts one terminal result.
func (m *Metrics) ObserveResult(reason string, seconds float64) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(reason).Inc()
	m.ExecutionDuration.WithLabelValues(reason).Observe(seconds)
}

// ProvisionAttempt counts one provisioning attempt ("ok", "retry", "failed").
func (m *Metrics) ProvisionAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ProvisionAttempts.WithLabelValues(outcome).Inc()
}

// Reaped counts sandboxes released by the reaper ("runtime" or "inventory").
func (m *Metrics) Reaped(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SandboxesReaped.WithLabelValues(source).Add(float64(n))
}

// Deferred counts one deferred delivery.
func (m *Metrics) Deferred() {
	if m == nil {
		return
	}
	m.DeliveriesDeferred.Inc()
}

// SetOutboxPending reports the outbox size.
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}
