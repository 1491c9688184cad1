// Package metrics provides Prometheus metrics for the HealthSync services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsCreated prometheus.Counter
	RefillsRequested     prometheus.Counter
	AIRequests           *prometheus.CounterVec
	RemindersPlanned     prometheus.Counter
	RemindersSent        prometheus.Counter
	RemindersFailed      prometheus.Counter
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
	RequestDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthsync_prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		RefillsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthsync_refills_requested_total",
			Help: "Total refill requests accepted",
		}),
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "healthsync_ai_requests_total",
			Help: "Assistant requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		RemindersPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthsync_reminders_planned_total",
			Help: "Reminders written to the outbox",
		}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthsync_reminders_sent_total",
			Help: "Reminders delivered to a notifier",
		}),
		RemindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "healthsync_reminders_failed_total",
			Help: "Reminders that could not be delivered",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "healthsync_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthsync_http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
		gatherer: prometheus.DefaultGatherer,
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.RefillsRequested,
		m.AIRequests,
		m.RemindersPlanned,
		m.RemindersSent,
		m.RemindersFailed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.RequestDuration,
	)

	return m
}

// SetBreakerState records a breaker transition; it matches the callback
// signature of circuitbreaker.Manager.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler serves the registry the metrics were registered with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
