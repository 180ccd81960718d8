// Package metrics provides Prometheus metrics for the medication core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	PrescriptionsCreated prometheus.Counter
	DosesScheduled       prometheus.Counter
	DosesResolved        *prometheus.CounterVec
	InventoryDebits      prometheus.Counter
	InventoryShortfalls  prometheus.Counter
	ScreeningFindings    *prometheus.CounterVec
	ReconciliationsOpen  prometheus.Gauge
	RequestDuration      *prometheus.HistogramVec
	OutboxPending        prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		DosesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doses_scheduled_total",
			Help: "Total administration records materialized from schedules",
		}),
		DosesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_resolved_total",
			Help: "Total administration record resolutions by outcome",
		}, []string{"outcome"}),
		InventoryDebits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_debits_total",
			Help: "Total successful inventory debits",
		}),
		InventoryShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_shortfalls_total",
			Help: "Total debits rejected for insufficient stock",
		}),
		ScreeningFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interaction_findings_total",
			Help: "Total interaction screening findings by severity",
		}, []string{"severity"}),
		ReconciliationsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliations_open",
			Help: "Reconciliation records not yet sealed",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"route", "method"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.PrescriptionsCreated,
		m.DosesScheduled,
		m.DosesResolved,
		m.InventoryDebits,
		m.InventoryShortfalls,
		m.ScreeningFindings,
		m.ReconciliationsOpen,
		m.RequestDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
