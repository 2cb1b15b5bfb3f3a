// Package metrics exposes Prometheus instruments for the intent lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages the Prometheus metrics. Each instance owns its registry
// so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	IntentsCreated     *prometheus.CounterVec
	AdvanceResults     *prometheus.CounterVec
	Settlements        *prometheus.CounterVec
	IntegrityFailures  prometheus.Counter
	SettlementLatency  prometheus.Histogram
	StuckProcessing    prometheus.Gauge
	ExpiredSwept       prometheus.Counter
	EventPublishErrors prometheus.Counter
}

// New creates and registers the metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IntentsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paykeeper_intents_created_total",
				Help: "Total number of created payment intents.",
			},
			[]string{"method", "currency"},
		),
		AdvanceResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paykeeper_intent_advance_total",
				Help: "Advance attempts by outcome kind.",
			},
			[]string{"result"},
		),
		Settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paykeeper_settlements_total",
				Help: "Resolved settlements by terminal status.",
			},
			[]string{"status"},
		),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "paykeeper_integrity_failures_total",
			Help: "Envelopes that failed integrity verification.",
		}),
		SettlementLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paykeeper_settlement_latency_seconds",
			Help:    "Time from PROCESSING to a terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
		StuckProcessing: f.NewGauge(prometheus.GaugeOpts{
			Name: "paykeeper_stuck_processing_intents",
			Help: "PROCESSING intents older than the stuck bound at the last sweep.",
		}),
		ExpiredSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "paykeeper_expired_intents_swept_total",
			Help: "Expired PENDING intents marked FAILED by the janitor.",
		}),
		EventPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "paykeeper_event_publish_errors_total",
			Help: "Lifecycle events that could not be published.",
		}),
	}
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCreated(method, currency string) {
	m.IntentsCreated.WithLabelValues(method, currency).Inc()
}

func (m *Metrics) RecordAdvance(result string) {
	m.AdvanceResults.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordIntegrityFailure() {
	m.IntegrityFailures.Inc()
}

// RecordSettlement counts a terminal transition and its latency.
func (m *Metrics) RecordSettlement(status string, latency time.Duration) {
	m.Settlements.WithLabelValues(status).Inc()
	m.SettlementLatency.Observe(latency.Seconds())
}

func (m *Metrics) SetStuckProcessing(n int) {
	m.StuckProcessing.Set(float64(n))
}

func (m *Metrics) RecordExpiredSwept(n int) {
	m.ExpiredSwept.Add(float64(n))
}

func (m *Metrics) RecordEventPublishError() {
	m.EventPublishErrors.Inc()
}
