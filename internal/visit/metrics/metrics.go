package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the visit HTTP surface.
type Metrics struct {
	// Full query resolution latency, including historical fan-out
	ResolveLatency prometheus.Histogram

	// Registrations by mode
	Registrations *prometheus.CounterVec

	// Cancellations by result
	Cancellations *prometheus.CounterVec

	// Shards that failed during a degraded resolution
	DegradedShards prometheus.Counter
}

// New creates a Metrics instance with all visit metrics registered.
func New() *Metrics {
	return &Metrics{
		ResolveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opdesk_resolve_duration_seconds",
			Help:    "Duration of full query resolution including historical fetches",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		Registrations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opdesk_registrations_total",
			Help: "Total visit registrations by mode",
		}, []string{"mode"}),

		Cancellations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opdesk_cancellations_total",
			Help: "Total cancellation attempts by result",
		}, []string{"result"}), // result: "ok", "unauthorized", "error"

		DegradedShards: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opdesk_resolve_degraded_shards_total",
			Help: "Shards skipped because their fetch failed during resolution",
		}),
	}
}

// ObserveResolveLatency records the duration of one resolution.
func (m *Metrics) ObserveResolveLatency(d time.Duration) {
	if m != nil {
		m.ResolveLatency.Observe(d.Seconds())
	}
}

// IncrementRegistration records one registration.
func (m *Metrics) IncrementRegistration(mode string) {
	if m != nil {
		m.Registrations.WithLabelValues(mode).Inc()
	}
}

// IncrementCancellation records one cancellation attempt.
func (m *Metrics) IncrementCancellation(result string) {
	if m != nil {
		m.Cancellations.WithLabelValues(result).Inc()
	}
}

// AddDegradedShards records shards lost to fetch failures.
func (m *Metrics) AddDegradedShards(n int) {
	if m != nil && n > 0 {
		m.DegradedShards.Add(float64(n))
	}
}
