// Package observability holds the Prometheus metrics for chat turns.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcome labels.
const (
	StatusSuccess          = "success"
	StatusUpstreamError    = "upstream_error"
	StatusClientDisconnect = "client_disconnect"
)

// Metrics records turn relay activity.
type Metrics struct {
	turns            *prometheus.CounterVec
	fragments        prometheus.Counter
	timeToFirst      prometheus.Histogram
	turnDuration     *prometheus.HistogramVec
	activeStreams    prometheus.Gauge
	disconnects      prometheus.Counter
	finalizeFailures prometheus.Counter
}

// NewMetrics registers the turn metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: status (success, upstream_error, client_disconnect)
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "turns_total",
			Help:      "Total chat turns by outcome",
		}, []string{"status"}),
		fragments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "turn",
			Name:      "fragments_total",
			Help:      "Total fragments relayed to callers",
		}),
		timeToFirst: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "turn",
			Name:      "time_to_first_fragment_seconds",
			Help:      "Latency from relay start to the first upstream fragment",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "Full relay duration by outcome",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "active_streams",
			Help:      "Turns currently relaying",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "client_disconnects_total",
			Help:      "Turns whose consumer went away mid-stream",
		}),
		finalizeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "turns",
			Name:      "finalize_failures_total",
			Help:      "Assistant replies that could not be persisted",
		}),
	}
}

// StreamStarted marks a relay as active.
func (m *Metrics) StreamStarted() {
	m.activeStreams.Inc()
}

// StreamFinished records the relay outcome and releases the active slot.
func (m *Metrics) StreamFinished(status string, elapsed time.Duration) {
	m.activeStreams.Dec()
	m.turns.WithLabelValues(status).Inc()
	m.turnDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	if status == StatusClientDisconnect {
		m.disconnects.Inc()
	}
}

// Fragment counts one relayed fragment.
func (m *Metrics) Fragment() {
	m.fragments.Inc()
}

// FirstFragment observes the time to the first fragment.
func (m *Metrics) FirstFragment(elapsed time.Duration) {
	m.timeToFirst.Observe(elapsed.Seconds())
}

// FinalizeFailed counts a reply that was dropped after all retries.
func (m *Metrics) FinalizeFailed() {
	m.finalizeFailures.Inc()
}
