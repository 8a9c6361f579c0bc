package notebook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors shared by the client and the lifecycle
// manager. A nil *Metrics is valid and records nothing.
type Metrics struct {
	externalRequests *prometheus.CounterVec
	externalDuration *prometheus.HistogramVec
	externalRetries  *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	waits            prometheus.Histogram
}

// NewMetrics registers the collectors with reg. Passing a fresh registry per
// server keeps tests from colliding on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		externalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebookrelay_external_requests_total",
			Help: "Calls made to the notebook gateway by operation and outcome",
		}, []string{"op", "outcome"}),
		externalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notebookrelay_external_request_duration_seconds",
			Help:    "Latency of notebook gateway calls including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		externalRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebookrelay_external_retries_total",
			Help: "Retries issued against the notebook gateway",
		}, []string{"op"}),
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notebookrelay_resolutions_total",
			Help: "Notebook resolutions by outcome",
		}, []string{"outcome"}),
		waits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "notebookrelay_resolution_wait_seconds",
			Help:    "Time spent waiting on another resolver's creation",
			Buckets: []float64{0.2, 0.5, 1, 2, 5, 10, 30},
		}),
	}
}

func (m *Metrics) observeExternal(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.externalRequests.WithLabelValues(op, outcome).Inc()
	m.externalDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) retry(op string) {
	if m == nil {
		return
	}
	m.externalRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) resolved(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) waited(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.waits.Observe(elapsed.Seconds())
}
