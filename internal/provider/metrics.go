package provider

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's request counters. A nil *Metrics is a no-op.
type Metrics struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider HTTP attempts by endpoint family and outcome.",
		}, []string{"endpoint", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatbridge",
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Scheduled retries by failure kind.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatbridge",
			Subsystem: "provider",
			Name:      "request_seconds",
			Help:      "Provider HTTP attempt latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.retries, m.latency)
	}
	return m
}

func (m *Metrics) observe(endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	family := endpointFamily(endpoint)
	m.requests.WithLabelValues(family, outcome).Inc()
	m.latency.WithLabelValues(family).Observe(elapsed.Seconds())
}

func (m *Metrics) retry(kind Kind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
}

// endpointFamily keeps label cardinality bounded: "/vector_stores/vs_1/files" -> "vector_stores".
func endpointFamily(endpoint string) string {
	p := strings.TrimPrefix(endpoint, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "root"
	}
	return p
}
