package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Encode outcomes used as the "outcome" label.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Served kinds used as the "kind" label.
const (
	KindMaster    = "master"
	KindRendition = "rendition"
	KindSegment   = "segment"
)

// Metrics holds Prometheus counters and gauges for the HLS packager.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	encodesTotal   *prometheus.CounterVec
	encodeDuration prometheus.Histogram
	activeEncodes  prometheus.Gauge
	servedTotal    *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the packager.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hls_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	encodesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_encodes_total",
		Help: "Creation requests by outcome",
	}, []string{"outcome"})
	encodeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hls_encode_duration_seconds",
		Help:    "Wall-clock duration of successful encodes",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	activeEncodes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hls_active_encodes",
		Help: "Number of creation requests in flight",
	})
	servedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hls_served_total",
		Help: "Manifests and segments served by kind",
	}, []string{"kind"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		encodesTotal,
		encodeDuration,
		activeEncodes,
		servedTotal,
	)

	return &Metrics{
		registry:       registry,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
		encodesTotal:   encodesTotal,
		encodeDuration: encodeDuration,
		activeEncodes:  activeEncodes,
		servedTotal:    servedTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveEncode counts one creation with the given outcome. d is recorded in
// the duration histogram for successful encodes only.
func (m *Metrics) ObserveEncode(outcome string, d time.Duration) {
	m.encodesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSucceeded {
		m.encodeDuration.Observe(d.Seconds())
	}
}

// SetActiveEncodes sets the in-flight creations gauge.
func (m *Metrics) SetActiveEncodes(n int) {
	m.activeEncodes.Set(float64(n))
}

// IncServed counts one served file of the given kind.
func (m *Metrics) IncServed(kind string) {
	m.servedTotal.WithLabelValues(kind).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active encodes).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
