// Package monitoring exposes Prometheus metrics for density queries and
// raster sampling.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "popdensity"

// Sample outcomes recorded per raster role.
const (
	OutcomeOK      = "ok"
	OutcomeMissing = "missing"
	OutcomeError   = "error"
)

// Metrics holds the counters and histograms for the density service.
type Metrics struct {
	Requests       *prometheus.CounterVec   // labels: outcome={ok,invalid,error}
	RequestLatency prometheus.Histogram
	RasterSamples  *prometheus.CounterVec   // labels: role, outcome={ok,missing,error}
	SampleDuration *prometheus.HistogramVec // labels: role
	ValidPixels    *prometheus.HistogramVec // labels: role
	EstimateCache  *prometheus.CounterVec   // labels: result={hit,miss}
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_requests_total",
			Help:      "Density queries by outcome.",
		}, []string{"outcome"}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end density query duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RasterSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raster_samples_total",
			Help:      "Raster role evaluations by outcome.",
		}, []string{"role", "outcome"}),
		SampleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raster_sample_duration_seconds",
			Help:      "Open, reproject, clip and reduce duration per raster role.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"role"}),
		ValidPixels: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raster_valid_pixels",
			Help:      "Valid pixels found inside the query polygon per raster role.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"role"}),
		EstimateCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimate_cache_total",
			Help:      "Estimate cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Requests,
		m.RequestLatency,
		m.RasterSamples,
		m.SampleDuration,
		m.ValidPixels,
		m.EstimateCache,
	}
}

// NewMetrics creates the metrics and registers them with the default
// Prometheus registry. Call it once per process.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered on a fresh registry to
// avoid "already registered" panics across tests.
func NewMetricsForTesting() (*Metrics, *prometheus.Registry) {
	m := newMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.collectors()...)
	return m, reg
}

// ObserveSample records one raster role evaluation. Safe on a nil receiver.
func (m *Metrics) ObserveSample(role, outcome string, seconds float64, validPixels int) {
	if m == nil {
		return
	}
	m.RasterSamples.WithLabelValues(role, outcome).Inc()
	m.SampleDuration.WithLabelValues(role).Observe(seconds)
	if outcome == OutcomeOK {
		m.ValidPixels.WithLabelValues(role).Observe(float64(validPixels))
	}
}

// ObserveRequest records one density query. Safe on a nil receiver.
func (m *Metrics) ObserveRequest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestLatency.Observe(seconds)
}

// ObserveCache records one estimate cache lookup. Safe on a nil receiver.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.EstimateCache.WithLabelValues(result).Inc()
}
