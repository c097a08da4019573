package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle results recorded by ObserveCycle.
const (
	CycleSuccess = "success"
	CycleFailure = "failure"
	CycleSkipped = "skipped"
)

// Segment outcomes recorded by AddSegments.
const (
	SegmentDownloaded = "downloaded"
	SegmentReused     = "reused"
	SegmentFailed     = "failed"
)

// Request surfaces recorded by IncRequests and IncErrors.
const (
	SurfaceAPI     = "api"
	SurfaceMedia   = "media"
	SurfaceMetrics = "metrics"
)

// Metrics holds Prometheus collectors for the mirror engine and its HTTP surface.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	segmentsTotal       *prometheus.CounterVec
	janitorDeletedTotal prometheus.Counter
	janitorErrorsTotal  prometheus.Counter
	sessions            *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_requests_total",
		Help: "HTTP requests received by surface",
	}, []string{"surface"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_errors_total",
		Help: "HTTP responses with status >= 400 by surface",
	}, []string{"surface"})
	cyclesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_cycles_total",
		Help: "Localization cycles by result",
	}, []string{"result"})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mirror_cycle_duration_seconds",
		Help:    "Wall time of completed localization cycles",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	segmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_segments_total",
		Help: "Segments handled by the localizer by outcome",
	}, []string{"outcome"})
	janitorDeletedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_janitor_deleted_total",
		Help: "Segment files removed by the cache janitor",
	})
	janitorErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirror_janitor_errors_total",
		Help: "Filesystem errors skipped by the cache janitor",
	})
	sessions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mirror_sessions",
		Help: "Registered sessions by status",
	}, []string{"status"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		cyclesTotal,
		cycleDuration,
		segmentsTotal,
		janitorDeletedTotal,
		janitorErrorsTotal,
		sessions,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		cyclesTotal:         cyclesTotal,
		cycleDuration:       cycleDuration,
		segmentsTotal:       segmentsTotal,
		janitorDeletedTotal: janitorDeletedTotal,
		janitorErrorsTotal:  janitorErrorsTotal,
		sessions:            sessions,
	}
}

// IncRequests counts one request on surface.
func (m *Metrics) IncRequests(surface string) {
	m.requestsTotal.WithLabelValues(surface).Inc()
}

// IncErrors counts one error response on surface.
func (m *Metrics) IncErrors(surface string) {
	m.errorsTotal.WithLabelValues(surface).Inc()
}

// ObserveCycle counts one cycle with the given result. Durations are only
// recorded for cycles that actually ran.
func (m *Metrics) ObserveCycle(result string, seconds float64) {
	m.cyclesTotal.WithLabelValues(result).Inc()
	if result != CycleSkipped {
		m.cycleDuration.Observe(seconds)
	}
}

// AddSegments adds n to the counter for outcome.
func (m *Metrics) AddSegments(outcome string, n int) {
	if n > 0 {
		m.segmentsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// AddJanitorDeleted adds n removed files.
func (m *Metrics) AddJanitorDeleted(n int) {
	if n > 0 {
		m.janitorDeletedTotal.Add(float64(n))
	}
}

// AddJanitorErrors adds n skipped filesystem failures.
func (m *Metrics) AddJanitorErrors(n int) {
	if n > 0 {
		m.janitorErrorsTotal.Add(float64(n))
	}
}

// SetSessions replaces the per-status session gauge.
func (m *Metrics) SetSessions(byStatus map[string]int) {
	m.sessions.Reset()
	for status, n := range byStatus {
		m.sessions.WithLabelValues(status).Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
