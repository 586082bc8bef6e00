package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricHTTPRequestsTotal     = "footfall_http_requests_total"
	MetricHTTPRequestDuration   = "footfall_http_request_duration_seconds"
	MetricHTTPRequestSizeBytes  = "footfall_http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "footfall_http_response_size_bytes"
	MetricRateLimitChecks       = "footfall_rate_limit_checks_total"
	MetricRateLimitRejections   = "footfall_rate_limit_rejections_total"
	MetricRateLimitStoreErrors  = "footfall_rate_limit_store_errors_total"
)

var httpLabels = []string{"method", "route", "status"}

// Metrics holds the collectors of the HTTP middleware. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec

	limitChecks     *prometheus.CounterVec
	limitRejections *prometheus.CounterVec
	limitErrors     prometheus.Counter
}

// NewMetrics creates unregistered collectors; see Register.
func NewMetrics() *Metrics {
	// Ingestion bodies are capped at 64 KiB; 64 B to 64 KiB in powers of four.
	sizeBuckets := prometheus.ExponentialBuckets(64, 4, 6)
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests served, by method, route pattern and status",
		}, httpLabels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5},
		}, httpLabels),
		requestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestSizeBytes,
			Help:    "HTTP request body size in bytes",
			Buckets: sizeBuckets,
		}, httpLabels),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "HTTP response body size in bytes",
			Buckets: sizeBuckets,
		}, httpLabels),
		limitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitChecks,
			Help: "Rate limit checks, by limit scope and route pattern",
		}, []string{"scope", "route"}),
		limitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRejections,
			Help: "Requests rejected with 429, by limit scope and route pattern",
		}, []string{"scope", "route"}),
		limitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitStoreErrors,
			Help: "Rate limit store failures; the request was let through",
		}),
	}
}

// Collectors returns every collector, for registration and tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests, m.duration, m.requestSize, m.responseSize,
		m.limitChecks, m.limitRejections, m.limitErrors,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveHTTPRequest records one served request under its route pattern.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	m.requests.With(labels).Inc()
	m.duration.With(labels).Observe(elapsed.Seconds())
	m.requestSize.With(labels).Observe(float64(requestSize))
	m.responseSize.With(labels).Observe(float64(responseSize))
}

func (m *Metrics) observeLimit(scope, route string, allowed bool) {
	if m == nil {
		return
	}
	m.limitChecks.WithLabelValues(scope, route).Inc()
	if !allowed {
		m.limitRejections.WithLabelValues(scope, route).Inc()
	}
}

func (m *Metrics) incLimitStoreErrors() {
	if m == nil {
		return
	}
	m.limitErrors.Inc()
}
