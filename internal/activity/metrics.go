package activity

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEventsRecordedTotal      = "activity_events_recorded_total"
	MetricPingsTotal               = "activity_pings_total"
	MetricIdentityResolutionsTotal = "activity_identity_resolutions_total"
	MetricWriteRetriesTotal        = "activity_write_retries_total"
	MetricWriteFailuresTotal       = "activity_write_failures_total"
	MetricAnalyticsDuration        = "activity_analytics_duration_seconds"
)

// Identity kinds for labeling.
const (
	IdentityCountry = "country"
	IdentityUser    = "user"
)

// Write operations for labeling.
const (
	OpRecordEvent  = "record_event"
	OpPingAlive    = "ping_alive"
	OpDeleteUser   = "delete_user"
	OpDeleteEvents = "delete_events"
)

// Metrics contains Prometheus metrics for the activity service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsRecorded      *prometheus.CounterVec
	pings               prometheus.Counter
	identityResolutions *prometheus.CounterVec
	writeRetries        *prometheus.CounterVec
	writeFailures       *prometheus.CounterVec
	analyticsDuration   prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsRecordedTotal,
				Help: "Total number of recorded events by kind (inserted, marker_updated)",
			},
			[]string{"kind"},
		),
		pings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricPingsTotal,
				Help: "Total number of accepted liveness pings",
			},
		),
		identityResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIdentityResolutionsTotal,
				Help: "Total number of identity resolutions by kind and result (created, reused)",
			},
			[]string{"kind", "result"},
		),
		writeRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWriteRetriesTotal,
				Help: "Total number of write retries after a transient storage conflict",
			},
			[]string{"operation"},
		),
		writeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWriteFailuresTotal,
				Help: "Total number of failed writes by operation and reason",
			},
			[]string{"operation", "reason"},
		),
		analyticsDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricAnalyticsDuration,
				Help:    "Time spent loading and aggregating analytics in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsRecorded,
		m.pings,
		m.identityResolutions,
		m.writeRetries,
		m.writeFailures,
		m.analyticsDuration,
	}
}

func (m *Metrics) incEventsRecorded(kind string) {
	if m == nil {
		return
	}
	m.eventsRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) incPings() {
	if m == nil {
		return
	}
	m.pings.Inc()
}

func (m *Metrics) observeResolution(kind string, created bool) {
	if m == nil {
		return
	}
	result := "reused"
	if created {
		result = "created"
	}
	m.identityResolutions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) incRetries(op string) {
	if m == nil {
		return
	}
	m.writeRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) incFailures(op, reason string) {
	if m == nil {
		return
	}
	m.writeFailures.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) observeAnalytics(seconds float64) {
	if m == nil {
		return
	}
	m.analyticsDuration.Observe(seconds)
}
