// Package jobs runs periodic background maintenance and records its metrics.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricJobRuns        = "footfall_job_runs_total"
	MetricJobDuration    = "footfall_job_duration_seconds"
	MetricJobLastSuccess = "footfall_job_last_success_timestamp_seconds"
)

// Job types.
const (
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeRateLimitCleanup   = "rate_limit_cleanup"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Metrics counts job runs by outcome. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics builds unregistered collectors; see Register.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricJobRuns,
			Help: "Background job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricJobDuration,
			Help:    "Background job run time.",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 30},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricJobLastSuccess,
			Help: "Unix time of the last successful run of each job.",
		}, []string{"job"}),
	}
}

// Collectors returns the collectors owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runs, m.duration, m.lastSuccess}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeRun(job, outcome string, elapsed time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
	if outcome == OutcomeSuccess {
		m.lastSuccess.WithLabelValues(job).Set(float64(finished.UnixNano()) / 1e9)
	}
}
