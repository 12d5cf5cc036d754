// Package jobs runs the periodic maintenance tasks and records their metrics.
package jobs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBackgroundJobLastSuccess = "background_job_last_success_timestamp_seconds"
)

// Task names used by the server. They double as the job_type label.
const (
	JobTypeRegistryRefresh  = "registry_refresh"
	JobTypeGraceSweep       = "grace_sweep"
	JobTypeRetentionCleanup = "retention_cleanup"
	JobTypeAnalytics        = "analytics"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error types passed to ObserveRun.
const (
	ErrorTypeTask    = "task_error"
	ErrorTypeTimeout = "timeout"
	ErrorTypePanic   = "panic"
)

// Metrics is the Prometheus implementation of JobMetrics.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec

	now func() time.Time
}

// NewMetrics builds unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobsTotal,
			Help: "Maintenance task runs by task and outcome.",
		}, []string{"job_type", "status"}),
		// Sweeps and refreshes are sub-second; analytics over a large
		// membership table can take minutes.
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBackgroundJobsDuration,
			Help:    "Maintenance task run time in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 180},
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobErrorsTotal,
			Help: "Failed maintenance task runs by task and error type.",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricBackgroundJobLastSuccess,
			Help: "Unix time of the last successful run per task. Alert when the grace sweep falls behind.",
		}, []string{"job_type"}),
		now: time.Now,
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRun records one finished run. An empty errorType means success.
func (m *Metrics) ObserveRun(job string, elapsed time.Duration, errorType string) {
	m.jobsDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if errorType != "" {
		m.jobsTotal.WithLabelValues(job, StatusFailure).Inc()
		m.jobErrors.WithLabelValues(job, errorType).Inc()
		return
	}
	m.jobsTotal.WithLabelValues(job, StatusSuccess).Inc()
	m.lastSuccess.WithLabelValues(job).Set(float64(m.now().Unix()))
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors, m.lastSuccess}
}
