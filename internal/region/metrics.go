package region

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRegionRefreshTotal    = "region_registry_refresh_total"
	MetricRegionRefreshErrors   = "region_registry_refresh_errors_total"
	MetricRegionRefreshDuration = "region_registry_refresh_duration_seconds"
	MetricRegionCount           = "region_registry_regions"
)

// Metrics contains Prometheus metrics for the region registry.
type Metrics struct {
	refreshTotal    prometheus.Counter
	refreshErrors   prometheus.Counter
	refreshDuration prometheus.Histogram
	regionCount     prometheus.Gauge
}

// NewMetrics creates a new Metrics instance. Call Register to expose it.
func NewMetrics() *Metrics {
	return &Metrics{
		refreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRegionRefreshTotal,
			Help: "Total number of successful region registry refreshes",
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRegionRefreshErrors,
			Help: "Total number of failed region registry refreshes",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRegionRefreshDuration,
			Help:    "Histogram of region registry refresh duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		regionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricRegionCount,
			Help: "Number of active regions in the current registry snapshot",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRefreshTotal increments the successful refresh counter.
func (m *Metrics) IncRefreshTotal() {
	m.refreshTotal.Inc()
}

// IncRefreshErrors increments the failed refresh counter.
func (m *Metrics) IncRefreshErrors() {
	m.refreshErrors.Inc()
}

// ObserveRefreshDuration records a refresh duration sample.
func (m *Metrics) ObserveRefreshDuration(seconds float64) {
	m.refreshDuration.Observe(seconds)
}

// SetRegionCount sets the region count gauge.
func (m *Metrics) SetRegionCount(n float64) {
	m.regionCount.Set(n)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.refreshTotal,
		m.refreshErrors,
		m.refreshDuration,
		m.regionCount,
	}
}
