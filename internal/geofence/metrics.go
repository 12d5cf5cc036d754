package geofence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricLocationUpdatesTotal    = "geofence_location_updates_total"
	MetricLocationUpdateDuration  = "geofence_location_update_duration_seconds"
	MetricClassificationsTotal    = "geofence_classifications_total"
	MetricTerminationsTotal       = "geofence_terminations_total"
	MetricSubscriptionsTotal      = "geofence_subscriptions_total"
	MetricCacheErrorsTotal        = "geofence_cache_errors_total"
	MetricInvalidGeometryTotal    = "geofence_invalid_geometry_total"
	MetricSweepCandidatesLastSeen = "geofence_sweep_candidates"
)

// Update outcome label values.
const (
	OutcomeOK               = "ok"
	OutcomeInvalid          = "invalid_coordinate"
	OutcomeStoreUnavailable = "store_unavailable"
	OutcomePartial          = "partial"
)

// Metrics contains Prometheus metrics for the geofencing engine.
// All operations are thread-safe.
type Metrics struct {
	updatesTotal    *prometheus.CounterVec
	updateDuration  prometheus.Histogram
	classifications *prometheus.CounterVec
	terminations    *prometheus.CounterVec
	subscriptions   prometheus.Counter
	cacheErrors     *prometheus.CounterVec
	invalidGeometry prometheus.Counter
	sweepCandidates prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		updatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLocationUpdatesTotal,
				Help: "Total number of location updates by outcome",
			},
			[]string{"outcome"},
		),
		updateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricLocationUpdateDuration,
			Help:    "Histogram of location update processing duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricClassificationsTotal,
				Help: "Total number of region classifications by result",
			},
			[]string{"result"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTerminationsTotal,
				Help: "Total number of membership terminations by reason",
			},
			[]string{"reason"},
		),
		subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSubscriptionsTotal,
			Help: "Total number of memberships created",
		}),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCacheErrorsTotal,
				Help: "Total number of non-fatal cache failures by operation",
			},
			[]string{"operation"},
		),
		invalidGeometry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricInvalidGeometryTotal,
			Help: "Total number of classifications against regions with malformed or missing geometry",
		}),
		sweepCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSweepCandidatesLastSeen,
			Help: "Number of tentatively-outside memberships examined by the last sweep",
		}),
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

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.updatesTotal,
		m.updateDuration,
		m.classifications,
		m.terminations,
		m.subscriptions,
		m.cacheErrors,
		m.invalidGeometry,
		m.sweepCandidates,
	}
}

// The methods below tolerate a nil receiver so the engine can run without metrics.

func (m *Metrics) incUpdate(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(outcome).Inc()
	m.updateDuration.Observe(seconds)
}

func (m *Metrics) incClassification(c Classification) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) incTermination(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) incSubscription() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) incCacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) incInvalidGeometry() {
	if m == nil {
		return
	}
	m.invalidGeometry.Inc()
}

func (m *Metrics) setSweepCandidates(n int) {
	if m == nil {
		return
	}
	m.sweepCandidates.Set(float64(n))
}
