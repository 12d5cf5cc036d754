// Package analytics periodically aggregates region activity and dependency
// health into a Report.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/venuefence/internal/health"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/tracing"
)

// Report status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	// DefaultWindow is the trailing window region stats are computed over.
	DefaultWindow = 24 * time.Hour
	// DefaultStaleAfter is how long an active membership may go unseen
	// before it counts as stale.
	DefaultStaleAfter = 2 * time.Hour
	// DefaultStaleThreshold is the stale count above which an issue is raised.
	DefaultStaleThreshold = 100
)

// Report is the outcome of one aggregation run.
type Report struct {
	GeneratedAt  time.Time                         `json:"generated_at"`
	Window       time.Duration                     `json:"-"`
	Status       string                            `json:"status"`
	Issues       []string                          `json:"issues,omitempty"`
	Regions      map[string]membership.RegionStats `json:"-"`
	StaleCount   int                               `json:"stale_count"`
	Dependencies map[string]string                 `json:"dependencies,omitempty"`
}

// Region returns the stats for one region. Regions with no activity in the
// window report zero values.
func (r *Report) Region(id string) membership.RegionStats {
	if st, ok := r.Regions[id]; ok {
		return st
	}
	return membership.RegionStats{RegionID: id}
}

// Config configures an Aggregator.
type Config struct {
	Window         time.Duration
	StaleAfter     time.Duration
	StaleThreshold int
	// Checkers are dependency checks included in every report.
	Checkers []health.Named
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Aggregator builds Reports from a StatsStore and a set of health checkers.
type Aggregator struct {
	store  membership.StatsStore
	config Config
	last   atomic.Pointer[Report]
}

// NewAggregator creates an Aggregator, filling unset config with defaults.
func NewAggregator(store membership.StatsStore, config Config) *Aggregator {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = DefaultStaleThreshold
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Aggregator{store: store, config: config}
}

// Last returns the most recent report, or nil before the first run.
func (a *Aggregator) Last() *Report {
	return a.last.Load()
}

// Run collects region stats, the stale membership count and dependency
// health concurrently. Individual collector failures degrade the report
// rather than failing the run. Run returns an error only if ctx is done.
func (a *Aggregator) Run(ctx context.Context) (_ *Report, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "analytics.run")
	defer func() { endSpan(err) }()

	now := a.config.Clock()
	report := &Report{
		GeneratedAt:  now,
		Window:       a.config.Window,
		Status:       StatusHealthy,
		Regions:      make(map[string]membership.RegionStats),
		Dependencies: make(map[string]string),
	}

	var (
		mu       sync.Mutex
		degraded bool
		down     bool
	)
	issue := func(msg string, unhealthy bool) {
		mu.Lock()
		defer mu.Unlock()
		report.Issues = append(report.Issues, msg)
		if unhealthy {
			down = true
		} else {
			degraded = true
		}
	}

	var stats []membership.RegionStats
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		st, err := a.store.RegionStats(gctx, now.Add(-a.config.Window))
		if err != nil {
			a.config.Logger.Warn("region stats collection failed", "error", err)
			issue("could not compute region stats", false)
			return nil
		}
		stats = st
		return nil
	})

	g.Go(func() error {
		n, err := a.store.CountStale(gctx, now.Add(-a.config.StaleAfter))
		if err != nil {
			a.config.Logger.Warn("stale membership count failed", "error", err)
			issue("could not check stale memberships", false)
			return nil
		}
		mu.Lock()
		report.StaleCount = n
		mu.Unlock()
		if n > a.config.StaleThreshold {
			issue(fmt.Sprintf("high number of stale memberships: %d", n), false)
		}
		return nil
	})

	for _, c := range a.config.Checkers {
		g.Go(func() error {
			status := "ok"
			if err := health.Check(gctx, c.Name, c.Checker); err != nil {
				a.config.Logger.Warn("dependency check failed", "dependency", c.Name, "error", err)
				status = "unavailable"
				issue(c.Name+" connection failed", true)
			}
			mu.Lock()
			report.Dependencies[c.Name] = status
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, st := range stats {
		report.Regions[st.RegionID] = st
	}

	if len(stats) > 0 {
		if err := a.store.SaveRegionStats(ctx, now, stats); err != nil {
			a.config.Logger.Warn("persisting daily region stats failed", "error", err)
			report.Issues = append(report.Issues, "could not persist daily region stats")
			degraded = true
		}
	}

	switch {
	case down:
		report.Status = StatusUnhealthy
	case degraded:
		report.Status = StatusDegraded
	}
	sort.Strings(report.Issues)

	a.last.Store(report)

	a.config.Logger.Info("analytics generated",
		"status", report.Status,
		"regions", len(report.Regions),
		"stale", report.StaleCount,
		"issues", len(report.Issues))
	return report, nil
}
