package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/venuefence/internal/health"
	"github.com/onnwee/venuefence/internal/membership"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failingStats struct {
	*membership.InMemoryStore
	statsErr error
	staleErr error
	saveErr  error
	stale    int
}

func (f *failingStats) RegionStats(ctx context.Context, since time.Time) ([]membership.RegionStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return f.InMemoryStore.RegionStats(ctx, since)
}

func (f *failingStats) CountStale(ctx context.Context, before time.Time) (int, error) {
	if f.staleErr != nil {
		return 0, f.staleErr
	}
	if f.stale > 0 {
		return f.stale, nil
	}
	return f.InMemoryStore.CountStale(ctx, before)
}

func (f *failingStats) SaveRegionStats(ctx context.Context, day time.Time, stats []membership.RegionStats) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.InMemoryStore.SaveRegionStats(ctx, day, stats)
}

func seeded(t *testing.T) *membership.InMemoryStore {
	t.Helper()
	store := membership.NewInMemoryStore()
	ctx := context.Background()
	for _, user := range []string{"u1", "u2"} {
		m := &membership.Membership{
			UserID:       user,
			RegionID:     "venue-a",
			SubscribedAt: base.Add(-time.Hour),
			LastSeenAt:   base.Add(-time.Minute),
			State:        membership.Inside(),
		}
		if err := store.Create(ctx, m); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	return store
}

func newAggregator(store membership.StatsStore, checkers ...health.Named) *Aggregator {
	return NewAggregator(store, Config{
		Checkers: checkers,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    func() time.Time { return base },
	})
}

func TestAggregator_HealthyReport(t *testing.T) {
	store := seeded(t)
	ok := health.CheckerFunc(func(context.Context) error { return nil })
	agg := newAggregator(store, health.Named{Name: "database", Checker: ok})

	if agg.Last() != nil {
		t.Fatal("Last() should be nil before the first run")
	}

	report, err := agg.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy (issues: %v)", report.Status, report.Issues)
	}
	st := report.Region("venue-a")
	if st.ActiveMembers != 2 || st.UniqueUsers != 2 {
		t.Errorf("venue-a stats = %+v, want 2 active / 2 unique", st)
	}
	if got := report.Region("venue-unknown"); got.TotalVisits != 0 {
		t.Errorf("unknown region stats = %+v, want zero", got)
	}
	if report.Dependencies["database"] != "ok" {
		t.Errorf("database dependency = %q, want ok", report.Dependencies["database"])
	}
	if agg.Last() != report {
		t.Error("Last() should return the latest report")
	}
	if _, ok := store.DailyStats("venue-a", base); !ok {
		t.Error("daily stats were not persisted")
	}
}

func TestAggregator_PartialFailureDegrades(t *testing.T) {
	store := &failingStats{InMemoryStore: seeded(t), staleErr: errors.New("timeout")}
	agg := newAggregator(store)

	report, err := agg.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if report.Region("venue-a").ActiveMembers != 2 {
		t.Error("region stats should still be collected")
	}
}

func TestAggregator_SaveFailureDegrades(t *testing.T) {
	store := &failingStats{InMemoryStore: seeded(t), saveErr: errors.New("disk full")}
	report, err := newAggregator(store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
}

func TestAggregator_StaleThreshold(t *testing.T) {
	store := &failingStats{InMemoryStore: seeded(t), stale: 101}
	report, err := newAggregator(store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.StaleCount != 101 {
		t.Errorf("StaleCount = %d, want 101", report.StaleCount)
	}
	found := false
	for _, issue := range report.Issues {
		if strings.Contains(issue, "stale") {
			found = true
		}
	}
	if !found {
		t.Errorf("Issues = %v, want a stale membership issue", report.Issues)
	}
}

func TestAggregator_DependencyDownIsUnhealthy(t *testing.T) {
	store := &failingStats{InMemoryStore: seeded(t), statsErr: errors.New("boom")}
	down := health.CheckerFunc(func(context.Context) error { return errors.New("refused") })
	agg := newAggregator(store, health.Named{Name: "redis", Checker: down})

	report, err := agg.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != StatusUnhealthy {
		t.Errorf("Status = %q, want unhealthy", report.Status)
	}
	if report.Dependencies["redis"] != "unavailable" {
		t.Errorf("redis dependency = %q, want unavailable", report.Dependencies["redis"])
	}
}

func TestAggregator_CancelledContext(t *testing.T) {
	agg := newAggregator(seeded(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := agg.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if agg.Last() != nil {
		t.Error("a cancelled run must not replace the last report")
	}
}
