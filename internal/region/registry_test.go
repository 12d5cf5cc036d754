package region

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/venuefence/internal/geo"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func circle(id string, radius float64) Region {
	return Region{
		ID:           id,
		Name:         "Venue " + id,
		Center:       geo.Point{Lat: 40.7489, Lon: -73.9680},
		RadiusMeters: radius,
		Active:       true,
	}
}

func TestRegistry_RefreshAndLookup(t *testing.T) {
	src := NewInMemorySource(circle("a", 300), circle("b", 100))
	inactive := circle("c", 50)
	inactive.Active = false
	src.Put(inactive)

	reg := NewRegistry(src, RegistryConfig{Logger: quietLogger()})
	if reg.Size() != 0 {
		t.Fatalf("new registry size = %d, want 0", reg.Size())
	}
	if !reg.LoadedAt().IsZero() {
		t.Error("LoadedAt should be zero before the first refresh")
	}

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if reg.Size() != 2 {
		t.Errorf("Size() = %d, want 2", reg.Size())
	}

	got, err := reg.Lookup("a")
	if err != nil {
		t.Fatalf("Lookup(a) error = %v", err)
	}
	if got.RadiusMeters != 300 {
		t.Errorf("RadiusMeters = %v, want 300", got.RadiusMeters)
	}

	if _, err := reg.Lookup("c"); !errors.Is(err, ErrRegionNotFound) {
		t.Errorf("inactive region lookup error = %v, want ErrRegionNotFound", err)
	}

	all := reg.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Errorf("All() = %+v, want regions a and b in order", all)
	}
}

func TestRegistry_RefreshReplacesWholesale(t *testing.T) {
	src := NewInMemorySource(circle("a", 300))
	reg := NewRegistry(src, RegistryConfig{Logger: quietLogger()})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	src.Remove("a")
	src.Put(circle("b", 200))
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if _, err := reg.Lookup("a"); !errors.Is(err, ErrRegionNotFound) {
		t.Error("removed region should no longer resolve")
	}
	if _, err := reg.Lookup("b"); err != nil {
		t.Errorf("Lookup(b) error = %v", err)
	}
}

func TestRegistry_FailedRefreshKeepsPrevious(t *testing.T) {
	src := NewInMemorySource(circle("a", 300))
	metrics := NewMetrics()
	reg := NewRegistry(src, RegistryConfig{Logger: quietLogger(), Metrics: metrics})

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	src.SetError(errors.New("connection refused"))
	if err := reg.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	if reg.Size() != 1 {
		t.Errorf("Size() after failed refresh = %d, want 1", reg.Size())
	}
	if _, err := reg.Lookup("a"); err != nil {
		t.Errorf("previous snapshot lost: %v", err)
	}

	if got := testutil.ToFloat64(metrics.refreshErrors); got != 1 {
		t.Errorf("refresh errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.refreshTotal); got != 1 {
		t.Errorf("refresh total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.regionCount); got != 1 {
		t.Errorf("region count = %v, want 1", got)
	}
}

func TestRegistry_DefaultRadius(t *testing.T) {
	bare := Region{ID: "bare", Center: geo.Point{Lat: 1, Lon: 1}, Active: true}
	poly := Region{
		ID:      "poly",
		Polygon: geo.Ring{{0, 0}, {0, 1}, {1, 1}, {1, 0}, {0, 0}},
		Active:  true,
	}
	reg := NewRegistry(NewInMemorySource(bare, poly), RegistryConfig{
		DefaultRadiusMeters: DefaultRadiusMeters,
		Logger:              quietLogger(),
	})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got, _ := reg.Lookup("bare")
	if got.RadiusMeters != DefaultRadiusMeters {
		t.Errorf("bare region radius = %v, want %v", got.RadiusMeters, DefaultRadiusMeters)
	}
	got, _ = reg.Lookup("poly")
	if got.RadiusMeters != 0 {
		t.Errorf("polygon region should not receive a default radius, got %v", got.RadiusMeters)
	}
}

// slowSource blocks each fetch until released and counts calls.
type slowSource struct {
	regions []Region
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowSource) ListActiveRegions(ctx context.Context) ([]Region, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.regions, nil
}

func TestRegistry_ConcurrentLookupsDuringRefresh(t *testing.T) {
	var initial []Region
	for i := 0; i < 50; i++ {
		initial = append(initial, circle(fmt.Sprintf("r%02d", i), 100))
	}
	reg := NewRegistry(NewInMemorySource(initial...), RegistryConfig{Logger: quietLogger()})
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	var next []Region
	for i := 0; i < 80; i++ {
		next = append(next, circle(fmt.Sprintf("r%02d", i), 200))
	}
	slow := &slowSource{regions: next, release: make(chan struct{})}
	reg.source = slow

	stop := make(chan struct{})
	var bad atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := reg.Size()
				if n != 50 && n != 80 {
					bad.Add(1)
				}
				if _, err := reg.Lookup("r00"); err != nil {
					bad.Add(1)
				}
			}
		}()
	}

	refreshDone := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { refreshDone <- reg.Refresh(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(slow.release)
	for i := 0; i < 3; i++ {
		if err := <-refreshDone; err != nil {
			t.Errorf("Refresh() error = %v", err)
		}
	}
	close(stop)
	wg.Wait()

	if bad.Load() != 0 {
		t.Errorf("observed %d partial or empty snapshots", bad.Load())
	}
	if reg.Size() != 80 {
		t.Errorf("Size() = %d, want 80", reg.Size())
	}
	if calls := slow.calls.Load(); calls < 1 || calls > 3 {
		t.Errorf("source called %d times", calls)
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("duplicate registration should fail")
	}
	if len(m.Collectors()) != 4 {
		t.Errorf("expected 4 collectors, got %d", len(m.Collectors()))
	}
}
