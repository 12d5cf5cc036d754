package geofence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/venuefence/internal/cache"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/region"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore wraps the in-memory store with injectable failures and latency.
type flakyStore struct {
	*membership.InMemoryStore

	mu        sync.Mutex
	listErr   error
	saveErr   error
	sampleErr error
	listDelay time.Duration
}

func (f *flakyStore) set(fn func(f *flakyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *flakyStore) ListActive(ctx context.Context, userID string) ([]*membership.Membership, error) {
	f.mu.Lock()
	err, delay := f.listErr, f.listDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.InMemoryStore.ListActive(ctx, userID)
}

func (f *flakyStore) Save(ctx context.Context, m *membership.Membership) error {
	f.mu.Lock()
	err := f.saveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.InMemoryStore.Save(ctx, m)
}

func (f *flakyStore) InsertSample(ctx context.Context, s membership.PositionSample) error {
	f.mu.Lock()
	err := f.sampleErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.InMemoryStore.InsertSample(ctx, s)
}

type harness struct {
	pipeline *Pipeline
	sweeper  *Sweeper
	store    *flakyStore
	cache    *cache.InMemoryCache
	source   *region.InMemorySource
	registry *region.Registry
	clock    *fakeClock
	metrics  *Metrics
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*Config), regions ...region.Region) *harness {
	t.Helper()

	h := &harness{
		store:   &flakyStore{InMemoryStore: membership.NewInMemoryStore()},
		cache:   cache.NewInMemoryCache(),
		source:  region.NewInMemorySource(regions...),
		clock:   newFakeClock(),
		metrics: NewMetrics(),
	}
	h.cache.SetClock(h.clock.Now)
	h.registry = region.NewRegistry(h.source, region.RegistryConfig{Logger: quietLogger()})
	if err := h.registry.Refresh(context.Background()); err != nil {
		t.Fatalf("registry refresh: %v", err)
	}

	cfg := Config{
		GracePeriod:  DefaultGracePeriod,
		StoreTimeout: 200 * time.Millisecond,
		Logger:       quietLogger(),
		Metrics:      h.metrics,
		Clock:        h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.pipeline = NewPipeline(cfg, h.registry, h.store, h.store, h.cache)
	h.sweeper = NewSweeper(h.pipeline)
	return h
}

func venueA() region.Region {
	return region.Region{
		ID:           "venue-a",
		Name:         "Venue A",
		Center:       venueCenter,
		RadiusMeters: 300,
		Active:       true,
	}
}

func position(lat, lon float64) membership.Position {
	var pos membership.Position
	pos.Lat = lat
	pos.Lon = lon
	return pos
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
