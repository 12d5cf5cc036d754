package region

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/venuefence/internal/geo"
)

// DefaultRadiusMeters is applied to regions that define neither a polygon nor
// a radius when the registry is not configured otherwise.
const DefaultRadiusMeters = 500.0

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// DefaultRadiusMeters is assigned to regions without geometry on refresh.
	// Zero leaves such regions untouched; the classifier treats them as Outside.
	DefaultRadiusMeters float64
	// Logger for refresh activity.
	Logger *slog.Logger
	// Metrics for refresh tracking. Optional.
	Metrics *Metrics
}

// snapshot is an immutable id -> Region mapping.
type snapshot struct {
	regions  map[string]Region
	loadedAt time.Time
}

// Registry is the in-memory map of active regions. Readers always observe a
// complete snapshot; Refresh builds a new map and swaps it in atomically.
type Registry struct {
	source Source
	config RegistryConfig

	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

// NewRegistry creates an empty registry. Call Refresh to populate it.
func NewRegistry(source Source, config RegistryConfig) *Registry {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	r := &Registry{source: source, config: config}
	r.current.Store(&snapshot{regions: map[string]Region{}})
	return r
}

// Refresh reloads all active regions from the source and replaces the
// current snapshot. On failure the previous snapshot stays in place.
// Concurrent calls share a single fetch.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		return nil, r.refresh(ctx)
	})
	if shared {
		r.config.Logger.Debug("region refresh shared with in-flight call")
	}
	return err
}

func (r *Registry) refresh(ctx context.Context) error {
	start := time.Now()

	regions, err := r.source.ListActiveRegions(ctx)
	if err != nil {
		if r.config.Metrics != nil {
			r.config.Metrics.IncRefreshErrors()
		}
		r.config.Logger.Error("region refresh failed, keeping previous snapshot",
			"error", err,
			"size", r.Size())
		return fmt.Errorf("failed to load regions: %w", err)
	}

	next := &snapshot{
		regions:  make(map[string]Region, len(regions)),
		loadedAt: time.Now(),
	}
	var invalid int
	for _, reg := range regions {
		if !reg.HasPolygon() && !reg.HasRadius() && r.config.DefaultRadiusMeters > 0 {
			reg.RadiusMeters = r.config.DefaultRadiusMeters
		}
		if reg.HasPolygon() {
			if err := geo.ValidateRing(reg.Polygon); err != nil {
				invalid++
				r.config.Logger.Warn("region has invalid polygon",
					"region_id", reg.ID,
					"error", err)
			}
		}
		next.regions[reg.ID] = reg
	}

	r.current.Store(next)

	if r.config.Metrics != nil {
		r.config.Metrics.IncRefreshTotal()
		r.config.Metrics.SetRegionCount(float64(len(next.regions)))
		r.config.Metrics.ObserveRefreshDuration(time.Since(start).Seconds())
	}
	r.config.Logger.Info("region registry refreshed",
		"regions", len(next.regions),
		"invalid_polygons", invalid,
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

// Lookup returns the region with the given id from the current snapshot.
func (r *Registry) Lookup(id string) (Region, error) {
	reg, ok := r.current.Load().regions[id]
	if !ok {
		return Region{}, fmt.Errorf("%w: %s", ErrRegionNotFound, id)
	}
	return reg, nil
}

// Size returns the number of regions in the current snapshot.
func (r *Registry) Size() int {
	return len(r.current.Load().regions)
}

// All returns every region in the current snapshot ordered by id.
func (r *Registry) All() []Region {
	snap := r.current.Load()
	out := make([]Region, 0, len(snap.regions))
	for _, reg := range snap.regions {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadedAt returns when the current snapshot was built. Zero before the
// first successful refresh.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}
