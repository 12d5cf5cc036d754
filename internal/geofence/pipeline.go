package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/venuefence/internal/cache"
	"github.com/onnwee/venuefence/internal/geo"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/region"
	"github.com/onnwee/venuefence/internal/tracing"
)

// Defaults for Config fields left zero.
const (
	DefaultStoreTimeout   = 2 * time.Second
	DefaultPositionTTL    = time.Hour
	DefaultPresenceWindow = 10 * time.Minute
)

// Regions is the read side of the region registry.
type Regions interface {
	Lookup(id string) (region.Region, error)
	All() []region.Region
}

// Config configures a Pipeline.
type Config struct {
	// GracePeriod is how long a user may remain outside before termination.
	GracePeriod time.Duration
	// StoreTimeout bounds every store and cache call.
	StoreTimeout time.Duration
	// PositionTTL is the expiry of the cached latest position.
	PositionTTL time.Duration
	// PresenceWindow is how recently a user must have been seen inside to
	// count as present.
	PresenceWindow time.Duration
	// AutoJoin creates a membership when an update lands inside a region the
	// user has no active membership for.
	AutoJoin bool
	// Stripes is the number of per-user lock stripes.
	Stripes int
	// Logger for engine activity.
	Logger *slog.Logger
	// Metrics for engine activity. Optional.
	Metrics *Metrics
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Pipeline processes location updates and explicit subscription changes.
// Work for a single user is serialized; different users proceed in parallel.
type Pipeline struct {
	config  Config
	regions Regions
	store   membership.Store
	samples membership.SampleStore
	cache   cache.Cache
	locks   *stripedMutex
}

// NewPipeline creates a Pipeline. A nil cache is replaced by cache.NoopCache.
func NewPipeline(
	config Config,
	regions Regions,
	store membership.Store,
	samples membership.SampleStore,
	c cache.Cache,
) *Pipeline {
	if config.GracePeriod == 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.PositionTTL == 0 {
		config.PositionTTL = DefaultPositionTTL
	}
	if config.PresenceWindow == 0 {
		config.PresenceWindow = DefaultPresenceWindow
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if c == nil {
		c = cache.NoopCache{}
	}

	return &Pipeline{
		config:  config,
		regions: regions,
		store:   store,
		samples: samples,
		cache:   c,
		locks:   newStripedMutex(config.Stripes),
	}
}

// GracePeriod returns the configured grace period.
func (p *Pipeline) GracePeriod() time.Duration {
	return p.config.GracePeriod
}

// Result reports what a location update did. A region appears in at most
// one of Inside, Outside, Unknown and Failed.
type Result struct {
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
	Inside  []string  `json:"inside"`
	Outside []string  `json:"outside"`
	// Terminated lists regions whose membership ended during this update.
	// They also appear in Outside.
	Terminated []string `json:"terminated,omitempty"`
	// Joined lists regions auto-joined during this update.
	Joined []string `json:"joined,omitempty"`
	// Unknown lists memberships whose region is no longer in the registry.
	Unknown []string `json:"unknown,omitempty"`
	// Failed lists regions whose state could not be persisted.
	Failed []string `json:"failed,omitempty"`
	// Degraded is set when the position sample could not be recorded.
	Degraded bool `json:"degraded,omitempty"`
}

// Update runs one location update for userID through the pipeline.
func (p *Pipeline) Update(ctx context.Context, userID string, pos membership.Position) (res *Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "geofence.update")
	defer func() { endSpan(err) }()

	started := time.Now()
	if !pos.Valid() {
		p.config.Metrics.incUpdate(OutcomeInvalid, time.Since(started).Seconds())
		return nil, fmt.Errorf("%w: %s", ErrInvalidCoordinate, pos.Point)
	}

	unlock := p.locks.lock(userID)
	defer unlock()

	now := p.config.Clock()
	logger := p.config.Logger.With("user_id", userID)

	active, err := p.listActive(ctx, userID)
	if err != nil {
		p.config.Metrics.incUpdate(OutcomeStoreUnavailable, time.Since(started).Seconds())
		logger.Error("failed to load memberships", "error", err)
		return nil, err
	}

	res = &Result{UserID: userID, At: now, Inside: []string{}, Outside: []string{}}
	member := make(map[string]bool, len(active))

	for _, m := range active {
		member[m.RegionID] = true

		reg, err := p.regions.Lookup(m.RegionID)
		if err != nil {
			logger.Debug("membership references unknown region", "region_id", m.RegionID)
			res.Unknown = append(res.Unknown, m.RegionID)
			continue
		}

		class := p.classify(pos.Point, reg)
		if err := p.apply(ctx, m, class, pos, now, res); err != nil {
			logger.Error("failed to apply classification",
				"region_id", m.RegionID,
				"classification", class.String(),
				"error", err)
			res.Failed = append(res.Failed, m.RegionID)
		}
	}

	if p.config.AutoJoin {
		p.autoJoin(ctx, userID, pos, now, member, res)
	}

	p.recordSample(ctx, userID, pos, now, res)
	p.cachePosition(ctx, userID, pos, now)

	outcome := OutcomeOK
	if len(res.Failed) > 0 || res.Degraded {
		outcome = OutcomePartial
	}
	p.config.Metrics.incUpdate(outcome, time.Since(started).Seconds())
	tracing.SetAttributes(ctx,
		attribute.Int("geofence.inside", len(res.Inside)),
		attribute.Int("geofence.outside", len(res.Outside)),
		attribute.Int("geofence.terminated", len(res.Terminated)),
	)
	logger.Debug("location update processed",
		"inside", len(res.Inside),
		"outside", len(res.Outside),
		"terminated", len(res.Terminated),
		"failed", len(res.Failed))

	return res, nil
}

// classify wraps Classify, logging and counting malformed regions.
func (p *Pipeline) classify(pt geo.Point, reg region.Region) Classification {
	class, err := Classify(pt, reg)
	if err != nil {
		p.config.Metrics.incInvalidGeometry()
		p.config.Logger.Warn("region geometry unusable, treating as outside",
			"region_id", reg.ID,
			"error", err)
	}
	p.config.Metrics.incClassification(class)
	return class
}

// apply runs the exit state machine for one membership and persists the
// outcome. It appends the region to exactly one result bucket on success.
func (p *Pipeline) apply(ctx context.Context, m *membership.Membership, class Classification, pos membership.Position, now time.Time, res *Result) error {
	ev := EventOutside
	if class == Inside {
		ev = EventInside
	}
	next := Next(m.State, ev, now, p.config.GracePeriod)

	switch {
	case next.IsTerminated():
		reason, _ := next.Reason()
		if _, err := p.terminate(ctx, m.UserID, m.RegionID, reason, now); err != nil {
			return err
		}
		res.Outside = append(res.Outside, m.RegionID)
		res.Terminated = append(res.Terminated, m.RegionID)

	case class == Inside:
		m.State = next
		m.LastSeenAt = now
		pt := pos.Point
		m.LastPosition = &pt
		if err := p.save(ctx, m); err != nil {
			return err
		}
		p.addPresence(ctx, m.UserID, m.RegionID)
		res.Inside = append(res.Inside, m.RegionID)

	default:
		if !next.Equal(m.State) {
			m.State = next
			if err := p.save(ctx, m); err != nil {
				return err
			}
		}
		res.Outside = append(res.Outside, m.RegionID)
	}
	return nil
}

func (p *Pipeline) autoJoin(ctx context.Context, userID string, pos membership.Position, now time.Time, member map[string]bool, res *Result) {
	for _, reg := range p.regions.All() {
		if member[reg.ID] {
			continue
		}
		if class, err := Classify(pos.Point, reg); err != nil || class != Inside {
			continue
		}

		pt := pos.Point
		m := &membership.Membership{
			UserID:       userID,
			RegionID:     reg.ID,
			SubscribedAt: now,
			LastSeenAt:   now,
			LastPosition: &pt,
			State:        membership.Inside(),
		}
		if err := p.create(ctx, m); err != nil {
			if !errors.Is(err, ErrAlreadySubscribed) {
				p.config.Logger.Error("auto-join failed",
					"user_id", userID,
					"region_id", reg.ID,
					"error", err)
				res.Failed = append(res.Failed, reg.ID)
			}
			continue
		}
		p.config.Metrics.incClassification(Inside)
		p.addPresence(ctx, userID, reg.ID)
		res.Inside = append(res.Inside, reg.ID)
		res.Joined = append(res.Joined, reg.ID)
	}
}

func (p *Pipeline) recordSample(ctx context.Context, userID string, pos membership.Position, now time.Time, res *Result) {
	sample := membership.PositionSample{
		UserID:     userID,
		Position:   pos,
		Geohash:    geo.Encode(pos.Point, geo.SamplePrecision),
		RecordedAt: now,
		Inside:     res.Inside,
		Outside:    res.Outside,
	}

	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	if err := p.samples.InsertSample(sctx, sample); err != nil {
		res.Degraded = true
		p.config.Logger.Error("failed to record position sample",
			"user_id", userID,
			"error", err)
	}
}

func (p *Pipeline) cachePosition(ctx context.Context, userID string, pos membership.Position, now time.Time) {
	payload, err := json.Marshal(cache.CachedPosition{
		Lat:       pos.Lat,
		Lon:       pos.Lon,
		Accuracy:  pos.AccuracyMeters,
		Timestamp: now,
	})
	if err != nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	if err := p.cache.SetWithTTL(cctx, cache.LocationKey(userID), payload, p.config.PositionTTL); err != nil {
		p.cacheFailed("set_position", userID, err)
	}
}

func (p *Pipeline) addPresence(ctx context.Context, userID, regionID string) {
	cctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	if err := p.cache.AddToSet(cctx, cache.PresenceKey(regionID), userID); err != nil {
		p.cacheFailed("add_presence", userID, err)
	}
}

func (p *Pipeline) removePresence(ctx context.Context, userID, regionID string) {
	cctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	if err := p.cache.RemoveFromSet(cctx, cache.PresenceKey(regionID), userID); err != nil {
		p.cacheFailed("remove_presence", userID, err)
	}
}

func (p *Pipeline) cacheFailed(op, userID string, err error) {
	p.config.Metrics.incCacheError(op)
	p.config.Logger.Warn("cache operation failed",
		"operation", op,
		"user_id", userID,
		"error", err)
}

// terminate ends the membership in the store and clears presence. It
// reports false when the membership was already inactive.
func (p *Pipeline) terminate(ctx context.Context, userID, regionID string, reason membership.Reason, at time.Time) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()

	ok, err := p.store.Terminate(sctx, userID, regionID, reason, at)
	if err != nil {
		return false, storeError("terminate", err)
	}
	if !ok {
		return false, nil
	}

	p.config.Metrics.incTermination(string(reason))
	p.config.Logger.Info("membership terminated",
		"user_id", userID,
		"region_id", regionID,
		"reason", string(reason))
	p.removePresence(ctx, userID, regionID)
	return true, nil
}

func (p *Pipeline) listActive(ctx context.Context, userID string) ([]*membership.Membership, error) {
	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	ms, err := p.store.ListActive(sctx, userID)
	if err != nil {
		return nil, storeError("list active", err)
	}
	return ms, nil
}

func (p *Pipeline) get(ctx context.Context, userID, regionID string) (*membership.Membership, error) {
	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	m, err := p.store.Get(sctx, userID, regionID)
	if errors.Is(err, membership.ErrMembershipNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("get", err)
	}
	return m, nil
}

func (p *Pipeline) save(ctx context.Context, m *membership.Membership) error {
	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	if err := p.store.Save(sctx, m); err != nil {
		return storeError("save", err)
	}
	return nil
}

func (p *Pipeline) create(ctx context.Context, m *membership.Membership) error {
	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	err := p.store.Create(sctx, m)
	if errors.Is(err, membership.ErrDuplicateActive) {
		return ErrAlreadySubscribed
	}
	if err != nil {
		return storeError("create", err)
	}
	p.config.Metrics.incSubscription()
	return nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
