package geofence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/venuefence/internal/cache"
	"github.com/onnwee/venuefence/internal/geo"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/region"
	"github.com/onnwee/venuefence/internal/tracing"
)

// Subscribe creates a fresh membership for (userID, regionID). When pos is
// given it is classified immediately, so a subscribe from outside starts the
// grace period at once.
func (p *Pipeline) Subscribe(ctx context.Context, userID, regionID string, pos *membership.Position) (m *membership.Membership, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "geofence.subscribe")
	defer func() { endSpan(err) }()

	if pos != nil && !pos.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCoordinate, pos.Point)
	}
	reg, err := p.regions.Lookup(regionID)
	if err != nil {
		return nil, err
	}

	unlock := p.locks.lock(userID)
	defer unlock()

	if _, err := p.get(ctx, userID, regionID); err == nil {
		return nil, ErrAlreadySubscribed
	} else if !errors.Is(err, membership.ErrMembershipNotFound) {
		return nil, err
	}

	now := p.config.Clock()
	m = &membership.Membership{
		UserID:       userID,
		RegionID:     regionID,
		SubscribedAt: now,
		LastSeenAt:   now,
		State:        membership.Inside(),
	}
	if pos != nil {
		pt := pos.Point
		m.LastPosition = &pt
		if p.classify(pos.Point, reg) == Outside {
			m.State = Next(m.State, EventOutside, now, p.config.GracePeriod)
		}
	}

	if err := p.create(ctx, m); err != nil {
		return nil, err
	}
	p.addPresence(ctx, userID, regionID)

	p.config.Logger.Info("membership created",
		"user_id", userID,
		"region_id", regionID,
		"state", m.State.String())
	return m, nil
}

// Unsubscribe terminates the active membership with reason user_initiated.
func (p *Pipeline) Unsubscribe(ctx context.Context, userID, regionID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "geofence.unsubscribe")
	defer func() { endSpan(err) }()

	unlock := p.locks.lock(userID)
	defer unlock()

	m, err := p.get(ctx, userID, regionID)
	if errors.Is(err, membership.ErrMembershipNotFound) {
		return ErrNotSubscribed
	}
	if err != nil {
		return err
	}

	now := p.config.Clock()
	next := Next(m.State, EventUnsubscribe, now, p.config.GracePeriod)
	reason, _ := next.Reason()
	ok, err := p.terminate(ctx, userID, regionID, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSubscribed
	}
	return nil
}

// CheckResult is the stateless answer for a single region.
type CheckResult struct {
	RegionID       string  `json:"region_id"`
	Inside         bool    `json:"inside"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Check classifies pos against one region without touching any membership.
func (p *Pipeline) Check(regionID string, pos geo.Point) (*CheckResult, error) {
	if !pos.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCoordinate, pos)
	}
	reg, err := p.regions.Lookup(regionID)
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		RegionID:       regionID,
		Inside:         p.classify(pos, reg) == Inside,
		DistanceMeters: geo.DistanceMeters(pos, reg.Center),
	}, nil
}

// Memberships returns the user's active memberships.
func (p *Pipeline) Memberships(ctx context.Context, userID string) ([]*membership.Membership, error) {
	return p.listActive(ctx, userID)
}

// PresentUsers returns users seen inside the region within the presence window.
func (p *Pipeline) PresentUsers(ctx context.Context, regionID string) ([]string, error) {
	if _, err := p.regions.Lookup(regionID); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	since := p.config.Clock().Add(-p.config.PresenceWindow)
	users, err := p.store.ListPresent(sctx, regionID, since)
	if err != nil {
		return nil, storeError("list present", err)
	}
	return users, nil
}

// LatestPosition returns the cached latest position, or cache.ErrCacheMiss.
func (p *Pipeline) LatestPosition(ctx context.Context, userID string) (*cache.CachedPosition, error) {
	cctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()

	raw, err := p.cache.Get(cctx, cache.LocationKey(userID))
	if err != nil {
		return nil, err
	}
	var pos cache.CachedPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("%w: corrupt position payload: %v", cache.ErrCacheUnavailable, err)
	}
	return &pos, nil
}

// Region returns the registry entry for id, or region.ErrRegionNotFound.
func (p *Pipeline) Region(id string) (region.Region, error) {
	return p.regions.Lookup(id)
}

// Now returns the pipeline clock's current time.
func (p *Pipeline) Now() time.Time {
	return p.config.Clock()
}
