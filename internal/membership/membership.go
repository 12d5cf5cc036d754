// Package membership models a user's association with a venue region, the
// position samples recorded on each update, and the stores that persist them.
package membership

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/venuefence/internal/geo"
)

// Common errors for membership operations.
var (
	ErrMembershipNotFound = errors.New("membership not found")
	ErrDuplicateActive    = errors.New("active membership already exists")
)

// Membership is a user's association with one region. At most one active
// membership exists per (user, region) pair.
type Membership struct {
	ID           string
	UserID       string
	RegionID     string
	SubscribedAt time.Time
	LastSeenAt   time.Time
	LastPosition *geo.Point
	State        State
	EndedAt      *time.Time
}

// Active reports whether the membership has not been terminated.
func (m *Membership) Active() bool {
	return !m.State.IsTerminated()
}

// OutsideSince returns the tentative-exit timestamp, or nil while inside or
// once terminated.
func (m *Membership) OutsideSince() *time.Time {
	since, ok := m.State.Since()
	if !ok {
		return nil
	}
	return &since
}

// Clone returns a deep copy.
func (m *Membership) Clone() *Membership {
	c := *m
	if m.LastPosition != nil {
		p := *m.LastPosition
		c.LastPosition = &p
	}
	if m.EndedAt != nil {
		e := *m.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// Position is a raw location report.
type Position struct {
	geo.Point
	// AccuracyMeters is the device-reported horizontal accuracy. Zero when unknown.
	AccuracyMeters float64 `json:"accuracy,omitempty"`
}

// PositionSample is the write-once log entry recorded for every accepted update.
type PositionSample struct {
	UserID     string
	Position   Position
	Geohash    string
	RecordedAt time.Time
	Inside     []string
	Outside    []string
}

// RegionStats summarises membership activity for one region over a window.
type RegionStats struct {
	RegionID      string        `json:"region_id"`
	ActiveMembers int           `json:"active_members"`
	UniqueUsers   int           `json:"unique_users"`
	TotalVisits   int           `json:"total_visits"`
	AvgDwell      time.Duration `json:"-"`
}

// AvgDwellMinutes returns the average dwell time in minutes.
func (s RegionStats) AvgDwellMinutes() float64 {
	return s.AvgDwell.Minutes()
}

// Store persists memberships.
type Store interface {
	// ListActive returns the user's active memberships.
	ListActive(ctx context.Context, userID string) ([]*Membership, error)
	// Get returns the active membership for (user, region) or ErrMembershipNotFound.
	Get(ctx context.Context, userID, regionID string) (*Membership, error)
	// ListOutside returns active memberships currently in OutsideTentative.
	ListOutside(ctx context.Context) ([]*Membership, error)
	// Create inserts a new active membership. Returns ErrDuplicateActive when
	// one already exists for the pair.
	Create(ctx context.Context, m *Membership) error
	// Save writes last-seen, last position and the outside-since timestamp of
	// an active membership.
	Save(ctx context.Context, m *Membership) error
	// Terminate ends the active membership for (user, region). It reports
	// false when no active membership existed, so each membership is
	// terminated at most once.
	Terminate(ctx context.Context, userID, regionID string, reason Reason, at time.Time) (bool, error)
	// ListPresent returns user ids with an active membership in the region
	// that were last seen inside at or after since.
	ListPresent(ctx context.Context, regionID string, since time.Time) ([]string, error)
}

// SampleStore persists the position sample log.
type SampleStore interface {
	InsertSample(ctx context.Context, s PositionSample) error
	// DeleteSamplesOlderThan removes samples recorded before cutoff and
	// returns the number removed.
	DeleteSamplesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsStore computes and records aggregate membership statistics.
type StatsStore interface {
	// RegionStats aggregates memberships subscribed at or after since.
	RegionStats(ctx context.Context, since time.Time) ([]RegionStats, error)
	// CountStale counts active memberships last seen before the cutoff.
	CountStale(ctx context.Context, before time.Time) (int, error)
	// SaveRegionStats upserts the daily aggregate for each region.
	SaveRegionStats(ctx context.Context, day time.Time, stats []RegionStats) error
}
