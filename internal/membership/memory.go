package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Store, SampleStore and StatsStore in memory.
// Thread-safe via RWMutex; values are copied on the way in and out.
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Membership
	active  map[string]string // "user|region" -> membership ID
	samples []PositionSample
	daily   map[string]RegionStats // "region|2006-01-02" -> stats
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Membership),
		active: make(map[string]string),
		daily:  make(map[string]RegionStats),
	}
}

func pairKey(userID, regionID string) string {
	return userID + "|" + regionID
}

// ListActive returns the user's active memberships ordered by region id.
func (s *InMemoryStore) ListActive(ctx context.Context, userID string) ([]*Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Membership
	for _, id := range s.active {
		m := s.byID[id]
		if m.UserID == userID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out, nil
}

// Get returns the active membership for the pair.
func (s *InMemoryStore) Get(ctx context.Context, userID, regionID string) (*Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[pairKey(userID, regionID)]
	if !ok {
		return nil, ErrMembershipNotFound
	}
	return s.byID[id].Clone(), nil
}

// ListOutside returns active memberships in OutsideTentative.
func (s *InMemoryStore) ListOutside(ctx context.Context) ([]*Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Membership
	for _, id := range s.active {
		m := s.byID[id]
		if m.State.Kind() == KindOutsideTentative {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create inserts a new active membership, assigning an ID when empty.
func (s *InMemoryStore) Create(ctx context.Context, m *Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(m.UserID, m.RegionID)
	if _, exists := s.active[key]; exists {
		return ErrDuplicateActive
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	s.byID[m.ID] = m.Clone()
	s.active[key] = m.ID
	return nil
}

// Save updates the mutable fields of an active membership.
func (s *InMemoryStore) Save(ctx context.Context, m *Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[pairKey(m.UserID, m.RegionID)]
	if !ok {
		return ErrMembershipNotFound
	}
	existing := s.byID[id]
	existing.LastSeenAt = m.LastSeenAt
	if m.LastPosition != nil {
		p := *m.LastPosition
		existing.LastPosition = &p
	}
	if m.State.IsTerminated() {
		// Termination goes through Terminate so it happens exactly once.
		return nil
	}
	existing.State = m.State
	return nil
}

// Terminate ends the active membership for the pair.
func (s *InMemoryStore) Terminate(ctx context.Context, userID, regionID string, reason Reason, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userID, regionID)
	id, ok := s.active[key]
	if !ok {
		return false, nil
	}
	m := s.byID[id]
	m.State = Terminated(reason)
	ended := at
	m.EndedAt = &ended
	delete(s.active, key)
	return true, nil
}

// ListPresent returns users in the region seen at or after since.
func (s *InMemoryStore) ListPresent(ctx context.Context, regionID string, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, id := range s.active {
		m := s.byID[id]
		if m.RegionID == regionID && m.State.Kind() == KindInside && !m.LastSeenAt.Before(since) {
			out = append(out, m.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// InsertSample appends a position sample.
func (s *InMemoryStore) InsertSample(ctx context.Context, sample PositionSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sample.Inside = append([]string(nil), sample.Inside...)
	sample.Outside = append([]string(nil), sample.Outside...)
	s.samples = append(s.samples, sample)
	return nil
}

// DeleteSamplesOlderThan removes samples recorded before cutoff.
func (s *InMemoryStore) DeleteSamplesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.samples[:0]
	var removed int64
	for _, sample := range s.samples {
		if sample.RecordedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, sample)
	}
	s.samples = kept
	return removed, nil
}

// Samples returns a copy of all samples for the user in insertion order.
func (s *InMemoryStore) Samples(userID string) []PositionSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PositionSample
	for _, sample := range s.samples {
		if sample.UserID == userID {
			out = append(out, sample)
		}
	}
	return out
}

// RegionStats aggregates memberships subscribed at or after since.
func (s *InMemoryStore) RegionStats(ctx context.Context, since time.Time) ([]RegionStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		stats     RegionStats
		users     map[string]struct{}
		dwellSum  time.Duration
		dwellSeen int
	}
	byRegion := make(map[string]*acc)
	for _, m := range s.byID {
		if m.SubscribedAt.Before(since) {
			continue
		}
		a, ok := byRegion[m.RegionID]
		if !ok {
			a = &acc{stats: RegionStats{RegionID: m.RegionID}, users: make(map[string]struct{})}
			byRegion[m.RegionID] = a
		}
		a.stats.TotalVisits++
		a.users[m.UserID] = struct{}{}
		if m.Active() {
			a.stats.ActiveMembers++
		} else if m.EndedAt != nil {
			a.dwellSum += m.EndedAt.Sub(m.SubscribedAt)
			a.dwellSeen++
		}
	}

	out := make([]RegionStats, 0, len(byRegion))
	for _, a := range byRegion {
		a.stats.UniqueUsers = len(a.users)
		if a.dwellSeen > 0 {
			a.stats.AvgDwell = a.dwellSum / time.Duration(a.dwellSeen)
		}
		out = append(out, a.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out, nil
}

// CountStale counts active memberships last seen before the cutoff.
func (s *InMemoryStore) CountStale(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, id := range s.active {
		if s.byID[id].LastSeenAt.Before(before) {
			n++
		}
	}
	return n, nil
}

// SaveRegionStats records the daily aggregate for each region.
func (s *InMemoryStore) SaveRegionStats(ctx context.Context, day time.Time, stats []RegionStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := day.UTC().Format(time.DateOnly)
	for _, st := range stats {
		s.daily[st.RegionID+"|"+d] = st
	}
	return nil
}

// DailyStats returns the recorded aggregate for a region and day.
func (s *InMemoryStore) DailyStats(regionID string, day time.Time) (RegionStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.daily[regionID+"|"+day.UTC().Format(time.DateOnly)]
	return st, ok
}
