package region

import (
	"context"
	"sync"
)

// InMemorySource is a Source backed by a map. Thread-safe via RWMutex.
type InMemorySource struct {
	mu      sync.RWMutex
	regions map[string]Region
	err     error
}

// NewInMemorySource creates a source seeded with the given regions.
func NewInMemorySource(regions ...Region) *InMemorySource {
	s := &InMemorySource{regions: make(map[string]Region, len(regions))}
	for _, r := range regions {
		s.regions[r.ID] = r
	}
	return s
}

// Put adds or replaces a region.
func (s *InMemorySource) Put(r Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[r.ID] = r
}

// Remove deletes a region by id.
func (s *InMemorySource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, id)
}

// SetError makes subsequent ListActiveRegions calls fail with err until
// cleared with SetError(nil).
func (s *InMemorySource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ListActiveRegions returns copies of all active regions.
func (s *InMemorySource) ListActiveRegions(ctx context.Context) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}

	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		if !r.Active {
			continue
		}
		if r.Polygon != nil {
			r.Polygon = append(r.Polygon[:0:0], r.Polygon...)
		}
		out = append(out, r)
	}
	return out, nil
}
