package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// InMemoryCache is a process-local Cache for development and tests.
// Thread-safe via RWMutex.
type InMemoryCache struct {
	mu   sync.RWMutex
	kv   map[string]entry
	sets map[string]map[string]struct{}
	now  func() time.Time
	err  error
}

// NewInMemoryCache creates an empty cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		kv:   make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
		now:  time.Now,
	}
}

// SetClock overrides the clock used for expiry.
func (c *InMemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetError makes every operation fail with ErrCacheUnavailable until cleared.
func (c *InMemoryCache) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *InMemoryCache) failure(op string) error {
	if c.err != nil {
		return unavailable(op, c.err)
	}
	return nil
}

// SetWithTTL stores a copy of value that expires after ttl.
func (c *InMemoryCache) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("set"); err != nil {
		return err
	}
	c.kv[key] = entry{value: append([]byte(nil), value...), expiresAt: c.now().Add(ttl)}
	return nil
}

// Get returns a copy of the value or ErrCacheMiss once expired.
func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.failure("get"); err != nil {
		return nil, err
	}
	e, ok := c.kv[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// AddToSet adds member to the set at key.
func (c *InMemoryCache) AddToSet(_ context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("sadd"); err != nil {
		return err
	}
	set, ok := c.sets[key]
	if !ok {
		set = make(map[string]struct{})
		c.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet removes member from the set at key.
func (c *InMemoryCache) RemoveFromSet(_ context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("srem"); err != nil {
		return err
	}
	delete(c.sets[key], member)
	return nil
}

// Members returns the sorted members of the set at key.
func (c *InMemoryCache) Members(_ context.Context, key string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.failure("smembers"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Ping reports the injected error, if any.
func (c *InMemoryCache) Ping(context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure("ping")
}

// NoopCache discards writes and misses on every read. Used when Redis is
// not configured.
type NoopCache struct{}

func (NoopCache) SetWithTTL(context.Context, string, []byte, time.Duration) error { return nil }
func (NoopCache) Get(context.Context, string) ([]byte, error)                     { return nil, ErrCacheMiss }
func (NoopCache) AddToSet(context.Context, string, string) error                  { return nil }
func (NoopCache) RemoveFromSet(context.Context, string, string) error             { return nil }
func (NoopCache) Members(context.Context, string) ([]string, error)               { return nil, nil }
func (NoopCache) Ping(context.Context) error                                      { return nil }
