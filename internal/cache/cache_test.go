package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	if got := LocationKey("u1"); got != "user:u1:location" {
		t.Errorf("LocationKey = %q", got)
	}
	if got := PresenceKey("v9"); got != "venue:v9:users" {
		t.Errorf("PresenceKey = %q", got)
	}
}

func TestInMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	if err := c.SetWithTTL(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	now = now.Add(time.Hour)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after expiry error = %v, want ErrCacheMiss", err)
	}
}

func TestInMemoryCache_Sets(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	_ = c.AddToSet(ctx, "s", "b")
	_ = c.AddToSet(ctx, "s", "a")
	_ = c.AddToSet(ctx, "s", "a")
	members, _ := c.Members(ctx, "s")
	if len(members) != 2 || members[0] != "a" || members[1] != "b" {
		t.Errorf("Members() = %v, want [a b]", members)
	}

	_ = c.RemoveFromSet(ctx, "s", "a")
	_ = c.RemoveFromSet(ctx, "s", "missing")
	_ = c.RemoveFromSet(ctx, "nokey", "a")
	members, _ = c.Members(ctx, "s")
	if len(members) != 1 || members[0] != "b" {
		t.Errorf("Members() after remove = %v, want [b]", members)
	}
}

func TestInMemoryCache_InjectedFailure(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	c.SetError(errors.New("connection reset"))

	if err := c.AddToSet(ctx, "s", "a"); !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("AddToSet() error = %v, want ErrCacheUnavailable", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("Ping() error = %v, want ErrCacheUnavailable", err)
	}

	c.SetError(nil)
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping() after clearing error = %v", err)
	}
}

func TestNoopCache(t *testing.T) {
	var c Cache = NoopCache{}
	ctx := context.Background()
	if err := c.SetWithTTL(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("SetWithTTL() error = %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}
