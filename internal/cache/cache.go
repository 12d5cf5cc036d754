// Package cache provides the short-lived key/value and set storage used for
// latest user positions and per-region presence sets.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheUnavailable wraps any backend failure. Callers treat it as
	// non-fatal.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrCacheMiss is returned by Get when the key does not exist or expired.
	ErrCacheMiss = errors.New("cache miss")
)

// Cache is the narrow cache interface the geofencing engine depends on.
type Cache interface {
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	AddToSet(ctx context.Context, key, member string) error
	RemoveFromSet(ctx context.Context, key, member string) error
	Members(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
}

// LocationKey is the key holding a user's latest raw position.
func LocationKey(userID string) string {
	return "user:" + userID + ":location"
}

// PresenceKey is the set of users currently associated with a region.
func PresenceKey(regionID string) string {
	return "venue:" + regionID + ":users"
}

// CachedPosition is the JSON payload stored under LocationKey.
type CachedPosition struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
