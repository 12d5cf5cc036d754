// Package geofence is the geofencing engine: it classifies positions against
// the region registry, drives each membership through the exit grace-period
// state machine, and sweeps memberships whose users stopped reporting.
package geofence

import "errors"

var (
	// ErrInvalidCoordinate is returned for latitude outside [-90, 90] or
	// longitude outside [-180, 180]. Nothing is mutated.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrStoreUnavailable wraps membership store failures and timeouts.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNoGeometry marks a region that defines neither polygon nor radius.
	ErrNoGeometry = errors.New("region has no geometry")
	// ErrAlreadySubscribed is returned by Subscribe for an existing active membership.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrNotSubscribed is returned by Unsubscribe when no active membership exists.
	ErrNotSubscribed = errors.New("not subscribed")
)
