// Package region holds venue boundary definitions and the in-memory registry
// the geofencing engine classifies positions against.
package region

import (
	"context"
	"errors"

	"github.com/onnwee/venuefence/internal/geo"
)

// ErrRegionNotFound is returned by Lookup when the id is not in the current snapshot.
var ErrRegionNotFound = errors.New("region not found")

// Region is a venue boundary. A polygon takes precedence over the circle when
// both are present.
type Region struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters,omitempty"`
	Polygon      geo.Ring  `json:"polygon,omitempty"`
	Active       bool      `json:"active"`
}

// HasPolygon reports whether the region defines a polygon boundary.
func (r Region) HasPolygon() bool {
	return len(r.Polygon) > 0
}

// HasRadius reports whether the region defines a circular boundary.
func (r Region) HasRadius() bool {
	return r.RadiusMeters > 0
}

// Source supplies the set of active regions on each refresh.
type Source interface {
	// ListActiveRegions returns every region currently marked active.
	ListActiveRegions(ctx context.Context) ([]Region, error)
}
