// Package geo implements the geometry kernel used by the geofencing engine:
// great-circle distance, point-in-polygon containment and bounding-box
// pre-filtering. All functions are pure and safe for concurrent use.
package geo

import (
	"errors"
	"fmt"
)

// ErrInvalidGeometry is returned when a polygon ring is malformed.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies within latitude [-90, 90] and
// longitude [-180, 180].
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lon)
}

// Ring is a closed polygon boundary. Each vertex is a [lat, lon] pair and the
// last vertex must equal the first.
type Ring [][2]float64

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// Contains reports whether p lies inside or on the edge of the box.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Bounds returns the bounding box of the ring. An empty ring yields the zero box.
func (r Ring) Bounds() BBox {
	if len(r) == 0 {
		return BBox{}
	}
	b := BBox{MinLat: r[0][0], MaxLat: r[0][0], MinLon: r[0][1], MaxLon: r[0][1]}
	for _, v := range r[1:] {
		b.MinLat = min(b.MinLat, v[0])
		b.MaxLat = max(b.MaxLat, v[0])
		b.MinLon = min(b.MinLon, v[1])
		b.MaxLon = max(b.MaxLon, v[1])
	}
	return b
}

// ValidateRing checks that the ring has at least four vertices and is closed.
func ValidateRing(r Ring) error {
	if len(r) < 4 {
		return fmt.Errorf("%w: ring has %d points, need at least 4", ErrInvalidGeometry, len(r))
	}
	if r[0] != r[len(r)-1] {
		return fmt.Errorf("%w: ring is not closed", ErrInvalidGeometry)
	}
	return nil
}
