package geofence

import (
	"fmt"

	"github.com/onnwee/venuefence/internal/geo"
	"github.com/onnwee/venuefence/internal/region"
)

// Classification is the result of testing a point against one region.
type Classification int

const (
	// Outside is also the fail-safe answer for malformed regions.
	Outside Classification = iota
	Inside
)

func (c Classification) String() string {
	if c == Inside {
		return "inside"
	}
	return "outside"
}

// Classify tests p against r. A polygon takes precedence over the radius and
// is pre-filtered by its bounding box. Regions with malformed or missing
// geometry classify as Outside alongside a non-nil error (ErrInvalidGeometry
// or ErrNoGeometry) that callers log rather than propagate.
func Classify(p geo.Point, r region.Region) (Classification, error) {
	switch {
	case r.HasPolygon():
		if err := geo.ValidateRing(r.Polygon); err != nil {
			return Outside, fmt.Errorf("region %s: %w", r.ID, err)
		}
		if !geo.PointInBoundingBox(p, r.Polygon) {
			return Outside, nil
		}
		in, err := geo.PointInPolygon(p, r.Polygon)
		if err != nil {
			return Outside, fmt.Errorf("region %s: %w", r.ID, err)
		}
		if in {
			return Inside, nil
		}
		return Outside, nil

	case r.HasRadius():
		if geo.DistanceMeters(p, r.Center) <= r.RadiusMeters {
			return Inside, nil
		}
		return Outside, nil

	default:
		return Outside, fmt.Errorf("region %s: %w", r.ID, ErrNoGeometry)
	}
}
