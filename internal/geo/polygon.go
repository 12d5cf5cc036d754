package geo

// PointInPolygon reports whether p lies inside the ring using ray casting.
//
// Edges are treated as half-open on the latitude axis, so a point exactly on
// a southern or western edge counts as inside and a point on a northern or
// eastern edge as outside. The result for any given input is deterministic.
//
// Returns ErrInvalidGeometry (wrapped) when the ring has fewer than four
// points or is not closed.
func PointInPolygon(p Point, ring Ring) (bool, error) {
	if err := ValidateRing(ring); err != nil {
		return false, err
	}

	inside := false
	for i, j := 0, len(ring)-2; i < len(ring)-1; j, i = i, i+1 {
		ai, aj := ring[i], ring[j]
		if (ai[0] > p.Lat) != (aj[0] > p.Lat) {
			crossLon := (aj[1]-ai[1])*(p.Lat-ai[0])/(aj[0]-ai[0]) + ai[1]
			if p.Lon < crossLon {
				inside = !inside
			}
		}
	}
	return inside, nil
}

// PointInBoundingBox is the O(1) pre-filter for PointInPolygon. A false
// result guarantees the point is outside the ring.
func PointInBoundingBox(p Point, ring Ring) bool {
	if len(ring) == 0 {
		return false
	}
	return ring.Bounds().Contains(p)
}

// RectangleRing builds a closed axis-aligned rectangle of the given width
// (east-west) and height (north-south) in meters, centred on center.
func RectangleRing(center Point, widthMeters, heightMeters float64) Ring {
	sw := Offset(center, -heightMeters/2, -widthMeters/2)
	ne := Offset(center, heightMeters/2, widthMeters/2)
	return Ring{
		{sw.Lat, sw.Lon},
		{sw.Lat, ne.Lon},
		{ne.Lat, ne.Lon},
		{ne.Lat, sw.Lon},
		{sw.Lat, sw.Lon},
	}
}
