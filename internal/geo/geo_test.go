package geo

import (
	"errors"
	"math"
	"testing"
)

func TestDistanceMeters(t *testing.T) {
	a := Point{Lat: 40.7489, Lon: -73.9680}
	b := Point{Lat: 40.7580, Lon: -73.9680}

	t.Run("identical points", func(t *testing.T) {
		if d := DistanceMeters(a, a); d != 0 {
			t.Errorf("DistanceMeters(a, a) = %v, want 0", d)
		}
	})

	t.Run("symmetric", func(t *testing.T) {
		if ab, ba := DistanceMeters(a, b), DistanceMeters(b, a); ab != ba {
			t.Errorf("DistanceMeters not symmetric: %v vs %v", ab, ba)
		}
	})

	t.Run("known distance", func(t *testing.T) {
		d := DistanceMeters(a, b)
		if math.Abs(d-1013) > 50 {
			t.Errorf("DistanceMeters = %.1f, want 1013 +/- 50", d)
		}
	})

	t.Run("antipodal points", func(t *testing.T) {
		d := DistanceMeters(Point{Lat: 0, Lon: 0}, Point{Lat: 0, Lon: 180})
		want := math.Pi * EarthRadiusMeters
		if math.Abs(d-want) > 1 {
			t.Errorf("DistanceMeters = %.1f, want %.1f", d, want)
		}
	})
}

func TestOffset(t *testing.T) {
	center := Point{Lat: 40.7489, Lon: -73.9680}
	tests := []struct {
		name         string
		north, east  float64
		wantDistance float64
	}{
		{"north 300m", 300, 0, 300},
		{"east 299m", 0, 299, 299},
		{"south-west 500m", -300, -400, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(center, Offset(center, tt.north, tt.east))
			if math.Abs(got-tt.wantDistance) > 0.5 {
				t.Errorf("distance after offset = %.3f, want %.1f", got, tt.wantDistance)
			}
		})
	}
}

func TestPointInPolygon(t *testing.T) {
	square := Ring{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}

	tests := []struct {
		name  string
		point Point
		want  bool
	}{
		{"centre", Point{Lat: 5, Lon: 5}, true},
		{"far outside", Point{Lat: 20, Lon: 20}, false},
		{"just inside corner", Point{Lat: 0.001, Lon: 0.001}, true},
		{"west of square", Point{Lat: 5, Lon: -1}, false},
		{"south edge", Point{Lat: 0, Lon: 5}, true},
		{"north edge", Point{Lat: 10, Lon: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PointInPolygon(tt.point, square)
			if err != nil {
				t.Fatalf("PointInPolygon returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("PointInPolygon(%v) = %v, want %v", tt.point, got, tt.want)
			}
		})
	}
}

func TestPointInPolygon_Concave(t *testing.T) {
	// U shape opening to the north.
	u := Ring{{0, 0}, {0, 3}, {3, 3}, {3, 2}, {1, 2}, {1, 1}, {3, 1}, {3, 0}, {0, 0}}

	if in, _ := PointInPolygon(Point{Lat: 2, Lon: 1.5}, u); in {
		t.Error("point in the notch should be outside")
	}
	if in, _ := PointInPolygon(Point{Lat: 2, Lon: 0.5}, u); !in {
		t.Error("point in the left arm should be inside")
	}
}

func TestPointInPolygon_InvalidRing(t *testing.T) {
	tests := []struct {
		name string
		ring Ring
	}{
		{"empty", nil},
		{"too few points", Ring{{0, 0}, {0, 1}, {0, 0}}},
		{"not closed", Ring{{0, 0}, {0, 10}, {10, 10}, {10, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PointInPolygon(Point{Lat: 5, Lon: 5}, tt.ring)
			if !errors.Is(err, ErrInvalidGeometry) {
				t.Errorf("expected ErrInvalidGeometry, got %v", err)
			}
		})
	}
}

func TestPointInBoundingBox(t *testing.T) {
	tri := Ring{{0, 0}, {10, 5}, {0, 10}, {0, 0}}

	if !PointInBoundingBox(Point{Lat: 9, Lon: 1}, tri) {
		t.Error("point inside the bbox but outside the triangle should pass the pre-filter")
	}
	if PointInBoundingBox(Point{Lat: 11, Lon: 5}, tri) {
		t.Error("point north of the bbox should fail the pre-filter")
	}
	if PointInBoundingBox(Point{Lat: 1, Lon: 1}, nil) {
		t.Error("empty ring should never contain a point")
	}
}

func TestRectangleRing(t *testing.T) {
	center := Point{Lat: 51.5, Lon: -0.12}
	ring := RectangleRing(center, 200, 100)

	if err := ValidateRing(ring); err != nil {
		t.Fatalf("RectangleRing produced invalid ring: %v", err)
	}
	if in, _ := PointInPolygon(center, ring); !in {
		t.Error("centre should be inside the rectangle")
	}
	if in, _ := PointInPolygon(Offset(center, 60, 0), ring); in {
		t.Error("60m north should be outside a 100m tall rectangle")
	}
	if in, _ := PointInPolygon(Offset(center, 0, 90), ring); !in {
		t.Error("90m east should be inside a 200m wide rectangle")
	}
}

func TestPointValid(t *testing.T) {
	tests := []struct {
		p    Point
		want bool
	}{
		{Point{Lat: 0, Lon: 0}, true},
		{Point{Lat: 90, Lon: 180}, true},
		{Point{Lat: -90, Lon: -180}, true},
		{Point{Lat: 90.0001, Lon: 0}, false},
		{Point{Lat: 0, Lon: -180.5}, false},
		{Point{Lat: math.NaN(), Lon: 0}, false},
	}
	for _, tt := range tests {
		if got := tt.p.Valid(); got != tt.want {
			t.Errorf("%v.Valid() = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestEncode(t *testing.T) {
	// Reference value for the Empire State Building area.
	got := Encode(Point{Lat: 40.7484, Lon: -73.9857}, 7)
	if got != "dr5ru6j" {
		t.Errorf("Encode = %q, want %q", got, "dr5ru6j")
	}
	if len(Encode(Point{}, 0)) != SamplePrecision {
		t.Errorf("precision 0 should default to %d", SamplePrecision)
	}
}
