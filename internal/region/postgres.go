package region

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/onnwee/venuefence/internal/geo"
	"github.com/onnwee/venuefence/internal/tracing"
)

// PostgresSource loads regions from the venues table. Polygon boundaries are
// stored as PostGIS geometries and fetched as WKB.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a new PostgresSource.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// ListActiveRegions returns all venues flagged active.
func (s *PostgresSource) ListActiveRegions(ctx context.Context) (regions []Region, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "venues", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, name, latitude, longitude,
		       COALESCE(geofence_radius, 0),
		       ST_AsBinary(geofence_polygon),
		       is_active
		FROM venues
		WHERE is_active = true
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query venues: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r       Region
			polygon []byte
		)
		if err := rows.Scan(
			&r.ID,
			&r.Name,
			&r.Center.Lat,
			&r.Center.Lon,
			&r.RadiusMeters,
			&polygon,
			&r.Active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan venue: %w", err)
		}

		if len(polygon) > 0 {
			ring, err := decodeRing(polygon)
			if err != nil {
				// A degenerate ring fails validation, so the registry logs it
				// and the classifier reports the region Outside.
				ring = geo.Ring{{r.Center.Lat, r.Center.Lon}}
			}
			r.Polygon = ring
		}
		regions = append(regions, r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating venues: %w", err)
	}

	return regions, nil
}

// decodeRing converts a WKB polygon (or the first member of a multipolygon)
// into the exterior ring as [lat, lon] pairs.
func decodeRing(data []byte) (geo.Ring, error) {
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", geo.ErrInvalidGeometry, err)
	}

	var poly *geom.Polygon
	switch t := g.(type) {
	case *geom.Polygon:
		poly = t
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return nil, fmt.Errorf("%w: empty multipolygon", geo.ErrInvalidGeometry)
		}
		poly = t.Polygon(0)
	default:
		return nil, fmt.Errorf("%w: unsupported geometry %T", geo.ErrInvalidGeometry, g)
	}

	if poly.NumLinearRings() == 0 {
		return nil, fmt.Errorf("%w: polygon has no rings", geo.ErrInvalidGeometry)
	}

	coords := poly.LinearRing(0).Coords()
	ring := make(geo.Ring, 0, len(coords))
	for _, c := range coords {
		ring = append(ring, [2]float64{c.Y(), c.X()})
	}
	return ring, nil
}
