package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/venuefence/internal/geo"
	"github.com/onnwee/venuefence/internal/tracing"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const membershipColumns = `
	id, user_id, venue_id, subscribed_at, last_seen_at,
	last_lat, last_lon, outside_since, active, ended_at, termination_reason
`

// PostgresStore implements Store, SampleStore and StatsStore using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (*Membership, error) {
	var (
		m            Membership
		lat, lon     sql.NullFloat64
		outsideSince sql.NullTime
		active       bool
		endedAt      sql.NullTime
		reason       sql.NullString
	)
	if err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.RegionID,
		&m.SubscribedAt,
		&m.LastSeenAt,
		&lat,
		&lon,
		&outsideSince,
		&active,
		&endedAt,
		&reason,
	); err != nil {
		return nil, err
	}

	if lat.Valid && lon.Valid {
		m.LastPosition = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	switch {
	case !active:
		m.State = Terminated(Reason(reason.String))
		if endedAt.Valid {
			t := endedAt.Time
			m.EndedAt = &t
		}
	case outsideSince.Valid:
		m.State = OutsideSince(outsideSince.Time)
	default:
		m.State = Inside()
	}
	return &m, nil
}

func (s *PostgresStore) queryMemberships(ctx context.Context, query string, args ...any) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}
	return out, nil
}

// ListActive returns the user's active memberships.
func (s *PostgresStore) ListActive(ctx context.Context, userID string) (out []*Membership, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	out, err = s.queryMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM geofence_memberships
		WHERE user_id = $1 AND active = true
		ORDER BY venue_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active memberships: %w", err)
	}
	return out, nil
}

// Get returns the active membership for the pair.
func (s *PostgresStore) Get(ctx context.Context, userID, regionID string) (m *Membership, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM geofence_memberships
		WHERE user_id = $1 AND venue_id = $2 AND active = true
	`, userID, regionID)

	m, err = scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListOutside returns active memberships with outside_since set.
func (s *PostgresStore) ListOutside(ctx context.Context) (out []*Membership, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	out, err = s.queryMemberships(ctx, `
		SELECT `+membershipColumns+`
		FROM geofence_memberships
		WHERE active = true AND outside_since IS NOT NULL
		ORDER BY outside_since
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list outside memberships: %w", err)
	}
	return out, nil
}

// Create inserts a new active membership.
func (s *PostgresStore) Create(ctx context.Context, m *Membership) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	lat, lon := nullPosition(m.LastPosition)
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO geofence_memberships (
			user_id, venue_id, subscribed_at, last_seen_at,
			last_lat, last_lon, outside_since, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		RETURNING id
	`,
		m.UserID,
		m.RegionID,
		m.SubscribedAt,
		m.LastSeenAt,
		lat,
		lon,
		nullTime(m.OutsideSince()),
	).Scan(&m.ID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateActive
	}
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

// Save updates last-seen, position and outside_since of an active membership.
func (s *PostgresStore) Save(ctx context.Context, m *Membership) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	lat, lon := nullPosition(m.LastPosition)
	res, err := s.db.ExecContext(ctx, `
		UPDATE geofence_memberships
		SET last_seen_at = $3,
		    last_lat = COALESCE($4, last_lat),
		    last_lon = COALESCE($5, last_lon),
		    outside_since = $6
		WHERE user_id = $1 AND venue_id = $2 AND active = true
	`,
		m.UserID,
		m.RegionID,
		m.LastSeenAt,
		lat,
		lon,
		nullTime(m.OutsideSince()),
	)
	if err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

// Terminate ends the active membership. The active = true predicate makes
// the transition happen at most once.
func (s *PostgresStore) Terminate(ctx context.Context, userID, regionID string, reason Reason, at time.Time) (ok bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE geofence_memberships
		SET active = false,
		    outside_since = NULL,
		    ended_at = $3,
		    termination_reason = $4
		WHERE user_id = $1 AND venue_id = $2 AND active = true
	`, userID, regionID, at, string(reason))
	if err != nil {
		return false, fmt.Errorf("failed to terminate membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListPresent returns users inside the region seen at or after since.
func (s *PostgresStore) ListPresent(ctx context.Context, regionID string, since time.Time) (users []string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id
		FROM geofence_memberships
		WHERE venue_id = $1
		  AND active = true
		  AND outside_since IS NULL
		  AND last_seen_at >= $2
		ORDER BY user_id
	`, regionID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list present users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating present users: %w", err)
	}
	return users, nil
}

// InsertSample writes a position sample.
func (s *PostgresStore) InsertSample(ctx context.Context, sample PositionSample) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "position_samples", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO position_samples (
			user_id, latitude, longitude, accuracy_meters, geohash,
			recorded_at, inside_venues, outside_venues
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		sample.UserID,
		sample.Position.Lat,
		sample.Position.Lon,
		sql.NullFloat64{Float64: sample.Position.AccuracyMeters, Valid: sample.Position.AccuracyMeters > 0},
		sample.Geohash,
		sample.RecordedAt,
		pq.Array(sample.Inside),
		pq.Array(sample.Outside),
	)
	if err != nil {
		return fmt.Errorf("failed to insert position sample: %w", err)
	}
	return nil
}

// DeleteSamplesOlderThan removes samples recorded before cutoff.
func (s *PostgresStore) DeleteSamplesOlderThan(ctx context.Context, cutoff time.Time) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "position_samples", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM position_samples WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete position samples: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// RegionStats aggregates memberships subscribed at or after since.
func (s *PostgresStore) RegionStats(ctx context.Context, since time.Time) (out []RegionStats, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT venue_id,
		       COUNT(*) FILTER (WHERE active) AS active_members,
		       COUNT(DISTINCT user_id) AS unique_users,
		       COUNT(*) AS total_visits,
		       COALESCE(AVG(EXTRACT(EPOCH FROM (ended_at - subscribed_at))), 0) AS avg_dwell_seconds
		FROM geofence_memberships
		WHERE subscribed_at >= $1
		GROUP BY venue_id
		ORDER BY venue_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query region stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st    RegionStats
			dwell float64
		)
		if err := rows.Scan(&st.RegionID, &st.ActiveMembers, &st.UniqueUsers, &st.TotalVisits, &dwell); err != nil {
			return nil, fmt.Errorf("failed to scan region stats: %w", err)
		}
		st.AvgDwell = time.Duration(dwell * float64(time.Second))
		out = append(out, st)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating region stats: %w", err)
	}
	return out, nil
}

// CountStale counts active memberships last seen before the cutoff.
func (s *PostgresStore) CountStale(ctx context.Context, before time.Time) (n int, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "geofence_memberships", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM geofence_memberships
		WHERE active = true AND last_seen_at < $1
	`, before).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale memberships: %w", err)
	}
	return n, nil
}

// SaveRegionStats upserts one venue_analytics row per region in a single
// transaction.
func (s *PostgresStore) SaveRegionStats(ctx context.Context, day time.Time, stats []RegionStats) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "venue_analytics", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO venue_analytics (venue_id, date, unique_users, avg_duration_seconds, total_visits)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (venue_id, date) DO UPDATE SET
			unique_users = EXCLUDED.unique_users,
			avg_duration_seconds = EXCLUDED.avg_duration_seconds,
			total_visits = EXCLUDED.total_visits
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare analytics upsert: %w", err)
	}
	defer stmt.Close()

	d := day.UTC().Format(time.DateOnly)
	for _, st := range stats {
		if _, err = stmt.ExecContext(ctx, st.RegionID, d, st.UniqueUsers, st.AvgDwell.Seconds(), st.TotalVisits); err != nil {
			return fmt.Errorf("failed to upsert analytics for %s: %w", st.RegionID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analytics: %w", err)
	}
	return nil
}

func nullPosition(p *geo.Point) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lon, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
