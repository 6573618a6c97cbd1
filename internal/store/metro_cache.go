package store

import (
	"context"
	"database/sql"
)

// MetroScheduleCacheRow is one cached rail-timetable snapshot.
type MetroScheduleCacheRow struct {
	StationID     string
	DirectionID   string
	ValidFor      string
	LineCode      string
	StationName   string
	DirectionName string
	Payload       string
	FetchedAt     string
	SourceStatus  string
	ErrorMessage  string
}

// UpsertMetroSchedule stores a fetch result keyed
// (station_id, direction_id, valid_for).
func (s *Store) UpsertMetroSchedule(ctx context.Context, row MetroScheduleCacheRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metro_schedule_cache
		 (station_id, direction_id, valid_for, line_code, station_name, direction_name, payload, fetched_at, source_status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(station_id, direction_id, valid_for) DO UPDATE SET
		   line_code = excluded.line_code,
		   station_name = excluded.station_name,
		   direction_name = excluded.direction_name,
		   payload = excluded.payload,
		   fetched_at = excluded.fetched_at,
		   source_status = excluded.source_status,
		   error_message = excluded.error_message`,
		row.StationID, row.DirectionID, row.ValidFor, row.LineCode, row.StationName, row.DirectionName,
		row.Payload, row.FetchedAt, row.SourceStatus, row.ErrorMessage)
	return err
}

// GetMetroSchedule returns the exact (station_id, direction_id, valid_for)
// row, or sql.ErrNoRows.
func (s *Store) GetMetroSchedule(ctx context.Context, stationID, directionID, validFor string) (MetroScheduleCacheRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT station_id, direction_id, valid_for, line_code, station_name, direction_name, payload, fetched_at, source_status, error_message
		 FROM metro_schedule_cache WHERE station_id = ? AND direction_id = ? AND valid_for = ?`,
		stationID, directionID, validFor)
	return scanMetroRow(row)
}

// LatestMetroScheduleOnOrBefore returns the most recent SUCCESS row for
// (station_id, direction_id) with valid_for <= target.
func (s *Store) LatestMetroScheduleOnOrBefore(ctx context.Context, stationID, directionID, target string) (MetroScheduleCacheRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT station_id, direction_id, valid_for, line_code, station_name, direction_name, payload, fetched_at, source_status, error_message
		 FROM metro_schedule_cache
		 WHERE station_id = ? AND direction_id = ? AND valid_for <= ? AND source_status = ?
		 ORDER BY valid_for DESC LIMIT 1`,
		stationID, directionID, target, SourceStatusSuccess)
	return scanMetroRow(row)
}

// HasSuccessfulMetroSchedule reports whether a SUCCESS row already exists.
func (s *Store) HasSuccessfulMetroSchedule(ctx context.Context, stationID, directionID, validFor string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM metro_schedule_cache WHERE station_id = ? AND direction_id = ? AND valid_for = ? AND source_status = ?`,
		stationID, directionID, validFor, SourceStatusSuccess).Scan(&n)
	return n > 0, err
}

// DeleteMetroSchedulesBefore removes cache rows older than the retention
// window.
func (s *Store) DeleteMetroSchedulesBefore(ctx context.Context, cutoffDate string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM metro_schedule_cache WHERE valid_for < ?", cutoffDate)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanMetroRow(row *sql.Row) (MetroScheduleCacheRow, error) {
	var r MetroScheduleCacheRow
	if err := row.Scan(&r.StationID, &r.DirectionID, &r.ValidFor, &r.LineCode, &r.StationName, &r.DirectionName,
		&r.Payload, &r.FetchedAt, &r.SourceStatus, &r.ErrorMessage); err != nil {
		return MetroScheduleCacheRow{}, err
	}
	return r, nil
}
