package store

import (
	"context"
	"database/sql"
	"time"
)

const (
	SourceStatusSuccess = "SUCCESS"
	SourceStatusFailed  = "FAILED"
)

// BusScheduleCacheRow is one cached bus-timetable snapshot.
type BusScheduleCacheRow struct {
	LineCode     string
	ValidFor     string
	DayType      string
	Payload      string
	FetchedAt    string
	SourceStatus string
	ErrorMessage string
}

// UpsertBusSchedule stores a fetch result keyed (line_code, valid_for,
// day_type). A SUCCESS row shadows any earlier FAILED row for the same key.
func (s *Store) UpsertBusSchedule(ctx context.Context, row BusScheduleCacheRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bus_schedule_cache (line_code, valid_for, day_type, payload, fetched_at, source_status, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(line_code, valid_for, day_type) DO UPDATE SET
		   payload = excluded.payload,
		   fetched_at = excluded.fetched_at,
		   source_status = excluded.source_status,
		   error_message = excluded.error_message`,
		row.LineCode, row.ValidFor, row.DayType, row.Payload, row.FetchedAt, row.SourceStatus, row.ErrorMessage)
	return err
}

// GetBusSchedule returns the exact (line_code, valid_for, day_type) row, or
// sql.ErrNoRows.
func (s *Store) GetBusSchedule(ctx context.Context, lineCode, validFor, dayType string) (BusScheduleCacheRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT line_code, valid_for, day_type, payload, fetched_at, source_status, error_message
		 FROM bus_schedule_cache WHERE line_code = ? AND valid_for = ? AND day_type = ?`,
		lineCode, validFor, dayType)
	return scanBusRow(row)
}

// LatestBusScheduleOnOrBefore returns the most recent SUCCESS row for
// (line_code, day_type) whose valid_for <= target, used for stale fallback.
func (s *Store) LatestBusScheduleOnOrBefore(ctx context.Context, lineCode, dayType, target string) (BusScheduleCacheRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT line_code, valid_for, day_type, payload, fetched_at, source_status, error_message
		 FROM bus_schedule_cache
		 WHERE line_code = ? AND day_type = ? AND valid_for <= ? AND source_status = ?
		 ORDER BY valid_for DESC LIMIT 1`,
		lineCode, dayType, target, SourceStatusSuccess)
	return scanBusRow(row)
}

// HasSuccessfulBusSchedule reports whether a SUCCESS row already exists for
// the given key, used by the prefetch-all orchestrator's skip-if-present
// check.
func (s *Store) HasSuccessfulBusSchedule(ctx context.Context, lineCode, validFor, dayType string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bus_schedule_cache WHERE line_code = ? AND valid_for = ? AND day_type = ? AND source_status = ?`,
		lineCode, validFor, dayType, SourceStatusSuccess).Scan(&n)
	return n > 0, err
}

// DeleteBusSchedulesBefore removes cache rows older than the retention
// window.
func (s *Store) DeleteBusSchedulesBefore(ctx context.Context, cutoffDate string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM bus_schedule_cache WHERE valid_for < ?", cutoffDate)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// BusLinesWithoutSuccess returns, from a candidate list, the line codes that
// do not yet have a SUCCESS row for (valid_for, day_type).
func (s *Store) BusLinesWithoutSuccess(ctx context.Context, lineCodes []string, validFor, dayType string) ([]string, error) {
	var missing []string
	for _, code := range lineCodes {
		ok, err := s.HasSuccessfulBusSchedule(ctx, code, validFor, dayType)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, code)
		}
	}
	return missing, nil
}

func scanBusRow(row *sql.Row) (BusScheduleCacheRow, error) {
	var r BusScheduleCacheRow
	if err := row.Scan(&r.LineCode, &r.ValidFor, &r.DayType, &r.Payload, &r.FetchedAt, &r.SourceStatus, &r.ErrorMessage); err != nil {
		return BusScheduleCacheRow{}, err
	}
	return r, nil
}

// NowUTC is a small seam so callers can format fetch timestamps
// consistently; kept here rather than in every caller.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
