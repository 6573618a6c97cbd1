package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DailyForecast is one hourly crowding forecast row.
type DailyForecast struct {
	LineName        string
	Date            string
	Hour            int
	PredictedValue  float64
	OccupancyPct    int
	CrowdLevel      string
	MaxCapacity     int
	TripsPerHour    sql.NullInt64
	VehicleCapacity sql.NullInt64
}

// UpsertForecasts writes all rows in one statement with conflict-update on
// the (line_name, date, hour) unique key; conflicting rows overwrite
// predicted_value, occupancy_pct, crowd_level, max_capacity, trips_per_hour
// and vehicle_capacity. Safe to call with an empty slice.
func (s *Store) UpsertForecasts(ctx context.Context, rows []DailyForecast) error {
	if len(rows) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertForecastsTx(ctx, tx, rows)
	})
}

// UpsertForecastsTx is the same operation run inside a caller-owned
// transaction, used by the Forecast Engine so the bulk insert shares the
// transaction with the JobExecution status transition.
func (s *Store) UpsertForecastsTx(ctx context.Context, tx *sql.Tx, rows []DailyForecast) error {
	return upsertForecastsTx(ctx, tx, rows)
}

func upsertForecastsTx(ctx context.Context, tx *sql.Tx, rows []DailyForecast) error {
	const batchSize = 200
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := upsertForecastBatch(ctx, tx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func upsertForecastBatch(ctx context.Context, tx *sql.Tx, rows []DailyForecast) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO daily_forecasts
		(line_name, date, hour, predicted_value, occupancy_pct, crowd_level, max_capacity, trips_per_hour, vehicle_capacity, updated_at)
		VALUES `)
	args := make([]any, 0, len(rows)*9)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))")
		args = append(args, r.LineName, r.Date, r.Hour, r.PredictedValue, r.OccupancyPct, r.CrowdLevel, r.MaxCapacity, r.TripsPerHour, r.VehicleCapacity)
	}
	sb.WriteString(` ON CONFLICT(line_name, date, hour) DO UPDATE SET
		predicted_value = excluded.predicted_value,
		occupancy_pct = excluded.occupancy_pct,
		crowd_level = excluded.crowd_level,
		max_capacity = excluded.max_capacity,
		trips_per_hour = excluded.trips_per_hour,
		vehicle_capacity = excluded.vehicle_capacity,
		updated_at = excluded.updated_at`)

	_, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("upsert forecasts: %w", err)
	}
	return nil
}

// ForecastsForLineDate returns the (up to 24) hourly rows for a line/date,
// ordered by hour.
func (s *Store) ForecastsForLineDate(ctx context.Context, lineName, date string) ([]DailyForecast, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_name, date, hour, predicted_value, occupancy_pct, crowd_level, max_capacity, trips_per_hour, vehicle_capacity
		 FROM daily_forecasts WHERE line_name = ? AND date = ? ORDER BY hour ASC`,
		lineName, date)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DailyForecast
	for rows.Next() {
		var f DailyForecast
		if err := rows.Scan(&f.LineName, &f.Date, &f.Hour, &f.PredictedValue, &f.OccupancyPct, &f.CrowdLevel, &f.MaxCapacity, &f.TripsPerHour, &f.VehicleCapacity); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountForecastsForLineDate reports how many rows exist for (line, date),
// used by tests asserting the "exactly 24 rows" invariant.
func (s *Store) CountForecastsForLineDate(ctx context.Context, lineName, date string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM daily_forecasts WHERE line_name = ? AND date = ?",
		lineName, date).Scan(&n)
	return n, err
}

// DeleteForecastsBefore removes every forecast row with date < cutoff
// (exclusive), implementing the retention sweeper.
func (s *Store) DeleteForecastsBefore(ctx context.Context, cutoffDate string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM daily_forecasts WHERE date < ?", cutoffDate)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
