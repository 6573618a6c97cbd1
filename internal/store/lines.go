package store

import (
	"context"
	"database/sql"
)

// TransportLine is a static transport-network line definition.
type TransportLine struct {
	LineName        string
	TransportTypeID int
	RoadType        string
	Description     string
}

// CountLines reports how many rows exist in transport_lines, used to decide
// whether the static seed file needs to be loaded at first start.
func (s *Store) CountLines(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transport_lines").Scan(&n)
	return n, err
}

// SeedLines bulk-inserts the static line table. It is only ever called once,
// against an empty table, at first start.
func (s *Store) SeedLines(ctx context.Context, lines []TransportLine) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO transport_lines (line_name, transport_type_id, road_type, description)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(line_name) DO NOTHING`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, l := range lines {
			if _, err := stmt.ExecContext(ctx, l.LineName, l.TransportTypeID, l.RoadType, l.Description); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListLineNames returns every known line name, used by the Forecast Engine
// to enumerate lines × horizon-days × hours.
func (s *Store) ListLineNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT line_name FROM transport_lines ORDER BY line_name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ListLines returns every line, used by metadata/search endpoints.
func (s *Store) ListLines(ctx context.Context) ([]TransportLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT line_name, transport_type_id, road_type, description FROM transport_lines ORDER BY line_name")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanLines(rows)
}

// GetLine returns a single line by name, or sql.ErrNoRows if unknown.
func (s *Store) GetLine(ctx context.Context, lineName string) (TransportLine, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT line_name, transport_type_id, road_type, description FROM transport_lines WHERE line_name = ?",
		lineName)
	var l TransportLine
	if err := row.Scan(&l.LineName, &l.TransportTypeID, &l.RoadType, &l.Description); err != nil {
		return TransportLine{}, err
	}
	return l, nil
}

func scanLines(rows *sql.Rows) ([]TransportLine, error) {
	var out []TransportLine
	for rows.Next() {
		var l TransportLine
		if err := rows.Scan(&l.LineName, &l.TransportTypeID, &l.RoadType, &l.Description); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
