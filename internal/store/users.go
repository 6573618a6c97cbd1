package store

import (
	"context"
	"database/sql"
)

// User is an administrative account. Authentication and user management
// are external collaborators (spec §1); this store only persists what the
// admin-bootstrap and login flow need.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
}

// CountUsers reports how many accounts exist, used to decide whether to
// bootstrap ADMIN_USERNAME/ADMIN_PASSWORD at first boot.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string) (User, error) {
	u := User{ID: randomID(), Username: username, PasswordHash: passwordHash, Role: role}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role) VALUES (?, ?, ?, ?)",
		u.ID, u.Username, u.PasswordHash, u.Role)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUserByUsername returns a user by username, or sql.ErrNoRows.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role FROM users WHERE username = ?", username)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role); err != nil {
		return User{}, err
	}
	return u, nil
}

// Report is a user-submitted issue report against a line, a CRUD
// collaborator specified only at the interface level.
type Report struct {
	ID        string
	UserID    string
	LineName  string
	Category  string
	Body      string
	CreatedAt string
}

// CreateReport inserts a new report.
func (s *Store) CreateReport(ctx context.Context, userID, lineName, category, body string) (Report, error) {
	r := Report{ID: randomID(), UserID: userID, LineName: lineName, Category: category, Body: body, CreatedAt: NowUTC()}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO reports (id, user_id, line_name, category, body, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		r.ID, r.UserID, r.LineName, r.Category, r.Body, r.CreatedAt)
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

// GetReport returns a single report by id, or sql.ErrNoRows.
func (s *Store) GetReport(ctx context.Context, id string) (Report, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, line_name, category, body, created_at FROM reports WHERE id = ?", id)
	var r Report
	if err := row.Scan(&r.ID, &r.UserID, &r.LineName, &r.Category, &r.Body, &r.CreatedAt); err != nil {
		return Report{}, err
	}
	return r, nil
}

// DeleteReport removes a report by id.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
