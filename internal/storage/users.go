package storage

import (
	"context"
	"database/sql"
	"time"
)

// WebUser is a dashboard account for the HTTP surface.
type WebUser struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// CreateWebUser adds a dashboard user.
func (s *Store) CreateWebUser(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO web_user (username, password_hash, is_admin, created_at)
			VALUES (?, ?, ?, ?)
		`, username, passwordHash, isAdmin, formatTimestamp(time.Now()))
		return err
	})
}

// WebUserByUsername returns a dashboard user, or nil if unknown.
func (s *Store) WebUserByUsername(ctx context.Context, username string) (*WebUser, error) {
	var u WebUser
	var createdAt string
	var lastLogin sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at, last_login
		FROM web_user WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTimestamp(createdAt)
	if lastLogin.Valid {
		t := parseTimestamp(lastLogin.String)
		u.LastLogin = &t
	}
	return &u, nil
}

// ListWebUsers returns all dashboard users.
func (s *Store) ListWebUsers(ctx context.Context) ([]WebUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at, last_login
		FROM web_user ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []WebUser
	for rows.Next() {
		var u WebUser
		var createdAt string
		var lastLogin sql.NullString
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &createdAt, &lastLogin); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTimestamp(createdAt)
		if lastLogin.Valid {
			t := parseTimestamp(lastLogin.String)
			u.LastLogin = &t
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteWebUser removes a dashboard user.
func (s *Store) DeleteWebUser(ctx context.Context, username string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM web_user WHERE username = ?", username)
		return err
	})
}

// ResetWebUserPassword replaces a dashboard user's password hash.
func (s *Store) ResetWebUserPassword(ctx context.Context, username, passwordHash string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE web_user SET password_hash = ? WHERE username = ?
		`, passwordHash, username)
		return err
	})
}

// TouchWebUserLogin records a successful login.
func (s *Store) TouchWebUserLogin(ctx context.Context, id int64) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE web_user SET last_login = ? WHERE id = ?
		`, formatTimestamp(time.Now()), id)
		return err
	})
}
