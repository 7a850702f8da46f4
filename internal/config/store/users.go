package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is a stored account. PasswordHash is opaque to the store.
type User struct {
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	LastLogin    time.Time
}

// GetUser loads a user by name.
func (s *Store) GetUser(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, role, created_at, last_login FROM users WHERE username = ?`,
		username,
	)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, NotFoundError{Entity: "user", Key: username}
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user %s: %w", username, err)
	}
	return user, nil
}

// CreateUser inserts a new account. An existing username yields a DuplicateError.
func (s *Store) CreateUser(ctx context.Context, user User) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" || user.PasswordHash == "" {
		return fmt.Errorf("store: username and password hash required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO NOTHING`,
		user.Username, user.PasswordHash, user.Role, formatTime(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create user %s: %w", user.Username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return DuplicateError{Entity: "user", Key: user.Username}
	}
	return nil
}

// UpdateUserPassword replaces the stored hash for username.
func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE username = ?`,
		passwordHash, username,
	)
	if err != nil {
		return fmt.Errorf("store: update password for %s: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundError{Entity: "user", Key: username}
	}
	return nil
}

// TouchUserLogin records a successful login.
func (s *Store) TouchUserLogin(ctx context.Context, username string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE username = ?`,
		formatTime(s.now()), username,
	); err != nil {
		return fmt.Errorf("store: touch login for %s: %w", username, err)
	}
	return nil
}

// ListUsers returns every account ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password_hash, role, created_at, last_login FROM users ORDER BY username`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return scanList(rows, scanUser, "store: scan user", "store: iterate users")
}

func scanUser(scanner rowScanner) (User, error) {
	var (
		user      User
		createdAt sql.NullString
		lastLogin sql.NullString
	)
	if err := scanner.Scan(&user.Username, &user.PasswordHash, &user.Role, &createdAt, &lastLogin); err != nil {
		return User{}, err
	}
	user.CreatedAt = parseTime(createdAt)
	user.LastLogin = parseTime(lastLogin)
	return user, nil
}
