package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists users in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
//
// Parameters:
//   - path: Database file path; its directory is created when missing
//
// Returns:
//   - The opened store
//   - An error if the directory, database or schema cannot be set up
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("userstore: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("userstore: open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("userstore: initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		name TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		banned BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`)
	return err
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Lookup(ctx context.Context, name string) (User, error) {
	u := User{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, banned FROM users WHERE name = ?`, name,
	).Scan(&u.PasswordHash, &u.Banned)

	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}

	if err != nil {
		return User{}, fmt.Errorf("userstore: lookup %s: %w", name, err)
	}

	return u, nil
}

// Put inserts or replaces a user.
func (s *SQLiteStore) Put(ctx context.Context, u User) error {
	if u.Name == "" {
		return fmt.Errorf("userstore: put: empty name")
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO users (name, password_hash, banned) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		password_hash = excluded.password_hash,
		banned = excluded.banned,
		updated_at = CURRENT_TIMESTAMP`,
		u.Name, u.PasswordHash, u.Banned)
	if err != nil {
		return fmt.Errorf("userstore: put %s: %w", u.Name, err)
	}

	return nil
}

// SetBanned updates the banned flag of an existing user.
func (s *SQLiteStore) SetBanned(ctx context.Context, name string, banned bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET banned = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?`, banned, name)
	if err != nil {
		return fmt.Errorf("userstore: ban %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("userstore: ban %s: %w", name, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// List returns every user ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, password_hash, banned FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("userstore: list: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Name, &u.PasswordHash, &u.Banned); err != nil {
			return nil, fmt.Errorf("userstore: list: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}
