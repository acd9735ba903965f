package store

import (
	"database/sql"
	"fmt"
	"time"
)

type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser registers a new identity. Fails if the username is taken.
func (s *Store) CreateUser(username, passwordHash string) error {
	_, err := s.db.Exec(
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		username, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser returns nil, nil when the user does not exist.
func (s *Store) GetUser(username string) (*User, error) {
	row := s.db.QueryRow(
		"SELECT username, password_hash, created_at FROM users WHERE username = ?",
		username,
	)
	var u User
	err := row.Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
