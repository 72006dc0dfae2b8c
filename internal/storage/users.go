package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is a server-side account record. PasswordHash is an Argon2id hash,
// never the password itself.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateUser inserts a new user. Email must be unique.
func (db *DB) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := db.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID.String(), user.Email, user.PasswordHash, user.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	)
	return scanUser(row, email)
}

// GetUserByID retrieves a user by its UUID.
func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id.String(),
	)
	return scanUser(row, id.String())
}

// CountUsers returns the number of registered users.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return count, nil
}

func scanUser(row *sql.Row, key string) (User, error) {
	var (
		u         User
		id        string
		createdAt string
	)
	err := row.Scan(&id, &u.Email, &u.PasswordHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("storage: user %s: %w", key, ErrNotFound)
		}
		return User{}, fmt.Errorf("storage: get user: %w", err)
	}
	if u.ID, err = uuid.Parse(id); err != nil {
		return User{}, fmt.Errorf("storage: parse user id: %w", err)
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return User{}, fmt.Errorf("storage: parse user created_at: %w", err)
	}
	return u, nil
}
