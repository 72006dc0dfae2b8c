// Package storage provides the SQLite storage layer for hanashi.
//
// It holds user accounts and conversation snapshots. Conversations are
// written whole after each state change; messages are stored as their
// role-tagged JSON so rehydration goes through the same decoding path
// as the wire protocol.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// DB wraps a database/sql handle on a SQLite file.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the SQLite database at path.
// Use ":memory:" for an ephemeral database in tests.
func New(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent writes and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	return &DB{db: db, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close shuts down the database handle.
func (db *DB) Close() error {
	return db.db.Close()
}
