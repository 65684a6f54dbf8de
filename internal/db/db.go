package db

import (
	"context"
	"database/sql"
	"fmt"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// DB wraps the shared SQLite handle for user and session operations.
type DB struct {
	sql *sql.DB
}

// Open opens the embedded database and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY churn between the request handlers and the sweepers.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL returns the underlying handle (for goose migrations and the
// session store).
func (d *DB) SQL() *sql.DB {
	return d.sql
}
