package db

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/castlemate/chessd/internal/db/migrations"
)

// RunMigrations applies the embedded goose migrations to the open handle.
func RunMigrations(ctx context.Context, d *DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, d.sql, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
