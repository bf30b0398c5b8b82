package repository

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type MigrationConfig struct {
	MigrationsTable string
	MaxRetries      int
	RetryDelay      time.Duration
}

func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		MigrationsTable: "schema_migrations",
		MaxRetries:      5,
		RetryDelay:      2 * time.Second,
	}
}

// RunMigrations waits for the database and applies every pending up migration.
func RunMigrations(ctx context.Context, db *sql.DB, cfg MigrationConfig) error {
	if err := waitForDatabase(ctx, db, cfg.MaxRetries, cfg.RetryDelay); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}

	m, err := newMigrator(db, cfg)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	switch {
	case stderrors.Is(err, migrate.ErrNilVersion):
		slog.Info("no migrations applied yet")
	case err != nil:
		slog.Warn("could not get current migration version", "error", err)
	default:
		slog.Info("current migration version", "version", version, "dirty", dirty)
	}

	if err := m.Up(); err != nil {
		if stderrors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err = m.Version()
	if err != nil {
		return fmt.Errorf("failed to get final migration version: %w", err)
	}
	slog.Info("database migrations applied", "version", version, "dirty", dirty)
	return nil
}

func newMigrator(db *sql.DB, cfg MigrationConfig) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

func waitForDatabase(ctx context.Context, db *sql.DB, maxRetries int, retryDelay time.Duration) error {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			slog.Warn("database not ready, retrying", "delay", retryDelay, "attempt", i+1, "max_attempts", maxRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return fmt.Errorf("database not ready after %d attempts: %w", maxRetries, err)
}
