package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/streamforge/transcoder/pkg/dbretry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations brings the schema up to date. It is wrapped in the
// same retry policy as every other store call, since a freshly started
// Postgres instance commonly answers connection-refused for a few seconds
// after the coordinator process starts.
func RunMigrations(ctx context.Context, db *sqlx.DB) error {
	return dbretry.Do(ctx, dbretry.Options{}, func(_ context.Context) error {
		src, err := iofs.New(migrationsFS, "migrations")
		if err != nil {
			return fmt.Errorf("load embedded migrations: %w", err)
		}

		driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("create migrate driver: %w", err)
		}

		m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}
