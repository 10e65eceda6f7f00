package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// newMigrate builds a migrate instance for the store's dialect from the
// embedded migration files.
//
// The returned instance is never Closed: closing the database driver would
// close s.DB as well.
func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+string(s.dialect))
	if err != nil {
		return nil, fmt.Errorf("db: load migrations: %w", err)
	}
	var (
		driver database.Driver
		name   string
	)
	switch s.dialect {
	case Postgres:
		driver, err = pgxmigrate.WithInstance(s.DB, &pgxmigrate.Config{})
		name = "pgx5"
	default:
		driver, err = sqlitemigrate.WithInstance(s.DB, &sqlitemigrate.Config{})
		name = "sqlite3"
	}
	if err != nil {
		return nil, fmt.Errorf("db: create %s migrate driver: %w", s.dialect, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return nil, fmt.Errorf("db: create migrate instance: %w", err)
	}
	return m, nil
}

// Migrate applies pending migrations. It is idempotent. Cancelling ctx stops
// after the migration in progress.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("db: run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("db: schema is dirty at version %d, manual intervention required", version)
	}
	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("dialect", string(s.dialect)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrationVersion returns the applied schema version; 0 when none.
func (s *Store) MigrationVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("db: migration version: %w", err)
	}
	return v, d, nil
}
