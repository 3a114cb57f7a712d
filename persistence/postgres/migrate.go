package postgres

import (
	"context"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/glimte/courier-go/persistence"
)

const migrationsTable = "courier_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations
func (s *Store) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return &persistence.StoreError{Op: "migrate", Err: err}
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		src.Close()
		return &persistence.StoreError{Op: "migrate", Err: err}
	}

	driver, err := pgmigrate.WithConnection(ctx, conn, &pgmigrate.Config{MigrationsTable: migrationsTable})
	if err != nil {
		src.Close()
		conn.Close()
		return &persistence.StoreError{Op: "migrate", Err: err}
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return &persistence.StoreError{Op: "migrate", Err: err}
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.logger.Info("schema is up to date")
			return nil
		}
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			s.logger.Error("schema migration left a dirty version", "version", dirty.Version)
		}
		return &persistence.StoreError{Op: "migrate", Err: err}
	}

	s.logger.Info("schema migrated")
	return nil
}
