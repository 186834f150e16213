// Package schema applies the indexer's PostgreSQL schema via embedded
// SQL migrations, replacing the teacher's single const-string
// bootstrap with a versioned migration chain sized for a many-table
// indexing schema.
package schema

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every pending migration to the database at
// connString. It is safe to call on every process start: a
// fully-migrated database is a no-op.
func Migrate(connString string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("schema: load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return fmt.Errorf("schema: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("schema: apply migrations: %w", err)
	}
	return nil
}
