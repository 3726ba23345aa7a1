package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/bankengine/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed readmodel_migrations/*.sql
var readModelMigrationsFS embed.FS

// runMigrations brings the journal-side schema up to date: events,
// aggregates, snapshots, the entity index and the closure registry.
func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "schema_migrations")

	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// runReadModelMigrations brings the read-side schema (accounts, statements)
// up to date. It is tracked in its own table so the read model can live in
// a separate database from the journal.
func runReadModelMigrations(db *sql.DB) error {
	m := migrate.New(db, "readmodel_schema_migrations")

	if err := m.LoadFromFS(readModelMigrationsFS, "readmodel_migrations"); err != nil {
		return fmt.Errorf("load read model migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("run read model migrations: %w", err)
	}
	return nil
}
