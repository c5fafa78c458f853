// Package migrations embeds the SQLite schema and applies it with
// golang-migrate. The schema covers all three store roles: the operation
// log, the derived catalog (documents, tombstones, checkpoints), and the
// content pin index.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var schemaFiles embed.FS

// MigrateUp brings the database to the latest schema version. A database
// already at the latest version is left untouched.
func MigrateUp(db *sql.DB) error {
	source, err := iofs.New(schemaFiles, "files")
	if err != nil {
		return fmt.Errorf("reading embedded schema: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		source.Close()
		return fmt.Errorf("preparing sqlite driver: %w", err)
	}

	// The migrate instance is never closed: closing it would also close
	// db, which the caller owns.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		source.Close()
		return fmt.Errorf("preparing migration: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying schema migrations: %w", err)
	}
	return nil
}
