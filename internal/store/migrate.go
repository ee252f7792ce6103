package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var migrationsFS embed.FS

// runMigrations applies every pending embedded migration against the already
// open writer connection. Hermes ships a single SQLite backend, so only the
// sqlite3 golang-migrate driver is wired — unlike multi-dialect migrators
// elsewhere in the ecosystem, there is no postgres/mysql source to select
// between.
func runMigrations(s *Store) error {
	src, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("store: open embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.writer, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}

	return nil
}
