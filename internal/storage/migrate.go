package storage

import (
	"github.com/golang-migrate/migrate/v4"
	// migration drivers
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// RunMigrations applies all pending migrations from sourceURL (e.g.
// "file://migrations") against the database at connStr.
func RunMigrations(sourceURL, connStr string) error {
	m, err := migrate.New(sourceURL, connStr)
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}
