package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/beaconmesh/beacon/internal/store/migrations"
)

// MigrateResult reports the schema version after Migrate and whether any
// migration actually ran.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings the schema up to the embedded migration set. The queue and
// staged-pull tables must exist before any loop starts, so the daemon runs
// this before providing the store. A dirty version means a previous run died
// mid-migration; refusing to start beats guessing at half-applied DDL.
func (db *DB) Migrate() (*MigrateResult, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	drv, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, fmt.Errorf("migration setup: %w", err)
	}

	changed := true
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		changed = false
	case err != nil:
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return nil, fmt.Errorf("schema version %d is dirty, manual repair needed", version)
	}
	return &MigrateResult{Version: version, Changed: changed}, nil
}
