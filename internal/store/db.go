package store

import (
	"database/sql"
	"fmt"

	"github.com/beaconmesh/beacon/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the profile-owned beacon.db.
// Every successful mutation publishes a store.<collection>.changed event on
// the bus, which is how live queries and the projector stay current.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// The bus may be nil (tests that do not observe changes).
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// notify publishes a change event for a collection.
func (db *DB) notify(collection string) {
	if db.bus != nil {
		db.bus.Emit("store."+collection+".changed", nil)
	}
}
