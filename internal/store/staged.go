package store

import (
	"database/sql"
	"time"
)

// StagePull holds back a remote record for an entity with an unresolved
// queued mutation. A newer staged record for the same entity replaces the
// older one; only the latest matters once the mutation resolves.
func (db *DB) StagePull(collection, entityID string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO staged_pulls (collection, entity_id, payload, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, entity_id) DO UPDATE SET
			payload = excluded.payload,
			received_at = excluded.received_at`,
		collection, entityID, payload, now)
	return err
}

// TakeStagedPull removes and returns the staged record for an entity, or
// nil if none is staged.
func (db *DB) TakeStagedPull(collection, entityID string) ([]byte, error) {
	var payload []byte
	err := db.QueryRow(`
		SELECT payload FROM staged_pulls WHERE collection = ? AND entity_id = ?`,
		collection, entityID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`DELETE FROM staged_pulls WHERE collection = ? AND entity_id = ?`, collection, entityID)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
