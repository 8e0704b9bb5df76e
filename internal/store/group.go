package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertGroup inserts or replaces a group record wholesale.
func (db *DB) UpsertGroup(g *Group) error {
	if err := db.upsertGroupTx(db.DB, g); err != nil {
		return err
	}
	db.notify(CollectionGroups)
	return nil
}

func (db *DB) upsertGroupTx(e execer, g *Group) error {
	if g.UpdatedAt == 0 {
		g.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO community_groups (id, name, group_type, latitude, longitude, creator_device_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			group_type = excluded.group_type,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			creator_device_id = excluded.creator_device_id,
			updated_at = excluded.updated_at`,
		g.ID, g.Name, g.Type, g.Latitude, g.Longitude, g.CreatorDeviceID, g.CreatedAt, g.UpdatedAt)
	return err
}

// GetGroup returns a group by id, or nil if absent.
func (db *DB) GetGroup(id string) (*Group, error) {
	var g Group
	err := db.QueryRow(`
		SELECT id, name, group_type, latitude, longitude, creator_device_id, created_at, updated_at
		FROM community_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Type, &g.Latitude, &g.Longitude, &g.CreatorDeviceID, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns all cached groups ordered by name.
func (db *DB) ListGroups() ([]Group, error) {
	rows, err := db.Query(`
		SELECT id, name, group_type, latitude, longitude, creator_device_id, created_at, updated_at
		FROM community_groups ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Type, &g.Latitude, &g.Longitude, &g.CreatorDeviceID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpsertGroupWithQueue writes the optimistic group row and its queue entry
// in one transaction.
func (db *DB) UpsertGroupWithQueue(g *Group, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.upsertGroupTx(tx, g); err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionGroups)
	db.notifyQueued(entry)
	return nil
}
