package store

import (
	"fmt"
	"time"
)

// PutFavorite inserts a favorite join record (idempotent).
func (db *DB) PutFavorite(f *FavoriteGroup) error {
	if err := db.putFavoriteTx(db.DB, f); err != nil {
		return err
	}
	db.notify(CollectionFavorites)
	return nil
}

func (db *DB) putFavoriteTx(e execer, f *FavoriteGroup) error {
	if f.UpdatedAt == 0 {
		f.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO favorite_groups (device_id, group_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, group_id) DO UPDATE SET updated_at = excluded.updated_at`,
		f.DeviceID, f.GroupID, f.CreatedAt, f.UpdatedAt)
	return err
}

// DeleteFavorite removes a favorite join record. Removal is the record
// being gone; there is no soft-delete flag.
func (db *DB) DeleteFavorite(deviceID, groupID string) error {
	_, err := db.Exec(`DELETE FROM favorite_groups WHERE device_id = ? AND group_id = ?`, deviceID, groupID)
	if err != nil {
		return err
	}
	db.notify(CollectionFavorites)
	return nil
}

// IsFavorite reports whether the device has favorited the group.
func (db *DB) IsFavorite(deviceID, groupID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM favorite_groups WHERE device_id = ? AND group_id = ?`,
		deviceID, groupID).Scan(&n)
	return n > 0, err
}

// FavoriteGroupIDs returns the group ids favorited by a device. The live
// channel derives its resubscribe set from this, never from its own cache.
func (db *DB) FavoriteGroupIDs(deviceID string) ([]string, error) {
	rows, err := db.Query(`SELECT group_id FROM favorite_groups WHERE device_id = ? ORDER BY group_id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListFavorites returns the favorited groups for a device, joined to the
// group records, ordered by name.
func (db *DB) ListFavorites(deviceID string) ([]Group, error) {
	rows, err := db.Query(`
		SELECT g.id, g.name, g.group_type, g.latitude, g.longitude, g.creator_device_id, g.created_at, g.updated_at
		FROM favorite_groups f
		JOIN community_groups g ON g.id = f.group_id
		WHERE f.device_id = ?
		ORDER BY g.name ASC`, deviceID)
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

// PutFavoriteWithQueue writes the join record and its queue entry atomically.
func (db *DB) PutFavoriteWithQueue(f *FavoriteGroup, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.putFavoriteTx(tx, f); err != nil {
		return fmt.Errorf("put favorite: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionFavorites)
	db.notifyQueued(entry)
	return nil
}

// DeleteFavoriteWithQueue removes the join record and enqueues the remote
// delete atomically.
func (db *DB) DeleteFavoriteWithQueue(deviceID, groupID string, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM favorite_groups WHERE device_id = ? AND group_id = ?`, deviceID, groupID); err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionFavorites)
	db.notifyQueued(entry)
	return nil
}
