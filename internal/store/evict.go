package store

// EvictSyncedMessages deletes the oldest synced messages once the table
// exceeds highWater, bringing it back down to the mark. Messages that are
// pending, syncing or failed are never evicted: they are the only copy.
// Returns the number of rows evicted.
func (db *DB) EvictSyncedMessages(highWater int) (int64, error) {
	if highWater <= 0 {
		return 0, nil
	}
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		return 0, err
	}
	excess := total - highWater
	if excess <= 0 {
		return 0, nil
	}

	res, err := db.Exec(`
		DELETE FROM messages WHERE id IN (
			SELECT id FROM messages
			WHERE sync_status = 'synced'
			ORDER BY created_at ASC, device_sequence ASC
			LIMIT ?
		)`, excess)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.notify(CollectionMessages)
	}
	return n, nil
}
