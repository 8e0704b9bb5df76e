package store

import (
	"fmt"
	"time"
)

// PutPin inserts a pin join record (idempotent).
func (db *DB) PutPin(p *PinnedMessage) error {
	if err := db.putPinTx(db.DB, p); err != nil {
		return err
	}
	db.notify(CollectionPins)
	return nil
}

func (db *DB) putPinTx(e execer, p *PinnedMessage) error {
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO pinned_messages (message_id, pinned_by_device_id, group_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, pinned_by_device_id) DO UPDATE SET
			group_id = excluded.group_id,
			updated_at = excluded.updated_at`,
		p.MessageID, p.PinnedByDeviceID, p.GroupID, p.CreatedAt, p.UpdatedAt)
	return err
}

// DeletePin removes a pin join record.
func (db *DB) DeletePin(messageID, pinnedBy string) error {
	_, err := db.Exec(`DELETE FROM pinned_messages WHERE message_id = ? AND pinned_by_device_id = ?`,
		messageID, pinnedBy)
	if err != nil {
		return err
	}
	db.notify(CollectionPins)
	return nil
}

// ListPins returns pinned messages for a group, newest pin first.
func (db *DB) ListPins(groupID string) ([]PinnedMessage, error) {
	rows, err := db.Query(`
		SELECT message_id, pinned_by_device_id, group_id, created_at, updated_at
		FROM pinned_messages WHERE group_id = ?
		ORDER BY created_at DESC`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pins []PinnedMessage
	for rows.Next() {
		var p PinnedMessage
		if err := rows.Scan(&p.MessageID, &p.PinnedByDeviceID, &p.GroupID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		pins = append(pins, p)
	}
	return pins, rows.Err()
}

// PutPinWithQueue writes the pin and its queue entry atomically.
func (db *DB) PutPinWithQueue(p *PinnedMessage, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.putPinTx(tx, p); err != nil {
		return fmt.Errorf("put pin: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionPins)
	db.notifyQueued(entry)
	return nil
}

// DeletePinWithQueue removes the pin and enqueues the remote delete atomically.
func (db *DB) DeletePinWithQueue(messageID, pinnedBy string, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM pinned_messages WHERE message_id = ? AND pinned_by_device_id = ?`,
		messageID, pinnedBy); err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionPins)
	db.notifyQueued(entry)
	return nil
}
