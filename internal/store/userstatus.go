package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertUserStatus replaces the single live status row for a device.
func (db *DB) UpsertUserStatus(s *UserStatus) error {
	if err := db.upsertUserStatusTx(db.DB, s); err != nil {
		return err
	}
	db.notify(CollectionStatuses)
	return nil
}

func (db *DB) upsertUserStatusTx(e execer, s *UserStatus) error {
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO user_statuses (device_id, status, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			status = excluded.status,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		s.DeviceID, s.Status, s.Description, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetUserStatus returns the live status for a device, or nil if absent.
func (db *DB) GetUserStatus(deviceID string) (*UserStatus, error) {
	var s UserStatus
	err := db.QueryRow(`
		SELECT device_id, status, description, created_at, updated_at
		FROM user_statuses WHERE device_id = ?`, deviceID).
		Scan(&s.DeviceID, &s.Status, &s.Description, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertUserStatusWithQueue writes the optimistic status row and its queue
// entry in one transaction. Queue coalescing makes rapid successive updates
// collapse into one authoritative push.
func (db *DB) UpsertUserStatusWithQueue(s *UserStatus, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.upsertUserStatusTx(tx, s); err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionStatuses)
	db.notifyQueued(entry)
	return nil
}
