package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertDevice inserts or replaces a device record wholesale.
func (db *DB) UpsertDevice(d *Device) error {
	if err := db.upsertDeviceTx(db.DB, d); err != nil {
		return err
	}
	db.notify(CollectionDevices)
	return nil
}

func (db *DB) upsertDeviceTx(e execer, d *Device) error {
	if d.UpdatedAt == 0 {
		d.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO devices (id, nickname, public_key, auth_token, is_self, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nickname = excluded.nickname,
			public_key = excluded.public_key,
			auth_token = excluded.auth_token,
			is_self = excluded.is_self,
			updated_at = excluded.updated_at`,
		d.ID, d.Nickname, d.PublicKey, d.AuthToken, d.IsSelf, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpsertDeviceWithQueue writes the optimistic device row and its queue entry
// in one transaction.
func (db *DB) UpsertDeviceWithQueue(d *Device, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.upsertDeviceTx(tx, d); err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionDevices)
	db.notifyQueued(entry)
	return nil
}

// GetDevice returns a device by id, or nil if absent.
func (db *DB) GetDevice(id string) (*Device, error) {
	return db.scanDevice(db.QueryRow(`
		SELECT id, nickname, public_key, auth_token, is_self, created_at, updated_at
		FROM devices WHERE id = ?`, id))
}

// SelfDevice returns the local identity row, or nil before first registration.
func (db *DB) SelfDevice() (*Device, error) {
	return db.scanDevice(db.QueryRow(`
		SELECT id, nickname, public_key, auth_token, is_self, created_at, updated_at
		FROM devices WHERE is_self = 1 LIMIT 1`))
}

func (db *DB) scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Nickname, &d.PublicKey, &d.AuthToken, &d.IsSelf, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
