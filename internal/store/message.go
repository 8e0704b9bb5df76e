package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertMessage inserts or replaces a message wholesale (idempotent on id).
func (db *DB) UpsertMessage(m *Message) error {
	if err := db.upsertMessageTx(db.DB, m); err != nil {
		return err
	}
	db.notify(CollectionMessages)
	return nil
}

// execer lets upsert helpers run against either the DB or an open transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (db *DB) upsertMessageTx(e execer, m *Message) error {
	if m.UpdatedAt == 0 {
		m.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO messages (id, group_id, device_id, content, message_type, sos_type, device_sequence, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			device_id = excluded.device_id,
			content = excluded.content,
			message_type = excluded.message_type,
			sos_type = excluded.sos_type,
			device_sequence = excluded.device_sequence,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		m.ID, m.GroupID, m.DeviceID, m.Content, m.MessageType, m.SOSType, m.DeviceSequence, m.SyncStatus, m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, group_id, device_id, content, message_type, sos_type, device_sequence, sync_status, created_at, updated_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.GroupID, &m.DeviceID, &m.Content, &m.MessageType, &m.SOSType, &m.DeviceSequence, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a group using keyset pagination by
// (created_at, device_sequence) descending.
func (db *DB) ListMessages(groupID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, group_id, device_id, content, message_type, sos_type, device_sequence, sync_status, created_at, updated_at
		FROM messages
		WHERE group_id = ? AND created_at < ?
		ORDER BY created_at DESC, device_sequence DESC
		LIMIT ?`, groupID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.DeviceID, &m.Content, &m.MessageType, &m.SOSType, &m.DeviceSequence, &m.SyncStatus, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMessageSyncStatus updates the replication lifecycle label of a message.
// This is the only field of a message that changes after creation.
func (db *DB) SetMessageSyncStatus(id string, status SyncStatus) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE messages SET sync_status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notify(CollectionMessages)
	}
	return nil
}

// DeleteMessage removes a message row. Used when a failed send is discarded;
// synced messages only leave through eviction.
func (db *DB) DeleteMessage(id string) error {
	res, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notify(CollectionMessages)
	}
	return nil
}

// CountMessagesBySyncStatus returns per-status counts for one group, or for
// all groups when groupID is empty.
func (db *DB) CountMessagesBySyncStatus(groupID string) (map[SyncStatus]int, error) {
	query := `SELECT sync_status, COUNT(*) FROM messages GROUP BY sync_status`
	args := []any{}
	if groupID != "" {
		query = `SELECT sync_status, COUNT(*) FROM messages WHERE group_id = ? GROUP BY sync_status`
		args = append(args, groupID)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[SyncStatus]int)
	for rows.Next() {
		var status SyncStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CreateMessageWithQueue writes the optimistic message row and its queue
// entry in one transaction, so a crash cannot leave a pending message that
// will never be pushed.
func (db *DB) CreateMessageWithQueue(m *Message, entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.upsertMessageTx(tx, m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := enqueueTx(tx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notify(CollectionMessages)
	db.notifyQueued(entry)
	return nil
}
