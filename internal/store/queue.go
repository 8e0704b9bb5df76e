package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Enqueue appends a durable queue entry. Entries for the same
// (collection, entity) coalesce while still queued: a newer upsert replaces
// the queued payload in place (keeping its FIFO position and idempotency
// key), and a delete cancels a queued create outright. Entries that are
// already inflight or failed are never touched.
func (db *DB) Enqueue(entry *QueueEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := enqueueTx(tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyQueued(entry)
	return nil
}

func (db *DB) notifyQueued(entry *QueueEntry) {
	if db.bus != nil {
		db.bus.Emit("queue.enqueued", entry)
	}
}

func enqueueTx(tx *sql.Tx, entry *QueueEntry) error {
	now := time.Now().UnixMilli()

	var existingID int64
	var existingOp OpKind
	err := tx.QueryRow(`
		SELECT id, op_kind FROM mutation_queue
		WHERE collection = ? AND entity_id = ? AND status = 'queued'
		ORDER BY id DESC LIMIT 1`,
		entry.Collection, entry.EntityID).Scan(&existingID, &existingOp)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return err
	case entry.OpKind == OpDelete && existingOp == OpCreate:
		// Create followed by delete before any push: net no-op.
		_, err := tx.Exec(`DELETE FROM mutation_queue WHERE id = ?`, existingID)
		entry.ID = 0
		return err
	default:
		// Last write wins: replace the queued payload in place.
		op := entry.OpKind
		if existingOp == OpCreate && op == OpUpdate {
			op = OpCreate
		}
		_, err := tx.Exec(`
			UPDATE mutation_queue SET op_kind = ?, payload = ?, updated_at = ? WHERE id = ?`,
			op, entry.Payload, now, existingID)
		entry.ID = existingID
		return err
	}

	res, err := tx.Exec(`
		INSERT INTO mutation_queue (op_kind, collection, entity_id, payload, idempotency_key, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, 0, ?, ?)`,
		entry.OpKind, entry.Collection, entry.EntityID, entry.Payload, entry.IdempotencyKey, now, now)
	if err != nil {
		return err
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// PeekBatch returns up to n drainable entries: the head of each
// (collection, entity) line, strictly FIFO within a line, skipping lines
// whose head is inflight or failed and entries backing off until later.
// Unrelated entities drain concurrently so one failing mutation cannot
// block the rest.
func (db *DB) PeekBatch(n int, now int64) ([]QueueEntry, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := db.Query(`
		SELECT id, op_kind, collection, entity_id, payload, idempotency_key, status, retry_count, next_attempt_at, last_error, created_at, updated_at
		FROM mutation_queue q
		WHERE q.status = 'queued'
		  AND q.next_attempt_at <= ?
		  AND q.id = (SELECT MIN(id) FROM mutation_queue h WHERE h.collection = q.collection AND h.entity_id = q.entity_id)
		ORDER BY q.id ASC
		LIMIT ?`, now, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanQueueEntries(rows)
}

func scanQueueEntries(rows *sql.Rows) ([]QueueEntry, error) {
	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.OpKind, &e.Collection, &e.EntityID, &e.Payload, &e.IdempotencyKey,
			&e.Status, &e.RetryCount, &e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkInflight transitions an entry to inflight before its push attempt.
func (db *DB) MarkInflight(id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE mutation_queue SET status = 'inflight', updated_at = ? WHERE id = ?`, now, id)
	return err
}

// Ack removes an acknowledged entry. The push succeeded and the server
// holds the canonical record.
func (db *DB) Ack(id int64) error {
	_, err := db.Exec(`DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if db.bus != nil {
		db.bus.Emit("queue.acked", id)
	}
	return nil
}

// Requeue reschedules a transiently failed entry for a later attempt.
func (db *DB) Requeue(id int64, errMsg string, nextAttemptAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE mutation_queue
		SET status = 'queued', retry_count = retry_count + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, nextAttemptAt, errMsg, now, id)
	return err
}

// MarkFailed parks an entry as permanently failed. It blocks its entity's
// line until the user retries or discards it.
func (db *DB) MarkFailed(id int64, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE mutation_queue SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, now, id)
	if err != nil {
		return err
	}
	if db.bus != nil {
		db.bus.Emit("queue.failed", id)
	}
	return nil
}

// RetryEntry resets a failed entry so the pusher picks it up again.
func (db *DB) RetryEntry(id int64) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE mutation_queue
		SET status = 'queued', retry_count = 0, next_attempt_at = 0, last_error = '', updated_at = ?
		WHERE id = ? AND status = 'failed'`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d is not in failed state", id)
	}
	db.notifyQueued(&QueueEntry{ID: id})
	return nil
}

// DiscardEntry drops a failed entry without pushing it.
func (db *DB) DiscardEntry(id int64) error {
	res, err := db.Exec(`DELETE FROM mutation_queue WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d is not in failed state", id)
	}
	if db.bus != nil {
		db.bus.Emit("queue.acked", id)
	}
	return nil
}

// HasPendingMutation reports whether any unresolved entry exists for the
// entity. Pull replication stages remote records behind this check.
func (db *DB) HasPendingMutation(collection, entityID string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM mutation_queue WHERE collection = ? AND entity_id = ?`,
		collection, entityID).Scan(&n)
	return n > 0, err
}

// FailedEntryForEntity returns the failed entry blocking an entity's line,
// or nil if none.
func (db *DB) FailedEntryForEntity(collection, entityID string) (*QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, op_kind, collection, entity_id, payload, idempotency_key, status, retry_count, next_attempt_at, last_error, created_at, updated_at
		FROM mutation_queue
		WHERE collection = ? AND entity_id = ? AND status = 'failed'
		ORDER BY id ASC LIMIT 1`, collection, entityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanQueueEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// GetQueueEntry returns an entry by row id, or nil if it is gone.
func (db *DB) GetQueueEntry(id int64) (*QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, op_kind, collection, entity_id, payload, idempotency_key, status, retry_count, next_attempt_at, last_error, created_at, updated_at
		FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	entries, err := scanQueueEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// ListFailedEntries returns every permanently failed entry, oldest first.
// Each one blocks its entity's line until retried or discarded.
func (db *DB) ListFailedEntries() ([]QueueEntry, error) {
	rows, err := db.Query(`
		SELECT id, op_kind, collection, entity_id, payload, idempotency_key, status, retry_count, next_attempt_at, last_error, created_at, updated_at
		FROM mutation_queue WHERE status = 'failed' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanQueueEntries(rows)
}

// QueueCounts summarizes the queue for the projector.
type QueueCounts struct {
	Queued   int
	Inflight int
	Failed   int
}

// CountQueue returns queue totals by status.
func (db *DB) CountQueue() (QueueCounts, error) {
	var c QueueCounts
	rows, err := db.Query(`SELECT status, COUNT(*) FROM mutation_queue GROUP BY status`)
	if err != nil {
		return c, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case QueueQueued:
			c.Queued = n
		case QueueInflight:
			c.Inflight = n
		case QueueFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}
