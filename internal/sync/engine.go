// Package sync applies remote records to the local store without ever
// clobbering an unacknowledged local write. Every inbound record, whether it
// arrived over a pull page or the live channel, goes through Engine.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// Engine is the single ingestion path for remote records. Records for an
// entity with an unresolved queued mutation are staged instead of applied;
// the staged record replays once the mutation resolves.
type Engine struct {
	db  *store.DB
	bus *bus.Bus
	log *zap.Logger
}

func NewEngine(db *store.DB, b *bus.Bus, log *zap.Logger) *Engine {
	return &Engine{db: db, bus: b, log: log.Named("sync")}
}

// ApplyChange ingests one remote record. It stages the record when the
// entity has a pending local mutation, otherwise applies it with remote-wins
// conflict resolution.
func (e *Engine) ApplyChange(rec *remote.ChangeRecord) error {
	pending, err := e.db.HasPendingMutation(rec.Collection, rec.EntityID)
	if err != nil {
		return err
	}
	if pending {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal staged record: %w", err)
		}
		if err := e.db.StagePull(rec.Collection, rec.EntityID, payload); err != nil {
			return err
		}
		e.log.Debug("staged remote record behind pending mutation",
			zap.String("collection", rec.Collection),
			zap.String("entity_id", rec.EntityID))
		e.bus.Emit("sync.pull_staged", rec.EntityID)
		return nil
	}
	return e.applyRecord(rec)
}

// ApplyStagedFor replays the staged record for an entity, if any. The pusher
// calls this after an entity's last queued mutation is acknowledged or
// permanently failed.
func (e *Engine) ApplyStagedFor(collection, entityID string) error {
	payload, err := e.db.TakeStagedPull(collection, entityID)
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	var rec remote.ChangeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("unmarshal staged record: %w", err)
	}
	if err := e.applyRecord(&rec); err != nil {
		return err
	}
	e.bus.Emit("sync.staged_applied", entityID)
	return nil
}

// Run replays staged records as their mutations resolve. The pusher emits
// queue.resolved with the resolved entry after each ack or permanent failure.
func (e *Engine) Run(ctx context.Context) {
	events, unsub := e.bus.Subscribe("queue.resolved", 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			entry, ok := ev.Payload.(*store.QueueEntry)
			if !ok {
				continue
			}
			// Only replay once the whole line for the entity is resolved;
			// a later queued mutation keeps the staged record parked.
			pending, err := e.db.HasPendingMutation(entry.Collection, entry.EntityID)
			if err != nil || pending {
				continue
			}
			if err := e.ApplyStagedFor(entry.Collection, entry.EntityID); err != nil {
				e.log.Warn("failed to replay staged record",
					zap.String("collection", entry.Collection),
					zap.String("entity_id", entry.EntityID),
					zap.Error(err))
			}
		}
	}
}

func (e *Engine) applyRecord(rec *remote.ChangeRecord) error {
	if rec.Deleted {
		return e.applyDelete(rec)
	}

	localUpdated, err := e.localUpdatedAt(rec.Collection, rec.EntityID)
	if err != nil {
		return err
	}
	// Remote wins ties; a strictly newer local row only exists when a local
	// write raced past the feed, and the next pull carries the final state.
	if localUpdated > rec.UpdatedAt {
		e.log.Debug("skipped stale remote record",
			zap.String("collection", rec.Collection),
			zap.String("entity_id", rec.EntityID),
			zap.Int64("local_updated_at", localUpdated),
			zap.Int64("remote_updated_at", rec.UpdatedAt))
		return nil
	}

	switch rec.Collection {
	case store.CollectionDevices:
		var d remote.Device
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return fmt.Errorf("decode device record: %w", err)
		}
		canonical := d.ToStore()
		// The wire record carries no local-only fields; a feed entry for the
		// local identity must not wipe the self flag or the bearer token.
		if self, lookErr := e.db.SelfDevice(); lookErr == nil && self != nil && self.ID == d.ID {
			canonical.IsSelf = true
			canonical.AuthToken = self.AuthToken
		}
		return e.db.UpsertDevice(canonical)
	case store.CollectionGroups:
		var g remote.Group
		if err := json.Unmarshal(rec.Data, &g); err != nil {
			return fmt.Errorf("decode group record: %w", err)
		}
		return e.db.UpsertGroup(g.ToStore())
	case store.CollectionMessages:
		var m remote.Message
		if err := json.Unmarshal(rec.Data, &m); err != nil {
			return fmt.Errorf("decode message record: %w", err)
		}
		// Anything that came back from the server is synced by definition.
		return e.db.UpsertMessage(m.ToStore(store.SyncSynced))
	case store.CollectionStatuses:
		var s remote.UserStatus
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			return fmt.Errorf("decode status record: %w", err)
		}
		return e.db.UpsertUserStatus(s.ToStore())
	case store.CollectionFavorites:
		var f remote.Favorite
		if err := json.Unmarshal(rec.Data, &f); err != nil {
			return fmt.Errorf("decode favorite record: %w", err)
		}
		return e.db.PutFavorite(f.ToStore())
	case store.CollectionPins:
		var p remote.Pin
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return fmt.Errorf("decode pin record: %w", err)
		}
		return e.db.PutPin(p.ToStore())
	default:
		e.log.Warn("ignoring record for unknown collection", zap.String("collection", rec.Collection))
		return nil
	}
}

func (e *Engine) applyDelete(rec *remote.ChangeRecord) error {
	switch rec.Collection {
	case store.CollectionFavorites:
		deviceID, groupID, err := store.SplitEntityID(rec.EntityID)
		if err != nil {
			return err
		}
		return e.db.DeleteFavorite(deviceID, groupID)
	case store.CollectionPins:
		messageID, pinnedBy, err := store.SplitEntityID(rec.EntityID)
		if err != nil {
			return err
		}
		return e.db.DeletePin(messageID, pinnedBy)
	default:
		// Only join records are removable; everything else is append-only
		// or whole-row replaced.
		e.log.Warn("ignoring delete for non-removable collection",
			zap.String("collection", rec.Collection),
			zap.String("entity_id", rec.EntityID))
		return nil
	}
}

// localUpdatedAt looks up the updated_at of the local row, 0 when absent.
// Join records return 0: puts and deletes of existence records are
// idempotent, so last-write checks add nothing.
func (e *Engine) localUpdatedAt(collection, entityID string) (int64, error) {
	switch collection {
	case store.CollectionDevices:
		d, err := e.db.GetDevice(entityID)
		if err != nil || d == nil {
			return 0, err
		}
		return d.UpdatedAt, nil
	case store.CollectionGroups:
		g, err := e.db.GetGroup(entityID)
		if err != nil || g == nil {
			return 0, err
		}
		return g.UpdatedAt, nil
	case store.CollectionMessages:
		m, err := e.db.GetMessage(entityID)
		if err != nil || m == nil {
			return 0, err
		}
		return m.UpdatedAt, nil
	case store.CollectionStatuses:
		s, err := e.db.GetUserStatus(entityID)
		if err != nil || s == nil {
			return 0, err
		}
		return s.UpdatedAt, nil
	default:
		return 0, nil
	}
}
