package api

import (
	"fmt"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/store"
)

// QueueService surfaces permanently failed mutations of any collection and
// lets the user retry or discard them. A failed entry blocks its entity's
// queue line and parks any staged remote record, so it must never just sit
// there invisibly.
type QueueService struct {
	db  *store.DB
	bus *bus.Bus
}

func NewQueueService(db *store.DB, b *bus.Bus) *QueueService {
	return &QueueService{db: db, bus: b}
}

// Failed lists every permanently failed mutation, oldest first, with the
// last push error on each.
func (s *QueueService) Failed() ([]store.QueueEntry, error) {
	return s.db.ListFailedEntries()
}

// Retry puts a failed entry back on the queue for another push.
func (s *QueueService) Retry(entryID int64) error {
	entry, err := s.db.GetQueueEntry(entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("queue entry %d not found", entryID)
	}
	if err := s.db.RetryEntry(entryID); err != nil {
		return err
	}
	if entry.Collection == store.CollectionMessages && entry.OpKind == store.OpCreate {
		return s.db.SetMessageSyncStatus(entry.EntityID, store.SyncPending)
	}
	return nil
}

// Discard drops a failed entry without pushing it. Optimistic rows the
// server never saw are rolled back; everything else converges on the next
// pull, which the resolved line no longer blocks.
func (s *QueueService) Discard(entryID int64) error {
	entry, err := s.db.GetQueueEntry(entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("queue entry %d not found", entryID)
	}
	if err := s.db.DiscardEntry(entryID); err != nil {
		return err
	}
	if entry.OpKind == store.OpCreate {
		if err := s.rollbackCreate(entry); err != nil {
			return err
		}
	}
	// The entity's line is resolved; any staged remote record can replay.
	s.bus.Emit("queue.resolved", entry)
	return nil
}

func (s *QueueService) rollbackCreate(entry *store.QueueEntry) error {
	switch entry.Collection {
	case store.CollectionMessages:
		return s.db.DeleteMessage(entry.EntityID)
	case store.CollectionFavorites:
		deviceID, groupID, err := store.SplitEntityID(entry.EntityID)
		if err != nil {
			return err
		}
		return s.db.DeleteFavorite(deviceID, groupID)
	case store.CollectionPins:
		messageID, pinnedBy, err := store.SplitEntityID(entry.EntityID)
		if err != nil {
			return err
		}
		return s.db.DeletePin(messageID, pinnedBy)
	default:
		return nil
	}
}
