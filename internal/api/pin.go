package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmesh/beacon/internal/store"
)

// PinService pins and unpins messages within a group.
type PinService struct {
	db *store.DB
}

func NewPinService(db *store.DB) *PinService {
	return &PinService{db: db}
}

// Pin queues pinning a message. The message must exist locally so the pin
// can carry its group for scoped queries.
func (s *PinService) Pin(messageID string) error {
	self, err := selfDevice(s.db)
	if err != nil {
		return err
	}
	m, err := s.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("unknown message %s", messageID)
	}

	now := time.Now().UnixMilli()
	p := &store.PinnedMessage{
		MessageID:        messageID,
		PinnedByDeviceID: self.ID,
		GroupID:          m.GroupID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	entry := &store.QueueEntry{
		OpKind:         store.OpCreate,
		Collection:     store.CollectionPins,
		EntityID:       store.PinEntityID(messageID, self.ID),
		Payload:        []byte(`{}`),
		IdempotencyKey: uuid.NewString(),
	}
	return s.db.PutPinWithQueue(p, entry)
}

// Unpin queues removal of this device's pin on a message.
func (s *PinService) Unpin(messageID string) error {
	self, err := selfDevice(s.db)
	if err != nil {
		return err
	}
	entry := &store.QueueEntry{
		OpKind:         store.OpDelete,
		Collection:     store.CollectionPins,
		EntityID:       store.PinEntityID(messageID, self.ID),
		Payload:        []byte(`{}`),
		IdempotencyKey: uuid.NewString(),
	}
	return s.db.DeletePinWithQueue(messageID, self.ID, entry)
}

// Observe returns a live query over a group's pins.
func (s *PinService) Observe(groupID string) (*store.LiveQuery[store.PinnedMessage], error) {
	return store.Observe(s.db, func() ([]store.PinnedMessage, error) {
		return s.db.ListPins(groupID)
	}, store.CollectionPins)
}
