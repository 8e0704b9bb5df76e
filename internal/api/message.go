package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// SOS categories a message may carry.
var validSOSTypes = map[string]bool{
	"medical": true,
	"fire":    true,
	"police":  true,
	"general": true,
}

// MessageService sends, retries and observes messages. Sends are optimistic:
// the row and its queue entry commit together and the call returns without
// touching the network.
type MessageService struct {
	db  *store.DB
	bus *bus.Bus
}

func NewMessageService(db *store.DB, b *bus.Bus) *MessageService {
	return &MessageService{db: db, bus: b}
}

// Observe returns a live query over the newest messages of a group.
func (s *MessageService) Observe(groupID string, limit int) (*store.LiveQuery[store.Message], error) {
	return store.Observe(s.db, func() ([]store.Message, error) {
		return s.db.ListMessages(groupID, 0, limit)
	}, store.CollectionMessages)
}

// List returns one keyset page of older messages.
func (s *MessageService) List(groupID string, beforeTs int64, limit int) ([]store.Message, error) {
	return s.db.ListMessages(groupID, beforeTs, limit)
}

// SendText queues a text message to a group.
func (s *MessageService) SendText(groupID, content string) (*store.Message, error) {
	return s.send(groupID, content, "text", "")
}

// SendSOS queues an SOS message. SOS rides the same queue and channel as
// text; only the type differs.
func (s *MessageService) SendSOS(groupID, content, sosType string) (*store.Message, error) {
	if !validSOSTypes[sosType] {
		return nil, &ValidationError{Field: "sos_type", Reason: fmt.Sprintf("unknown type %q", sosType)}
	}
	return s.send(groupID, content, "sos", sosType)
}

func (s *MessageService) send(groupID, content, messageType, sosType string) (*store.Message, error) {
	if groupID == "" {
		return nil, &ValidationError{Field: "group_id", Reason: "must not be empty"}
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}
	self, err := selfDevice(s.db)
	if err != nil {
		return nil, err
	}
	seq, err := s.db.NextDeviceSequence()
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	m := &store.Message{
		ID:             uuid.NewString(),
		GroupID:        groupID,
		DeviceID:       self.ID,
		Content:        content,
		MessageType:    messageType,
		SOSType:        sosType,
		DeviceSequence: seq,
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payload, err := json.Marshal(remote.Message{
		ID:             m.ID,
		GroupID:        m.GroupID,
		DeviceID:       m.DeviceID,
		Content:        m.Content,
		MessageType:    m.MessageType,
		SOSType:        m.SOSType,
		DeviceSequence: m.DeviceSequence,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	entry := &store.QueueEntry{
		OpKind:     store.OpCreate,
		Collection: store.CollectionMessages,
		EntityID:   m.ID,
		Payload:    payload,
		// The message id doubles as the idempotency key: a replayed push
		// after a crash lands on the same record.
		IdempotencyKey: m.ID,
	}
	if err := s.db.CreateMessageWithQueue(m, entry); err != nil {
		return nil, err
	}
	return m, nil
}

// Retry puts a permanently failed message back on the queue.
func (s *MessageService) Retry(messageID string) error {
	entry, err := s.db.FailedEntryForEntity(store.CollectionMessages, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("message %s has no failed mutation", messageID)
	}
	if err := s.db.RetryEntry(entry.ID); err != nil {
		return err
	}
	return s.db.SetMessageSyncStatus(messageID, store.SyncPending)
}

// Discard drops a permanently failed message: the queue entry and the
// optimistic row both go, as if the send never happened.
func (s *MessageService) Discard(messageID string) error {
	entry, err := s.db.FailedEntryForEntity(store.CollectionMessages, messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("message %s has no failed mutation", messageID)
	}
	if err := s.db.DiscardEntry(entry.ID); err != nil {
		return err
	}
	if err := s.db.DeleteMessage(messageID); err != nil {
		return err
	}
	// The entity's line is resolved; any staged remote record can replay.
	s.bus.Emit("queue.resolved", entry)
	return nil
}
