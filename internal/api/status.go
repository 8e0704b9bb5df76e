package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// Safety status values a device can broadcast.
var validStatuses = map[string]bool{
	"safe":           true,
	"need_help":      true,
	"cannot_contact": true,
}

// StatusService updates and observes safety statuses. One live status per
// device; updates replace the whole row.
type StatusService struct {
	db *store.DB
}

func NewStatusService(db *store.DB) *StatusService {
	return &StatusService{db: db}
}

// Update queues a replacement of this device's safety status. Rapid updates
// coalesce in the queue; only the last one is pushed.
func (s *StatusService) Update(status, description string) (*store.UserStatus, error) {
	if !validStatuses[status] {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	if len(description) > maxDescriptionLen {
		return nil, &ValidationError{Field: "description", Reason: fmt.Sprintf("exceeds %d bytes", maxDescriptionLen)}
	}
	self, err := selfDevice(s.db)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	us := &store.UserStatus{
		DeviceID:    self.ID,
		Status:      status,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(remote.UserStatus{
		DeviceID:    us.DeviceID,
		Status:      us.Status,
		Description: us.Description,
		CreatedAt:   us.CreatedAt,
		UpdatedAt:   us.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	entry := &store.QueueEntry{
		OpKind:         store.OpUpdate,
		Collection:     store.CollectionStatuses,
		EntityID:       us.DeviceID,
		Payload:        payload,
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.db.UpsertUserStatusWithQueue(us, entry); err != nil {
		return nil, err
	}
	return us, nil
}

// Current returns this device's own status, nil if never set.
func (s *StatusService) Current() (*store.UserStatus, error) {
	self, err := selfDevice(s.db)
	if err != nil {
		return nil, err
	}
	return s.db.GetUserStatus(self.ID)
}

// StatusOf returns another device's last known status, nil if unknown.
func (s *StatusService) StatusOf(deviceID string) (*store.UserStatus, error) {
	return s.db.GetUserStatus(deviceID)
}
