package store

import (
	"fmt"
	"strings"
)

// Collection names used in queue entries, change feeds and bus events.
const (
	CollectionDevices   = "devices"
	CollectionGroups    = "groups"
	CollectionMessages  = "messages"
	CollectionStatuses  = "statuses"
	CollectionFavorites = "favorites"
	CollectionPins      = "pins"
)

// FavoriteEntityID is the queue and change-feed identity of a favorite join
// record. Join records have no id of their own, so both sides derive one
// from the composite key.
func FavoriteEntityID(deviceID, groupID string) string {
	return deviceID + ":" + groupID
}

// PinEntityID is the queue and change-feed identity of a pin join record.
func PinEntityID(messageID, pinnedBy string) string {
	return messageID + ":" + pinnedBy
}

// SplitEntityID recovers the composite key of a join-record entity id.
func SplitEntityID(id string) (string, string, error) {
	left, right, ok := strings.Cut(id, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed join entity id %q", id)
	}
	return left, right, nil
}

// SyncStatus is the replication lifecycle of a locally created message.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// OpKind is the mutation semantics of a queue entry.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// QueueStatus is the drain state of a queue entry.
type QueueStatus string

const (
	QueueQueued   QueueStatus = "queued"
	QueueInflight QueueStatus = "inflight"
	QueueFailed   QueueStatus = "failed"
)

// Device is the identity anchor. The local identity carries IsSelf and the
// bearer token returned by registration.
type Device struct {
	ID        string
	Nickname  string
	PublicKey string
	AuthToken string
	IsSelf    bool
	CreatedAt int64
	UpdatedAt int64
}

// Group is a geo-anchored community channel. IDs are server-assigned, so
// groups are created through a request/response round trip, never queued.
type Group struct {
	ID              string
	Name            string
	Type            string
	Latitude        float64
	Longitude       float64
	CreatorDeviceID string
	CreatedAt       int64
	UpdatedAt       int64
}

// Message is a chat or SOS entry. Content is immutable after creation; only
// SyncStatus changes. SOSType is empty unless MessageType is "sos".
type Message struct {
	ID             string
	GroupID        string
	DeviceID       string
	Content        string
	MessageType    string
	SOSType        string
	DeviceSequence int64
	SyncStatus     SyncStatus
	CreatedAt      int64
	UpdatedAt      int64
}

// UserStatus is the single live safety status per device. Upserts replace
// the whole row; fields are never merged.
type UserStatus struct {
	DeviceID    string
	Status      string
	Description string
	CreatedAt   int64
	UpdatedAt   int64
}

// FavoriteGroup is a join record; existence is the entire payload.
type FavoriteGroup struct {
	DeviceID  string
	GroupID   string
	CreatedAt int64
	UpdatedAt int64
}

// PinnedMessage is a join record keyed by (message, pinning device).
// GroupID is denormalized for scoped queries.
type PinnedMessage struct {
	MessageID        string
	PinnedByDeviceID string
	GroupID          string
	CreatedAt        int64
	UpdatedAt        int64
}

// QueueEntry is a durable not-yet-acknowledged local write. The payload is
// the wire-format body pushed to the remote API, so a replay after a crash
// needs no local lookups. IdempotencyKey doubles as the entity id whenever
// the id is client-generated.
type QueueEntry struct {
	ID             int64
	OpKind         OpKind
	Collection     string
	EntityID       string
	Payload        []byte
	IdempotencyKey string
	Status         QueueStatus
	RetryCount     int
	NextAttemptAt  int64
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

// StagedPull is a remote record held back because the entity has an
// unresolved queued mutation.
type StagedPull struct {
	Collection string
	EntityID   string
	Payload    []byte
	ReceivedAt int64
}
