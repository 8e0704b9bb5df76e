package remote

import (
	"encoding/json"

	"github.com/beaconmesh/beacon/internal/store"
)

// Wire representations of the canonical server records. Field names follow
// the remote API's snake_case JSON. Each converts to its store counterpart;
// timestamps are unix milliseconds end to end.

// Device is the canonical device record.
type Device struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"public_key"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// RegisteredDevice is the registration response: the canonical record plus
// the bearer token used for all subsequent calls.
type RegisteredDevice struct {
	Device
	Token string `json:"token"`
}

// Group is the canonical group record.
type Group struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	CreatorDeviceID string  `json:"creator_device_id"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

// Message is the canonical message record.
type Message struct {
	ID             string `json:"id"`
	GroupID        string `json:"group_id"`
	DeviceID       string `json:"device_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	SOSType        string `json:"sos_type,omitempty"`
	DeviceSequence int64  `json:"device_sequence"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// UserStatus is the canonical safety status record.
type UserStatus struct {
	DeviceID    string `json:"device_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Favorite is the canonical favorite join record.
type Favorite struct {
	DeviceID  string `json:"device_id"`
	GroupID   string `json:"group_id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Pin is the canonical pin join record.
type Pin struct {
	MessageID        string `json:"message_id"`
	PinnedByDeviceID string `json:"pinned_by_device_id"`
	GroupID          string `json:"group_id"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

// ChangeRecord is one entry of the delta feed. Data is the wire record for
// the collection; Deleted marks join-record removals.
type ChangeRecord struct {
	Collection string          `json:"collection"`
	EntityID   string          `json:"entity_id"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  int64           `json:"updated_at"`
	Data       json.RawMessage `json:"data"`
}

// ChangePage is one page of the delta feed.
type ChangePage struct {
	Records []ChangeRecord `json:"records"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

func (d *Device) ToStore() *store.Device {
	return &store.Device{
		ID:        d.ID,
		Nickname:  d.Nickname,
		PublicKey: d.PublicKey,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (g *Group) ToStore() *store.Group {
	return &store.Group{
		ID:              g.ID,
		Name:            g.Name,
		Type:            g.Type,
		Latitude:        g.Latitude,
		Longitude:       g.Longitude,
		CreatorDeviceID: g.CreatorDeviceID,
		CreatedAt:       g.CreatedAt,
		UpdatedAt:       g.UpdatedAt,
	}
}

func (m *Message) ToStore(status store.SyncStatus) *store.Message {
	return &store.Message{
		ID:             m.ID,
		GroupID:        m.GroupID,
		DeviceID:       m.DeviceID,
		Content:        m.Content,
		MessageType:    m.MessageType,
		SOSType:        m.SOSType,
		DeviceSequence: m.DeviceSequence,
		SyncStatus:     status,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (s *UserStatus) ToStore() *store.UserStatus {
	return &store.UserStatus{
		DeviceID:    s.DeviceID,
		Status:      s.Status,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func (f *Favorite) ToStore() *store.FavoriteGroup {
	return &store.FavoriteGroup{
		DeviceID:  f.DeviceID,
		GroupID:   f.GroupID,
		CreatedAt: f.CreatedAt,
		UpdatedAt: f.UpdatedAt,
	}
}

func (p *Pin) ToStore() *store.PinnedMessage {
	return &store.PinnedMessage{
		MessageID:        p.MessageID,
		PinnedByDeviceID: p.PinnedByDeviceID,
		GroupID:          p.GroupID,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}
