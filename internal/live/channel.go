package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/beaconmesh/beacon/internal/backoff"
	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// Applier ingests remote records; the sync engine implements it. Records
// arriving over the channel go through the same staging and conflict checks
// as pulled ones.
type Applier interface {
	ApplyChange(rec *remote.ChangeRecord) error
}

// frame is the channel envelope in both directions.
type frame struct {
	Type     string          `json:"type"`
	GroupIDs []string        `json:"group_ids,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Channel keeps a WebSocket subscription to the favorited groups plus any
// explicitly watched ones. Frames are delivery hints; missing all of them
// costs latency, not data.
type Channel struct {
	db      *store.DB
	client  *remote.Client
	applier Applier
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	recon   *backoff.Reconnector
	cancel  context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	watched map[string]struct{}
}

func NewChannel(db *store.DB, client *remote.Client, applier Applier, machine *Machine, b *bus.Bus, logger *zap.Logger, backoffBase, backoffCap time.Duration) *Channel {
	return &Channel{
		db:      db,
		client:  client,
		applier: applier,
		machine: machine,
		bus:     b,
		logger:  logger.Named("live"),
		recon:   backoff.NewReconnector(backoffBase, backoffCap),
		watched: make(map[string]struct{}),
	}
}

// Start begins the connect/read/reconnect loop.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop closes the connection and stops reconnecting.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
}

// Watch adds a group to the subscription set for as long as the user has it
// open, favorited or not.
func (c *Channel) Watch(groupID string) {
	c.mu.Lock()
	c.watched[groupID] = struct{}{}
	c.mu.Unlock()
	c.resubscribe()
}

// Unwatch removes a group added by Watch. Favorited groups stay subscribed.
// The socket stays open even with an empty group set: status frames are not
// group-scoped, and they still arrive on it.
func (c *Channel) Unwatch(groupID string) {
	c.mu.Lock()
	delete(c.watched, groupID)
	c.mu.Unlock()
	c.resubscribe()
}

func (c *Channel) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("live channel dropped", zap.Error(err))
		}
		if c.machine.Current() != Disconnected {
			_ = c.machine.Transition(Disconnected)
		}
		if ctx.Err() != nil {
			return
		}
		delay := c.recon.NextDelay()
		c.logger.Info("reconnecting live channel", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	if err := c.machine.Transition(Connecting); err != nil {
		return err
	}

	header := http.Header{}
	if token := c.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, c.client.WebSocketURL(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.recon.MarkConnected()
	if err := c.machine.Transition(Connected); err != nil {
		return err
	}
	if err := c.subscribe(ctx, conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	_ = c.machine.Transition(Subscribed)

	frames := make(chan frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				c.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// The subscription follows the favorites set, so store changes to it
	// trigger a re-send.
	favChanged, unsub := c.bus.Subscribe("store.favorites.changed", 4)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-favChanged:
			if err := c.subscribe(ctx, conn); err != nil {
				return fmt.Errorf("resubscribe: %w", err)
			}
		case f := <-frames:
			c.handleFrame(&f)
		}
	}
}

// subscriptionSet is the favorited groups plus the watched ones, sorted for
// stable frames.
func (c *Channel) subscriptionSet() ([]string, error) {
	set := make(map[string]struct{})
	if self, err := c.db.SelfDevice(); err != nil {
		return nil, err
	} else if self != nil {
		ids, err := c.db.FavoriteGroupIDs(self.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	c.mu.Lock()
	for id := range c.watched {
		set[id] = struct{}{}
	}
	c.mu.Unlock()

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Channel) subscribe(ctx context.Context, conn *websocket.Conn) error {
	ids, err := c.subscriptionSet()
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame{Type: "subscribe", GroupIDs: ids})
	if err != nil {
		return err
	}
	c.logger.Debug("subscribing", zap.Int("groups", len(ids)))
	return conn.Write(ctx, websocket.MessageText, data)
}

// resubscribe re-sends the subscription on the current connection, if any.
func (c *Channel) resubscribe() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.subscribe(ctx, conn); err != nil {
		c.logger.Warn("resubscribe failed", zap.Error(err))
	}
}

// handleFrame converts an inbound frame to a change record and hands it to
// the applier. Unknown frame types are skipped so the server can grow the
// protocol without breaking older clients.
func (c *Channel) handleFrame(f *frame) {
	rec, err := frameToChange(f)
	if err != nil {
		c.logger.Warn("dropping frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	if rec == nil {
		c.logger.Debug("ignoring unknown frame type", zap.String("type", f.Type))
		return
	}
	if err := c.applier.ApplyChange(rec); err != nil {
		c.logger.Warn("failed to apply live record",
			zap.String("collection", rec.Collection),
			zap.String("entity_id", rec.EntityID),
			zap.Error(err))
	}
}

func frameToChange(f *frame) (*remote.ChangeRecord, error) {
	switch f.Type {
	case "message":
		var m remote.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return nil, err
		}
		return &remote.ChangeRecord{Collection: store.CollectionMessages, EntityID: m.ID, UpdatedAt: m.UpdatedAt, Data: f.Payload}, nil
	case "status":
		var s remote.UserStatus
		if err := json.Unmarshal(f.Payload, &s); err != nil {
			return nil, err
		}
		return &remote.ChangeRecord{Collection: store.CollectionStatuses, EntityID: s.DeviceID, UpdatedAt: s.UpdatedAt, Data: f.Payload}, nil
	case "group":
		var g remote.Group
		if err := json.Unmarshal(f.Payload, &g); err != nil {
			return nil, err
		}
		return &remote.ChangeRecord{Collection: store.CollectionGroups, EntityID: g.ID, UpdatedAt: g.UpdatedAt, Data: f.Payload}, nil
	default:
		return nil, nil
	}
}
