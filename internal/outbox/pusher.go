// Package outbox drains the durable mutation queue against the remote API.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/backoff"
	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// Pusher polls the mutation queue and pushes drainable entries in enqueue
// order per entity. Each entry carries its full wire payload, so a push
// needs no local lookups beyond routing.
type Pusher struct {
	db     *store.DB
	client *remote.Client
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	interval    time.Duration
	batch       int
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// Options are the queue drain knobs from the sync config section.
type Options struct {
	Interval    time.Duration
	Batch       int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewPusher(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger, opts Options) *Pusher {
	return &Pusher{
		db:          db,
		client:      client,
		bus:         b,
		logger:      logger.Named("pusher"),
		interval:    opts.Interval,
		batch:       opts.Batch,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
	}
}

// Start begins polling the queue for drainable entries.
func (p *Pusher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the drain loop. Inflight entries recover on the next start:
// replays are safe because every push carries an idempotency key.
func (p *Pusher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pusher) loop(ctx context.Context) {
	enqueued, unsub := p.bus.Subscribe("queue.enqueued", 16)
	defer unsub()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Drain(ctx)
		case <-enqueued:
			p.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain pushes one batch of drainable entries.
func (p *Pusher) Drain(ctx context.Context) {
	now := time.Now().UnixMilli()
	entries, err := p.db.PeekBatch(p.batch, now)
	if err != nil {
		p.logger.Error("failed to read mutation queue", zap.Error(err))
		return
	}

	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		p.push(ctx, &entries[i])
	}
}

func (p *Pusher) push(ctx context.Context, entry *store.QueueEntry) {
	if err := p.db.MarkInflight(entry.ID); err != nil {
		p.logger.Error("failed to mark inflight", zap.Error(err), zap.Int64("entry_id", entry.ID))
		return
	}
	if entry.Collection == store.CollectionMessages && entry.OpKind == store.OpCreate {
		_ = p.db.SetMessageSyncStatus(entry.EntityID, store.SyncSyncing)
	}

	err := p.dispatch(ctx, entry)
	switch {
	case err == nil:
		p.ack(entry)

	case remote.IsNotFound(err) && entry.OpKind == store.OpDelete:
		// Already gone on the server: absence is the goal.
		p.ack(entry)

	case remote.Retriable(err):
		if remote.IsUnauthorized(err) {
			p.bus.Emit("sync.unauthorized", nil)
		}
		if entry.RetryCount+1 >= p.maxRetries {
			p.fail(entry, fmt.Sprintf("retries exhausted: %v", err))
			return
		}
		delay := backoff.Delay(entry.RetryCount, p.backoffBase, p.backoffCap)
		next := time.Now().Add(delay).UnixMilli()
		if reqErr := p.db.Requeue(entry.ID, err.Error(), next); reqErr != nil {
			p.logger.Error("failed to requeue", zap.Error(reqErr), zap.Int64("entry_id", entry.ID))
			return
		}
		if entry.Collection == store.CollectionMessages && entry.OpKind == store.OpCreate {
			_ = p.db.SetMessageSyncStatus(entry.EntityID, store.SyncPending)
		}
		p.logger.Warn("push failed, backing off",
			zap.Int64("entry_id", entry.ID),
			zap.String("collection", entry.Collection),
			zap.Int("retry_count", entry.RetryCount+1),
			zap.Duration("delay", delay),
			zap.Error(err))

	default:
		p.fail(entry, err.Error())
	}
}

func (p *Pusher) ack(entry *store.QueueEntry) {
	if err := p.db.Ack(entry.ID); err != nil {
		p.logger.Error("failed to ack", zap.Error(err), zap.Int64("entry_id", entry.ID))
		return
	}
	p.logger.Debug("pushed mutation",
		zap.Int64("entry_id", entry.ID),
		zap.String("collection", entry.Collection),
		zap.String("entity_id", entry.EntityID))
	p.bus.Emit("queue.resolved", entry)
}

func (p *Pusher) fail(entry *store.QueueEntry, reason string) {
	if err := p.db.MarkFailed(entry.ID, reason); err != nil {
		p.logger.Error("failed to park entry", zap.Error(err), zap.Int64("entry_id", entry.ID))
		return
	}
	if entry.Collection == store.CollectionMessages && entry.OpKind == store.OpCreate {
		_ = p.db.SetMessageSyncStatus(entry.EntityID, store.SyncFailed)
	}
	p.logger.Error("push failed permanently",
		zap.Int64("entry_id", entry.ID),
		zap.String("collection", entry.Collection),
		zap.String("entity_id", entry.EntityID),
		zap.String("reason", reason))
}

// dispatch routes an entry to its API call and ingests the canonical
// response so the local row reflects server-assigned fields.
func (p *Pusher) dispatch(ctx context.Context, entry *store.QueueEntry) error {
	switch entry.Collection {
	case store.CollectionMessages:
		var body struct {
			GroupID string `json:"group_id"`
		}
		if err := json.Unmarshal(entry.Payload, &body); err != nil {
			return &remote.APIError{Status: 400, Message: fmt.Sprintf("malformed payload: %v", err)}
		}
		m, err := p.client.PostMessage(ctx, body.GroupID, entry.Payload, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		return p.db.UpsertMessage(m.ToStore(store.SyncSynced))

	case store.CollectionStatuses:
		s, err := p.client.PutStatus(ctx, entry.Payload, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		return p.db.UpsertUserStatus(s.ToStore())

	case store.CollectionDevices:
		d, err := p.client.UpdateDevice(ctx, entry.EntityID, entry.Payload, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		canonical := d.ToStore()
		if self, lookErr := p.db.SelfDevice(); lookErr == nil && self != nil && self.ID == d.ID {
			canonical.IsSelf = true
			canonical.AuthToken = self.AuthToken
		}
		return p.db.UpsertDevice(canonical)

	case store.CollectionGroups:
		g, err := p.client.RenameGroup(ctx, entry.EntityID, entry.Payload, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		return p.db.UpsertGroup(g.ToStore())

	case store.CollectionFavorites:
		deviceID, groupID, err := store.SplitEntityID(entry.EntityID)
		if err != nil {
			return &remote.APIError{Status: 400, Message: err.Error()}
		}
		if entry.OpKind == store.OpDelete {
			return p.client.Unfavorite(ctx, groupID, entry.IdempotencyKey)
		}
		f, err := p.client.Favorite(ctx, groupID, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		canonical := f.ToStore()
		if canonical.DeviceID == "" {
			canonical.DeviceID = deviceID
		}
		return p.db.PutFavorite(canonical)

	case store.CollectionPins:
		messageID, pinnedBy, err := store.SplitEntityID(entry.EntityID)
		if err != nil {
			return &remote.APIError{Status: 400, Message: err.Error()}
		}
		if entry.OpKind == store.OpDelete {
			return p.client.Unpin(ctx, messageID, entry.IdempotencyKey)
		}
		pin, err := p.client.Pin(ctx, messageID, entry.IdempotencyKey)
		if err != nil {
			return err
		}
		canonical := pin.ToStore()
		if canonical.PinnedByDeviceID == "" {
			canonical.PinnedByDeviceID = pinnedBy
		}
		return p.db.PutPin(canonical)

	default:
		return &remote.APIError{Status: 400, Message: fmt.Sprintf("unknown collection %q", entry.Collection)}
	}
}
