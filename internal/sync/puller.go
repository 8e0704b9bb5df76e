package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

const pullPageLimit = 200

// pullOrder is referential: parents before the records that point at them.
var pullOrder = []string{
	store.CollectionDevices,
	store.CollectionGroups,
	store.CollectionMessages,
	store.CollectionStatuses,
	store.CollectionFavorites,
	store.CollectionPins,
}

// Puller drains the server's delta feed on an interval and immediately after
// the live channel (re)connects, since a reconnect means an unknown gap.
type Puller struct {
	db        *store.DB
	client    *remote.Client
	engine    *Engine
	bus       *bus.Bus
	log       *zap.Logger
	interval  time.Duration
	highWater int
}

func NewPuller(db *store.DB, client *remote.Client, engine *Engine, b *bus.Bus, log *zap.Logger, interval time.Duration, highWater int) *Puller {
	return &Puller{
		db:        db,
		client:    client,
		engine:    engine,
		bus:       b,
		log:       log.Named("puller"),
		interval:  interval,
		highWater: highWater,
	}
}

func watermarkKey(collection string) string {
	return "pull.cursor." + collection
}

// Run pulls once at startup, then on every tick and on live channel
// reconnects, until the context ends.
func (p *Puller) Run(ctx context.Context) {
	connected, unsub := p.bus.Subscribe("live.connected", 4)
	defer unsub()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pull(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pull(ctx)
		case <-connected:
			p.pull(ctx)
		}
	}
}

func (p *Puller) pull(ctx context.Context) {
	if err := p.PullAll(ctx); err != nil {
		if remote.IsUnauthorized(err) {
			p.bus.Emit("sync.unauthorized", nil)
		}
		p.log.Warn("pull cycle failed", zap.Error(err))
		return
	}
	if p.highWater > 0 {
		if n, err := p.db.EvictSyncedMessages(p.highWater); err != nil {
			p.log.Warn("eviction failed", zap.Error(err))
		} else if n > 0 {
			p.log.Info("evicted synced messages", zap.Int64("count", n))
		}
	}
	p.bus.Emit("sync.pull_completed", nil)
}

// PullAll drains every collection's feed to its end, advancing each
// watermark only after the page it covers has been applied or staged.
func (p *Puller) PullAll(ctx context.Context) error {
	for _, collection := range pullOrder {
		if err := p.pullCollection(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}

func (p *Puller) pullCollection(ctx context.Context, collection string) error {
	cursor, err := p.db.GetSyncState(watermarkKey(collection))
	if err != nil {
		return err
	}
	for {
		page, err := p.client.Changes(ctx, collection, cursor, pullPageLimit)
		if err != nil {
			return err
		}
		for i := range page.Records {
			if err := p.engine.ApplyChange(&page.Records[i]); err != nil {
				return err
			}
		}
		if page.Cursor != "" && page.Cursor != cursor {
			if err := p.db.SetSyncState(watermarkKey(collection), page.Cursor); err != nil {
				return err
			}
			cursor = page.Cursor
		}
		if !page.HasMore {
			return nil
		}
	}
}
