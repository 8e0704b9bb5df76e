// Package projector derives the user-facing sync status from the queue, the
// store and the live channel. It holds no state of its own; every snapshot
// is recomputed from the underlying tables, so it can never drift.
package projector

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/live"
	"github.com/beaconmesh/beacon/internal/store"
)

// Snapshot is the surfaced sync state: what a badge or banner would render.
type Snapshot struct {
	Pending int  // local writes waiting to push
	Failed  int  // writes needing user attention
	Syncing bool // a push is on the wire right now
	Offline bool // live channel down; pushes may still succeed
}

func (s Snapshot) Equal(o Snapshot) bool {
	return s == o
}

// Projector recomputes the snapshot whenever the queue, the store or the
// live channel changes, and emits syncstatus.changed on every change.
type Projector struct {
	db      *store.DB
	machine *live.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu      sync.RWMutex
	current Snapshot
}

func New(db *store.DB, machine *live.Machine, b *bus.Bus, logger *zap.Logger) *Projector {
	return &Projector{
		db:      db,
		machine: machine,
		bus:     b,
		logger:  logger.Named("projector"),
		current: Snapshot{Offline: true},
	}
}

// Snapshot returns the current global sync status.
func (p *Projector) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// GroupSnapshot scopes the counts to one group's messages. Offline and
// Syncing are global: there is one queue and one channel.
func (p *Projector) GroupSnapshot(groupID string) (Snapshot, error) {
	counts, err := p.db.CountMessagesBySyncStatus(groupID)
	if err != nil {
		return Snapshot{}, err
	}
	global := p.Snapshot()
	return Snapshot{
		Pending: counts[store.SyncPending] + counts[store.SyncSyncing],
		Failed:  counts[store.SyncFailed],
		Syncing: global.Syncing,
		Offline: global.Offline,
	}, nil
}

// Start computes the initial snapshot and begins tracking changes.
func (p *Projector) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.refresh()
	go p.loop(ctx)
}

// Stop stops the tracking loop.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Projector) loop(ctx context.Context) {
	queueEvents, unsubQueue := p.bus.Subscribe("queue.", 64)
	defer unsubQueue()
	liveEvents, unsubLive := p.bus.Subscribe("live.", 16)
	defer unsubLive()
	storeEvents, unsubStore := p.bus.Subscribe("store.messages.changed", 64)
	defer unsubStore()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueEvents:
		case <-liveEvents:
		case <-storeEvents:
		}
		p.refresh()
	}
}

func (p *Projector) refresh() {
	counts, err := p.db.CountQueue()
	if err != nil {
		p.logger.Error("failed to count queue", zap.Error(err))
		return
	}
	next := Snapshot{
		Pending: counts.Queued + counts.Inflight,
		Failed:  counts.Failed,
		Syncing: counts.Inflight > 0,
		Offline: !p.machine.Online(),
	}

	p.mu.Lock()
	changed := !p.current.Equal(next)
	p.current = next
	p.mu.Unlock()

	if changed {
		p.bus.Emit("syncstatus.changed", next)
	}
}
