package projector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/live"
	"github.com/beaconmesh/beacon/internal/store"
)

func testProjector(t *testing.T) (*Projector, *store.DB, *live.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	machine := live.NewMachine(b)
	p := New(db, machine, b, zap.NewNop())
	return p, db, machine, b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSnapshotTracksQueue(t *testing.T) {
	p, db, _, _ := testProjector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	if s := p.Snapshot(); s.Pending != 0 || !s.Offline {
		t.Fatalf("initial snapshot = %+v", s)
	}

	entry := &store.QueueEntry{OpKind: store.OpCreate, Collection: store.CollectionMessages, EntityID: "m1", Payload: []byte(`{}`), IdempotencyKey: "m1"}
	if err := db.Enqueue(entry); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Snapshot().Pending == 1 })

	if err := db.MarkFailed(entry.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		s := p.Snapshot()
		return s.Pending == 0 && s.Failed == 1
	})
}

func TestSnapshotTracksLiveState(t *testing.T) {
	p, _, machine, _ := testProjector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	if !p.Snapshot().Offline {
		t.Fatal("Offline = false before any connection")
	}

	if err := machine.Transition(live.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := machine.Transition(live.Connected); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !p.Snapshot().Offline })

	if err := machine.Transition(live.Disconnected); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Snapshot().Offline })
}

func TestSyncStatusChangedEmitted(t *testing.T) {
	p, db, _, b := testProjector(t)

	events, unsub := b.Subscribe("syncstatus.changed", 16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	if err := db.Enqueue(&store.QueueEntry{OpKind: store.OpCreate, Collection: store.CollectionMessages, EntityID: "m1", Payload: []byte(`{}`), IdempotencyKey: "m1"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			s, ok := ev.Payload.(Snapshot)
			if !ok {
				t.Fatalf("payload = %T", ev.Payload)
			}
			if s.Pending == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no syncstatus.changed with pending count")
		}
	}
}

func TestGroupSnapshotScopesCounts(t *testing.T) {
	p, db, _, _ := testProjector(t)

	seed := []store.Message{
		{ID: "m1", GroupID: "g1", DeviceID: "d1", MessageType: "text", SyncStatus: store.SyncPending, CreatedAt: 1, UpdatedAt: 1},
		{ID: "m2", GroupID: "g1", DeviceID: "d1", MessageType: "text", SyncStatus: store.SyncFailed, CreatedAt: 2, UpdatedAt: 2},
		{ID: "m3", GroupID: "g2", DeviceID: "d1", MessageType: "text", SyncStatus: store.SyncPending, CreatedAt: 3, UpdatedAt: 3},
	}
	for i := range seed {
		if err := db.UpsertMessage(&seed[i]); err != nil {
			t.Fatal(err)
		}
	}

	s, err := p.GroupSnapshot("g1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != 1 || s.Failed != 1 {
		t.Errorf("g1 snapshot = %+v", s)
	}

	s, err = p.GroupSnapshot("g2")
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != 1 || s.Failed != 0 {
		t.Errorf("g2 snapshot = %+v", s)
	}
}
