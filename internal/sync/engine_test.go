package sync

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus) {
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
	return NewEngine(db, b, zap.NewNop()), db, b
}

func messageChange(t *testing.T, m remote.Message) *remote.ChangeRecord {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return &remote.ChangeRecord{
		Collection: store.CollectionMessages,
		EntityID:   m.ID,
		UpdatedAt:  m.UpdatedAt,
		Data:       data,
	}
}

func TestApplyChangeUpsertsAsSynced(t *testing.T) {
	engine, db, _ := testEngine(t)

	rec := messageChange(t, remote.Message{ID: "m1", GroupID: "g1", DeviceID: "d2", Content: "all clear", MessageType: "text", CreatedAt: 100, UpdatedAt: 100})
	if err := engine.ApplyChange(rec); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Content != "all clear" {
		t.Fatalf("message = %+v", m)
	}
	if m.SyncStatus != store.SyncSynced {
		t.Errorf("sync_status = %q, want synced for server records", m.SyncStatus)
	}
}

func TestApplyChangeSkipsStaleRecord(t *testing.T) {
	engine, db, _ := testEngine(t)

	if err := db.UpsertGroup(&store.Group{ID: "g1", Name: "Renamed", UpdatedAt: 200}); err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(remote.Group{ID: "g1", Name: "Old Name", UpdatedAt: 100})
	rec := &remote.ChangeRecord{Collection: store.CollectionGroups, EntityID: "g1", UpdatedAt: 100, Data: data}
	if err := engine.ApplyChange(rec); err != nil {
		t.Fatal(err)
	}

	g, _ := db.GetGroup("g1")
	if g.Name != "Renamed" {
		t.Errorf("stale remote record overwrote newer local row: %+v", g)
	}
}

func TestApplyChangeRemoteWinsTie(t *testing.T) {
	engine, db, _ := testEngine(t)

	if err := db.UpsertGroup(&store.Group{ID: "g1", Name: "Local", UpdatedAt: 100}); err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(remote.Group{ID: "g1", Name: "Remote", UpdatedAt: 100})
	rec := &remote.ChangeRecord{Collection: store.CollectionGroups, EntityID: "g1", UpdatedAt: 100, Data: data}
	if err := engine.ApplyChange(rec); err != nil {
		t.Fatal(err)
	}

	g, _ := db.GetGroup("g1")
	if g.Name != "Remote" {
		t.Errorf("remote must win updated_at ties, got %+v", g)
	}
}

// TestPullNeverClobbersPendingWrite is the staging invariant: a remote record
// for an entity with a queued mutation is parked, not applied, and replays
// once the mutation resolves.
func TestPullNeverClobbersPendingWrite(t *testing.T) {
	engine, db, _ := testEngine(t)

	local := &store.Message{ID: "m1", GroupID: "g1", DeviceID: "d1", Content: "draft", MessageType: "text", SyncStatus: store.SyncPending, CreatedAt: 100, UpdatedAt: 100}
	entry := &store.QueueEntry{OpKind: store.OpCreate, Collection: store.CollectionMessages, EntityID: "m1", Payload: []byte(`{}`), IdempotencyKey: "m1"}
	if err := db.CreateMessageWithQueue(local, entry); err != nil {
		t.Fatal(err)
	}

	// Server echoes the canonical form with a newer timestamp.
	rec := messageChange(t, remote.Message{ID: "m1", GroupID: "g1", DeviceID: "d1", Content: "draft", MessageType: "text", CreatedAt: 100, UpdatedAt: 500})
	if err := engine.ApplyChange(rec); err != nil {
		t.Fatal(err)
	}

	m, _ := db.GetMessage("m1")
	if m.SyncStatus != store.SyncPending || m.UpdatedAt != 100 {
		t.Fatalf("pending local write was clobbered: %+v", m)
	}

	// Resolve the mutation, then replay.
	if err := db.Ack(entry.ID); err != nil {
		t.Fatal(err)
	}
	if err := engine.ApplyStagedFor(store.CollectionMessages, "m1"); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage("m1")
	if m.SyncStatus != store.SyncSynced || m.UpdatedAt != 500 {
		t.Fatalf("staged record not applied after resolution: %+v", m)
	}

	// Staged slot is consumed.
	if err := engine.ApplyStagedFor(store.CollectionMessages, "m1"); err != nil {
		t.Fatal(err)
	}
}

func TestApplyDeleteRemovesJoinRecords(t *testing.T) {
	engine, db, _ := testEngine(t)

	if err := db.PutFavorite(&store.FavoriteGroup{DeviceID: "d1", GroupID: "g1", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutPin(&store.PinnedMessage{MessageID: "m1", PinnedByDeviceID: "d1", GroupID: "g1", UpdatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	recs := []*remote.ChangeRecord{
		{Collection: store.CollectionFavorites, EntityID: store.FavoriteEntityID("d1", "g1"), Deleted: true, UpdatedAt: 2},
		{Collection: store.CollectionPins, EntityID: store.PinEntityID("m1", "d1"), Deleted: true, UpdatedAt: 2},
	}
	for _, rec := range recs {
		if err := engine.ApplyChange(rec); err != nil {
			t.Fatal(err)
		}
	}

	fav, _ := db.IsFavorite("d1", "g1")
	if fav {
		t.Error("favorite survived remote delete")
	}
	pins, _ := db.ListPins("g1")
	if len(pins) != 0 {
		t.Error("pin survived remote delete")
	}
}

// TestApplyChangeKeepsSelfIdentity: the devices feed echoes the local device
// back (e.g. after a nickname push), and that echo must not strip the self
// flag or the bearer token, or every later write fails unregistered.
func TestApplyChangeKeepsSelfIdentity(t *testing.T) {
	engine, db, _ := testEngine(t)

	self := &store.Device{ID: "d-self", Nickname: "me", AuthToken: "tok", IsSelf: true, UpdatedAt: 100}
	if err := db.UpsertDevice(self); err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(remote.Device{ID: "d-self", Nickname: "me renamed", UpdatedAt: 200})
	rec := &remote.ChangeRecord{Collection: store.CollectionDevices, EntityID: "d-self", UpdatedAt: 200, Data: data}
	if err := engine.ApplyChange(rec); err != nil {
		t.Fatal(err)
	}

	got, err := db.SelfDevice()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("self device vanished after applying its own feed echo")
	}
	if got.Nickname != "me renamed" {
		t.Errorf("nickname = %q, want the remote value applied", got.Nickname)
	}
	if got.AuthToken != "tok" || !got.IsSelf {
		t.Errorf("identity fields lost: %+v", got)
	}
}

func TestApplyChangeStatusAndDevice(t *testing.T) {
	engine, db, _ := testEngine(t)

	dData, _ := json.Marshal(remote.Device{ID: "d2", Nickname: "neighbor", UpdatedAt: 10})
	sData, _ := json.Marshal(remote.UserStatus{DeviceID: "d2", Status: "need_help", Description: "flooding", UpdatedAt: 10})

	recs := []*remote.ChangeRecord{
		{Collection: store.CollectionDevices, EntityID: "d2", UpdatedAt: 10, Data: dData},
		{Collection: store.CollectionStatuses, EntityID: "d2", UpdatedAt: 10, Data: sData},
	}
	for _, rec := range recs {
		if err := engine.ApplyChange(rec); err != nil {
			t.Fatal(err)
		}
	}

	d, _ := db.GetDevice("d2")
	if d == nil || d.Nickname != "neighbor" {
		t.Errorf("device = %+v", d)
	}
	s, _ := db.GetUserStatus("d2")
	if s == nil || s.Status != "need_help" {
		t.Errorf("status = %+v", s)
	}
}
