package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

type recordingApplier struct {
	mu   sync.Mutex
	recs []*remote.ChangeRecord
}

func (a *recordingApplier) ApplyChange(rec *remote.ChangeRecord) error {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
	return nil
}

func (a *recordingApplier) applied() []*remote.ChangeRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*remote.ChangeRecord{}, a.recs...)
}

func testChannelDB(t *testing.T, b *bus.Bus) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestChannelSubscribesAndAppliesFrames(t *testing.T) {
	subscribed := make(chan frame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Errorf("bad subscribe frame: %v", err)
			return
		}
		subscribed <- f

		payload, _ := json.Marshal(remote.Message{ID: "m1", GroupID: "g1", DeviceID: "d2", Content: "siren", MessageType: "text", UpdatedAt: 10})
		out, _ := json.Marshal(frame{Type: "message", Payload: payload})
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
		// Keep the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	b := bus.New()
	db := testChannelDB(t, b)
	if err := db.UpsertDevice(&store.Device{ID: "d1", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutFavorite(&store.FavoriteGroup{DeviceID: "d1", GroupID: "g1"}); err != nil {
		t.Fatal(err)
	}

	applier := &recordingApplier{}
	client := remote.NewClient(srv.URL)
	client.SetToken("tok")
	ch := NewChannel(db, client, applier, NewMachine(b), b, zap.NewNop(), 10*time.Millisecond, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Start(ctx)
	defer ch.Stop()

	select {
	case f := <-subscribed:
		if f.Type != "subscribe" || len(f.GroupIDs) != 1 || f.GroupIDs[0] != "g1" {
			t.Errorf("subscribe frame = %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	deadline := time.After(3 * time.Second)
	for {
		recs := applier.applied()
		if len(recs) == 1 {
			if recs[0].Collection != store.CollectionMessages || recs[0].EntityID != "m1" {
				t.Errorf("applied = %+v", recs[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("inbound frame never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFrameToChange(t *testing.T) {
	statusPayload, _ := json.Marshal(remote.UserStatus{DeviceID: "d2", Status: "safe", UpdatedAt: 7})
	rec, err := frameToChange(&frame{Type: "status", Payload: statusPayload})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Collection != store.CollectionStatuses || rec.EntityID != "d2" || rec.UpdatedAt != 7 {
		t.Errorf("record = %+v", rec)
	}

	groupPayload, _ := json.Marshal(remote.Group{ID: "g1", Name: "Riverside", UpdatedAt: 8})
	rec, err = frameToChange(&frame{Type: "group", Payload: groupPayload})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Collection != store.CollectionGroups || rec.EntityID != "g1" {
		t.Errorf("record = %+v", rec)
	}

	// Unknown types are skipped, not errors.
	rec, err = frameToChange(&frame{Type: "presence"})
	if err != nil || rec != nil {
		t.Errorf("unknown frame: rec=%v err=%v", rec, err)
	}
}

func TestWatchedGroupsJoinSubscription(t *testing.T) {
	b := bus.New()
	db := testChannelDB(t, b)
	if err := db.UpsertDevice(&store.Device{ID: "d1", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.PutFavorite(&store.FavoriteGroup{DeviceID: "d1", GroupID: "g1"}); err != nil {
		t.Fatal(err)
	}

	ch := NewChannel(db, remote.NewClient("http://localhost"), &recordingApplier{}, NewMachine(b), b, zap.NewNop(), time.Second, time.Second)
	ch.Watch("g2")
	ch.Watch("g2") // idempotent

	ids, err := ch.subscriptionSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "g1" || ids[1] != "g2" {
		t.Errorf("subscription set = %v, want favorites plus watched", ids)
	}

	ch.Unwatch("g2")
	ids, _ = ch.subscriptionSet()
	if len(ids) != 1 || ids[0] != "g1" {
		t.Errorf("subscription set after unwatch = %v", ids)
	}
}
