package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/api"
	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/live"
	"github.com/beaconmesh/beacon/internal/lock"
	"github.com/beaconmesh/beacon/internal/outbox"
	"github.com/beaconmesh/beacon/internal/projector"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
	intsync "github.com/beaconmesh/beacon/internal/sync"
)

// TestOfflineWriteSyncsWhenServerReturns is the end-to-end path: register,
// queue a message with the server down, bring it up, watch the pusher drain
// and the projector settle.
func TestOfflineWriteSyncsWhenServerReturns(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "beacon-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "main")
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	b := bus.New()
	db, err := store.Open(filepath.Join(profileDir, "beacon.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	// Server that can be toggled between down and up.
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, `{"message":"down"}`, http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.URL.Path == "/device/register":
			var req remote.RegisterRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(remote.RegisteredDevice{
				Device: remote.Device{ID: req.ID, Nickname: req.Nickname, UpdatedAt: 1},
				Token:  "tok",
			})
		case r.URL.Path == "/groups/g1/messages":
			var m remote.Message
			_ = json.NewDecoder(r.Body).Decode(&m)
			m.UpdatedAt = time.Now().UnixMilli()
			_ = json.NewEncoder(w).Encode(m)
		default:
			_ = json.NewEncoder(w).Encode(remote.ChangePage{})
		}
	}))
	defer srv.Close()

	client := remote.NewClient(srv.URL)
	logger := zap.NewNop()
	machine := live.NewMachine(b)
	engine := intsync.NewEngine(db, b, logger)
	proj := projector.New(db, machine, b, logger)
	pusher := outbox.NewPusher(db, client, b, logger, outbox.Options{
		Interval:    10 * time.Millisecond,
		Batch:       10,
		MaxRetries:  20,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proj.Start(ctx)
	defer proj.Stop()
	pusher.Start(ctx)
	defer pusher.Stop()
	go engine.Run(ctx)

	// Register while "online" briefly, then take the server down.
	up.Store(true)
	registrar := api.NewRegistrar(db, client, b, logger,
		filepath.Join(profileDir, "device.key"), "main", time.Millisecond, 10*time.Millisecond)
	if _, err := registrar.EnsureRegistered(ctx); err != nil {
		t.Fatal(err)
	}
	up.Store(false)

	msgs := api.NewMessageService(db, b)
	sent, err := msgs.SendText("g1", "is the bridge passable?")
	if err != nil {
		t.Fatal(err)
	}

	// Offline: the write stays pending and counted.
	waitUntil(t, func() bool {
		s := proj.Snapshot()
		return s.Pending >= 1
	})

	up.Store(true)

	waitUntil(t, func() bool {
		m, err := db.GetMessage(sent.ID)
		return err == nil && m != nil && m.SyncStatus == store.SyncSynced
	})
	waitUntil(t, func() bool {
		s := proj.Snapshot()
		return s.Pending == 0 && s.Failed == 0
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestSecondDaemonIsRefused covers the single-writer rule for a profile.
func TestSecondDaemonIsRefused(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "beacon-lock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(tmpDir); err == nil {
		t.Fatal("second acquire succeeded; two daemons would corrupt the queue")
	}
}
