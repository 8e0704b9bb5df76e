package api

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/backoff"
	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/store"
)

// Registrar establishes and maintains the device identity: a client-side
// uuid, an ed25519 key pair on disk, and the bearer token the server hands
// back. Registration replays are safe because the id is client-generated.
type Registrar struct {
	db       *store.DB
	client   *remote.Client
	bus      *bus.Bus
	logger   *zap.Logger
	keyPath  string
	nickname string
	base     time.Duration
	cap      time.Duration
	cancel   context.CancelFunc
}

func NewRegistrar(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger, keyPath, nickname string, backoffBase, backoffCap time.Duration) *Registrar {
	return &Registrar{
		db:       db,
		client:   client,
		bus:      b,
		logger:   logger.Named("registrar"),
		keyPath:  keyPath,
		nickname: nickname,
		base:     backoffBase,
		cap:      backoffCap,
	}
}

// EnsureRegistered returns the local identity, registering with the server
// first if no token is held yet. It retries transient failures until the
// context ends; replication cannot start without a token anyway.
func (r *Registrar) EnsureRegistered(ctx context.Context) (*store.Device, error) {
	self, err := r.db.SelfDevice()
	if err != nil {
		return nil, err
	}
	if self != nil && self.AuthToken != "" {
		r.client.SetToken(self.AuthToken)
		return self, nil
	}
	return r.register(ctx, self)
}

func (r *Registrar) register(ctx context.Context, self *store.Device) (*store.Device, error) {
	pub, err := r.loadOrCreateKey()
	if err != nil {
		return nil, fmt.Errorf("device key: %w", err)
	}

	id := uuid.NewString()
	if self != nil {
		id = self.ID
	}
	req := &remote.RegisterRequest{
		ID:        id,
		Nickname:  r.nickname,
		PublicKey: hex.EncodeToString(pub),
	}

	for attempt := 0; ; attempt++ {
		reg, err := r.client.RegisterDevice(ctx, req)
		if err == nil {
			d := reg.ToStore()
			d.IsSelf = true
			d.AuthToken = reg.Token
			if err := r.db.UpsertDevice(d); err != nil {
				return nil, err
			}
			r.client.SetToken(reg.Token)
			r.logger.Info("device registered", zap.String("device_id", d.ID))
			r.bus.Emit("auth.registered", d.ID)
			return d, nil
		}
		if !remote.Retriable(err) {
			return nil, fmt.Errorf("registration rejected: %w", err)
		}
		delay := backoff.Delay(attempt, r.base, r.cap)
		r.logger.Warn("registration failed, retrying", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Start watches for token rejections and re-registers with the same id and
// key, replacing the token.
func (r *Registrar) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop stops the re-registration watcher.
func (r *Registrar) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Registrar) loop(ctx context.Context) {
	events, unsub := r.bus.Subscribe("sync.unauthorized", 4)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			self, err := r.db.SelfDevice()
			if err != nil {
				r.logger.Error("failed to load identity", zap.Error(err))
				continue
			}
			if _, err := r.register(ctx, self); err != nil && ctx.Err() == nil {
				r.logger.Error("re-registration failed", zap.Error(err))
			}
		}
	}
}

// loadOrCreateKey returns the device public key, generating and persisting
// the seed on first use. The key outlives tokens: re-registration proves
// continuity of identity.
func (r *Registrar) loadOrCreateKey() (ed25519.PublicKey, error) {
	data, err := os.ReadFile(r.keyPath)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt device key at %s", r.keyPath)
		}
		return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	seed := priv.Seed()
	if err := os.WriteFile(r.keyPath, []byte(hex.EncodeToString(seed)+"\n"), 0600); err != nil {
		return nil, err
	}
	return pub, nil
}

// UpdateNickname queues a rename of this device.
func (r *Registrar) UpdateNickname(nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" || len(nickname) > maxGroupNameLen {
		return &ValidationError{Field: "nickname", Reason: fmt.Sprintf("must be 1..%d bytes", maxGroupNameLen)}
	}
	self, err := selfDevice(r.db)
	if err != nil {
		return err
	}
	self.Nickname = nickname
	self.UpdatedAt = time.Now().UnixMilli()
	entry := &store.QueueEntry{
		OpKind:         store.OpUpdate,
		Collection:     store.CollectionDevices,
		EntityID:       self.ID,
		Payload:        []byte(fmt.Sprintf(`{"nickname":%q}`, nickname)),
		IdempotencyKey: uuid.NewString(),
	}
	return r.db.UpsertDeviceWithQueue(self, entry)
}
