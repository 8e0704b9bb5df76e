// Package daemon composes the profile-scoped sync daemon: store, queue,
// replication loops, live channel and the service layer, wired with fx.
package daemon

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/beaconmesh/beacon/internal/api"
	"github.com/beaconmesh/beacon/internal/bus"
	"github.com/beaconmesh/beacon/internal/config"
	"github.com/beaconmesh/beacon/internal/live"
	"github.com/beaconmesh/beacon/internal/lock"
	"github.com/beaconmesh/beacon/internal/logging"
	"github.com/beaconmesh/beacon/internal/outbox"
	"github.com/beaconmesh/beacon/internal/projector"
	"github.com/beaconmesh/beacon/internal/remote"
	"github.com/beaconmesh/beacon/internal/session"
	"github.com/beaconmesh/beacon/internal/store"
	intsync "github.com/beaconmesh/beacon/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemoteClient,
			provideSyncEngine,
			providePusher,
			providePuller,
			provideChannel,
			provideProjector,
			provideRegistrar,
			provideMessageService,
			provideStatusService,
			provideGroupService,
			providePinService,
			provideQueueService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
			if saveErr := config.Save(path, cfg); saveErr != nil {
				return nil, saveErr
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *live.Machine {
	return live.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
	db, err := store.Open(dbPath, b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemoteClient(cfg *config.Config) *remote.Client {
	return remote.NewClient(cfg.Server.BaseURL,
		remote.WithTimeout(cfg.Server.RequestTimeout.Duration()))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func providePusher(db *store.DB, client *remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Pusher {
	return outbox.NewPusher(db, client, b, logger, outbox.Options{
		Interval:    cfg.Sync.PushInterval.Duration(),
		Batch:       cfg.Sync.PushBatch,
		MaxRetries:  cfg.Sync.MaxRetries,
		BackoffBase: cfg.Sync.BackoffBase.Duration(),
		BackoffCap:  cfg.Sync.BackoffCap.Duration(),
	})
}

func providePuller(db *store.DB, client *remote.Client, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Puller {
	return intsync.NewPuller(db, client, engine, b, logger,
		cfg.Sync.PullInterval.Duration(), cfg.Storage.MessageHighWater)
}

func provideChannel(db *store.DB, client *remote.Client, engine *intsync.Engine, machine *live.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *live.Channel {
	return live.NewChannel(db, client, engine, machine, b, logger,
		cfg.Sync.BackoffBase.Duration(), cfg.Sync.BackoffCap.Duration())
}

func provideProjector(db *store.DB, machine *live.Machine, b *bus.Bus, logger *zap.Logger) *projector.Projector {
	return projector.New(db, machine, b, logger)
}

func provideRegistrar(p Params, db *store.DB, client *remote.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *api.Registrar {
	nickname := cfg.Device.Nickname
	if nickname == "" {
		nickname = p.ProfileName
	}
	return api.NewRegistrar(db, client, b, logger,
		session.KeyPath(p.ProfileName), nickname,
		cfg.Sync.BackoffBase.Duration(), cfg.Sync.BackoffCap.Duration())
}

func provideMessageService(db *store.DB, b *bus.Bus) *api.MessageService {
	return api.NewMessageService(db, b)
}

func provideStatusService(db *store.DB) *api.StatusService {
	return api.NewStatusService(db)
}

func provideGroupService(db *store.DB, client *remote.Client, channel *live.Channel) *api.GroupService {
	return api.NewGroupService(db, client, channel)
}

func providePinService(db *store.DB) *api.PinService {
	return api.NewPinService(db)
}

func provideQueueService(db *store.DB, b *bus.Bus) *api.QueueService {
	return api.NewQueueService(db, b)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB,
	registrar *api.Registrar, pusher *outbox.Pusher, puller *intsync.Puller,
	engine *intsync.Engine, channel *live.Channel, proj *projector.Projector,
	logger *zap.Logger) {

	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The projector and pusher are useful before registration:
			// queued writes must keep accumulating while offline.
			proj.Start(runCtx)
			pusher.Start(runCtx)
			registrar.Start(runCtx)
			go engine.Run(runCtx)

			// Replication waits for a token; local writes do not.
			go func() {
				if _, err := registrar.EnsureRegistered(runCtx); err != nil {
					if runCtx.Err() == nil {
						logger.Error("registration failed", zap.Error(err))
					}
					return
				}
				channel.Start(runCtx)
				puller.Run(runCtx)
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			channel.Stop()
			pusher.Stop()
			registrar.Stop()
			proj.Stop()
			cancel()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
