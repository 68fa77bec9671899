// Package daemon composes the courier core with fx and owns its lifecycle.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/api"
	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/ledger"
	"github.com/courierhq/courier/internal/lock"
	"github.com/courierhq/courier/internal/logging"
	"github.com/courierhq/courier/internal/netmon"
	"github.com/courierhq/courier/internal/outbox"
	"github.com/courierhq/courier/internal/profile"
	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/store"
	intsync "github.com/courierhq/courier/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
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
			provideLock,
			provideStore,
			provideRemote,
			provideMonitor,
			provideLedger,
			provideEngine,
			provideDrainer,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
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

func provideRemote(cfg *config.Config, logger *zap.Logger) remote.Store {
	timeout := time.Duration(cfg.Remote.RequestTimeout) * time.Second
	return remote.NewClient(cfg.Remote.BaseURL, timeout, logger)
}

func provideMonitor(cfg *config.Config, r remote.Store, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	interval := time.Duration(cfg.Network.ProbeInterval) * time.Second
	return netmon.NewMonitor(r, b, logger, interval)
}

func provideLedger(db *store.DB, r remote.Store, b *bus.Bus, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(db, r, b, logger)
}

func provideEngine(cfg *config.Config, db *store.DB, r remote.Store, l *ledger.Ledger, m *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(cfg.UserID, db, r, l, m, b, logger, cfg.Sync.PageSize)
}

func provideDrainer(db *store.DB, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Drainer {
	return outbox.NewDrainer(db, engine, b, logger)
}

func provideServer(p Params, engine *intsync.Engine, db *store.DB, m *netmon.Monitor, b *bus.Bus, logger *zap.Logger) (*api.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	return api.NewServer(socketPath, engine, db, m, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, engine *intsync.Engine, drainer *outbox.Drainer, monitor *netmon.Monitor, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engine and drainer subscribe to network events before the
			// monitor publishes its first transition, so the initial
			// "up" signal already triggers a drain of anything queued
			// from a previous run.
			engine.Start(context.Background())
			if err := drainer.Start(context.Background()); err != nil {
				return err
			}
			monitor.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			monitor.Stop()
			drainer.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
