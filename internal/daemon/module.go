// Package daemon assembles the chatsync daemon: profile lock, local
// platform, change feed, sync core and the gRPC control server.
package daemon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/core"
	"github.com/matheus3301/chatsync/internal/feed/natsfeed"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
	DBPath      string // optional override for testing; empty = use config or default
	LockPath    string // optional override for testing; empty = use default
	Logger      *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideStore,
			provideFeed,
			provideCore,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Config.LogLevel)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if p.LockPath == "" {
		if err := profile.EnsureDir(p.ProfileName); err != nil {
			return nil, err
		}
	}
	path := lockPath(p)
	logger.Info("acquiring profile lock", zap.String("path", path))
	l, err := lock.Acquire(path)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// The lock parameter orders the store after the profile lock.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	path := dbPath(p)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := store.Open(path, store.WithConfirmation(p.Config.Auth.RequireConfirmation))
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
	logger.Info("store initialized", zap.String("path", path))
	return db, nil
}

// changeFeed is the feed the core subscribes to, plus the NATS transport
// when one is configured. With NATS every local write is published and the
// core consumes the subject stream, which also carries the writes of other
// daemons on a shared database.
type changeFeed struct {
	platform.Feed
	nats *natsfeed.Feed
}

func provideFeed(p Params, db *store.DB, logger *zap.Logger) (*changeFeed, error) {
	if p.Config.Feed.Transport != config.TransportNATS {
		return &changeFeed{Feed: db.Feed()}, nil
	}
	nf, err := natsfeed.Connect(p.Config.Feed.NATSURL, p.Config.Feed.SubjectPrefix, logger.Named("natsfeed"))
	if err != nil {
		return nil, err
	}
	return &changeFeed{Feed: nf, nats: nf}, nil
}

func provideCore(p Params, db *store.DB, feed *changeFeed, logger *zap.Logger) *core.Core {
	return core.New(core.Options{
		Auth:           db,
		Data:           db,
		Feed:           feed,
		Tokens:         db.ProfileTokens(p.ProfileName),
		Bus:            bus.New(),
		TypingDebounce: p.Config.TypingDebounce.Duration,
		Logger:         logger,
	})
}

func provideControlService(p Params, c *core.Core, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(p.ProfileName, c, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, feed *changeFeed, c *core.Core, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Local writes go out over NATS and come back through the
			// subscription, like any other client's.
			if feed.nats != nil {
				sub, err := db.Feed().Subscribe(ctx)
				if err != nil {
					return err
				}
				go feed.nats.Forward(ctx, sub)
			}

			c.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go c.Session.Restore(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			srv.Stop(stopCtx)
			cancel()
			c.Close(stopCtx)
			if feed.nats != nil {
				feed.nats.Close()
			}
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

// lockPath is scoped to the profile, not the database, so profiles sharing
// one database still run one daemon each.
func lockPath(p Params) string {
	if p.LockPath != "" {
		return p.LockPath
	}
	return profile.LockPath(p.ProfileName)
}

func dbPath(p Params) string {
	switch {
	case p.DBPath != "":
		return p.DBPath
	case p.Config.Store.SharedPath != "":
		return p.Config.Store.SharedPath
	default:
		return profile.DBPath(p.ProfileName)
	}
}
