package daemon

import (
	"context"
	"errors"

	"github.com/imaryza/isync/internal/api"
	"github.com/imaryza/isync/internal/auth"
	"github.com/imaryza/isync/internal/bus"
	"github.com/imaryza/isync/internal/config"
	"github.com/imaryza/isync/internal/lock"
	"github.com/imaryza/isync/internal/logging"
	"github.com/imaryza/isync/internal/outbox"
	"github.com/imaryza/isync/internal/remote"
	"github.com/imaryza/isync/internal/router"
	"github.com/imaryza/isync/internal/session"
	"github.com/imaryza/isync/internal/status"
	"github.com/imaryza/isync/internal/store"
	intsync "github.com/imaryza/isync/internal/sync"
	"github.com/imaryza/isync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.isync/config.toml
	Console     bool           // also log to stderr
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTokens,
			provideRemote,
			provideRouter,
			provideSyncEngine,
			provideChat,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:       session.LogPath(p.SessionName),
		Session:    p.SessionName,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    p.Console,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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

func provideTokens(p Params, cfg *config.Config, logger *zap.Logger) (*auth.FileSource, error) {
	path := cfg.Auth.TokenFile
	if path == "" {
		path = session.TokenPath(p.SessionName)
	}
	return auth.NewFileSource(path, logger)
}

func provideRemote(cfg *config.Config, tokens *auth.FileSource, logger *zap.Logger) *remote.Client {
	return remote.New(cfg.API.BaseURL, cfg.API.Timeout.Duration, tokens, logger)
}

func provideRouter(b *bus.Bus) *router.Router {
	r := router.New()
	r.Subscribe(router.BusObserver{Bus: b})
	return r
}

func provideSyncEngine(cfg *config.Config, db *store.DB, b *bus.Bus, rc *remote.Client, logger *zap.Logger) *intsync.Engine {
	engine := intsync.NewEngine(db, b, logger, cfg.Sync.Interval.Duration)
	for docType, h := range rc.Handlers() {
		engine.Register(docType, h)
	}
	return engine
}

// provideChat builds the link and the sender together: the transport reports
// transmissions to the sender, and the sender hands messages to the link.
func provideChat(cfg *config.Config, db *store.DB, b *bus.Bus, rtr *router.Router, tokens *auth.FileSource, rc *remote.Client, logger *zap.Logger) (*Link, *outbox.Sender) {
	rt := cfg.Realtime
	policy := transport.Policy{
		Kind:            rt.Reconnect.Policy,
		InitialInterval: rt.Reconnect.InitialInterval.Duration,
		MaxInterval:     rt.Reconnect.MaxInterval.Duration,
		Multiplier:      rt.Reconnect.Multiplier,
		Jitter:          rt.Reconnect.Jitter,
	}

	var sender *outbox.Sender
	build := func() *transport.Client {
		return transport.New(transport.Options{
			Endpoint: transport.Endpoint{
				BaseURL:         rt.URL,
				Path:            rt.Path,
				ConversationKey: rt.ConversationKey,
			},
			Tokens:      tokens,
			Dialer:      transport.WebSocketDialer{},
			Handler:     rtr,
			Backoff:     transport.NewBackoff(policy),
			SendTimeout: rt.SendTimeout.Duration,
			OnSent:      func(m store.ChatMessage) { sender.OnSent(m) },
			Bus:         b,
			Logger:      logger,
		})
	}

	link := NewLink(build, logger)
	sender = outbox.NewSender(db, link, rc, b, logger)
	link.resume = sender.ResumeTo
	rtr.Subscribe(sender)
	return link, sender
}

func provideControl(p Params, db *store.DB, engine *intsync.Engine, sender *outbox.Sender, link *Link, b *bus.Bus, tokens *auth.FileSource, logger *zap.Logger) *api.Control {
	return api.NewControl(api.Deps{
		Session:     p.SessionName,
		DB:          db,
		Syncer:      engine,
		Sender:      sender,
		Link:        link,
		Bus:         b,
		Reconciler:  engine.Reconciler(),
		TokenExpiry: tokens.Expiry,
		Logger:      logger,
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Server    *Server
	Control   *api.Control
	Lock      *lock.Lock
	DB        *store.DB
	Tokens    *auth.FileSource
	Engine    *intsync.Engine
	Link      *Link
	Logger    *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := lp.Tokens.Watch(); err != nil {
				logger.Warn("token file not watched", zap.Error(err))
			}
			lp.Tokens.OnChange(func() {
				lp.Engine.TriggerSync()
				// Dial now with the new token instead of waiting out the backoff.
				if lp.Config.Realtime.AutoConnect && lp.Link.State().Phase == status.Disconnected {
					go func() {
						if err := lp.Link.Connect(context.Background()); err != nil {
							logger.Debug("connect after token change", zap.Error(err))
						}
					}()
				}
			})

			// Start gRPC server in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if _, err := lp.Link.ResumeQueued(ctx); err != nil {
				logger.Warn("resume queued messages", zap.Error(err))
			}

			lp.Engine.Start(context.Background())

			if lp.Config.Realtime.AutoConnect {
				go func() {
					if err := lp.Link.Connect(context.Background()); err != nil && !errors.Is(err, transport.ErrClosed) {
						logger.Warn("initial connect failed, retrying in background", zap.Error(err))
					}
				}()
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := lp.Tokens.Close(); err != nil {
				logger.Warn("error closing token watcher", zap.Error(err))
			}
			lp.Engine.Stop()
			if err := lp.Link.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			lp.Control.Close()
			lp.Server.Stop(ctx)
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
