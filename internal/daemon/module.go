package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/chatd/chatd/internal/admin"
	"github.com/chatd/chatd/internal/auth"
	"github.com/chatd/chatd/internal/bus"
	"github.com/chatd/chatd/internal/cache"
	"github.com/chatd/chatd/internal/chat"
	"github.com/chatd/chatd/internal/config"
	"github.com/chatd/chatd/internal/gateway"
	"github.com/chatd/chatd/internal/httpapi"
	"github.com/chatd/chatd/internal/instance"
	"github.com/chatd/chatd/internal/lock"
	"github.com/chatd/chatd/internal/logging"
	"github.com/chatd/chatd/internal/realtime"
	"github.com/chatd/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Issuer is the iss claim chatd signs and expects.
const Issuer = "chatd"

// Params holds the resolved instance settings passed to the fx module.
type Params struct {
	Instance   string
	ConfigPath string // empty = instance.ConfigPath()
	Addr       string // overrides the configured listen address
	LogLevel   zapcore.Level
	SocketPath string // optional override for testing; empty = use default
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
			provideCache,
			provideHub,
			provideJWT,
			provideChatService,
			provideGateway,
			provideHTTPServer,
			provideAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = instance.ConfigPath()
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, err
	}
	if p.Addr != "" {
		cfg.Addr = p.Addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(instance.LogPath(p.Instance), p.Instance, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.Dir(p.Instance))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so a second daemon fails before
// touching the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := instance.DBPath(p.Instance)
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

func provideCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, error) {
	if cfg.Cache.RedisURL == "" {
		logger.Info("conversation cache in memory")
		return cache.NewMemory(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := cache.NewRedis(ctx, cfg.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info("conversation cache in redis")
	return c, nil
}

func provideHub(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(realtime.Options{Timeout: cfg.Presence.Timeout.Duration}, b, logger)
}

func provideJWT(cfg *config.Config) *auth.JWT {
	return auth.NewJWT(cfg.JWTSecret, Issuer)
}

func provideChatService(cfg *config.Config, db *store.DB, hub *realtime.Hub, c cache.Cache, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, hub, c, b, logger, cfg.Cache.TTL.Duration)
}

func provideGateway(cfg *config.Config, svc *chat.Service, hub *realtime.Hub, j *auth.JWT, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(svc, hub, j, gateway.Options{AllowedOrigins: cfg.AllowedOrigins}, logger)
}

func provideHTTPServer(cfg *config.Config, svc *chat.Service, j *auth.JWT, gw *gateway.Gateway, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Chat:           svc,
			JWT:            j,
			Realtime:       gw,
			AllowedOrigins: cfg.AllowedOrigins,
			Log:            logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
}

func provideAdminServer(p Params, hub *realtime.Hub, db *store.DB, svc *chat.Service, b *bus.Bus, logger *zap.Logger) (*admin.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = instance.AdminSocketPath(p.Instance)
	}
	return admin.NewServer(socketPath, admin.NewService(hub, db, svc, b, logger), logger)
}

// registerLifecycle starts the hub before either server and stops in
// reverse: sockets first, then the hub, then storage and the lock.
func registerLifecycle(lc fx.Lifecycle, srv *http.Server, adm *admin.Server, gw *gateway.Gateway, hub *realtime.Hub, c cache.Cache, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	hubCtx, cancelHub := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go hub.Run(hubCtx)

			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				cancelHub()
				return err
			}
			srv.Addr = ln.Addr().String()
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			go func() {
				if err := adm.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			gw.CloseAll()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			adm.Stop()

			hub.Close()
			select {
			case <-hub.Done():
			case <-ctx.Done():
				logger.Warn("hub did not stop in time")
			}
			cancelHub()

			if err := c.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
