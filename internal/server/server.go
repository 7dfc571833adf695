package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/pipeline"
	"github.com/mohammad-safakhou/deepresearch/internal/runtime"
	"github.com/mohammad-safakhou/deepresearch/internal/session"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/internal/store/cache"
	"github.com/mohammad-safakhou/deepresearch/internal/store/memory"
)

// RunLocker serialises runs on one session. *cache.Locker satisfies it.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (cache.UnlockFunc, error)
}

// Deps is everything the HTTP layer needs. Locker and Metrics may be nil.
type Deps struct {
	Store        session.Store
	LLM          llm.Invoker
	Locker       RunLocker
	LockTTL      time.Duration
	RunTimeout   time.Duration
	Metrics      *runtime.Metrics
	Logger       *slog.Logger
	Secret       []byte
	AllowOrigins []string
	StreamBuffer int
	WriteTimeout time.Duration
}

// New builds the echo application with all routes registered.
func New(d Deps) *echo.Echo {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(d.AllowOrigins) == 0 {
		d.AllowOrigins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.HTTPErrorHandler = errorHandler(logger.With("component", "http"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     d.AllowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))

	orch := pipeline.New(d.LLM, d.Store,
		pipeline.WithLogger(logger),
		pipeline.WithObserver(d.Metrics),
	)

	api := e.Group("/api")
	rh := &ResearchHandler{
		Store:        d.Store,
		Resolver:     session.NewResolver(d.Store, logger),
		Orch:         orch,
		Locker:       d.Locker,
		LockTTL:      d.LockTTL,
		Timeout:      d.RunTimeout,
		Buffer:       d.StreamBuffer,
		WriteTimeout: d.WriteTimeout,
		Metrics:      d.Metrics,
		Logger:       logger.With("component", "research"),
	}
	rh.Register(api.Group("/research"), d.Secret)

	sh := &SessionsHandler{Store: d.Store}
	sh.Register(api.Group("/research-sessions"), d.Secret)
	return e
}

// errorHandler writes {"error": msg} for anything a handler returns before the response is committed.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Warn("request failed", "status", code, "method", req.Method, "path", req.URL.Path, "remote", c.RealIP(), "error", err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
}

// Run wires the service from cfg and serves until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	logger := runtime.NewLogger(cfg.General, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics := runtime.NewMetrics()

	st, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var locker RunLocker
	if cfg.Storage.Redis.Enabled {
		rdb, err := openRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		st = cache.New(st, rdb,
			cache.WithTTL(cfg.Storage.Redis.CacheTTL),
			cache.WithPrefix(cfg.Storage.Redis.Prefix),
			cache.WithLogger(logger),
		)
		if cfg.Server.SessionLockEnabled {
			locker = cache.NewLocker(rdb, cfg.Storage.Redis.Prefix)
		}
	} else if cfg.Server.SessionLockEnabled {
		logger.Warn("session lock requires redis, running without it")
	}

	search, err := llm.NewGeminiProvider(ctx, cfg.LLM.Search)
	if err != nil {
		return err
	}
	reasoning := llm.NewChatProvider(cfg.LLM.Reasoning)
	policy, err := retryPolicy(cfg.LLM.Retry)
	if err != nil {
		return err
	}
	gateway := llm.NewGateway(search, reasoning,
		llm.WithRetryPolicy(policy),
		llm.WithLogger(logger),
		llm.WithObserver(metrics),
	)

	e := New(Deps{
		Store:        st,
		LLM:          gateway,
		Locker:       locker,
		LockTTL:      cfg.Server.SessionLockTTL,
		RunTimeout:   cfg.Server.RunTimeout,
		Metrics:      metrics,
		Logger:       logger,
		Secret:       []byte(cfg.Server.JWTSecret),
		AllowOrigins: cfg.Server.AllowOrigins,
		StreamBuffer: cfg.Server.StreamBuffer,
		WriteTimeout: cfg.Server.StreamWriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Address, "storage", cfg.Storage.Driver, "redis", cfg.Storage.Redis.Enabled)
		if err := e.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(sctx)
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (session.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory session store, sessions are lost on restart")
		return memory.NewSessionStore(), func() {}, nil
	}
	dsn := cfg.Postgres.DSN()
	if cfg.AutoMigrate {
		if err := store.Migrate(cfg.MigrationsDir, dsn, "up", 0); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Postgres.Timeout)
	defer cancel()
	st, err := store.NewWithDSN(pctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

func retryPolicy(cfg config.RetryConfig) (llm.RetryPolicy, error) {
	p := llm.RetryPolicy{MaxRetries: cfg.MaxRetries, Backoff: cfg.Backoff}
	for _, k := range cfg.Kinds {
		kind, err := llm.ParseKind(k)
		if err != nil {
			return llm.RetryPolicy{}, err
		}
		p.Kinds = append(p.Kinds, kind)
	}
	return p, nil
}
