package main

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/causalrepo/internal/models"
	"github.com/iudanet/causalrepo/internal/server/causalrepo"
	"github.com/iudanet/causalrepo/internal/server/config"
	"github.com/iudanet/causalrepo/internal/server/handlers"
	"github.com/iudanet/causalrepo/internal/server/metrics"
	"github.com/iudanet/causalrepo/internal/server/middleware"
	"github.com/iudanet/causalrepo/internal/server/storage"
	"github.com/iudanet/causalrepo/internal/server/storage/boltdb"
	"github.com/iudanet/causalrepo/internal/server/storage/redisstore"
	"github.com/iudanet/causalrepo/internal/server/storage/sqlite"
)

const shutdownTimeout = 30 * time.Second

// closableStore - хранилище, которым владеет процесс
type closableStore interface {
	storage.Store
	Close() error
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()
	logger.Info("Store opened", "driver", cfg.Store.Driver)

	var m *metrics.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(registry)
	}

	server := causalrepo.NewServer(logger, store, m, causalrepo.Config{
		DefaultDeviceSelector: cfg.Server.DefaultDeviceSelector,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, time.Duration(cfg.RateLimit.Window), logger)
	defer limiter.Stop()
	commandLimiter := middleware.NewRateLimiter(cfg.CommandRateLimit.Requests, time.Duration(cfg.CommandRateLimit.Window), logger)
	defer commandLimiter.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(logger, cfg, server, store, m, registry, limiter, commandLimiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Causal repo server listening", "addr", cfg.Listen, "version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})

	if interval := time.Duration(cfg.Server.AutoSaveInterval); interval > 0 {
		g.Go(func() error {
			return server.AutoSave(gctx, interval)
		})
	}

	// ветки, сдвинутые другими процессами с тем же хранилищем
	if w, ok := store.(branchWatcher); ok {
		g.Go(func() error {
			return w.WatchBranches(gctx, server.BranchUpdated)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		// Shutdown не ждет hijacked websocket соединений, стейдж загруженных веток коммитит SaveAll
		err := httpServer.Shutdown(shutdownCtx)
		if saveErr := server.SaveAll(shutdownCtx); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newRouter(
	logger *slog.Logger,
	cfg config.Config,
	server *causalrepo.Server,
	store storage.Store,
	m *metrics.Metrics,
	registry *prometheus.Registry,
	limiter *middleware.RateLimiter,
	commandLimiter *middleware.RateLimiter,
) http.Handler {
	wsCfg := handlers.DefaultWSConfig()
	wsCfg.SendQueueSize = cfg.Server.SendQueueSize
	if cfg.CommandRateLimit.Requests > 0 {
		wsCfg.CommandLimiter = commandLimiter
	}

	jwtCfg := handlers.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		TokenTTL: time.Duration(cfg.Auth.TokenTTL),
	}

	var ws http.Handler = handlers.NewWebSocketHandler(logger, server, m, wsCfg)
	ws = middleware.AuthMiddleware(logger, jwtCfg, cfg.Auth.Required)(ws)
	if cfg.RateLimit.Requests > 0 {
		ws = middleware.RateLimitMiddleware(limiter)(ws)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.HandleFunc("GET /healthz", handlers.NewHealthHandler(logger, Version, storeCheck(store)).Health)
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	var h http.Handler = mux
	h = middleware.LoggingWithSkip(logger, []string{"/healthz", "/metrics"})(h)
	h = middleware.RecoveryMiddleware(logger)(h)
	return h
}

// storeCheck проверяет доступность хранилища чтением служебной ветки
func storeCheck(store storage.Store) handlers.HealthCheck {
	return func(ctx context.Context) error {
		_, err := store.GetBranch(ctx, "healthz")
		if err != nil && !errors.Is(err, storage.ErrBranchNotFound) {
			return err
		}
		return nil
	}
}

// branchWatcher is implemented by stores shared between processes.
type branchWatcher interface {
	WatchBranches(ctx context.Context, fn func(ctx context.Context, branch *models.Branch)) error
}

var _ branchWatcher = (*redisstore.Storage)(nil)

func openStore(ctx context.Context, cfg config.StoreConfig) (closableStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.New(ctx, cfg.Path)
	case config.DriverBolt:
		return boltdb.New(ctx, cfg.Path)
	case config.DriverRedis:
		return redisstore.New(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Namespace)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
