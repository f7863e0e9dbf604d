// Command orchestrator is the control plane of the stock sync service.
//
// One process per deployment: it terminates vendor webhooks, serves the
// operator admin API, and supervises one tenantd child process per active
// tenant. Tenant sync logic never runs here; it runs in the children.
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

	"github.com/redis/go-redis/v9"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/channel"
	httpserver "github.com/mkesani1/stockclerk-sub002/internal/adapter/httpserver"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	asynqadp "github.com/mkesani1/stockclerk-sub002/internal/adapter/queue/asynq"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/repo/postgres"
	"github.com/mkesani1/stockclerk-sub002/internal/agent/watcher"
	"github.com/mkesani1/stockclerk-sub002/internal/app"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/orchestrator"
	"github.com/mkesani1/stockclerk-sub002/internal/service/ratelimiter"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

// routedQueue fronts the shared queue with the worker pipes: a webhook event
// goes to the tenant's worker when it is running and to the shared queue when
// it is not. The Receiver never sees the difference.
type routedQueue struct{ m *orchestrator.Manager }

func (q routedQueue) EnqueueWebhookEvent(ctx domain.Context, ev domain.StockChangeEvent) (string, error) {
	if err := q.m.EnqueueWebhook(ctx, ev); err != nil {
		return "", err
	}
	return "", nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.RequireSecrets(); err != nil {
		slog.Error("config rejected", slog.Any("error", err))
		os.Exit(1)
	}

	// Register all Prometheus collectors once per process; /metrics exposes
	// HTTP, webhook, worker, and sweep instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	ropt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(ropt)
	defer func() { _ = rdb.Close() }()

	tenants := postgres.NewTenantRepo(pool)
	channels := postgres.NewChannelRepo(pool)
	products := postgres.NewProductRepo(pool)
	mappings := postgres.NewMappingRepo(pool)
	events := postgres.NewSyncEventRepo(pool)
	alerts := postgres.NewAlertRepo(pool)

	// Shared queue client: the webhook fallback path and the worker-down
	// buffer both land here.
	queueClient, err := asynqadp.New(cfg.RedisURL, cfg.QueuePrefix)
	if err != nil {
		slog.Error("queue client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var box *secrets.Box
	if cfg.EncryptionKey != "" {
		box, err = secrets.NewBox(cfg.EncryptionKey)
		if err != nil {
			slog.Error("secret box init failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Retention and stale sweeps run here, not per tenant, so one pass
	// covers all tables.
	cleanup := postgres.NewCleanupService(events, alerts, postgres.RetentionConfig{
		SyncCompleted: cfg.SyncCompletedRetention,
		SyncFailed:    cfg.SyncFailedRetention,
		AlertRead:     cfg.AlertReadRetention,
		AlertUnread:   cfg.AlertUnreadRetention,
	}, logger)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	sweeper := app.NewStaleSyncSweeper(events, 3*cfg.ProviderTimeout, cfg.StaleSweepInterval)
	go sweeper.Run(ctx)

	mgr := orchestrator.New(orchestrator.Deps{
		Cfg:    cfg,
		Queue:  queueClient,
		Alerts: alerts,
		Log:    logger,
	})
	if err := mgr.Start(ctx, tenants.ListActiveIDs); err != nil {
		slog.Error("supervisor start failed", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := ratelimiter.NewKindLimiter(ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.KindBuckets()))
	registry := channel.NewRegistry(cfg, limiter, box, logger)
	receiver := watcher.NewReceiver(channels, routedQueue{m: mgr}, registry, logger)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, app.WrapRedis(rdb))

	srv := &httpserver.Server{
		Cfg:        cfg,
		Receiver:   receiver,
		Supervisor: mgr,
		Products:   products,
		Mappings:   mappings,
		Channels:   channels,
		Alerts:     alerts,
		Providers:  registry,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Intake stops first so no webhook arrives after its worker drained.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)

	mgr.Stop()
	cancel()
	slog.Info("orchestrator stopped")
}
