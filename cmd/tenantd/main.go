// Package main is the per-tenant worker entry point.
//
// tenantd is spawned by the orchestrator, one process per tenant. Its stdin
// and stdout carry the JSON-lines control stream, so all logging goes to
// stderr. The process exits when the parent closes the pipe or sends a
// shutdown command.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/events/redpanda"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupWorkerLogger(cfg, cfg.TenantID)
	slog.SetDefault(logger)

	// Counters still register here even though the child exposes no scrape
	// endpoint; queue depth and status travel upward in health reports.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		logger.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// The parent's shutdown command is the normal exit path; signals cover an
	// orphaned child or an operator stopping the process directly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var sink domain.EventSink
	if cfg.FirehoseEnabled() {
		fh, err := redpanda.New(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Error("firehose init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = fh.Close() }()
		sink = fh
	}

	rt, err := worker.New(ctx, cfg, sink, logger)
	if err != nil {
		logger.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("tenant worker starting", slog.Int("pid", os.Getpid()))
	runErr := rt.Run(ctx)
	rt.Close()
	if runErr != nil {
		logger.Error("worker exited with error", slog.Any("error", runErr))
		os.Exit(1)
	}
	logger.Info("tenant worker stopped")
}
