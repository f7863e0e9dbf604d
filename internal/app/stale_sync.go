package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// StaleSyncSweeper fails sync events stuck in processing, typically left
// behind by a worker that died mid-push. It runs in the orchestrator so one
// sweep covers every tenant.
type StaleSyncSweeper struct {
	events           domain.SyncEventRepository
	maxProcessingAge time.Duration
	interval         time.Duration
}

// NewStaleSyncSweeper returns nil when events is nil; Run tolerates a nil
// receiver so wiring stays unconditional.
func NewStaleSyncSweeper(events domain.SyncEventRepository, maxProcessingAge, interval time.Duration) *StaleSyncSweeper {
	if events == nil {
		return nil
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 3 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StaleSyncSweeper{
		events:           events,
		maxProcessingAge: maxProcessingAge,
		interval:         interval,
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is done.
func (s *StaleSyncSweeper) Run(ctx context.Context) {
	if s == nil || s.events == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale sync sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleSyncSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("sync.sweeper")
	ctx, span := tracer.Start(ctx, "StaleSyncSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxProcessingAge)
	span.SetAttributes(
		attribute.Float64("sync_events.max_processing_age_seconds", s.maxProcessingAge.Seconds()),
	)

	n, err := s.events.MarkStaleFailed(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sync sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("sync_events.marked_failed", n))
	if n > 0 {
		slog.Warn("failed stale sync events",
			slog.Int64("count", n),
			slog.Duration("max_processing_age", s.maxProcessingAge))
	}
}
