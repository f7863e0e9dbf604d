package postgres

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// RetentionConfig bounds how long audit rows and alerts are kept.
type RetentionConfig struct {
	SyncCompleted time.Duration
	SyncFailed    time.Duration
	AlertRead     time.Duration
	AlertUnread   time.Duration
}

// CleanupService deletes rows past retention. It runs inside the orchestrator,
// not per tenant, so one sweep covers every tenant's tables.
type CleanupService struct {
	Events    *SyncEventRepo
	Alerts    *AlertRepo
	Retention RetentionConfig
	Log       *slog.Logger
}

// NewCleanupService constructs a CleanupService.
func NewCleanupService(events *SyncEventRepo, alerts *AlertRepo, ret RetentionConfig, log *slog.Logger) *CleanupService {
	return &CleanupService{Events: events, Alerts: alerts, Retention: ret, Log: log}
}

// RunPeriodic sweeps on the given interval until ctx is done. One sweep runs
// immediately so restarts never postpone overdue deletes a full interval.
func (s *CleanupService) RunPeriodic(ctx domain.Context, interval time.Duration) {
	s.sweep(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *CleanupService) sweep(ctx domain.Context) {
	tracer := otel.Tracer("repo.cleanup")
	ctx, span := tracer.Start(ctx, "cleanup.Sweep")
	defer span.End()

	now := time.Now().UTC()
	type job struct {
		name string
		run  func(domain.Context, time.Time) (int64, error)
		age  time.Duration
	}
	jobs := []job{
		{"sync_events_completed", s.Events.PurgeCompleted, s.Retention.SyncCompleted},
		{"sync_events_failed", s.Events.PurgeFailed, s.Retention.SyncFailed},
		{"alerts_read", s.Alerts.PurgeRead, s.Retention.AlertRead},
		{"alerts_unread", s.Alerts.PurgeUnread, s.Retention.AlertUnread},
	}
	for _, j := range jobs {
		if j.age <= 0 {
			continue
		}
		n, err := j.run(ctx, now.Add(-j.age))
		if err != nil {
			s.Log.Error("retention sweep failed", slog.String("target", j.name), slog.Any("error", err))
			continue
		}
		if n > 0 {
			s.Log.Info("retention sweep", slog.String("target", j.name), slog.Int64("deleted", n))
		}
	}
}
