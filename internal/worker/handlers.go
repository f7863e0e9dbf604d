package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// registerHandlers binds task types to agent methods on the per-class
// servers. Malformed payloads skip retry: the bytes will not parse better on
// the next attempt.
func (r *Runtime) registerHandlers() {
	r.servers.HandleFunc(domain.QueueSync, domain.TaskStockChanged, r.handleStockChanged)
	r.servers.HandleFunc(domain.QueueSync, domain.TaskFullSync, r.handleFullSync)
	r.servers.HandleFunc(domain.QueueSync, domain.TaskIncrementalSync, r.handleIncrementalSync)
	r.servers.HandleFunc(domain.QueueStockUpdate, domain.TaskPushUpdate, r.handlePushUpdate)
	r.servers.HandleFunc(domain.QueueWebhook, domain.TaskWebhookEvent, r.handleWebhookEvent)
	r.servers.HandleFunc(domain.QueueAlert, domain.TaskAlertEvaluate, r.handleAlertEvaluate)
}

func (r *Runtime) handleStockChanged(ctx context.Context, t *asynq.Task) error {
	var job domain.StockChangedJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("op=worker.stockChanged: %v: %w", err, asynq.SkipRetry)
	}
	return r.noteOutcome(ctx, t, r.sync.StockChanged(ctx, job), job.ProductID, job.SourceChannelID)
}

func (r *Runtime) handlePushUpdate(ctx context.Context, t *asynq.Task) error {
	var job domain.PushUpdateJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("op=worker.pushUpdate: %v: %w", err, asynq.SkipRetry)
	}
	return r.noteOutcome(ctx, t, r.sync.PushUpdate(ctx, job), job.ProductID, job.ChannelID)
}

func (r *Runtime) handleFullSync(ctx context.Context, t *asynq.Task) error {
	var job domain.FullSyncJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("op=worker.fullSync: %v: %w", err, asynq.SkipRetry)
	}
	return r.noteOutcome(ctx, t, r.sync.FullSync(ctx, job), "", job.ChannelID)
}

func (r *Runtime) handleIncrementalSync(ctx context.Context, t *asynq.Task) error {
	var job domain.IncrementalSyncJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("op=worker.incrementalSync: %v: %w", err, asynq.SkipRetry)
	}
	return r.noteOutcome(ctx, t, r.sync.IncrementalSync(ctx, job), "", job.ChannelID)
}

func (r *Runtime) handleWebhookEvent(ctx context.Context, t *asynq.Task) error {
	var ev domain.StockChangeEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return fmt.Errorf("op=worker.webhookEvent: %v: %w", err, asynq.SkipRetry)
	}
	return r.noteOutcome(ctx, t, r.sync.WebhookEvent(ctx, ev), "", ev.ChannelID)
}

func (r *Runtime) handleAlertEvaluate(ctx context.Context, t *asynq.Task) error {
	var job domain.AlertJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("op=worker.alertEvaluate: %v: %w", err, asynq.SkipRetry)
	}
	// No exhaustion alert here: alerting about a failed alert evaluation
	// would feed the queue that is already failing.
	return r.alert.Evaluate(ctx, job)
}

// noteOutcome turns a handler result into queue semantics. Agents return an
// error only when a retry could help, so when the attempt that just failed
// was the last one, the failure stops being an internal retry matter and
// becomes a sync_error alert.
func (r *Runtime) noteOutcome(ctx context.Context, t *asynq.Task, err error, productID, channelID string) error {
	if err == nil {
		return nil
	}
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried >= maxRetry {
		r.log.Error("job attempts exhausted",
			slog.String("task", t.Type()),
			slog.Int("attempts", retried+1),
			slog.Any("error", err))
		if _, aerr := r.queue.EnqueueAlert(ctx, r.tenantID, domain.AlertJob{
			TenantID:  r.tenantID,
			Kind:      domain.AlertSyncError,
			ProductID: productID,
			ChannelID: channelID,
			Data: map[string]any{
				"error":    err.Error(),
				"task":     t.Type(),
				"attempts": retried + 1,
			},
		}); aerr != nil {
			r.log.Warn("exhaustion alert enqueue failed", slog.Any("error", aerr))
		}
	}
	return err
}
