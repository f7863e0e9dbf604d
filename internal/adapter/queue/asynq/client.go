// Package asynqadp adapts hibiken/asynq to the queue port. Every queue is
// namespaced {prefix}:{tenantId}:{class}; the four classes carry their own
// retry budgets and the worker side runs one server per class so concurrency
// bounds hold per class, not per process.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// completedRetention matches the job-record policy: completed jobs stay
// inspectable for a day, then asynq drops them.
const completedRetention = 24 * time.Hour

// Enqueuer is the slice of asynq.Client the adapter uses; tests substitute a
// recorder.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client implements domain.Queue on asynq.
type Client struct {
	enq    Enqueuer
	prefix string
}

// New connects a queue client to Redis. prefix namespaces every queue this
// deployment touches.
func New(redisURL, prefix string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return &Client{enq: asynq.NewClient(opt), prefix: prefix}, nil
}

// NewWithClient wires an explicit enqueuer; tests use this.
func NewWithClient(enq Enqueuer, prefix string) *Client {
	return &Client{enq: enq, prefix: prefix}
}

// EnqueueWebhookEvent queues one normalized vendor event on the tenant's
// webhook queue. Webhook jobs carry the widest retry budget.
func (c *Client) EnqueueWebhookEvent(ctx domain.Context, ev domain.StockChangeEvent) (string, error) {
	return c.enqueue(ctx, ev.TenantID, domain.QueueWebhook, domain.TaskWebhookEvent, ev, domain.AttemptsWebhook, 0)
}

// EnqueueStockChanged queues an authoritative stock change for fan-out.
func (c *Client) EnqueueStockChanged(ctx domain.Context, tenantID string, job domain.StockChangedJob) (string, error) {
	return c.enqueue(ctx, tenantID, domain.QueueSync, domain.TaskStockChanged, job, domain.AttemptsDefault, 0)
}

// EnqueuePushUpdate queues a single-channel push, optionally delayed.
func (c *Client) EnqueuePushUpdate(ctx domain.Context, tenantID string, job domain.PushUpdateJob, delay time.Duration) (string, error) {
	return c.enqueue(ctx, tenantID, domain.QueueStockUpdate, domain.TaskPushUpdate, job, domain.AttemptsDefault, delay)
}

// EnqueueFullSync queues a full catalog walk for one channel.
func (c *Client) EnqueueFullSync(ctx domain.Context, tenantID string, job domain.FullSyncJob) (string, error) {
	return c.enqueue(ctx, tenantID, domain.QueueSync, domain.TaskFullSync, job, domain.AttemptsDefault, 0)
}

// EnqueueIncrementalSync queues a since-cursor sweep for one channel.
func (c *Client) EnqueueIncrementalSync(ctx domain.Context, tenantID string, job domain.IncrementalSyncJob) (string, error) {
	return c.enqueue(ctx, tenantID, domain.QueueSync, domain.TaskIncrementalSync, job, domain.AttemptsDefault, 0)
}

// EnqueueAlert queues one alert evaluation.
func (c *Client) EnqueueAlert(ctx domain.Context, tenantID string, job domain.AlertJob) (string, error) {
	return c.enqueue(ctx, tenantID, domain.QueueAlert, domain.TaskAlertEvaluate, job, domain.AttemptsDefault, 0)
}

func (c *Client) enqueue(ctx domain.Context, tenantID, class, taskType string, payload any, attempts int, delay time.Duration) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(domain.QueueName(c.prefix, tenantID, class)),
		// MaxRetry counts retries after the first attempt.
		asynq.MaxRetry(attempts - 1),
		asynq.Retention(completedRetention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	info, err := c.enq.EnqueueContext(ctx, asynq.NewTask(taskType, b), opts...)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueJob(class)
	return info.ID, nil
}
