package domain

import (
	"fmt"
	"time"
)

// Queue classes. Four per tenant, namespaced {prefix}:{tenantId}:{class}.
const (
	QueueSync        = "sync"
	QueueWebhook     = "webhook"
	QueueAlert       = "alert"
	QueueStockUpdate = "stockUpdate"
)

// QueueName builds the namespaced queue identifier for one tenant.
func QueueName(prefix, tenantID, class string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, tenantID, class)
}

// Task type names carried inside queue jobs.
const (
	TaskStockChanged    = "stock:changed"
	TaskPushUpdate      = "stock:push"
	TaskFullSync        = "sync:full"
	TaskIncrementalSync = "sync:incremental"
	TaskWebhookEvent    = "webhook:event"
	TaskAlertEvaluate   = "alert:evaluate"
)

// Retry budgets per queue class: webhook jobs get five attempts, the rest
// three. Backoff between attempts is exponential off a 1s base.
const (
	AttemptsDefault = 3
	AttemptsWebhook = 5
)

// StockChangedJob updates the authoritative stock and fans out to all other
// mapped channels.
type StockChangedJob struct {
	ProductID       string `json:"productId"`
	NewStock        int64  `json:"newStock"`
	SourceChannelID string `json:"sourceChannelId,omitempty"`
	// Stamp carries the originating event's idempotency key when the job was
	// derived from a webhook or poll.
	Stamp  string `json:"stamp,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// PushUpdateJob pushes the current expected quantity to one channel.
type PushUpdateJob struct {
	ProductID string `json:"productId"`
	ChannelID string `json:"channelId"`
}

// FullSyncJob walks every mapping of a channel and pushes each.
type FullSyncJob struct {
	ChannelID string `json:"channelId"`
}

// IncrementalSyncJob reconciles the vendor-side diff since a point in time
// into local state.
type IncrementalSyncJob struct {
	ChannelID string    `json:"channelId"`
	Since     time.Time `json:"since"`
}

// AlertJob asks the alert agent to evaluate rules for one trigger.
type AlertJob struct {
	TenantID  string         `json:"tenantId"`
	Kind      AlertKind      `json:"kind"`
	ProductID string         `json:"productId,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
