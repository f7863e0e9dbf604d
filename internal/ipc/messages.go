// Package ipc carries the typed JSON-lines protocol spoken between the
// orchestrator and its tenant worker processes over the child's stdin and
// stdout. Messages are small one-way records; unknown kinds are ignored by
// receivers so either side can be upgraded first.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// Kind discriminates messages on the wire.
type Kind string

// Parent to child.
const (
	KindInit                  Kind = "init"
	KindPing                  Kind = "ping"
	KindShutdown              Kind = "shutdown"
	KindTriggerSync           Kind = "trigger_sync"
	KindAddWebhookJob         Kind = "add_webhook_job"
	KindTriggerReconciliation Kind = "trigger_reconciliation"
)

// Child to parent.
const (
	KindReady            Kind = "ready"
	KindPong             Kind = "pong"
	KindHealthReport     Kind = "health_report"
	KindErrorReport      Kind = "error_report"
	KindSyncEvent        Kind = "sync_event"
	KindShutdownComplete Kind = "shutdown_complete"
)

// Sync trigger scopes.
const (
	ScopeFull    = "full"
	ScopeChannel = "channel"
	ScopeProduct = "product"
)

// Message is the wire envelope. Payload stays raw until the receiver picks
// the type for the kind.
type Message struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New wraps a payload in an envelope.
func New(kind Kind, payload any) (Message, error) {
	m := Message{Kind: kind}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("op=ipc.new: %s: %w", kind, err)
		}
		m.Payload = b
	}
	return m, nil
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("op=ipc.decode: %w: empty payload for %s", domain.ErrInvalidArgument, m.Kind)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("op=ipc.decode: %s: %w", m.Kind, err)
	}
	return nil
}

// InitPayload seeds a freshly spawned worker. Most configuration arrives via
// the environment; the parent forces only what it owns.
type InitPayload struct {
	TenantID    string         `json:"tenantId"`
	Concurrency map[string]int `json:"concurrency,omitempty"`
}

// PingPayload and PongPayload carry the liveness handshake; TS is unix
// milliseconds and is echoed back verbatim.
type PingPayload struct {
	TS int64 `json:"ts"`
}

type PongPayload struct {
	TS int64 `json:"ts"`
}

// ShutdownPayload asks the child to stop. Graceful gives it the drain
// window; otherwise it should exit immediately.
type ShutdownPayload struct {
	Graceful bool `json:"graceful"`
}

// TriggerSyncPayload requests a sync pass at one of three scopes.
type TriggerSyncPayload struct {
	Scope     string `json:"scope"`
	ChannelID string `json:"channelId,omitempty"`
	ProductID string `json:"productId,omitempty"`
}

// AddWebhookJobPayload hands a normalized stock-change event to the worker
// when the HTTP boundary could not enqueue it directly.
type AddWebhookJobPayload struct {
	Event domain.StockChangeEvent `json:"event"`
}

// TriggerReconciliationPayload requests a guardian pass.
type TriggerReconciliationPayload struct {
	AutoRepair bool `json:"autoRepair"`
}

// ReadyPayload announces a booted worker.
type ReadyPayload struct {
	PID int `json:"pid"`
}

// Worker health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// HealthReportPayload is the worker's periodic self-assessment. Queues maps
// queue class to outstanding job count.
type HealthReportPayload struct {
	Status string         `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Queues map[string]int `json:"queues,omitempty"`
}

// ErrorReportPayload surfaces a worker-side error. Fatal means the process
// is about to exit.
type ErrorReportPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// SyncEventPayload mirrors a worker-side event up to the parent.
type SyncEventPayload struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}
