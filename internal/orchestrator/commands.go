package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
)

// TriggerSync asks a tenant's worker for an on-demand sync pass. Scope is
// validated here so a bad admin request fails at the boundary instead of
// dying silently inside the child.
func (m *Manager) TriggerSync(tenantID, scope, channelID, productID string) error {
	switch scope {
	case ipc.ScopeFull:
	case ipc.ScopeChannel:
		if channelID == "" {
			return fmt.Errorf("op=orchestrator.TriggerSync: %w: channel scope needs a channel id", domain.ErrInvalidArgument)
		}
	case ipc.ScopeProduct:
		if productID == "" {
			return fmt.Errorf("op=orchestrator.TriggerSync: %w: product scope needs a product id", domain.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("op=orchestrator.TriggerSync: %w: unknown scope %q", domain.ErrInvalidArgument, scope)
	}
	return m.send(tenantID, ipc.KindTriggerSync, ipc.TriggerSyncPayload{
		Scope:     scope,
		ChannelID: channelID,
		ProductID: productID,
	})
}

// TriggerReconciliation asks a tenant's worker for a guardian pass.
func (m *Manager) TriggerReconciliation(tenantID string, autoRepair bool) error {
	return m.send(tenantID, ipc.KindTriggerReconciliation, ipc.TriggerReconciliationPayload{
		AutoRepair: autoRepair,
	})
}

// EnqueueWebhook routes a normalized stock-change event to its tenant's
// worker, falling back to the shared queue when the worker is not running.
// An accepted webhook is never dropped because a worker was down.
func (m *Manager) EnqueueWebhook(ctx context.Context, ev domain.StockChangeEvent) error {
	if ev.TenantID == "" {
		return fmt.Errorf("op=orchestrator.EnqueueWebhook: %w: missing tenant id", domain.ErrInvalidArgument)
	}
	err := m.send(ev.TenantID, ipc.KindAddWebhookJob, ipc.AddWebhookJobPayload{Event: ev})
	if err == nil {
		return nil
	}
	if m.queue == nil {
		return err
	}
	m.log.Debug("worker unavailable, webhook routed to shared queue",
		slog.String("tenant_id", ev.TenantID), slog.Any("error", err))
	if _, qerr := m.queue.EnqueueWebhookEvent(ctx, ev); qerr != nil {
		return fmt.Errorf("op=orchestrator.EnqueueWebhook: %s: %w", ev.TenantID, qerr)
	}
	return nil
}

// TenantStatus is one worker's supervision snapshot.
type TenantStatus struct {
	TenantID            string    `json:"tenantId"`
	State               State     `json:"state"`
	PID                 int       `json:"pid,omitempty"`
	SpawnedAt           time.Time `json:"spawnedAt"`
	ReadyAt             time.Time `json:"readyAt"`
	LastPongAt          time.Time `json:"lastPongAt"`
	Restarts            int       `json:"restarts"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
}

// Status is the fleet-wide snapshot served by the admin API.
type Status struct {
	Workers []TenantStatus `json:"workers"`
	Counts  map[State]int  `json:"counts"`
}

// TenantHealth is a worker's last self-reported health joined with the
// supervision view of it.
type TenantHealth struct {
	TenantID   string         `json:"tenantId"`
	State      State          `json:"state"`
	Status     string         `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Queues     map[string]int `json:"queues,omitempty"`
	ReportedAt time.Time      `json:"reportedAt"`
	LastPongAt time.Time      `json:"lastPongAt"`
}

func (m *Manager) snapshotLocked(h *handle) TenantStatus {
	return TenantStatus{
		TenantID:            h.tenantID,
		State:               h.state,
		PID:                 h.pid,
		SpawnedAt:           h.spawnedAt,
		ReadyAt:             h.readyAt,
		LastPongAt:          h.lastPong,
		Restarts:            h.restarts,
		ConsecutiveFailures: h.consecFails,
		LastError:           h.lastErr,
	}
}

// Status reports every supervised worker, sorted by tenant id.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Workers: make([]TenantStatus, 0, len(m.live)),
		Counts:  make(map[State]int, len(allStates)),
	}
	for _, h := range m.live {
		s.Workers = append(s.Workers, m.snapshotLocked(h))
		s.Counts[h.state]++
	}
	sort.Slice(s.Workers, func(i, j int) bool {
		return s.Workers[i].TenantID < s.Workers[j].TenantID
	})
	return s
}

// TenantStatus reports one worker's supervision snapshot.
func (m *Manager) TenantStatus(tenantID string) (TenantStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live[tenantID]
	if !ok {
		return TenantStatus{}, fmt.Errorf("op=orchestrator.TenantStatus: %s: %w", tenantID, domain.ErrNotFound)
	}
	return m.snapshotLocked(h), nil
}

// TenantHealth reports one worker's last health report. A worker that never
// reported shows status "unknown".
func (m *Manager) TenantHealth(tenantID string) (TenantHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live[tenantID]
	if !ok {
		return TenantHealth{}, fmt.Errorf("op=orchestrator.TenantHealth: %s: %w", tenantID, domain.ErrNotFound)
	}
	th := TenantHealth{
		TenantID:   h.tenantID,
		State:      h.state,
		Status:     h.lastReport.Status,
		Detail:     h.lastReport.Detail,
		Queues:     h.lastReport.Queues,
		ReportedAt: h.lastReportAt,
		LastPongAt: h.lastPong,
	}
	if th.Status == "" {
		th.Status = "unknown"
	}
	return th, nil
}
