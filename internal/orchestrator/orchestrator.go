// Package orchestrator keeps one worker process alive per active tenant.
//
// Workers are separate OS processes so a crash, leak, or runaway loop in one
// tenant cannot touch another. The Manager discovers active tenants, spawns a
// tenantd child for each, speaks the JSON-lines protocol over the child's
// stdin and stdout, and restarts crashed children with exponential backoff
// until the restart budget is spent.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
)

// State is a worker's position in the supervision lifecycle.
type State string

const (
	StateSpawning   State = "spawning"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
	// StateTerminal is crashed with the restart budget spent. Only tenant
	// deactivation and rediscovery, or a process restart, clears it.
	StateTerminal State = "terminal"
)

var allStates = []State{
	StateSpawning, StateRunning, StateStopping, StateStopped,
	StateCrashed, StateRestarting, StateTerminal,
}

// maxRestartDelay caps exponential restart backoff.
const maxRestartDelay = 5 * time.Minute

// Discover yields the ids of tenants that should have a live worker.
type Discover func(ctx context.Context) ([]string, error)

// Deps wires a Manager.
type Deps struct {
	Cfg    config.Config
	Queue  domain.Queue
	Alerts domain.AlertRepository
	// WorkerCmd is the argv used to launch one worker. Defaults to the
	// configured worker binary; tests substitute a stub.
	WorkerCmd []string
	// ChildEnv overrides the environment inherited by workers. Nil means
	// the manager's own environment.
	ChildEnv []string
	Log      *slog.Logger
}

// Manager supervises the full worker set. All handle mutation happens under
// mu; process waits and pipe writes happen outside it.
type Manager struct {
	cfg    config.Config
	queue  domain.Queue
	alerts domain.AlertRepository
	log    *slog.Logger

	workerCmd []string
	childEnv  []string

	mu   sync.Mutex
	live map[string]*handle

	discover Discover
	done     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
}

// New builds a Manager. Call Start to begin supervision.
func New(d Deps) *Manager {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	cmdline := d.WorkerCmd
	if len(cmdline) == 0 {
		cmdline = []string{d.Cfg.WorkerBin}
	}
	return &Manager{
		cfg:       d.Cfg,
		queue:     d.Queue,
		alerts:    d.Alerts,
		log:       log,
		workerCmd: cmdline,
		childEnv:  d.ChildEnv,
		live:      make(map[string]*handle),
		done:      make(chan struct{}),
	}
}

// Start reconciles once against discover, then runs the discovery and health
// loops until ctx is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context, discover Discover) error {
	if discover == nil {
		return fmt.Errorf("op=orchestrator.Start: %w: discover required", domain.ErrInvalidArgument)
	}
	if _, err := exec.LookPath(m.workerCmd[0]); err != nil {
		return fmt.Errorf("op=orchestrator.Start: worker binary: %w", err)
	}
	m.discover = discover

	m.reconcile(ctx)

	m.loops.Add(2)
	go m.discoveryLoop(ctx)
	go m.healthLoop(ctx)
	m.log.Info("orchestrator started",
		slog.Duration("tenant_poll", m.cfg.TenantPollInterval()),
		slog.Duration("health_interval", m.cfg.HealthCheckInterval()))
	return nil
}

// Stop shuts every worker down gracefully, SIGKILLing any that outlive the
// grace window, and returns once all have exited.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.loops.Wait()

	m.mu.Lock()
	hs := make([]*handle, 0, len(m.live))
	for _, h := range m.live {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			m.stopWorker(h, false)
		}(h)
	}
	wg.Wait()
	m.log.Info("all tenant workers stopped")
}

func (m *Manager) discoveryLoop(ctx context.Context) {
	defer m.loops.Done()
	t := time.NewTicker(m.cfg.TenantPollInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-t.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.loops.Done()
	t := time.NewTicker(m.cfg.HealthCheckInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-t.C:
			m.healthTick()
		}
	}
}

// reconcile aligns the live worker set with the discovered tenant set:
// missing tenants are spawned, extraneous workers stopped and removed.
func (m *Manager) reconcile(ctx context.Context) {
	if m.isShuttingDown() {
		return
	}
	ids, err := m.discover(ctx)
	if err != nil {
		m.log.Error("tenant discovery failed", slog.Any("error", err))
		return
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = struct{}{}
		}
	}

	var drop []*handle
	m.mu.Lock()
	for id := range want {
		if _, ok := m.live[id]; ok {
			continue
		}
		h := &handle{tenantID: id, state: StateSpawning}
		m.live[id] = h
		m.spawnLocked(h)
	}
	for id, h := range m.live {
		if _, ok := want[id]; !ok {
			drop = append(drop, h)
		}
	}
	m.updateGaugeLocked()
	m.mu.Unlock()

	for _, h := range drop {
		m.log.Info("tenant no longer active, stopping worker",
			slog.String("tenant_id", h.tenantID))
		go m.stopWorker(h, true)
	}
}

// healthTick pings every running worker and kills any whose last pong is
// older than twice the health timeout. Pings go out after the lock drops so
// a wedged pipe cannot stall supervision.
func (m *Manager) healthTick() {
	now := time.Now()
	limit := 2 * m.cfg.HealthTimeout()

	type target struct {
		tenantID string
		w        *ipc.Writer
	}
	var pings []target

	m.mu.Lock()
	for _, h := range m.live {
		if h.state != StateRunning {
			continue
		}
		if silent := now.Sub(h.lastPong); silent > limit {
			m.log.Error("tenant worker unresponsive, killing",
				slog.String("tenant_id", h.tenantID),
				slog.Duration("silent_for", silent))
			h.kill()
			continue
		}
		pings = append(pings, target{tenantID: h.tenantID, w: h.in})
	}
	m.mu.Unlock()

	for _, p := range pings {
		if err := p.w.Send(ipc.KindPing, ipc.PingPayload{TS: now.UnixMilli()}); err != nil {
			// The watch goroutine observes the dead pipe and restarts.
			m.log.Warn("ping send failed",
				slog.String("tenant_id", p.tenantID), slog.Any("error", err))
		}
	}
}

// send routes one command to a running worker's stdin.
func (m *Manager) send(tenantID string, kind ipc.Kind, payload any) error {
	m.mu.Lock()
	var w *ipc.Writer
	if h, ok := m.live[tenantID]; ok && h.state == StateRunning {
		w = h.in
	}
	m.mu.Unlock()

	if w == nil {
		return fmt.Errorf("op=orchestrator.send: %s: %w", tenantID, domain.ErrWorkerUnavailable)
	}
	if err := w.Send(kind, payload); err != nil {
		return fmt.Errorf("op=orchestrator.send: %s: %v: %w", tenantID, err, domain.ErrWorkerUnavailable)
	}
	return nil
}

func (m *Manager) isShuttingDown() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) updateGaugeLocked() {
	counts := make(map[State]int, len(allStates))
	for _, h := range m.live {
		counts[h.state]++
	}
	for _, s := range allStates {
		observability.WorkersByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// backoffDelay returns base doubled per consecutive failure, capped.
func backoffDelay(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		return 0
	}
	if failures < 1 {
		failures = 1
	}
	if failures > 16 {
		return maxRestartDelay
	}
	d := base << uint(failures-1)
	if d <= 0 || d > maxRestartDelay {
		return maxRestartDelay
	}
	return d
}
