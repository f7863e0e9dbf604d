package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
)

// handle is one supervised worker and its spawn-over-spawn bookkeeping.
// Every mutable field is guarded by the manager mutex. gen increments per
// spawn; goroutines born of a spawn carry its gen and bail out once a newer
// spawn owns the handle, so a stale watcher can never touch a respawned
// worker's state.
type handle struct {
	tenantID string
	gen      int

	cmd    *exec.Cmd
	in     *ipc.Writer
	stdin  io.Closer
	exited chan struct{}

	state     State
	pid       int
	spawnedAt time.Time
	readyAt   time.Time
	lastPong  time.Time

	lastReport   ipc.HealthReportPayload
	lastReportAt time.Time
	lastErr      string

	// restarts is cumulative and drives the terminal cap; consecFails
	// resets on ready and drives backoff.
	restarts    int
	consecFails int

	bootTimer    *time.Timer
	restartTimer *time.Timer
}

func (h *handle) kill() {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

// spawnLocked forks a worker for h and arms its bootstrap deadline. Caller
// holds m.mu. A failed fork goes straight down the crash path.
func (m *Manager) spawnLocked(h *handle) {
	h.gen++
	gen := h.gen
	h.exited = make(chan struct{})

	cmd := exec.Command(m.workerCmd[0], m.workerCmd[1:]...)
	base := m.childEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append(make([]string, 0, len(base)+2), base...),
		"TENANT_ID="+h.tenantID,
		fmt.Sprintf("GOMEMLIMIT=%dMiB", m.cfg.WorkerHeapMB),
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.noteCrashLocked(h, fmt.Sprintf("stdin pipe: %v", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		m.noteCrashLocked(h, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	// Worker logs go to stderr and pass through unmodified; stdout is the
	// protocol stream.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		m.noteCrashLocked(h, fmt.Sprintf("start: %v", err))
		return
	}

	h.cmd = cmd
	h.stdin = stdin
	h.in = ipc.NewWriter(stdin)
	h.pid = cmd.Process.Pid
	h.state = StateSpawning
	h.spawnedAt = time.Now()
	h.readyAt = time.Time{}
	h.lastPong = time.Time{}
	h.lastReport = ipc.HealthReportPayload{}
	h.lastReportAt = time.Time{}

	m.log.Info("tenant worker spawned",
		slog.String("tenant_id", h.tenantID),
		slog.Int("pid", h.pid),
		slog.Int("spawn", gen))

	// A fresh pipe always has room for the init record.
	if err := h.in.Send(ipc.KindInit, ipc.InitPayload{TenantID: h.tenantID}); err != nil {
		m.log.Warn("init send failed",
			slog.String("tenant_id", h.tenantID), slog.Any("error", err))
	}

	h.bootTimer = time.AfterFunc(m.cfg.BootstrapTimeout(), func() { m.bootTimeout(h, gen) })
	go m.watch(h, gen, cmd, stdin, ipc.NewReader(stdout))
}

// watch drains the child's stdout, then reaps the process. Nothing else may
// call Wait.
func (m *Manager) watch(h *handle, gen int, cmd *exec.Cmd, stdin io.Closer, r *ipc.Reader) {
	for {
		msg, err := r.Next()
		if err != nil {
			break
		}
		m.handleMessage(h, gen, msg)
	}
	waitErr := cmd.Wait()
	_ = stdin.Close()
	m.onExit(h, gen, waitErr)
}

func (m *Manager) handleMessage(h *handle, gen int, msg ipc.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.gen != gen {
		return
	}

	switch msg.Kind {
	case ipc.KindReady:
		if h.state != StateSpawning {
			return
		}
		var p ipc.ReadyPayload
		_ = msg.Decode(&p)
		if h.bootTimer != nil {
			h.bootTimer.Stop()
			h.bootTimer = nil
		}
		now := time.Now()
		h.state = StateRunning
		h.readyAt = now
		h.lastPong = now
		h.consecFails = 0
		m.log.Info("tenant worker ready",
			slog.String("tenant_id", h.tenantID), slog.Int("pid", p.PID))
		m.updateGaugeLocked()
	case ipc.KindPong:
		h.lastPong = time.Now()
	case ipc.KindHealthReport:
		var p ipc.HealthReportPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		h.lastReport = p
		h.lastReportAt = time.Now()
		if p.Status != ipc.HealthHealthy {
			m.log.Warn("tenant worker degraded",
				slog.String("tenant_id", h.tenantID), slog.String("detail", p.Detail))
		}
	case ipc.KindErrorReport:
		var p ipc.ErrorReportPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		h.lastErr = p.Message
		if p.Fatal {
			m.log.Error("tenant worker reported fatal error",
				slog.String("tenant_id", h.tenantID), slog.String("message", p.Message))
		} else {
			m.log.Warn("tenant worker reported error",
				slog.String("tenant_id", h.tenantID), slog.String("message", p.Message))
		}
	case ipc.KindSyncEvent:
		var p ipc.SyncEventPayload
		if err := msg.Decode(&p); err != nil {
			return
		}
		m.log.Debug("tenant event",
			slog.String("tenant_id", h.tenantID), slog.String("event_type", p.EventType))
	case ipc.KindShutdownComplete:
		m.log.Debug("tenant worker drained", slog.String("tenant_id", h.tenantID))
	}
}

// onExit settles a reaped worker: an expected exit lands in stopped,
// anything else goes down the crash path.
func (m *Manager) onExit(h *handle, gen int, waitErr error) {
	desc := "exit status 0"
	if waitErr != nil {
		desc = waitErr.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.gen != gen {
		return
	}
	if h.bootTimer != nil {
		h.bootTimer.Stop()
		h.bootTimer = nil
	}
	close(h.exited)

	if h.state == StateStopping {
		h.state = StateStopped
		h.pid = 0
		m.log.Info("tenant worker stopped",
			slog.String("tenant_id", h.tenantID), slog.String("exit", desc))
	} else {
		m.noteCrashLocked(h, desc)
	}
	m.updateGaugeLocked()
}

// noteCrashLocked moves h to crashed, then either schedules a respawn or
// marks the tenant terminal. Caller holds m.mu.
func (m *Manager) noteCrashLocked(h *handle, detail string) {
	h.state = StateCrashed
	h.pid = 0
	h.consecFails++
	h.lastErr = detail

	m.log.Error("tenant worker crashed",
		slog.String("tenant_id", h.tenantID),
		slog.String("exit", detail),
		slog.Int("consecutive_failures", h.consecFails),
		slog.Int("restarts", h.restarts))

	if m.isShuttingDown() {
		return
	}
	if h.restarts >= m.cfg.MaxRestartsPerTenant {
		h.state = StateTerminal
		m.log.Error("tenant worker restart budget spent, supervision halted",
			slog.String("tenant_id", h.tenantID),
			slog.Int("restarts", h.restarts))
		go m.raiseTerminalAlert(h.tenantID, detail, h.restarts)
		return
	}

	h.restarts++
	observability.WorkerRestartsTotal.WithLabelValues(h.tenantID).Inc()
	delay := backoffDelay(m.cfg.RestartBackoff(), h.consecFails)
	h.state = StateRestarting
	m.log.Warn("tenant worker respawn scheduled",
		slog.String("tenant_id", h.tenantID),
		slog.Duration("backoff", delay))
	gen := h.gen
	h.restartTimer = time.AfterFunc(delay, func() { m.respawn(h, gen) })
}

// bootTimeout fires when a spawned worker never reports ready.
func (m *Manager) bootTimeout(h *handle, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.gen != gen || h.state != StateSpawning {
		return
	}
	m.log.Error("tenant worker missed bootstrap deadline, killing",
		slog.String("tenant_id", h.tenantID),
		slog.Duration("deadline", m.cfg.BootstrapTimeout()))
	h.kill()
}

func (m *Manager) respawn(h *handle, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.gen != gen || h.state != StateRestarting || m.isShuttingDown() {
		return
	}
	m.spawnLocked(h)
	m.updateGaugeLocked()
}

// stopWorker stops one worker gracefully, escalating to SIGKILL once the
// grace window elapses. With remove set the handle leaves the live map.
func (m *Manager) stopWorker(h *handle, remove bool) {
	var (
		w      *ipc.Writer
		exited chan struct{}
	)
	m.mu.Lock()
	switch h.state {
	case StateSpawning, StateRunning:
		h.state = StateStopping
		w = h.in
		exited = h.exited
	case StateStopping:
		// Another stopper is already driving; just wait with it.
		exited = h.exited
	case StateRestarting:
		if h.restartTimer != nil {
			h.restartTimer.Stop()
			h.restartTimer = nil
		}
		h.state = StateStopped
	default:
		// crashed, terminal, stopped: no process to stop.
	}
	m.updateGaugeLocked()
	m.mu.Unlock()

	if w != nil {
		if err := w.Send(ipc.KindShutdown, ipc.ShutdownPayload{Graceful: true}); err != nil {
			m.log.Warn("shutdown send failed, killing",
				slog.String("tenant_id", h.tenantID), slog.Any("error", err))
			m.mu.Lock()
			h.kill()
			m.mu.Unlock()
		}
	}
	if exited != nil {
		select {
		case <-exited:
		case <-time.After(m.cfg.ShutdownGrace() + 2*time.Second):
			m.log.Warn("grace window elapsed, killing worker",
				slog.String("tenant_id", h.tenantID))
			m.mu.Lock()
			h.kill()
			m.mu.Unlock()
			select {
			case <-exited:
			case <-time.After(5 * time.Second):
				m.log.Error("worker did not die on SIGKILL",
					slog.String("tenant_id", h.tenantID))
			}
		}
	}

	if remove {
		m.mu.Lock()
		if m.live[h.tenantID] == h {
			delete(m.live, h.tenantID)
		}
		m.updateGaugeLocked()
		m.mu.Unlock()
	}
}

// raiseTerminalAlert writes the system alert row directly: the tenant's own
// worker is down for good, so a queued alert job would have no consumer.
func (m *Manager) raiseTerminalAlert(tenantID, detail string, restarts int) {
	if m.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.alerts.Create(ctx, domain.Alert{
		TenantID: tenantID,
		Kind:     domain.AlertSystem,
		Severity: domain.SeverityCritical,
		Message:  "tenant worker exceeded its restart budget; automatic supervision halted",
		Metadata: map[string]any{"restarts": restarts, "lastExit": detail},
	})
	if err != nil {
		m.log.Error("terminal alert write failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}
