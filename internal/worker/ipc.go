package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"log/slog"

	"github.com/mkesani1/stockclerk-sub002/internal/agent/guardian"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
)

// serveIPC consumes parent commands until shutdown or a dead pipe. The return
// value says whether to drain in-flight work before exiting.
func (r *Runtime) serveIPC(ctx context.Context) bool {
	for {
		msg, err := r.in.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Info("parent pipe closed")
			} else {
				// Scanner errors are sticky; the stream is unusable.
				r.log.Error("ipc stream broken", slog.Any("error", err))
				r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{
					Message: fmt.Sprintf("ipc stream broken: %v", err),
				})
			}
			return true
		}
		stop, graceful := r.dispatch(ctx, msg)
		if stop {
			return graceful
		}
	}
}

// dispatch routes one parent command. stop ends serving; graceful selects
// between drain-then-exit and exit-now.
func (r *Runtime) dispatch(ctx context.Context, msg ipc.Message) (stop, graceful bool) {
	switch msg.Kind {
	case ipc.KindPing:
		var p ipc.PingPayload
		if err := msg.Decode(&p); err != nil {
			r.log.Warn("bad ping", slog.Any("error", err))
			return false, false
		}
		r.send(ipc.KindPong, ipc.PongPayload{TS: p.TS})

	case ipc.KindTriggerSync:
		var p ipc.TriggerSyncPayload
		if err := msg.Decode(&p); err != nil {
			r.reportError(fmt.Errorf("op=worker.triggerSync: %w", err))
			return false, false
		}
		if err := r.triggerSync(ctx, p); err != nil {
			r.reportError(err)
		}

	case ipc.KindAddWebhookJob:
		var p ipc.AddWebhookJobPayload
		if err := msg.Decode(&p); err != nil {
			r.reportError(fmt.Errorf("op=worker.addWebhookJob: %w", err))
			return false, false
		}
		if _, err := r.queue.EnqueueWebhookEvent(ctx, p.Event); err != nil {
			r.reportError(fmt.Errorf("op=worker.addWebhookJob: %w", err))
		}

	case ipc.KindTriggerReconciliation:
		var p ipc.TriggerReconciliationPayload
		if err := msg.Decode(&p); err != nil {
			r.reportError(fmt.Errorf("op=worker.triggerReconciliation: %w", err))
			return false, false
		}
		// A pass can take minutes; run it off the command loop.
		go r.runReconciliation(ctx, p.AutoRepair)

	case ipc.KindShutdown:
		p := ipc.ShutdownPayload{Graceful: true}
		if len(msg.Payload) > 0 {
			_ = msg.Decode(&p)
		}
		r.log.Info("shutdown requested", slog.Bool("graceful", p.Graceful))
		return true, p.Graceful

	case ipc.KindInit:
		// Re-init of a live worker is not supported; the parent restarts
		// the process instead.
		r.log.Warn("init for a running worker ignored")

	default:
		// Unknown kinds pass silently so the parent can be upgraded first.
	}
	return false, false
}

// triggerSync fans an operator request out to queue jobs. Full scope queues a
// catalog walk per active channel, channel scope one walk, product scope one
// push per mapping.
func (r *Runtime) triggerSync(ctx context.Context, p ipc.TriggerSyncPayload) error {
	switch p.Scope {
	case ipc.ScopeFull:
		chans, err := r.channels.ListByTenant(ctx, r.tenantID, true)
		if err != nil {
			return fmt.Errorf("op=worker.triggerSync: %w", err)
		}
		for _, ch := range chans {
			if _, err := r.queue.EnqueueFullSync(ctx, r.tenantID, domain.FullSyncJob{ChannelID: ch.ID}); err != nil {
				return fmt.Errorf("op=worker.triggerSync: channel %s: %w", ch.ID, err)
			}
		}
		r.log.Info("full sync triggered", slog.Int("channels", len(chans)))

	case ipc.ScopeChannel:
		if p.ChannelID == "" {
			return fmt.Errorf("op=worker.triggerSync: %w: channel scope needs channelId", domain.ErrInvalidArgument)
		}
		if _, err := r.queue.EnqueueFullSync(ctx, r.tenantID, domain.FullSyncJob{ChannelID: p.ChannelID}); err != nil {
			return fmt.Errorf("op=worker.triggerSync: %w", err)
		}

	case ipc.ScopeProduct:
		if p.ProductID == "" {
			return fmt.Errorf("op=worker.triggerSync: %w: product scope needs productId", domain.ErrInvalidArgument)
		}
		maps, err := r.mappings.ListByProduct(ctx, p.ProductID)
		if err != nil {
			return fmt.Errorf("op=worker.triggerSync: %w", err)
		}
		for _, m := range maps {
			if _, err := r.queue.EnqueuePushUpdate(ctx, r.tenantID,
				domain.PushUpdateJob{ProductID: m.ProductID, ChannelID: m.ChannelID}, 0); err != nil {
				return fmt.Errorf("op=worker.triggerSync: mapping %s: %w", m.ID, err)
			}
		}

	default:
		return fmt.Errorf("op=worker.triggerSync: %w: unknown scope %q", domain.ErrInvalidArgument, p.Scope)
	}
	return nil
}

// runReconciliation executes an operator-triggered pass and reports the
// outcome upward as a sync_event.
func (r *Runtime) runReconciliation(ctx context.Context, autoRepair bool) {
	sum, err := r.recon.Pass(ctx, autoRepair)
	if err != nil {
		r.reportError(fmt.Errorf("op=worker.reconciliation: %w", err))
		return
	}
	b, err := json.Marshal(struct {
		Summary          guardian.Summary `json:"summary"`
		HasCriticalDrift bool             `json:"hasCriticalDrift"`
	}{sum, sum.HasCriticalDrift()})
	if err != nil {
		return
	}
	r.send(ipc.KindSyncEvent, ipc.SyncEventPayload{EventType: "reconciliation.completed", Data: b})
}

// bridgeEvents forwards bus events to the parent as sync_event messages. The
// subscription buffer absorbs bursts; sustained overflow drops events, which
// the bus counts.
func (r *Runtime) bridgeEvents(ctx context.Context) {
	sub := r.bus.Subscribe(256)
	defer r.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			r.send(ipc.KindSyncEvent, ipc.SyncEventPayload{EventType: string(ev.Topic), Data: b})
		}
	}
}

// reportError surfaces a non-fatal command failure to the parent and the log.
func (r *Runtime) reportError(err error) {
	r.log.Error("command failed", slog.Any("error", err))
	r.send(ipc.KindErrorReport, ipc.ErrorReportPayload{Message: err.Error()})
}
