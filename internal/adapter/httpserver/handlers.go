// Package httpserver is the orchestrator's HTTP boundary.
//
// It terminates vendor webhook deliveries for every tenant and exposes the
// operator admin API over the supervised worker fleet. Handlers stay thin:
// the receive pipeline lives in the watcher packages and supervision in the
// orchestrator package.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkesani1/stockclerk-sub002/internal/agent/watcher"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/orchestrator"
)

// Vendors send compact JSON; anything past this is hostile or broken.
const maxWebhookBody = 1 << 20

// WebhookDispatcher runs the receive pipeline for one delivery.
// *watcher.Receiver satisfies it.
type WebhookDispatcher interface {
	Dispatch(ctx domain.Context, kind domain.ChannelKind, raw []byte, signature, instanceID string) (watcher.Receipt, error)
}

// Supervisor is the slice of the orchestrator the admin API drives.
type Supervisor interface {
	Status() orchestrator.Status
	TenantStatus(tenantID string) (orchestrator.TenantStatus, error)
	TenantHealth(tenantID string) (orchestrator.TenantHealth, error)
	TriggerSync(tenantID, scope, channelID, productID string) error
	TriggerReconciliation(tenantID string, autoRepair bool) error
}

// Server bundles handler dependencies. The router wires its methods to paths.
type Server struct {
	Cfg        config.Config
	Receiver   WebhookDispatcher
	Supervisor Supervisor
	Products   domain.ProductRepository
	Mappings   domain.MappingRepository
	Channels   domain.ChannelRepository
	Alerts     domain.AlertRepository
	Providers  watcher.ProviderSource
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

type webhookResponse struct {
	Success  bool            `json:"success"`
	Outcome  watcher.Outcome `json:"outcome"`
	Enqueued int             `json:"enqueued,omitempty"`
}

// WebhookHandler terminates vendor deliveries on POST /webhooks/{kind}.
// Contract with vendors: 400 for unparseable payloads, 401 for signature
// failures, 200 for everything else. Internal trouble still answers 200 with
// success=false so vendor retry loops do not amplify our own outage.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := domain.ChannelKind(chi.URLParam(r, "kind"))
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=httpserver.WebhookHandler: read body: %v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		sig := r.Header.Get(webhookHeader(kind, "Signature"))
		inst := r.Header.Get(webhookHeader(kind, "Instance-Id"))

		rec, err := s.Receiver.Dispatch(r.Context(), kind, raw, sig, inst)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrUnauthorized) {
				writeError(w, r, err, map[string]any{"outcome": rec.Outcome})
				return
			}
			LoggerFrom(r).Error("webhook pipeline failed",
				slog.String("kind", string(kind)),
				slog.String("tenant_id", rec.TenantID),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusOK, webhookResponse{Success: false, Outcome: rec.Outcome})
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Outcome: rec.Outcome, Enqueued: rec.Enqueued})
	}
}

// WebhookHealthHandler answers the unauthenticated vendor-facing probe.
func (s *Server) WebhookHealthHandler() http.HandlerFunc {
	receivers := []string{
		string(domain.KindPOS),
		string(domain.KindOnlineStore),
		string(domain.KindDeliveryMarketplace),
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "receivers": receivers})
	}
}

// webhookHeader derives the canonical header name for a channel kind:
// pos becomes X-Pos-Signature, online_store X-Online-Store-Signature.
func webhookHeader(kind domain.ChannelKind, suffix string) string {
	parts := strings.Split(string(kind), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return "X-" + strings.Join(parts, "-") + "-" + suffix
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the process serves traffic only when both
// Postgres and Redis answer.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checks := []check{{"db", s.DBCheck}, {"redis", s.RedisCheck}}
		for _, c := range checks {
			if c.fn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := c.fn(ctx)
			cancel()
			if err != nil {
				LoggerFrom(r).Warn("readiness check failed",
					slog.String("check", c.name), slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "failed": c.name})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
