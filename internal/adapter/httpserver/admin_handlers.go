// Package httpserver is the orchestrator's HTTP boundary.
//
// It terminates vendor webhook deliveries for every tenant and exposes the
// operator admin API over the supervised worker fleet. Handlers stay thin:
// the receive pipeline lives in the watcher packages and supervision in the
// orchestrator package.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/ipc"
)

// AdminStatusHandler reports the whole worker fleet.
func (s *Server) AdminStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Supervisor.Status())
	}
}

// AdminTenantStatusHandler reports one tenant's supervision record.
func (s *Server) AdminTenantStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateID("tenant id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		st, err := s.Supervisor.TenantStatus(id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// AdminTenantHealthHandler reports the worker's last self-reported health.
func (s *Server) AdminTenantHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateID("tenant id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		h, err := s.Supervisor.TenantHealth(id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

type syncRequest struct {
	Scope     string `json:"scope"`
	ChannelID string `json:"channelId"`
	ProductID string `json:"productId"`
}

// AdminTriggerSyncHandler forwards a manual sync command to the tenant's
// worker. The command is queued inside the worker; 202 means delivered, not
// done.
func (s *Server) AdminTriggerSyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateID("tenant id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("op=httpserver.AdminTriggerSyncHandler: decode: %v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		if req.Scope == "" {
			req.Scope = ipc.ScopeFull
		}
		if err := s.Supervisor.TriggerSync(id, req.Scope, req.ChannelID, req.ProductID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "scope": req.Scope})
	}
}

type reconcileRequest struct {
	AutoRepair bool `json:"autoRepair"`
}

// AdminTriggerReconcileHandler forwards a manual reconciliation command.
func (s *Server) AdminTriggerReconcileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateID("tenant id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req reconcileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("op=httpserver.AdminTriggerReconcileHandler: decode: %v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Supervisor.TriggerReconciliation(id, req.AutoRepair); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "autoRepair": req.AutoRepair})
	}
}

type alertView struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenantId"`
	Kind      domain.AlertKind     `json:"kind"`
	Severity  domain.AlertSeverity `json:"severity"`
	Message   string               `json:"message"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
	IsRead    bool                 `json:"isRead"`
	CreatedAt time.Time            `json:"createdAt"`
}

// AdminListAlertsHandler lists a tenant's alerts, unread first per the repo
// ordering. Filters: unread=1, offset, limit.
func (s *Server) AdminListAlertsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateID("tenant id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		offset, limit, err := pagination(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		alerts, err := s.Alerts.List(r.Context(), id, boolParam(r, "unread"), offset, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]alertView, 0, len(alerts))
		for _, a := range alerts {
			views = append(views, alertView{
				ID:        a.ID,
				TenantID:  a.TenantID,
				Kind:      a.Kind,
				Severity:  a.Severity,
				Message:   a.Message,
				Metadata:  a.Metadata,
				IsRead:    a.IsRead,
				CreatedAt: a.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": views, "count": len(views)})
	}
}

// AdminMarkAlertReadHandler acknowledges one alert.
func (s *Server) AdminMarkAlertReadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := validateID("alert id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Alerts.MarkRead(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
