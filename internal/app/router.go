// Package app assembles the orchestrator's HTTP surface and its background
// sweeps from the adapter packages.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/mkesani1/stockclerk-sub002/internal/adapter/httpserver"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	// Rate limiting keys on client IP, so resolve X-Forwarded-For first.
	r.Use(middleware.RealIP)
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.MetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Vendor webhook intake. Rate limited per source IP; the pipeline itself
	// never answers 5xx to vendors.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/webhooks/{kind}", srv.WebhookHandler())
	})
	r.Get("/webhooks/health", srv.WebhookHealthHandler())

	// Operator admin API.
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		ar.Use(httpserver.AdminAuth(cfg.AdminBearer()))
		ar.Get("/status", srv.AdminStatusHandler())
		ar.Get("/tenants/{id}/status", srv.AdminTenantStatusHandler())
		ar.Get("/tenants/{id}/health", srv.AdminTenantHealthHandler())
		ar.Post("/tenants/{id}/sync", srv.AdminTriggerSyncHandler())
		ar.Post("/tenants/{id}/reconcile", srv.AdminTriggerReconcileHandler())
		ar.Post("/tenants/{id}/catalog/import", srv.AdminImportCatalogHandler())
		ar.Get("/tenants/{id}/alerts", srv.AdminListAlertsHandler())
		ar.Post("/alerts/{id}/read", srv.AdminMarkAlertReadHandler())
	})

	// Health and metrics.
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
