package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Webhook deliveries by channel kind and pipeline outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued per queue class",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Jobs currently in flight per queue class",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed per queue class",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed per queue class",
		},
		[]string{"queue"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job handling duration per queue class",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Vendor API calls by channel kind and operation",
		},
		[]string{"kind", "operation"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Vendor API call duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind", "operation"},
	)
	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_errors_total",
			Help: "Vendor API failures by channel kind and error class",
		},
		[]string{"kind", "class"},
	)

	DriftDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drift_detected_total",
			Help: "Reconciliation drift findings by channel kind",
		},
		[]string{"kind"},
	)
	DriftRepairedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drift_repaired_total",
			Help: "Auto-repaired drift by channel kind",
		},
		[]string{"kind"},
	)

	AlertsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_written_total",
			Help: "Alert rows written by kind",
		},
		[]string{"kind"},
	)
	AlertsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_dispatched_total",
			Help: "Alert notifications delivered by action",
		},
		[]string{"action"},
	)
	AlertsDedupedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_deduped_total",
			Help: "Alert notifications suppressed by the dedup window",
		},
		[]string{"kind"},
	)

	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_workers",
			Help: "Tenant workers by supervision state",
		},
		[]string{"state"},
	)
	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_worker_restarts_total",
			Help: "Tenant worker restarts",
		},
		[]string{"tenant_id"},
	)

	BusPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "In-process bus publications by topic",
		},
		[]string{"topic"},
	)
	BusDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Bus events dropped on slow subscribers by topic",
		},
		[]string{"topic"},
	)
)

// InitMetrics registers all collectors. Called once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WebhooksReceivedTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ProviderErrorsTotal)
	prometheus.MustRegister(DriftDetectedTotal)
	prometheus.MustRegister(DriftRepairedTotal)
	prometheus.MustRegister(AlertsWrittenTotal)
	prometheus.MustRegister(AlertsDispatchedTotal)
	prometheus.MustRegister(AlertsDedupedTotal)
	prometheus.MustRegister(WorkersByState)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(BusPublishedTotal)
	prometheus.MustRegister(BusDroppedTotal)
}

// EnqueueJob records a job entering a queue.
func EnqueueJob(queue string) {
	JobsEnqueuedTotal.WithLabelValues(queue).Inc()
}

// StartProcessingJob marks a job in flight.
func StartProcessingJob(queue string) {
	JobsProcessing.WithLabelValues(queue).Inc()
}

// CompleteJob marks a successful job and its duration.
func CompleteJob(queue string, seconds float64) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsCompletedTotal.WithLabelValues(queue).Inc()
	JobDuration.WithLabelValues(queue).Observe(seconds)
}

// FailJob marks a failed job and its duration.
func FailJob(queue string, seconds float64) {
	JobsProcessing.WithLabelValues(queue).Dec()
	JobsFailedTotal.WithLabelValues(queue).Inc()
	JobDuration.WithLabelValues(queue).Observe(seconds)
}

// ObserveProviderCall records one vendor API call.
func ObserveProviderCall(kind, operation string, start time.Time, errClass string) {
	ProviderRequestsTotal.WithLabelValues(kind, operation).Inc()
	ProviderRequestDuration.WithLabelValues(kind, operation).Observe(time.Since(start).Seconds())
	if errClass != "" {
		ProviderErrorsTotal.WithLabelValues(kind, errClass).Inc()
	}
}

// MetricsMiddleware records request counts and durations per chi route.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
