// Package metrics exposes the Prometheus series for the API and the send
// worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smscrm_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_jobs_queued_total",
			Help: "Send jobs created by campaign queueing, per tenant",
		},
		[]string{"tenant_id"},
	)

	gateDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_gate_denials_total",
			Help: "Contacts skipped at queue time, by denying gate",
		},
		[]string{"gate"},
	)

	sendsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_sends_processed_total",
			Help: "Send jobs processed by the worker, by outcome",
		},
		[]string{"outcome", "provider"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smscrm_send_latency_seconds",
			Help:    "Time from enqueue to provider acceptance",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	webhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_webhook_rejections_total",
			Help: "Provider webhooks rejected before processing, by reason",
		},
		[]string{"reason"},
	)

	shortLinkClicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_short_link_clicks_total",
			Help: "Short link resolutions, split by human and bot",
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smscrm_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"tenant_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smscrm_db_connections_active",
			Help: "Active database connections",
		},
	)

	inFlightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smscrm_worker_inflight_jobs",
			Help: "Send jobs currently being processed by this worker",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobsQueued counts the send jobs one queue run created for a tenant.
func RecordJobsQueued(tenantID string, count int) {
	jobsQueued.WithLabelValues(tenantID).Add(float64(count))
}

// RecordGateDenial counts one contact skipped by the named gate.
func RecordGateDenial(gate string) {
	gateDenials.WithLabelValues(gate).Inc()
}

// RecordSendProcessed counts one worker outcome: sent, retried, failed
// or skipped.
func RecordSendProcessed(outcome, provider string) {
	sendsProcessed.WithLabelValues(outcome, provider).Inc()
}

// RecordSendLatency records enqueue-to-acceptance time.
func RecordSendLatency(provider string, latency time.Duration) {
	sendLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordWebhookRejection counts one rejected webhook.
func RecordWebhookRejection(reason string) {
	webhookRejections.WithLabelValues(reason).Inc()
}

// RecordShortLinkClick counts one resolution; kind is "human" or "bot".
func RecordShortLinkClick(kind string) {
	shortLinkClicks.WithLabelValues(kind).Inc()
}

// RecordRateLimitRejection counts one throttled API request.
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// SetDBConnections sets the active database connection count.
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// IncInFlightJobs marks one job entering the worker pool.
func IncInFlightJobs() {
	inFlightJobs.Inc()
}

// DecInFlightJobs marks one job leaving the worker pool.
func DecInFlightJobs() {
	inFlightJobs.Dec()
}

// Middleware records request count and latency for every route. The chi
// route pattern is used as the path label so IDs and tokens do not blow up
// series cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		RecordRequest(r.Method, path, status, time.Since(start))
	})
}
