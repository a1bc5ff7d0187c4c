package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Counters are package globals, so each test uses label values nothing else
// touches and asserts the delta.

func TestRecorders(t *testing.T) {
	RecordJobsQueued("metrics-test-tenant", 2)
	RecordJobsQueued("metrics-test-tenant", 3)
	if got := testutil.ToFloat64(jobsQueued.WithLabelValues("metrics-test-tenant")); got != 5 {
		t.Errorf("jobs queued = %v, want 5", got)
	}

	RecordGateDenial("quiet_hours")
	if got := testutil.ToFloat64(gateDenials.WithLabelValues("quiet_hours")); got != 1 {
		t.Errorf("gate denials = %v, want 1", got)
	}

	RecordSendProcessed("sent", "metrics-test-provider")
	RecordSendProcessed("failed", "metrics-test-provider")
	if got := testutil.ToFloat64(sendsProcessed.WithLabelValues("sent", "metrics-test-provider")); got != 1 {
		t.Errorf("sends processed = %v, want 1", got)
	}

	RecordWebhookRejection("invalid_signature")
	if got := testutil.ToFloat64(webhookRejections.WithLabelValues("invalid_signature")); got != 1 {
		t.Errorf("webhook rejections = %v, want 1", got)
	}

	RecordShortLinkClick("bot")
	RecordShortLinkClick("human")
	RecordShortLinkClick("human")
	if got := testutil.ToFloat64(shortLinkClicks.WithLabelValues("human")); got != 2 {
		t.Errorf("human clicks = %v, want 2", got)
	}

	RecordRateLimitRejection("metrics-test-tenant")
	if got := testutil.ToFloat64(rateLimitRejections.WithLabelValues("metrics-test-tenant")); got != 1 {
		t.Errorf("rate limit rejections = %v, want 1", got)
	}

	SetDBConnections(12)
	if got := testutil.ToFloat64(dbConnectionsActive); got != 12 {
		t.Errorf("db connections = %v, want 12", got)
	}

	IncInFlightJobs()
	IncInFlightJobs()
	DecInFlightJobs()
	if got := testutil.ToFloat64(inFlightJobs); got != 1 {
		t.Errorf("in-flight jobs = %v, want 1", got)
	}

	// Histograms have no ToFloat64; just exercise them.
	RecordSendLatency("metrics-test-provider", 300*time.Millisecond)
	RecordRequest("GET", "/metrics-test", 200, 5*time.Millisecond)
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordJobsQueued("metrics-handler-tenant", 1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "smscrm_jobs_queued_total") {
		t.Error("expected smscrm series in metrics output")
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns/abc-123", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	// The series must carry the pattern, not the raw path with the ID.
	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/campaigns/{id}", "201"))
	if got != 1 {
		t.Errorf("pattern-labelled requests = %v, want 1", got)
	}
}
