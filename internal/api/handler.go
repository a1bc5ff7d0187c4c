package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/budget"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/campaign"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/shortlink"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/smstext"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/webhook"
)

// CampaignQueuer fans a campaign out into send jobs.
type CampaignQueuer interface {
	Queue(ctx context.Context, campaignID uuid.UUID) (*campaign.Result, error)
}

// WebhookVerifier authenticates an incoming webhook request. Release undoes
// an admission whose processing failed transiently.
type WebhookVerifier interface {
	Verify(ctx context.Context, req webhook.Request) (bool, string)
	Release(ctx context.Context, eventID string)
}

// WebhookProcessor reconciles an authenticated webhook into state changes.
type WebhookProcessor interface {
	Process(ctx context.Context, params map[string]string) (*webhook.Result, error)
}

// LinkResolver resolves a short-link token to its target URL.
type LinkResolver interface {
	Resolve(ctx context.Context, token, userAgent string) (string, error)
}

// BudgetReader reports a tenant's current budget windows.
type BudgetReader interface {
	GetStatus(ctx context.Context, tenantID uuid.UUID) (*budget.Status, error)
}

// TenantStore defines the tenant admin operations the API writes through.
type TenantStore interface {
	SetTenantPaused(ctx context.Context, id uuid.UUID, paused bool) error
	SetTenantBudgets(ctx context.Context, id uuid.UUID, dailyCents, monthlyCents *int) error
	GetPerPartCostCents(ctx context.Context, provider, country string) (int, error)
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Config carries the request-independent settings the handlers need.
type Config struct {
	// WebhookSecret is the shared secret webhook signatures are checked
	// against (the Twilio auth token when TwilioWebhooks is set).
	WebhookSecret string

	// TwilioWebhooks switches webhook verification to Twilio's
	// URL+params signature scheme.
	TwilioWebhooks bool

	// PublicBaseURL is the externally visible origin of this API, used to
	// reconstruct the URL Twilio signed.
	PublicBaseURL string

	// Provider and Country select the per-part rate row for previews.
	Provider string
	Country  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger   *zap.Logger
	queuer   CampaignQueuer
	verifier WebhookVerifier
	hooks    WebhookProcessor
	links    LinkResolver
	budgets  BudgetReader
	tenants  TenantStore
	cfg      Config
}

// NewHandler creates an API handler.
func NewHandler(
	logger *zap.Logger,
	queuer CampaignQueuer,
	verifier WebhookVerifier,
	hooks WebhookProcessor,
	links LinkResolver,
	budgets BudgetReader,
	tenants TenantStore,
	cfg Config,
) *Handler {
	return &Handler{
		logger:   logger,
		queuer:   queuer,
		verifier: verifier,
		hooks:    hooks,
		links:    links,
		budgets:  budgets,
		tenants:  tenants,
		cfg:      cfg,
	}
}

// QueueCampaign handles POST /v1/campaigns/{id}/queue.
// Re-invoking it for the same campaign is safe: contacts already queued are
// counted as skipped.
func (h *Handler) QueueCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	result, err := h.queuer.Queue(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
			return
		}
		h.logger.Error("campaign queue run failed",
			zap.Error(err),
			zap.String("campaign_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to queue campaign", "")
		return
	}

	metrics.RecordJobsQueued(result.TenantID.String(), result.Queued)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// ProviderWebhook handles POST /v1/webhooks/provider. The provider posts
// form-encoded delivery receipts and inbound messages here.
//
// Responses are chosen so the provider retries only when it should: bad
// signatures get 401, duplicates get 200 (retrying them is pointless), and
// an unknown receiving number gets 404.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		metrics.RecordWebhookRejection("malformed_body")
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed form body", "")
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}

	eventID := params["MessageSid"]
	if eventID == "" {
		eventID = params["SmsSid"]
	}

	req := webhook.Request{
		Secret:    h.cfg.WebhookSecret,
		EventID:   eventID,
		Signature: r.Header.Get("X-Twilio-Signature"),
		Twilio:    h.cfg.TwilioWebhooks,
		TwilioURL: h.cfg.PublicBaseURL + r.URL.RequestURI(),
		Params:    params,
	}
	if !h.cfg.TwilioWebhooks {
		req.Signature = r.Header.Get("X-Webhook-Signature")
		req.Payload = []byte(r.PostForm.Encode())
	}

	if ok, reason := h.verifier.Verify(ctx, req); !ok {
		if reason == "duplicate event" {
			// Already processed. Acknowledge so the provider stops retrying.
			w.WriteHeader(http.StatusOK)
			return
		}
		metrics.RecordWebhookRejection(strings.ReplaceAll(reason, " ", "_"))
		h.logger.Warn("webhook rejected",
			zap.String("reason", reason),
			zap.String("event_id", eventID),
		)
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Webhook verification failed", "")
		return
	}

	result, err := h.hooks.Process(ctx, params)
	if err != nil {
		if errors.Is(err, webhook.ErrUnknownReceiver) {
			metrics.RecordWebhookRejection("unknown_receiver")
			h.writeError(w, http.StatusNotFound, "not_found", "Unknown receiving number", "")
			return
		}
		// Undo the replay claim so the provider's retry is admitted
		// instead of being acknowledged as a duplicate and lost.
		h.verifier.Release(ctx, eventID)
		h.logger.Error("webhook processing failed",
			zap.Error(err),
			zap.String("event_id", eventID),
		)
		h.writeError(w, http.StatusInternalServerError, "webhook_error", "Failed to process webhook", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"duplicate": result.Duplicate})
}

// RedirectShortLink handles GET /s/{token}: record the click and bounce the
// visitor to the campaign's target URL.
func (h *Handler) RedirectShortLink(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	target, err := h.links.Resolve(r.Context(), token, r.UserAgent())
	if err != nil {
		if errors.Is(err, shortlink.ErrExpired) {
			h.writeError(w, http.StatusGone, "link_expired", "This link has expired", "")
			return
		}
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Unknown link", "")
			return
		}
		h.logger.Error("short link resolve failed", zap.Error(err), zap.String("token", token))
		h.writeError(w, http.StatusInternalServerError, "link_error", "Failed to resolve link", "")
		return
	}

	// Keep the tracking token out of the destination's referrer.
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	http.Redirect(w, r, target, http.StatusFound)
}

// PreviewRequest is the body of the message preview endpoint.
type PreviewRequest struct {
	Message string `json:"message"`
}

// PreviewResponse reports the rendered message and its cost.
type PreviewResponse struct {
	Preview           string `json:"preview"`
	OriginalLength    int    `json:"original_length"`
	FullMessageLength int    `json:"full_message_length"`
	Parts             int    `json:"parts"`
	CostPerPartCents  int    `json:"cost_per_part_cents"`
	TotalCostCents    int    `json:"total_cost_cents"`
}

// PreviewMessage handles POST /v1/campaigns/messages/preview. The opt-out
// suffix is appended before counting parts, the same as the send path does.
func (h *Handler) PreviewMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message", "message is required")
		return
	}

	full := smstext.AppendOptOut(req.Message)
	parts := smstext.CalculateParts(full)

	perPart, err := h.tenants.GetPerPartCostCents(ctx, h.cfg.Provider, h.cfg.Country)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			h.logger.Warn("per-part cost lookup failed", zap.Error(err))
		}
		perPart = 0
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PreviewResponse{
		Preview:           full,
		OriginalLength:    len([]rune(req.Message)),
		FullMessageLength: len([]rune(full)),
		Parts:             parts,
		CostPerPartCents:  perPart,
		TotalCostCents:    perPart * parts,
	})
}

// GetTenantBudget handles GET /v1/tenants/{id}/budget.
func (h *Handler) GetTenantBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	tenantID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant ID", "ID must be a valid UUID")
		return
	}

	status, err := h.budgets.GetStatus(ctx, tenantID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Tenant not found", "")
			return
		}
		h.logger.Error("budget status lookup failed",
			zap.Error(err),
			zap.String("tenant_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "budget_error", "Failed to read budget status", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// PauseTenant handles POST /v1/tenants/{id}/pause and
// POST /v1/tenants/{id}/resume. Pausing stops every new send for the tenant
// at the gate; jobs already in flight still settle.
func (h *Handler) PauseTenant(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := chi.URLParam(r, "id")
		tenantID, err := uuid.Parse(idStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant ID", "ID must be a valid UUID")
			return
		}

		if err := h.tenants.SetTenantPaused(ctx, tenantID, paused); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Tenant not found", "")
				return
			}
			h.logger.Error("tenant pause update failed",
				zap.Error(err),
				zap.String("tenant_id", idStr),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update tenant", "")
			return
		}

		status := "resumed"
		if paused {
			status = "paused"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     idStr,
			"status": status,
		})
	}
}

// BudgetRequest is the body of the budget update endpoint. A null cap means
// unlimited.
type BudgetRequest struct {
	DailyBudgetCents   *int `json:"daily_budget_cents"`
	MonthlyBudgetCents *int `json:"monthly_budget_cents"`
}

// SetTenantBudget handles PUT /v1/tenants/{id}/budget.
func (h *Handler) SetTenantBudget(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	tenantID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant ID", "ID must be a valid UUID")
		return
	}

	var req BudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if (req.DailyBudgetCents != nil && *req.DailyBudgetCents < 0) ||
		(req.MonthlyBudgetCents != nil && *req.MonthlyBudgetCents < 0) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid budget", "budget caps must not be negative")
		return
	}

	if err := h.tenants.SetTenantBudgets(ctx, tenantID, req.DailyBudgetCents, req.MonthlyBudgetCents); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Tenant not found", "")
			return
		}
		h.logger.Error("tenant budget update failed",
			zap.Error(err),
			zap.String("tenant_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update budgets", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": "updated",
	})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
