package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant owns contacts, campaigns, budgets and sending numbers.
type Tenant struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	Timezone           string    `json:"timezone"`
	Country            string    `json:"country"`
	IsPaused           bool      `json:"is_paused"`
	DailyBudgetCents   *int      `json:"daily_budget_cents,omitempty"`
	MonthlyBudgetCents *int      `json:"monthly_budget_cents,omitempty"`
	QuietHoursStart    int       `json:"quiet_hours_start"`
	QuietHoursEnd      int       `json:"quiet_hours_end"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Contact is a recipient, unique per tenant by normalized phone.
type Contact struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	PhoneE164     string     `json:"phone_e164"`
	FirstName     *string    `json:"first_name,omitempty"`
	LastName      *string    `json:"last_name,omitempty"`
	Timezone      *string    `json:"timezone,omitempty"`
	ConsentStatus string     `json:"consent_status"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Consent status values
const (
	ConsentExplicit = "explicit"
	ConsentImplied  = "implied"
	ConsentUnknown  = "unknown"
)

// DNCEntry is an absolute per-tenant send veto on a phone number.
type DNCEntry struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	PhoneE164 string    `json:"phone_e164"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// DNC reason codes
const (
	DNCReasonStop   = "STOP"
	DNCReasonManual = "MANUAL"
)

// MessageTemplate holds a message body with {{variable}} placeholders.
type MessageTemplate struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Campaign rotates over an ordered template list.
type Campaign struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"tenant_id"`
	Name        string      `json:"name"`
	Status      string      `json:"status"`
	TemplateIDs []uuid.UUID `json:"template_ids"`
	TargetURL   *string     `json:"target_url,omitempty"`
	QueuedAt    *time.Time  `json:"queued_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Campaign status values
const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignCompleted = "completed"
)

// SendingNumber is a provisioned outbound number, optionally in warm-up.
type SendingNumber struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	PhoneE164       string     `json:"phone_e164"`
	Provider        string     `json:"provider"`
	WarmupStartDate *time.Time `json:"warmup_start_date,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SendJob is the unit of work: one per (tenant, campaign, contact).
type SendJob struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          uuid.UUID  `json:"tenant_id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	ContactID         uuid.UUID  `json:"contact_id"`
	TemplateID        uuid.UUID  `json:"template_id"`
	SendingNumberID   *uuid.UUID `json:"sending_number_id,omitempty"`
	Status            string     `json:"status"`
	Body              string     `json:"body"`
	Parts             int        `json:"parts"`
	CostCents         *int       `json:"cost_cents,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	QueuedAt          time.Time  `json:"queued_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

// Send job status values. Delivered and failed are terminal, except that a
// sent job may still fail on a later provider callback.
const (
	JobQueued    = "queued"
	JobSending   = "sending"
	JobSent      = "sent"
	JobDelivered = "delivered"
	JobFailed    = "failed"
)

// ShortLink is a tokenized click-tracking redirect.
type ShortLink struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	CampaignID      uuid.UUID  `json:"campaign_id"`
	ContactID       uuid.UUID  `json:"contact_id"`
	Token           string     `json:"token"`
	TargetURL       string     `json:"target_url"`
	ClickedAt       *time.Time `json:"clicked_at,omitempty"`
	ClickCount      int        `json:"click_count"`
	HumanClickCount int        `json:"human_click_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

// Event is an append-only timeline row, the audit trail driving reports.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	ContactID   *uuid.UUID      `json:"contact_id,omitempty"`
	CampaignID  *uuid.UUID      `json:"campaign_id,omitempty"`
	SendJobID   *uuid.UUID      `json:"send_job_id,omitempty"`
	ShortLinkID *uuid.UUID      `json:"short_link_id,omitempty"`
	EventType   string          `json:"event_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Event types
const (
	EventQueued      = "QUEUED"
	EventSent        = "SENT"
	EventDelivered   = "DELIVERED"
	EventFailed      = "FAILED"
	EventClicked     = "CLICKED"
	EventReplied     = "REPLIED"
	EventOptOut      = "OPT_OUT"
	EventResubscribe = "RESUBSCRIBE"
)

// WebhookEvent is the durable replay-protection record, unique by the
// provider's event id.
type WebhookEvent struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

// Budget holds the running spend counters for a tenant with explicit window
// reset timestamps.
type Budget struct {
	TenantID          uuid.UUID `json:"tenant_id"`
	DailySpentCents   int       `json:"daily_spent_cents"`
	MonthlySpentCents int       `json:"monthly_spent_cents"`
	DailyResetAt      time.Time `json:"daily_reset_at"`
	MonthlyResetAt    time.Time `json:"monthly_reset_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
