package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/smstext"
)

// ErrUnknownReceiver means the webhook's To number maps to no tenant.
var ErrUnknownReceiver = errors.New("unknown receiving number")

// Store is the slice of the repository reconciliation writes through.
type Store interface {
	GetSendingNumberByPhone(ctx context.Context, phoneE164 string) (*db.SendingNumber, error)
	InsertWebhookEvent(ctx context.Context, ev *db.WebhookEvent) (bool, error)
	GetSendJobByProviderMessageID(ctx context.Context, tenantID uuid.UUID, providerMessageID string) (*db.SendJob, error)
	MarkSendJobSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkSendJobDelivered(ctx context.Context, id uuid.UUID) error
	MarkSendJobFailed(ctx context.Context, id uuid.UUID, reason string) error
	GetContactByPhone(ctx context.Context, tenantID uuid.UUID, phoneE164 string) (*db.Contact, error)
	AddToDNC(ctx context.Context, tenantID uuid.UUID, phoneE164, reason string) error
	RemoveFromDNC(ctx context.Context, tenantID uuid.UUID, phoneE164 string) error
	InsertEvent(ctx context.Context, ev *db.Event) error
}

// Reconciler folds authenticated provider callbacks into job state and the
// contact timeline.
type Reconciler struct {
	store  Store
	logger *zap.Logger
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Result reports what one webhook did.
type Result struct {
	Duplicate bool `json:"duplicate,omitempty"`
}

// Process handles one verified Twilio-shaped callback. The same payload
// may carry a status update, an inbound message, or both. The durable
// webhook_events row is the second dedup layer behind the Redis guard:
// a replay that slips past Redis stops here.
func (r *Reconciler) Process(ctx context.Context, params map[string]string) (*Result, error) {
	eventID := params["MessageSid"]
	if eventID == "" {
		eventID = params["SmsSid"]
	}
	if eventID == "" {
		return nil, fmt.Errorf("webhook payload has no event id")
	}

	number, err := r.store.GetSendingNumberByPhone(ctx, normalizePhoneOr(params["To"]))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReceiver, params["To"])
		}
		return nil, fmt.Errorf("resolve receiving number: %w", err)
	}
	tenantID := number.TenantID

	eventType := params["MessageStatus"]
	if eventType == "" {
		eventType = params["SmsStatus"]
	}
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	payload, _ := json.Marshal(params)
	inserted, err := r.store.InsertWebhookEvent(ctx, &db.WebhookEvent{
		TenantID:        tenantID,
		ProviderEventID: eventID,
		EventType:       eventType,
		Payload:         payload,
	})
	if err != nil {
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	if !inserted {
		r.logger.Info("duplicate webhook ignored", zap.String("event_id", eventID))
		return &Result{Duplicate: true}, nil
	}

	if status := params["MessageStatus"]; status != "" {
		if err := r.applyStatus(ctx, tenantID, params, status); err != nil {
			return nil, err
		}
	}

	if params["Body"] != "" && params["From"] != "" {
		if err := r.applyInbound(ctx, tenantID, params); err != nil {
			return nil, err
		}
	}

	return &Result{}, nil
}

// normalizePhoneOr returns the E.164 form of raw, or raw unchanged when it
// does not parse. Provider payloads usually carry E.164 already.
func normalizePhoneOr(raw string) string {
	if p, err := smstext.NormalizePhone(raw, ""); err == nil {
		return p
	}
	return raw
}

type statusMetadata struct {
	ProviderStatus    string `json:"providerStatus"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

// statusEventType maps a provider delivery status onto a timeline event type.
// Statuses outside the known set pass through verbatim.
func statusEventType(status string) string {
	switch status {
	case "QUEUED", "ACCEPTED":
		return db.EventQueued
	case "SENT", "SENDING":
		return db.EventSent
	case "DELIVERED":
		return db.EventDelivered
	case "FAILED", "UNDELIVERED":
		return db.EventFailed
	default:
		return status
	}
}

// applyStatus maps a provider delivery status onto the send job keyed by
// (tenant, provider message id). When no job matches, the receipt still
// lands on the tenant timeline: receipts can outlive their campaign's
// retention, and an orphan receipt is itself worth auditing.
func (r *Reconciler) applyStatus(ctx context.Context, tenantID uuid.UUID, params map[string]string, status string) error {
	status = strings.ToUpper(status)
	providerMessageID := params["MessageSid"]

	job, err := r.store.GetSendJobByProviderMessageID(ctx, tenantID, providerMessageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			r.logger.Warn("send job not found for status update",
				zap.String("provider_message_id", providerMessageID),
			)
			meta, _ := json.Marshal(statusMetadata{
				ProviderStatus:    status,
				ErrorCode:         params["ErrorCode"],
				ProviderMessageID: providerMessageID,
			})
			if err := r.store.InsertEvent(ctx, &db.Event{
				TenantID:  tenantID,
				EventType: statusEventType(status),
				Metadata:  meta,
			}); err != nil {
				r.logger.Warn("orphan status event insert failed", zap.Error(err))
			}
			return nil
		}
		return fmt.Errorf("load send job: %w", err)
	}

	eventType := statusEventType(status)
	switch eventType {
	case db.EventSent:
		// Delivered already implies sent; never step a job backwards.
		if job.Status != db.JobDelivered {
			if err := r.store.MarkSendJobSent(ctx, job.ID, providerMessageID); err != nil {
				return fmt.Errorf("mark sent: %w", err)
			}
		}

	case db.EventDelivered:
		if err := r.store.MarkSendJobDelivered(ctx, job.ID); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}

	case db.EventFailed:
		if err := r.store.MarkSendJobFailed(ctx, job.ID, params["ErrorCode"]); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}

	meta, _ := json.Marshal(statusMetadata{ProviderStatus: status, ErrorCode: params["ErrorCode"]})
	if err := r.store.InsertEvent(ctx, &db.Event{
		TenantID:   tenantID,
		ContactID:  &job.ContactID,
		CampaignID: &job.CampaignID,
		SendJobID:  &job.ID,
		EventType:  eventType,
		Metadata:   meta,
	}); err != nil {
		r.logger.Warn("status event insert failed", zap.Error(err), zap.String("send_job_id", job.ID.String()))
	}

	return nil
}

type inboundMetadata struct {
	Message string `json:"message"`
}

// applyInbound handles a reply. STOP words add the phone to the tenant's
// do-not-contact list, START words remove it, anything else is recorded
// as a plain reply.
func (r *Reconciler) applyInbound(ctx context.Context, tenantID uuid.UUID, params map[string]string) error {
	// Contacts and DNC entries key on the E.164 form, so the sender's
	// number is normalized before any lookup.
	from := normalizePhoneOr(params["From"])
	body := strings.TrimSpace(params["Body"])

	contact, err := r.store.GetContactByPhone(ctx, tenantID, from)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			r.logger.Info("inbound message from unknown contact", zap.String("from", from))
			return nil
		}
		return fmt.Errorf("load contact: %w", err)
	}

	meta, _ := json.Marshal(inboundMetadata{Message: body})

	switch {
	case smstext.IsStopKeyword(body):
		if err := r.store.AddToDNC(ctx, tenantID, from, db.DNCReasonStop); err != nil {
			return fmt.Errorf("add to dnc: %w", err)
		}
		if err := r.store.InsertEvent(ctx, &db.Event{
			TenantID:  tenantID,
			ContactID: &contact.ID,
			EventType: db.EventOptOut,
			Metadata:  meta,
		}); err != nil {
			r.logger.Warn("opt-out event insert failed", zap.Error(err))
		}
		r.logger.Info("contact opted out", zap.String("contact_id", contact.ID.String()))

	case smstext.IsStartKeyword(body):
		if err := r.store.RemoveFromDNC(ctx, tenantID, from); err != nil {
			return fmt.Errorf("remove from dnc: %w", err)
		}
		if err := r.store.InsertEvent(ctx, &db.Event{
			TenantID:  tenantID,
			ContactID: &contact.ID,
			EventType: db.EventResubscribe,
			Metadata:  meta,
		}); err != nil {
			r.logger.Warn("resubscribe event insert failed", zap.Error(err))
		}
		r.logger.Info("contact resubscribed", zap.String("contact_id", contact.ID.String()))

	default:
		if err := r.store.InsertEvent(ctx, &db.Event{
			TenantID:  tenantID,
			ContactID: &contact.ID,
			EventType: db.EventReplied,
			Metadata:  meta,
		}); err != nil {
			r.logger.Warn("replied event insert failed", zap.Error(err))
		}
	}

	return nil
}
