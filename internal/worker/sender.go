// Package worker consumes queued send jobs, renders them, and hands them
// to the SMS provider. Retry policy rides on the queue: a transient
// failure leaves the message for redelivery, a terminal failure acks it
// after the job row is marked failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/clock"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/provider"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/smstext"
)

// Outcome classifies one processing attempt for the queue loop.
type Outcome int

const (
	// OutcomeSent: provider accepted, ack the message.
	OutcomeSent Outcome = iota
	// OutcomeSkipped: nothing to do (job gone or already terminal), ack.
	OutcomeSkipped
	// OutcomeFailed: terminal failure recorded on the job, ack.
	OutcomeFailed
	// OutcomeRetry: transient failure, leave the message for redelivery.
	OutcomeRetry
	// OutcomeDelay: sending is currently not allowed, push the message
	// out to Delay.
	OutcomeDelay
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeRetry:
		return "retried"
	case OutcomeDelay:
		return "delayed"
	default:
		return "unknown"
	}
}

// Attempt is the verdict of one ProcessJob call.
type Attempt struct {
	Outcome Outcome

	// Delay applies when Outcome is OutcomeDelay.
	Delay time.Duration
}

// Store is the slice of the repository the sender uses.
type Store interface {
	GetSendJob(ctx context.Context, id uuid.UUID) (*db.SendJob, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.MessageTemplate, error)
	GetActiveSendingNumber(ctx context.Context, tenantID uuid.UUID) (*db.SendingNumber, error)
	GetPerPartCostCents(ctx context.Context, provider, country string) (int, error)
	ClaimSendJob(ctx context.Context, id uuid.UUID) (bool, error)
	ReleaseSendJob(ctx context.Context, id uuid.UUID) error
	UpdateSendJobRender(ctx context.Context, id uuid.UUID, body string, parts, costCents int, sendingNumberID uuid.UUID) error
	MarkSendJobSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkSendJobFailed(ctx context.Context, id uuid.UUID, reason string) error
	TouchContactLastSent(ctx context.Context, id uuid.UUID) error
	InsertEvent(ctx context.Context, ev *db.Event) error
}

// SpendRecorder is satisfied by *budget.Ledger.
type SpendRecorder interface {
	RecordSpend(ctx context.Context, tenantID uuid.UUID, costCents int) error
}

// WarmupCounter is satisfied by *redis.Counters.
type WarmupCounter interface {
	IncrWarmup(ctx context.Context, numberID, dayKey string) error
}

// LinkMinter is satisfied by *shortlink.Service.
type LinkMinter interface {
	Mint(ctx context.Context, tenantID, campaignID, contactID uuid.UUID, targetURL string) (string, error)
}

// Sender renders and sends one job at a time.
type Sender struct {
	store    Store
	provider provider.Provider
	spend    SpendRecorder
	warmup   WarmupCounter
	links    LinkMinter
	logger   *zap.Logger
	now      func() time.Time
}

// NewSender creates a job sender.
func NewSender(store Store, prov provider.Provider, spend SpendRecorder, warmup WarmupCounter, links LinkMinter, logger *zap.Logger) *Sender {
	return &Sender{
		store:    store,
		provider: prov,
		spend:    spend,
		warmup:   warmup,
		links:    links,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessJob runs one job through render and send. The render is persisted
// on the job row before the provider call so a crash between send and
// bookkeeping leaves an auditable record of what went out.
func (s *Sender) ProcessJob(ctx context.Context, jobID uuid.UUID) Attempt {
	job, err := s.store.GetSendJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("send job vanished", zap.String("send_job_id", jobID.String()))
			return Attempt{Outcome: OutcomeSkipped}
		}
		return Attempt{Outcome: OutcomeRetry}
	}
	if job.Status != db.JobQueued {
		// Redelivery of a message whose job already settled.
		return Attempt{Outcome: OutcomeSkipped}
	}

	// Take ownership before doing any work. SQS delivers at least once, so
	// two workers can hold the same job; the conditional update lets exactly
	// one of them proceed.
	claimed, err := s.store.ClaimSendJob(ctx, job.ID)
	if err != nil {
		return Attempt{Outcome: OutcomeRetry}
	}
	if !claimed {
		return Attempt{Outcome: OutcomeSkipped}
	}

	tenant, err := s.store.GetTenant(ctx, job.TenantID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return s.fail(ctx, job, "tenant not found", err)
		}
		return s.releaseForRetry(ctx, job.ID)
	}
	if tenant.IsPaused {
		// Pause between queue and send: hold the job, do not burn it.
		return s.releaseForDelay(ctx, job.ID, 5*time.Minute)
	}

	contact, err := s.store.GetContact(ctx, job.ContactID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return s.fail(ctx, job, "contact not found", err)
		}
		return s.releaseForRetry(ctx, job.ID)
	}
	campaign, err := s.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return s.fail(ctx, job, "campaign not found", err)
		}
		return s.releaseForRetry(ctx, job.ID)
	}
	template, err := s.store.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return s.fail(ctx, job, "template not found", err)
		}
		return s.releaseForRetry(ctx, job.ID)
	}

	// Quiet hours may have started since queue time.
	if delay, quiet := s.quietHoursDelay(tenant, contact); quiet {
		return s.releaseForDelay(ctx, job.ID, delay)
	}

	number, err := s.store.GetActiveSendingNumber(ctx, job.TenantID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return s.fail(ctx, job, "no active sending number", err)
		}
		return s.releaseForRetry(ctx, job.ID)
	}

	body, err := s.render(ctx, job, campaign, contact, template)
	if err != nil {
		return s.fail(ctx, job, "render failed", err)
	}

	parts := smstext.CalculateParts(body)
	perPart, err := s.store.GetPerPartCostCents(ctx, s.provider.Name(), tenant.Country)
	if err != nil {
		return s.releaseForRetry(ctx, job.ID)
	}
	cost := parts * perPart

	if err := s.store.UpdateSendJobRender(ctx, job.ID, body, parts, cost, number.ID); err != nil {
		return s.releaseForRetry(ctx, job.ID)
	}

	result, err := s.provider.Send(ctx, number.PhoneE164, contact.PhoneE164, body)
	if err != nil {
		if provider.Retryable(err) {
			s.logger.Warn("provider send failed, will retry",
				zap.Error(err),
				zap.String("send_job_id", job.ID.String()),
			)
			return s.releaseForRetry(ctx, job.ID)
		}
		return s.fail(ctx, job, err.Error(), err)
	}

	s.settle(ctx, job, contact, tenant, number, cost, result.MessageID)
	return Attempt{Outcome: OutcomeSent}
}

// releaseForRetry hands a claimed job back to the queue after a transient
// failure so the next delivery can claim it again.
func (s *Sender) releaseForRetry(ctx context.Context, jobID uuid.UUID) Attempt {
	s.release(ctx, jobID)
	return Attempt{Outcome: OutcomeRetry}
}

// releaseForDelay hands a claimed job back and pushes the message out.
func (s *Sender) releaseForDelay(ctx context.Context, jobID uuid.UUID, d time.Duration) Attempt {
	s.release(ctx, jobID)
	return Attempt{Outcome: OutcomeDelay, Delay: d}
}

func (s *Sender) release(ctx context.Context, jobID uuid.UUID) {
	if err := s.store.ReleaseSendJob(ctx, jobID); err != nil {
		s.logger.Error("release send job failed", zap.Error(err), zap.String("send_job_id", jobID.String()))
	}
}

// render produces the final body: template variables, per-recipient short
// link, then the mandatory opt-out suffix.
func (s *Sender) render(ctx context.Context, job *db.SendJob, campaign *db.Campaign, contact *db.Contact, template *db.MessageTemplate) (string, error) {
	vars := map[string]string{
		"firstName": deref(contact.FirstName),
		"lastName":  deref(contact.LastName),
	}

	if campaign.TargetURL != nil && *campaign.TargetURL != "" {
		link, err := s.links.Mint(ctx, job.TenantID, job.CampaignID, job.ContactID, *campaign.TargetURL)
		if err != nil {
			return "", fmt.Errorf("mint short link: %w", err)
		}
		vars["link"] = link
	}

	return smstext.AppendOptOut(smstext.RenderTemplate(template.Body, vars)), nil
}

// quietHoursDelay reports whether the clock has entered quiet hours for
// this recipient and how long to hold the message.
func (s *Sender) quietHoursDelay(tenant *db.Tenant, contact *db.Contact) (time.Duration, bool) {
	tz := tenant.Timezone
	if contact.Timezone != nil && *contact.Timezone != "" {
		tz = *contact.Timezone
	}
	loc := clock.LoadLocation(tz)

	start, end := tenant.QuietHoursStart, tenant.QuietHoursEnd
	if start == 0 && end == 0 {
		start, end = clock.DefaultQuietStart, clock.DefaultQuietEnd
	}

	now := s.now()
	if !clock.IsWithinQuietHours(now, loc, start, end) {
		return 0, false
	}
	return clock.NextAllowedSendTime(now, loc, start, end).Sub(now), true
}

// settle does post-acceptance bookkeeping. Failures here are logged, not
// retried: the message went out and re-sending would double-message the
// contact.
func (s *Sender) settle(ctx context.Context, job *db.SendJob, contact *db.Contact, tenant *db.Tenant, number *db.SendingNumber, cost int, providerMessageID string) {
	if err := s.store.MarkSendJobSent(ctx, job.ID, providerMessageID); err != nil {
		s.logger.Error("mark sent failed", zap.Error(err), zap.String("send_job_id", job.ID.String()))
	}
	if err := s.store.TouchContactLastSent(ctx, contact.ID); err != nil {
		s.logger.Error("touch contact failed", zap.Error(err), zap.String("contact_id", contact.ID.String()))
	}
	if err := s.spend.RecordSpend(ctx, job.TenantID, cost); err != nil {
		s.logger.Error("record spend failed", zap.Error(err), zap.String("tenant_id", job.TenantID.String()))
	}
	dayKey := clock.DayKey(s.now(), clock.LoadLocation(tenant.Timezone))
	if err := s.warmup.IncrWarmup(ctx, number.ID.String(), dayKey); err != nil {
		s.logger.Error("warmup increment failed", zap.Error(err), zap.String("sending_number_id", number.ID.String()))
	}
	if err := s.store.InsertEvent(ctx, &db.Event{
		TenantID:   job.TenantID,
		ContactID:  &job.ContactID,
		CampaignID: &job.CampaignID,
		SendJobID:  &job.ID,
		EventType:  db.EventSent,
	}); err != nil {
		s.logger.Warn("sent event insert failed", zap.Error(err), zap.String("send_job_id", job.ID.String()))
	}

	s.logger.Info("sms sent",
		zap.String("send_job_id", job.ID.String()),
		zap.String("provider", s.provider.Name()),
		zap.String("provider_message_id", providerMessageID),
		zap.Int("cost_cents", cost),
	)
}

// fail records a terminal failure on the job and its timeline.
func (s *Sender) fail(ctx context.Context, job *db.SendJob, reason string, cause error) Attempt {
	s.logger.Error("send job failed permanently",
		zap.Error(cause),
		zap.String("send_job_id", job.ID.String()),
		zap.String("reason", reason),
	)
	if err := s.store.MarkSendJobFailed(ctx, job.ID, reason); err != nil {
		s.logger.Error("mark failed errored", zap.Error(err), zap.String("send_job_id", job.ID.String()))
		return s.releaseForRetry(ctx, job.ID)
	}
	if err := s.store.InsertEvent(ctx, &db.Event{
		TenantID:   job.TenantID,
		ContactID:  &job.ContactID,
		CampaignID: &job.CampaignID,
		SendJobID:  &job.ID,
		EventType:  db.EventFailed,
	}); err != nil {
		s.logger.Warn("failed event insert failed", zap.Error(err), zap.String("send_job_id", job.ID.String()))
	}
	return Attempt{Outcome: OutcomeFailed}
}

// Exhaust marks a job failed after the queue delivered it MaxAttempts
// times without a terminal outcome.
func (s *Sender) Exhaust(ctx context.Context, jobID uuid.UUID, attempts int) {
	job, err := s.store.GetSendJob(ctx, jobID)
	if err != nil {
		s.logger.Error("exhausted job load failed", zap.Error(err), zap.String("send_job_id", jobID.String()))
		return
	}
	if job.Status != db.JobQueued {
		return
	}
	s.fail(ctx, job, fmt.Sprintf("gave up after %d attempts", attempts), nil)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
