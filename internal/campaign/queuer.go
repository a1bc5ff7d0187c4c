// Package campaign turns a draft campaign into send jobs. Queueing is
// idempotent: re-running it for the same campaign inserts nothing new and
// enqueues nothing new, because the job row's uniqueness on
// (tenant, campaign, contact) is the dedup key and only a fresh insert
// reaches the queue.
package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/gates"
)

// Store is the slice of the repository the queuer writes through.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListConsentedContacts(ctx context.Context, tenantID uuid.UUID) ([]*db.Contact, error)
	CreateSendJob(ctx context.Context, job *db.SendJob) (bool, error)
	MarkCampaignRunning(ctx context.Context, id uuid.UUID) error
	InsertEvent(ctx context.Context, ev *db.Event) error
}

// GateChecker is satisfied by *gates.Checker.
type GateChecker interface {
	CheckAll(ctx context.Context, tenantID, contactID, campaignID uuid.UUID, estCostCents int) gates.Result
}

// Publisher hands a freshly inserted job to the send queue.
type Publisher interface {
	PublishSendJob(ctx context.Context, jobID, tenantID uuid.UUID) error
}

// Result summarizes one queue run.
type Result struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Queued   int       `json:"queued"`
	Skipped  int       `json:"skipped"`
	Total    int       `json:"total"`
}

// Queuer fans a campaign out into per-contact send jobs.
type Queuer struct {
	store     Store
	gates     GateChecker
	publisher Publisher
	logger    *zap.Logger

	// estCostCents is the per-message estimate the budget gate charges
	// against before the real cost is known at render time.
	estCostCents int
}

// NewQueuer creates a campaign queuer.
func NewQueuer(store Store, gates GateChecker, publisher Publisher, estCostCents int, logger *zap.Logger) *Queuer {
	return &Queuer{
		store:        store,
		gates:        gates,
		publisher:    publisher,
		estCostCents: estCostCents,
		logger:       logger,
	}
}

// Queue gates every consented contact of the campaign's tenant and inserts
// a send job for each one that passes. Contacts are walked in a stable
// order so templates rotate deterministically. Per-contact failures are
// logged and skipped, never aborting the run.
func (q *Queuer) Queue(ctx context.Context, campaignID uuid.UUID) (*Result, error) {
	camp, err := q.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if len(camp.TemplateIDs) == 0 {
		return nil, fmt.Errorf("campaign %s has no templates", campaignID)
	}

	contacts, err := q.store.ListConsentedContacts(ctx, camp.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	result := &Result{TenantID: camp.TenantID, Total: len(contacts)}
	for _, contact := range contacts {
		verdict := q.gates.CheckAll(ctx, camp.TenantID, contact.ID, camp.ID, q.estCostCents)
		if !verdict.Allowed {
			q.logger.Debug("contact skipped by gate",
				zap.String("campaign_id", camp.ID.String()),
				zap.String("contact_id", contact.ID.String()),
				zap.String("reason", verdict.Reason),
			)
			result.Skipped++
			continue
		}

		// Round-robin over the campaign's templates by queued position.
		templateID := camp.TemplateIDs[result.Queued%len(camp.TemplateIDs)]

		job := &db.SendJob{
			ID:         uuid.New(),
			TenantID:   camp.TenantID,
			CampaignID: camp.ID,
			ContactID:  contact.ID,
			TemplateID: templateID,
			Status:     db.JobQueued,
		}
		inserted, err := q.store.CreateSendJob(ctx, job)
		if err != nil {
			q.logger.Error("send job insert failed",
				zap.Error(err),
				zap.String("campaign_id", camp.ID.String()),
				zap.String("contact_id", contact.ID.String()),
			)
			result.Skipped++
			continue
		}
		if !inserted {
			// A job for this (campaign, contact) already exists from an
			// earlier run. Not queued again.
			result.Skipped++
			continue
		}

		if err := q.publisher.PublishSendJob(ctx, job.ID, job.TenantID); err != nil {
			// The durable row exists; the worker's reconcile sweep picks
			// up queued jobs whose enqueue was lost.
			q.logger.Error("send job enqueue failed",
				zap.Error(err),
				zap.String("send_job_id", job.ID.String()),
			)
			result.Skipped++
			continue
		}

		if err := q.store.InsertEvent(ctx, &db.Event{
			TenantID:   camp.TenantID,
			ContactID:  &contact.ID,
			CampaignID: &camp.ID,
			SendJobID:  &job.ID,
			EventType:  db.EventQueued,
		}); err != nil {
			q.logger.Warn("queued event insert failed", zap.Error(err), zap.String("send_job_id", job.ID.String()))
		}

		result.Queued++
	}

	// Always flips, even when every contact was gated out: the run itself
	// completed and repeating it would change nothing.
	if err := q.store.MarkCampaignRunning(ctx, campaignID); err != nil {
		return nil, fmt.Errorf("mark campaign running: %w", err)
	}

	q.logger.Info("campaign queued",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("queued", result.Queued),
		zap.Int("skipped", result.Skipped),
		zap.Int("total", result.Total),
	)
	return result, nil
}
