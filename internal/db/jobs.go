package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const sendJobSelect = `
	SELECT
		id, tenant_id, campaign_id, contact_id, template_id, sending_number_id,
		status, body, parts, cost_cents, provider_message_id, failure_reason,
		queued_at, sent_at, delivered_at, failed_at
	FROM send_jobs`

func (r *Repository) scanSendJob(row pgx.Row) (*SendJob, error) {
	var j SendJob
	err := row.Scan(
		&j.ID,
		&j.TenantID,
		&j.CampaignID,
		&j.ContactID,
		&j.TemplateID,
		&j.SendingNumberID,
		&j.Status,
		&j.Body,
		&j.Parts,
		&j.CostCents,
		&j.ProviderMessageID,
		&j.FailureReason,
		&j.QueuedAt,
		&j.SentAt,
		&j.DeliveredAt,
		&j.FailedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("send job: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query send job: %w", err)
	}
	return &j, nil
}

// CreateSendJob inserts a queued job under the (tenant, campaign, contact)
// unique constraint with conflict-do-nothing semantics. The returned bool is
// true only when a row was actually inserted; callers must enqueue work items
// only in that case. This atomic conditional insert is the single primitive
// preventing duplicate sends under concurrent queueing.
func (r *Repository) CreateSendJob(ctx context.Context, job *SendJob) (bool, error) {
	query := `
		INSERT INTO send_jobs (id, tenant_id, campaign_id, contact_id, template_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, campaign_id, contact_id) DO NOTHING
		RETURNING queued_at
	`

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = JobQueued
	}

	err := r.db.Pool().QueryRow(ctx, query,
		job.ID,
		job.TenantID,
		job.CampaignID,
		job.ContactID,
		job.TemplateID,
		job.Status,
	).Scan(&job.QueuedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: a job for this contact already exists in the campaign.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert send job: %w", err)
	}

	return true, nil
}

// GetSendJob retrieves a send job by ID.
func (r *Repository) GetSendJob(ctx context.Context, id uuid.UUID) (*SendJob, error) {
	return r.scanSendJob(r.db.Pool().QueryRow(ctx, sendJobSelect+` WHERE id = $1`, id))
}

// GetSendJobByProviderMessageID looks a job up by (tenant, provider message
// id), the key used by delivery-status callbacks.
func (r *Repository) GetSendJobByProviderMessageID(ctx context.Context, tenantID uuid.UUID, providerMessageID string) (*SendJob, error) {
	return r.scanSendJob(r.db.Pool().QueryRow(ctx,
		sendJobSelect+` WHERE tenant_id = $1 AND provider_message_id = $2`,
		tenantID, providerMessageID))
}

// ClaimSendJob atomically moves a queued job to sending. It returns false when
// the job is no longer queued, which is how a worker holding a duplicate
// delivery finds out another worker already owns the job.
func (r *Repository) ClaimSendJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE send_jobs
		SET status = $1
		WHERE id = $2 AND status = $3
	`, JobSending, id, JobQueued)
	if err != nil {
		return false, fmt.Errorf("claim send job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseSendJob returns a claimed job to the queue so a later delivery can
// retry it. A no-op once the job has left the sending state.
func (r *Repository) ReleaseSendJob(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE send_jobs
		SET status = $1
		WHERE id = $2 AND status = $3
	`, JobQueued, id, JobSending)
	if err != nil {
		return fmt.Errorf("release send job: %w", err)
	}
	return nil
}

// UpdateSendJobRender persists the rendered body, part count and cost before
// the provider call, so cost is known even if the call later fails.
func (r *Repository) UpdateSendJobRender(ctx context.Context, id uuid.UUID, body string, parts, costCents int, sendingNumberID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE send_jobs
		SET body = $1, parts = $2, cost_cents = $3, sending_number_id = $4
		WHERE id = $5
	`, body, parts, costCents, sendingNumberID, id)
	if err != nil {
		return fmt.Errorf("update send job render: %w", err)
	}
	return nil
}

// MarkSendJobSent transitions the job to sent with the provider message id.
func (r *Repository) MarkSendJobSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE send_jobs
		SET status = $1, provider_message_id = $2, sent_at = NOW()
		WHERE id = $3
	`, JobSent, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark send job sent: %w", err)
	}
	return nil
}

// MarkSendJobDelivered transitions the job to delivered.
func (r *Repository) MarkSendJobDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE send_jobs
		SET status = $1, delivered_at = NOW()
		WHERE id = $2
	`, JobDelivered, id)
	if err != nil {
		return fmt.Errorf("mark send job delivered: %w", err)
	}
	return nil
}

// MarkSendJobFailed transitions the job to failed with a reason.
func (r *Repository) MarkSendJobFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE send_jobs
		SET status = $1, failure_reason = $2, failed_at = NOW()
		WHERE id = $3
	`, JobFailed, reason, id)
	if err != nil {
		return fmt.Errorf("mark send job failed: %w", err)
	}

	r.logger.Warn("send job failed",
		zap.String("job_id", id.String()),
		zap.String("reason", reason),
	)
	return nil
}

// ListStaleQueuedJobs returns jobs still queued after sitting longer than
// the given age. A healthy pipeline drains queued jobs within seconds, so
// anything old enough to match lost its queue message.
func (r *Repository) ListStaleQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]*SendJob, error) {
	rows, err := r.db.Pool().Query(ctx,
		sendJobSelect+` WHERE status = $1 AND queued_at < $2 ORDER BY queued_at LIMIT $3`,
		JobQueued, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SendJob
	for rows.Next() {
		var j SendJob
		err := rows.Scan(
			&j.ID,
			&j.TenantID,
			&j.CampaignID,
			&j.ContactID,
			&j.TemplateID,
			&j.SendingNumberID,
			&j.Status,
			&j.Body,
			&j.Parts,
			&j.CostCents,
			&j.ProviderMessageID,
			&j.FailureReason,
			&j.QueuedAt,
			&j.SentAt,
			&j.DeliveredAt,
			&j.FailedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, &j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}

	return jobs, nil
}

// SumJobCostsSince sums recorded job costs for a tenant queued at or after
// the given instant. Used by budget reconciliation against history.
func (r *Repository) SumJobCostsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	var total int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_cents), 0)
		FROM send_jobs
		WHERE tenant_id = $1 AND queued_at >= $2
	`, tenantID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum job costs: %w", err)
	}
	return total, nil
}
