package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertEvent appends a timeline event.
func (r *Repository) InsertEvent(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO events (id, tenant_id, contact_id, campaign_id, send_job_id, short_link_id, event_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		ev.ID,
		ev.TenantID,
		ev.ContactID,
		ev.CampaignID,
		ev.SendJobID,
		ev.ShortLinkID,
		ev.EventType,
		ev.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertWebhookEvent records an accepted webhook keyed by the provider's
// event id. Returns false without error when the event id was already
// recorded, so a concurrent duplicate callback becomes a no-op.
func (r *Repository) InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	query := `
		INSERT INTO webhook_events (id, tenant_id, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING processed_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID,
		ev.TenantID,
		ev.ProviderEventID,
		ev.EventType,
		ev.Payload,
	).Scan(&ev.ProcessedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return true, nil
}

// InsertShortLink stores a minted short link.
func (r *Repository) InsertShortLink(ctx context.Context, link *ShortLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO short_links (id, tenant_id, campaign_id, contact_id, token, target_url, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`,
		link.ID,
		link.TenantID,
		link.CampaignID,
		link.ContactID,
		link.Token,
		link.TargetURL,
		link.ExpiresAt,
	).Scan(&link.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert short link: %w", err)
	}
	return nil
}

// GetShortLinkByToken retrieves a short link by its token.
func (r *Repository) GetShortLinkByToken(ctx context.Context, token string) (*ShortLink, error) {
	query := `
		SELECT
			id, tenant_id, campaign_id, contact_id, token, target_url,
			clicked_at, click_count, human_click_count, created_at, expires_at
		FROM short_links
		WHERE token = $1
	`

	var l ShortLink
	err := r.db.Pool().QueryRow(ctx, query, token).Scan(
		&l.ID,
		&l.TenantID,
		&l.CampaignID,
		&l.ContactID,
		&l.Token,
		&l.TargetURL,
		&l.ClickedAt,
		&l.ClickCount,
		&l.HumanClickCount,
		&l.CreatedAt,
		&l.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("short link: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query short link: %w", err)
	}
	return &l, nil
}

// RecordShortLinkClick bumps the click counters and, if this is the first
// click by wall-clock arrival, stamps clicked_at and reports firstClick=true.
// The row lock in the CTE makes concurrent clicks race safely; exactly one
// caller observes the first click.
func (r *Repository) RecordShortLinkClick(ctx context.Context, id uuid.UUID, human bool) (firstClick bool, err error) {
	humanInc := 0
	if human {
		humanInc = 1
	}

	query := `
		WITH before AS (
			SELECT clicked_at FROM short_links WHERE id = $2 FOR UPDATE
		)
		UPDATE short_links s
		SET click_count = click_count + 1,
		    human_click_count = human_click_count + $1,
		    clicked_at = COALESCE(s.clicked_at, NOW())
		FROM before
		WHERE s.id = $2
		RETURNING before.clicked_at IS NULL
	`

	err = r.db.Pool().QueryRow(ctx, query, humanInc, id).Scan(&firstClick)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("short link: %w", ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("record click: %w", err)
	}

	return firstClick, nil
}
