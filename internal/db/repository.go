package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for the send pipeline.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetTenant retrieves a tenant by ID.
func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `
		SELECT
			id, name, timezone, country, is_paused,
			daily_budget_cents, monthly_budget_cents,
			quiet_hours_start, quiet_hours_end,
			created_at, updated_at
		FROM tenants
		WHERE id = $1
	`

	var t Tenant
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.Timezone,
		&t.Country,
		&t.IsPaused,
		&t.DailyBudgetCents,
		&t.MonthlyBudgetCents,
		&t.QuietHoursStart,
		&t.QuietHoursEnd,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}

	return &t, nil
}

// SetTenantPaused flips the tenant pause flag.
func (r *Repository) SetTenantPaused(ctx context.Context, id uuid.UUID, paused bool) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE tenants SET is_paused = $1, updated_at = NOW() WHERE id = $2`,
		paused, id,
	)
	if err != nil {
		return fmt.Errorf("update tenant pause: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}

	r.logger.Info("tenant pause flag updated",
		zap.String("tenant_id", id.String()),
		zap.Bool("paused", paused),
	)
	return nil
}

// SetTenantBudgets updates the daily/monthly caps. Nil means unlimited.
func (r *Repository) SetTenantBudgets(ctx context.Context, id uuid.UUID, dailyCents, monthlyCents *int) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE tenants SET daily_budget_cents = $1, monthly_budget_cents = $2, updated_at = NOW() WHERE id = $3`,
		dailyCents, monthlyCents, id,
	)
	if err != nil {
		return fmt.Errorf("update tenant budgets: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetContact retrieves a contact by ID.
func (r *Repository) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	return r.scanContact(r.db.Pool().QueryRow(ctx, contactSelect+` WHERE id = $1`, id))
}

// GetContactByPhone resolves a contact by (tenant, normalized phone), the
// lookup used for inbound webhooks.
func (r *Repository) GetContactByPhone(ctx context.Context, tenantID uuid.UUID, phoneE164 string) (*Contact, error) {
	return r.scanContact(r.db.Pool().QueryRow(ctx,
		contactSelect+` WHERE tenant_id = $1 AND phone_e164 = $2`, tenantID, phoneE164))
}

const contactSelect = `
	SELECT
		id, tenant_id, phone_e164, first_name, last_name, timezone,
		consent_status, last_sent_at, created_at, updated_at
	FROM contacts`

func (r *Repository) scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.PhoneE164,
		&c.FirstName,
		&c.LastName,
		&c.Timezone,
		&c.ConsentStatus,
		&c.LastSentAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contact: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return &c, nil
}

// ListConsentedContacts returns the tenant's contacts with explicit or
// implied consent, in stable creation order. Contacts with any other consent
// status must never be queued.
func (r *Repository) ListConsentedContacts(ctx context.Context, tenantID uuid.UUID) ([]*Contact, error) {
	query := contactSelect + `
		WHERE tenant_id = $1 AND consent_status IN ($2, $3)
		ORDER BY created_at, id
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, ConsentExplicit, ConsentImplied)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		err := rows.Scan(
			&c.ID,
			&c.TenantID,
			&c.PhoneE164,
			&c.FirstName,
			&c.LastName,
			&c.Timezone,
			&c.ConsentStatus,
			&c.LastSentAt,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return contacts, nil
}

// TouchContactLastSent stamps the contact's last-sent timestamp.
func (r *Repository) TouchContactLastSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE contacts SET last_sent_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update contact last_sent_at: %w", err)
	}
	return nil
}

// IsOnDNC reports whether the phone is on the tenant's do-not-contact list.
func (r *Repository) IsOnDNC(ctx context.Context, tenantID uuid.UUID, phoneE164 string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM do_not_contact WHERE tenant_id = $1 AND phone_e164 = $2)`,
		tenantID, phoneE164,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query dnc: %w", err)
	}
	return exists, nil
}

// AddToDNC inserts a do-not-contact entry. Inserting an already-listed phone
// is a no-op, so inbound STOP replays stay idempotent.
func (r *Repository) AddToDNC(ctx context.Context, tenantID uuid.UUID, phoneE164, reason string) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO do_not_contact (tenant_id, phone_e164, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, phone_e164) DO NOTHING
	`, tenantID, phoneE164, reason)
	if err != nil {
		return fmt.Errorf("insert dnc: %w", err)
	}
	return nil
}

// RemoveFromDNC deletes any do-not-contact entry for the phone.
func (r *Repository) RemoveFromDNC(ctx context.Context, tenantID uuid.UUID, phoneE164 string) error {
	_, err := r.db.Pool().Exec(ctx,
		`DELETE FROM do_not_contact WHERE tenant_id = $1 AND phone_e164 = $2`,
		tenantID, phoneE164)
	if err != nil {
		return fmt.Errorf("delete dnc: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `
		SELECT
			id, tenant_id, name, status, template_ids, target_url,
			queued_at, completed_at, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`

	var c Campaign
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Status,
		&c.TemplateIDs,
		&c.TargetURL,
		&c.QueuedAt,
		&c.CompletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return &c, nil
}

// MarkCampaignRunning stamps the campaign running with a queued timestamp.
func (r *Repository) MarkCampaignRunning(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE campaigns SET status = $1, queued_at = NOW(), updated_at = NOW() WHERE id = $2`,
		CampaignRunning, id)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	return nil
}

// GetTemplate retrieves a message template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*MessageTemplate, error) {
	query := `
		SELECT id, tenant_id, name, body, is_active, created_at
		FROM message_templates
		WHERE id = $1
	`

	var t MessageTemplate
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&t.Body,
		&t.IsActive,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	return &t, nil
}

// GetActiveSendingNumber returns the tenant's active outbound number.
func (r *Repository) GetActiveSendingNumber(ctx context.Context, tenantID uuid.UUID) (*SendingNumber, error) {
	return r.scanSendingNumber(r.db.Pool().QueryRow(ctx,
		sendingNumberSelect+` WHERE tenant_id = $1 AND is_active ORDER BY created_at LIMIT 1`, tenantID))
}

// GetSendingNumberByPhone resolves the receiving number of an inbound
// webhook back to its tenant.
func (r *Repository) GetSendingNumberByPhone(ctx context.Context, phoneE164 string) (*SendingNumber, error) {
	return r.scanSendingNumber(r.db.Pool().QueryRow(ctx,
		sendingNumberSelect+` WHERE phone_e164 = $1`, phoneE164))
}

const sendingNumberSelect = `
	SELECT id, tenant_id, phone_e164, provider, warmup_start_date, is_active, created_at
	FROM sending_numbers`

func (r *Repository) scanSendingNumber(row pgx.Row) (*SendingNumber, error) {
	var n SendingNumber
	err := row.Scan(
		&n.ID,
		&n.TenantID,
		&n.PhoneE164,
		&n.Provider,
		&n.WarmupStartDate,
		&n.IsActive,
		&n.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sending number: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sending number: %w", err)
	}
	return &n, nil
}

// GetPerPartCostCents returns the current per-part rate for a provider and
// country, falling back to the default rate when no row matches.
func (r *Repository) GetPerPartCostCents(ctx context.Context, provider, country string) (int, error) {
	query := `
		SELECT per_part_cents
		FROM costs
		WHERE provider = $1 AND country = $2
		  AND effective_from <= NOW()
		  AND (effective_until IS NULL OR effective_until > NOW())
		ORDER BY effective_from DESC
		LIMIT 1
	`

	var cents int
	err := r.db.Pool().QueryRow(ctx, query, provider, country).Scan(&cents)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("cost for %s/%s: %w", provider, country, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query cost: %w", err)
	}
	return cents, nil
}
