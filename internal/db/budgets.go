package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetBudget returns the tenant's running spend counters, rolling each window
// forward first when its boundary has passed. The roll and the read happen in
// one statement so concurrent readers agree on the window.
func (r *Repository) GetBudget(ctx context.Context, tenantID uuid.UUID, dayStart, monthStart time.Time) (*Budget, error) {
	query := `
		INSERT INTO budgets (tenant_id, daily_reset_at, monthly_reset_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET
			daily_spent_cents = CASE WHEN budgets.daily_reset_at < $2 THEN 0 ELSE budgets.daily_spent_cents END,
			daily_reset_at    = CASE WHEN budgets.daily_reset_at < $2 THEN $2 ELSE budgets.daily_reset_at END,
			monthly_spent_cents = CASE WHEN budgets.monthly_reset_at < $3 THEN 0 ELSE budgets.monthly_spent_cents END,
			monthly_reset_at    = CASE WHEN budgets.monthly_reset_at < $3 THEN $3 ELSE budgets.monthly_reset_at END,
			updated_at = NOW()
		RETURNING tenant_id, daily_spent_cents, monthly_spent_cents, daily_reset_at, monthly_reset_at, updated_at
	`

	var b Budget
	err := r.db.Pool().QueryRow(ctx, query, tenantID, dayStart, monthStart).Scan(
		&b.TenantID,
		&b.DailySpentCents,
		&b.MonthlySpentCents,
		&b.DailyResetAt,
		&b.MonthlyResetAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}

	return &b, nil
}

// AddSpend atomically adds cost to both running totals. A plain counter
// addition, never read-modify-write, so concurrent sends for the same tenant
// cannot lose updates.
func (r *Repository) AddSpend(ctx context.Context, tenantID uuid.UUID, costCents int) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE budgets
		SET daily_spent_cents = daily_spent_cents + $1,
		    monthly_spent_cents = monthly_spent_cents + $1,
		    updated_at = NOW()
		WHERE tenant_id = $2
	`, costCents, tenantID)
	if err != nil {
		return fmt.Errorf("add spend: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("budget row for tenant %s: %w", tenantID, ErrNotFound)
	}
	return nil
}

// OverwriteSpend replaces both running totals. Used only by reconciliation
// when the counters have drifted from job history.
func (r *Repository) OverwriteSpend(ctx context.Context, tenantID uuid.UUID, dailyCents, monthlyCents int) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE budgets
		SET daily_spent_cents = $1, monthly_spent_cents = $2, updated_at = NOW()
		WHERE tenant_id = $3
	`, dailyCents, monthlyCents, tenantID)
	if err != nil {
		return fmt.Errorf("overwrite spend: %w", err)
	}
	return nil
}

// ListBudgetTenants returns tenants that have a budget row, for the
// reconciliation sweep.
func (r *Repository) ListBudgetTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT tenant_id FROM budgets`)
	if err != nil {
		return nil, fmt.Errorf("query budget tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budget tenants: %w", err)
	}
	return ids, nil
}
