// Package budget enforces per-tenant daily and monthly spend caps.
//
// The running counters in the budgets table are the authoritative source:
// both windows are rolled forward lazily on read and incremented with one
// atomic addition per successful send. Reconcile recomputes the windows from
// send-job history and overwrites the counters when they drift.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/clock"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
)

// Store is the slice of the repository the ledger needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetBudget(ctx context.Context, tenantID uuid.UUID, dayStart, monthStart time.Time) (*db.Budget, error)
	AddSpend(ctx context.Context, tenantID uuid.UUID, costCents int) error
	OverwriteSpend(ctx context.Context, tenantID uuid.UUID, dailyCents, monthlyCents int) error
	SumJobCostsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	ListBudgetTenants(ctx context.Context) ([]uuid.UUID, error)
}

// Status reports a budget decision together with the window totals, for both
// the gate check and the status endpoint.
type Status struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	DailySpentCents   int    `json:"daily_spent_cents"`
	DailyLimitCents   *int   `json:"daily_limit_cents"`
	MonthlySpentCents int    `json:"monthly_spent_cents"`
	MonthlyLimitCents *int   `json:"monthly_limit_cents"`
}

// Ledger checks and records tenant spend.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a budget ledger.
func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Check reports whether a send costing costCents fits under both caps.
// A nil cap means unlimited; each window is checked independently and the
// send is allowed iff spent + cost <= limit for both.
func (l *Ledger) Check(ctx context.Context, tenantID uuid.UUID, costCents int) (*Status, error) {
	tenant, err := l.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("budget check: %w", err)
	}

	b, err := l.windows(ctx, tenant)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Allowed:           true,
		DailySpentCents:   b.DailySpentCents,
		DailyLimitCents:   tenant.DailyBudgetCents,
		MonthlySpentCents: b.MonthlySpentCents,
		MonthlyLimitCents: tenant.MonthlyBudgetCents,
	}

	if tenant.DailyBudgetCents != nil && b.DailySpentCents+costCents > *tenant.DailyBudgetCents {
		status.Allowed = false
		status.Reason = fmt.Sprintf("daily budget exceeded: spent %d of %d cents",
			b.DailySpentCents, *tenant.DailyBudgetCents)
		return status, nil
	}

	if tenant.MonthlyBudgetCents != nil && b.MonthlySpentCents+costCents > *tenant.MonthlyBudgetCents {
		status.Allowed = false
		status.Reason = fmt.Sprintf("monthly budget exceeded: spent %d of %d cents",
			b.MonthlySpentCents, *tenant.MonthlyBudgetCents)
		return status, nil
	}

	return status, nil
}

// GetStatus returns the current window totals without a cost check.
func (l *Ledger) GetStatus(ctx context.Context, tenantID uuid.UUID) (*Status, error) {
	return l.Check(ctx, tenantID, 0)
}

// RecordSpend atomically adds a successful send's cost to both windows.
func (l *Ledger) RecordSpend(ctx context.Context, tenantID uuid.UUID, costCents int) error {
	if err := l.store.AddSpend(ctx, tenantID, costCents); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// Reconcile recomputes each tenant's window totals from send-job history and
// overwrites the running counters when they disagree. Run periodically from
// the worker; drift is expected to be rare and small.
func (l *Ledger) Reconcile(ctx context.Context) error {
	tenants, err := l.store.ListBudgetTenants(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	for _, tenantID := range tenants {
		if err := l.reconcileTenant(ctx, tenantID); err != nil {
			l.logger.Error("budget reconciliation failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	}
	return nil
}

func (l *Ledger) reconcileTenant(ctx context.Context, tenantID uuid.UUID) error {
	tenant, err := l.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	loc := clock.LoadLocation(tenant.Timezone)
	now := l.now()
	dayStart := clock.StartOfDay(now, loc)
	monthStart := clock.StartOfMonth(now, loc)

	b, err := l.store.GetBudget(ctx, tenantID, dayStart, monthStart)
	if err != nil {
		return err
	}

	dailyHist, err := l.store.SumJobCostsSince(ctx, tenantID, dayStart)
	if err != nil {
		return err
	}
	monthlyHist, err := l.store.SumJobCostsSince(ctx, tenantID, monthStart)
	if err != nil {
		return err
	}

	if dailyHist == b.DailySpentCents && monthlyHist == b.MonthlySpentCents {
		return nil
	}

	l.logger.Warn("budget counters drifted from job history",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("counter_daily", b.DailySpentCents),
		zap.Int("history_daily", dailyHist),
		zap.Int("counter_monthly", b.MonthlySpentCents),
		zap.Int("history_monthly", monthlyHist),
	)

	return l.store.OverwriteSpend(ctx, tenantID, dailyHist, monthlyHist)
}

func (l *Ledger) windows(ctx context.Context, tenant *db.Tenant) (*db.Budget, error) {
	loc := clock.LoadLocation(tenant.Timezone)
	now := l.now()

	b, err := l.store.GetBudget(ctx, tenant.ID, clock.StartOfDay(now, loc), clock.StartOfMonth(now, loc))
	if err != nil {
		return nil, fmt.Errorf("budget windows: %w", err)
	}
	return b, nil
}
