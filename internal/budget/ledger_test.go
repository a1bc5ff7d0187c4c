package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
)

type fakeStore struct {
	tenant      *db.Tenant
	budget      *db.Budget
	addSpend    []int
	overwrites  [][2]int
	historySums map[string]int // keyed by since in RFC3339
}

func (f *fakeStore) GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	return f.tenant, nil
}

func (f *fakeStore) GetBudget(ctx context.Context, tenantID uuid.UUID, dayStart, monthStart time.Time) (*db.Budget, error) {
	return f.budget, nil
}

func (f *fakeStore) AddSpend(ctx context.Context, tenantID uuid.UUID, costCents int) error {
	f.addSpend = append(f.addSpend, costCents)
	return nil
}

func (f *fakeStore) OverwriteSpend(ctx context.Context, tenantID uuid.UUID, dailyCents, monthlyCents int) error {
	f.overwrites = append(f.overwrites, [2]int{dailyCents, monthlyCents})
	return nil
}

func (f *fakeStore) SumJobCostsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	return f.historySums[since.Format(time.RFC3339)], nil
}

func (f *fakeStore) ListBudgetTenants(ctx context.Context) ([]uuid.UUID, error) {
	return []uuid.UUID{f.tenant.ID}, nil
}

func intPtr(v int) *int { return &v }

func newTestLedger(store *fakeStore) *Ledger {
	l := NewLedger(store, zap.NewNop())
	l.now = func() time.Time {
		return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	}
	return l
}

func testTenant(daily, monthly *int) *db.Tenant {
	return &db.Tenant{
		ID:                 uuid.New(),
		Timezone:           "UTC",
		DailyBudgetCents:   daily,
		MonthlyBudgetCents: monthly,
	}
}

func TestCheck_ExactBoundaryAllowed(t *testing.T) {
	// spent = limit - cost: exactly fits.
	store := &fakeStore{
		tenant: testTenant(intPtr(1000), nil),
		budget: &db.Budget{DailySpentCents: 990},
	}
	ledger := newTestLedger(store)

	status, err := ledger.Check(context.Background(), store.tenant.ID, 10)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !status.Allowed {
		t.Errorf("spent+cost == limit should be allowed: %+v", status)
	}
}

func TestCheck_OneOverBoundaryDenied(t *testing.T) {
	store := &fakeStore{
		tenant: testTenant(intPtr(1000), nil),
		budget: &db.Budget{DailySpentCents: 991},
	}
	ledger := newTestLedger(store)

	status, err := ledger.Check(context.Background(), store.tenant.ID, 10)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if status.Allowed {
		t.Error("spent+cost > limit should be denied")
	}
	if status.Reason == "" {
		t.Error("denial should carry a reason")
	}
}

func TestCheck_MonthlyCapIndependent(t *testing.T) {
	store := &fakeStore{
		tenant: testTenant(intPtr(10000), intPtr(500)),
		budget: &db.Budget{DailySpentCents: 0, MonthlySpentCents: 495},
	}
	ledger := newTestLedger(store)

	status, err := ledger.Check(context.Background(), store.tenant.ID, 10)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if status.Allowed {
		t.Error("monthly cap should deny even when the daily cap has room")
	}
}

func TestCheck_NilLimitUnlimited(t *testing.T) {
	store := &fakeStore{
		tenant: testTenant(nil, nil),
		budget: &db.Budget{DailySpentCents: 1 << 30, MonthlySpentCents: 1 << 30},
	}
	ledger := newTestLedger(store)

	status, err := ledger.Check(context.Background(), store.tenant.ID, 100)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !status.Allowed {
		t.Error("nil limits should be unlimited")
	}
}

func TestRecordSpend(t *testing.T) {
	store := &fakeStore{tenant: testTenant(nil, nil), budget: &db.Budget{}}
	ledger := newTestLedger(store)

	if err := ledger.RecordSpend(context.Background(), store.tenant.ID, 24); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if len(store.addSpend) != 1 || store.addSpend[0] != 24 {
		t.Errorf("expected one atomic add of 24, got %v", store.addSpend)
	}
}

func TestReconcile_OverwritesOnDrift(t *testing.T) {
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	store := &fakeStore{
		tenant: testTenant(nil, nil),
		budget: &db.Budget{DailySpentCents: 100, MonthlySpentCents: 700},
		historySums: map[string]int{
			dayStart.Format(time.RFC3339):   120,
			monthStart.Format(time.RFC3339): 720,
		},
	}
	ledger := newTestLedger(store)

	if err := ledger.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(store.overwrites) != 1 {
		t.Fatalf("expected one overwrite, got %d", len(store.overwrites))
	}
	if store.overwrites[0] != [2]int{120, 720} {
		t.Errorf("unexpected overwrite values: %v", store.overwrites[0])
	}
}

func TestReconcile_NoDriftNoWrite(t *testing.T) {
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	store := &fakeStore{
		tenant: testTenant(nil, nil),
		budget: &db.Budget{DailySpentCents: 50, MonthlySpentCents: 50},
		historySums: map[string]int{
			dayStart.Format(time.RFC3339):   50,
			monthStart.Format(time.RFC3339): 50,
		},
	}
	ledger := newTestLedger(store)

	if err := ledger.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(store.overwrites) != 0 {
		t.Errorf("counters in agreement should not be overwritten: %v", store.overwrites)
	}
}
