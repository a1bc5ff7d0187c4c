package gates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/budget"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
)

type fakeStore struct {
	tenant    *db.Tenant
	contact   *db.Contact
	number    *db.SendingNumber
	numberErr error
	onDNC     bool
	dncErr    error

	calls []string
}

func (f *fakeStore) GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	f.calls = append(f.calls, "GetTenant")
	if f.tenant == nil {
		return nil, db.ErrNotFound
	}
	return f.tenant, nil
}

func (f *fakeStore) GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error) {
	f.calls = append(f.calls, "GetContact")
	if f.contact == nil {
		return nil, db.ErrNotFound
	}
	return f.contact, nil
}

func (f *fakeStore) IsOnDNC(ctx context.Context, tenantID uuid.UUID, phoneE164 string) (bool, error) {
	f.calls = append(f.calls, "IsOnDNC")
	return f.onDNC, f.dncErr
}

func (f *fakeStore) GetActiveSendingNumber(ctx context.Context, tenantID uuid.UUID) (*db.SendingNumber, error) {
	f.calls = append(f.calls, "GetActiveSendingNumber")
	if f.numberErr != nil {
		return nil, f.numberErr
	}
	if f.number == nil {
		return nil, db.ErrNotFound
	}
	return f.number, nil
}

func (f *fakeStore) called(name string) bool {
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

type fakeBudget struct {
	status *budget.Status
	err    error
	calls  int
}

func (f *fakeBudget) Check(ctx context.Context, tenantID uuid.UUID, costCents int) (*budget.Status, error) {
	f.calls++
	return f.status, f.err
}

type fakeLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (*redis.RateLimitResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &redis.RateLimitResult{Allowed: f.allowed}, nil
}

type fakeWarmup struct {
	count int
	err   error
	calls int
}

func (f *fakeWarmup) WarmupCount(ctx context.Context, numberID, dayKey string) (int, error) {
	f.calls++
	return f.count, f.err
}

// middayUTC is outside Sydney quiet hours (22:00 AEST in March).
var middayUTC = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func healthyStore() *fakeStore {
	utc := "UTC"
	return &fakeStore{
		tenant: &db.Tenant{
			ID:              uuid.New(),
			Timezone:        "Australia/Sydney",
			QuietHoursStart: 21,
			QuietHoursEnd:   9,
		},
		contact: &db.Contact{
			ID:        uuid.New(),
			PhoneE164: "+61412345678",
			Timezone:  &utc,
		},
	}
}

func newTestChecker(store *fakeStore, b *fakeBudget, l *fakeLimiter, w *fakeWarmup) *Checker {
	c := NewChecker(store, b, l, w, zap.NewNop())
	c.now = func() time.Time { return middayUTC }
	return c
}

func TestCheckAllAllowed(t *testing.T) {
	store := healthyStore()
	c := newTestChecker(store,
		&fakeBudget{status: &budget.Status{Allowed: true}},
		&fakeLimiter{allowed: true},
		&fakeWarmup{count: 0},
	)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if !r.Allowed {
		t.Fatalf("expected allowed, got denied: %s", r.Reason)
	}
}

func TestPausedTenantShortCircuits(t *testing.T) {
	store := healthyStore()
	store.tenant.IsPaused = true
	b := &fakeBudget{status: &budget.Status{Allowed: true}}
	c := newTestChecker(store, b, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected denial for paused tenant")
	}
	if r.Reason != "tenant is paused" {
		t.Fatalf("unexpected reason: %s", r.Reason)
	}
	if b.calls != 0 {
		t.Fatal("budget gate ran after a pause denial")
	}
	if store.called("GetContact") || store.called("IsOnDNC") {
		t.Fatal("later gates ran after a pause denial")
	}
}

func TestBudgetDenialShortCircuits(t *testing.T) {
	store := healthyStore()
	c := newTestChecker(store,
		&fakeBudget{status: &budget.Status{Allowed: false, Reason: "daily budget exceeded"}},
		&fakeLimiter{allowed: true},
		&fakeWarmup{},
	)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed || r.Reason != "daily budget exceeded" {
		t.Fatalf("expected budget denial, got %+v", r)
	}
	if store.called("GetContact") {
		t.Fatal("contact loaded after a budget denial")
	}
}

func TestDNCDenies(t *testing.T) {
	store := healthyStore()
	store.onDNC = true
	l := &fakeLimiter{allowed: true}
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, l, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected DNC denial")
	}
	if l.calls != 0 {
		t.Fatal("rate limit gate ran after a DNC denial")
	}
}

func TestDNCStoreErrorFailsClosed(t *testing.T) {
	store := healthyStore()
	store.dncErr = errors.New("connection refused")
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("DNC store error must deny")
	}
}

func TestBudgetStoreErrorFailsClosed(t *testing.T) {
	store := healthyStore()
	c := newTestChecker(store, &fakeBudget{err: errors.New("connection refused")}, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("budget store error must deny")
	}
}

func TestSuppressionWindowDenies(t *testing.T) {
	store := healthyStore()
	lastSent := middayUTC.AddDate(0, 0, -30)
	store.contact.LastSentAt = &lastSent
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected suppression denial 30 days after last send")
	}
	if r.DelayUntil == nil {
		t.Fatal("suppression denial must carry DelayUntil")
	}
	want := lastSent.AddDate(0, 0, 90)
	if !r.DelayUntil.Equal(want) {
		t.Fatalf("DelayUntil = %v, want %v", r.DelayUntil, want)
	}
}

func TestSuppressionWindowExpired(t *testing.T) {
	store := healthyStore()
	lastSent := middayUTC.AddDate(0, 0, -91)
	store.contact.LastSentAt = &lastSent
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if !r.Allowed {
		t.Fatalf("expected allowed 91 days after last send, got: %s", r.Reason)
	}
}

func TestQuietHoursUseContactTimezone(t *testing.T) {
	store := healthyStore()
	// 12:00 UTC is 23:00 in Sydney during March: inside 21-9 quiet hours.
	sydney := "Australia/Sydney"
	store.contact.Timezone = &sydney
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected quiet hours denial in contact timezone")
	}
	if r.DelayUntil == nil {
		t.Fatal("quiet hours denial must carry DelayUntil")
	}
	if !r.DelayUntil.After(middayUTC) {
		t.Fatalf("DelayUntil %v not in the future", r.DelayUntil)
	}
}

func TestQuietHoursFallBackToTenantTimezone(t *testing.T) {
	store := healthyStore()
	store.contact.Timezone = nil
	// Tenant is Sydney, so 12:00 UTC is quiet there too.
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, &fakeWarmup{})

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected quiet hours denial in tenant timezone")
	}
}

func TestRateLimitDenies(t *testing.T) {
	store := healthyStore()
	w := &fakeWarmup{}
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: false}, w)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected rate limit denial")
	}
	if store.called("GetActiveSendingNumber") || w.calls != 0 {
		t.Fatal("warm-up gate ran after a rate limit denial")
	}
}

func TestRateLimitErrorFailsOpen(t *testing.T) {
	store := healthyStore()
	c := newTestChecker(store,
		&fakeBudget{status: &budget.Status{Allowed: true}},
		&fakeLimiter{err: errors.New("redis down")},
		&fakeWarmup{count: 0},
	)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if !r.Allowed {
		t.Fatalf("rate limiter error must fail open, got: %s", r.Reason)
	}
}

func TestWarmupLimitDenies(t *testing.T) {
	store := healthyStore()
	start := middayUTC.AddDate(0, 0, -1) // day 1 of warm-up: limit 100
	store.number = &db.SendingNumber{ID: uuid.New(), WarmupStartDate: &start}
	c := newTestChecker(store,
		&fakeBudget{status: &budget.Status{Allowed: true}},
		&fakeLimiter{allowed: true},
		&fakeWarmup{count: 100},
	)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("expected warm-up denial at the day limit")
	}
}

func TestWarmupUnderLimitAllows(t *testing.T) {
	store := healthyStore()
	start := middayUTC.AddDate(0, 0, -1)
	store.number = &db.SendingNumber{ID: uuid.New(), WarmupStartDate: &start}
	c := newTestChecker(store,
		&fakeBudget{status: &budget.Status{Allowed: true}},
		&fakeLimiter{allowed: true},
		&fakeWarmup{count: 99},
	)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if !r.Allowed {
		t.Fatalf("expected allowed under the warm-up limit, got: %s", r.Reason)
	}
}

func TestWarmupCounterErrorFailsOpen(t *testing.T) {
	store := healthyStore()
	start := middayUTC.AddDate(0, 0, -1)
	store.number = &db.SendingNumber{ID: uuid.New(), WarmupStartDate: &start}
	c := newTestChecker(store,
		&fakeBudget{status: &budget.Status{Allowed: true}},
		&fakeLimiter{allowed: true},
		&fakeWarmup{err: errors.New("redis down")},
	)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if !r.Allowed {
		t.Fatalf("warm-up counter error must fail open, got: %s", r.Reason)
	}
}

func TestWarmupNumberLookupErrorFailsClosed(t *testing.T) {
	store := healthyStore()
	store.numberErr = errors.New("connection refused")
	w := &fakeWarmup{}
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, w)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if r.Allowed {
		t.Fatal("unreadable sending number must fail closed")
	}
	if r.Reason != "sending number lookup failed" {
		t.Fatalf("reason = %q", r.Reason)
	}
	if w.calls != 0 {
		t.Fatal("warm-up counter read despite failed number lookup")
	}
}

func TestNoSendingNumberSkipsWarmup(t *testing.T) {
	store := healthyStore()
	w := &fakeWarmup{}
	c := newTestChecker(store, &fakeBudget{status: &budget.Status{Allowed: true}}, &fakeLimiter{allowed: true}, w)

	r := c.CheckAll(context.Background(), store.tenant.ID, store.contact.ID, uuid.New(), 10)
	if !r.Allowed {
		t.Fatalf("no sending number should skip warm-up, got: %s", r.Reason)
	}
	if w.calls != 0 {
		t.Fatal("warm-up counter read without a configured number")
	}
}
