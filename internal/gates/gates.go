// Package gates implements the admission chain run before any contact is
// queued. Seven checks execute in a fixed order and the chain stops at the
// first denial: earlier gates are cheaper or represent harder stops.
//
// A denial is a first-class decision, never an error. Gates that read the
// relational store fail closed (deny) when data is missing or unreadable.
// The rate-limit and warm-up gates, whose counters live in Redis, fail open
// (allow) when the counter store is unreachable: counter-backend downtime
// must not stop sending outright, while compliance data must.
package gates

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/budget"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/clock"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
)

// Result is the verdict of one gate or of the whole chain.
type Result struct {
	Allowed    bool
	Reason     string
	DelayUntil *time.Time
}

func allow() Result { return Result{Allowed: true} }

// deny records the denial under the gate's fixed label; reasons carry
// detail and are too high-cardinality for a metric.
func deny(gate, reason string) Result {
	metrics.RecordGateDenial(gate)
	return Result{Allowed: false, Reason: reason}
}

func denyUntil(gate, reason string, until time.Time) Result {
	metrics.RecordGateDenial(gate)
	return Result{Allowed: false, Reason: reason, DelayUntil: &until}
}

// Store is the slice of the repository the gates read.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetContact(ctx context.Context, id uuid.UUID) (*db.Contact, error)
	IsOnDNC(ctx context.Context, tenantID uuid.UUID, phoneE164 string) (bool, error)
	GetActiveSendingNumber(ctx context.Context, tenantID uuid.UUID) (*db.SendingNumber, error)
}

// BudgetChecker is satisfied by *budget.Ledger.
type BudgetChecker interface {
	Check(ctx context.Context, tenantID uuid.UUID, costCents int) (*budget.Status, error)
}

// RateLimiter is satisfied by *redis.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// WarmupCounter is satisfied by *redis.Counters.
type WarmupCounter interface {
	WarmupCount(ctx context.Context, numberID, dayKey string) (int, error)
}

// TenantRateLimit is the default sliding one-minute cap per tenant.
const TenantRateLimit = 100

// Checker runs the admission chain.
type Checker struct {
	store   Store
	budget  BudgetChecker
	limiter RateLimiter
	warmup  WarmupCounter
	logger  *zap.Logger
	now     func() time.Time
}

// NewChecker creates a gate checker.
func NewChecker(store Store, budget BudgetChecker, limiter RateLimiter, warmup WarmupCounter, logger *zap.Logger) *Checker {
	return &Checker{
		store:   store,
		budget:  budget,
		limiter: limiter,
		warmup:  warmup,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAll runs every gate in order and short-circuits on the first denial.
// The returned reason is always the denying gate's own.
func (c *Checker) CheckAll(ctx context.Context, tenantID, contactID, campaignID uuid.UUID, estCostCents int) Result {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return deny("tenant", "tenant not found")
	}

	// Gate 1: tenant pause. Hard stop.
	if tenant.IsPaused {
		return deny("pause", "tenant is paused")
	}

	// Gate 2: budget caps. No delayUntil: budgets reset on calendar
	// boundaries, not after a fixed delay.
	if r := c.checkBudget(ctx, tenantID, estCostCents); !r.Allowed {
		return r
	}

	contact, err := c.store.GetContact(ctx, contactID)
	if err != nil {
		return deny("contact", "contact not found")
	}

	// Gate 3: do-not-contact. Absolute veto by normalized phone,
	// independent of the contact's consent field.
	if r := c.checkDNC(ctx, tenantID, contact); !r.Allowed {
		return r
	}

	// Gate 4: suppression window.
	if r := c.checkSuppression(contact); !r.Allowed {
		return r
	}

	// Gate 5: quiet hours.
	if r := c.checkQuietHours(tenant, contact); !r.Allowed {
		return r
	}

	// Gate 6: tenant rate limit.
	if r := c.checkTenantRateLimit(ctx, tenantID); !r.Allowed {
		return r
	}

	// Gate 7: sender warm-up.
	if r := c.checkWarmup(ctx, tenant); !r.Allowed {
		return r
	}

	return allow()
}

func (c *Checker) checkBudget(ctx context.Context, tenantID uuid.UUID, costCents int) Result {
	status, err := c.budget.Check(ctx, tenantID, costCents)
	if err != nil {
		// Budget reads the relational store: compliance-critical, fail closed.
		c.logger.Error("budget check failed", zap.Error(err), zap.String("tenant_id", tenantID.String()))
		return deny("budget", "budget check unavailable")
	}
	if !status.Allowed {
		return deny("budget", status.Reason)
	}
	return allow()
}

func (c *Checker) checkDNC(ctx context.Context, tenantID uuid.UUID, contact *db.Contact) Result {
	listed, err := c.store.IsOnDNC(ctx, tenantID, contact.PhoneE164)
	if err != nil {
		c.logger.Error("dnc check failed", zap.Error(err), zap.String("tenant_id", tenantID.String()))
		return deny("dnc", "dnc check unavailable")
	}
	if listed {
		return deny("dnc", "contact is on do-not-contact list")
	}
	return allow()
}

func (c *Checker) checkSuppression(contact *db.Contact) Result {
	if contact.LastSentAt == nil {
		return allow()
	}

	until := clock.SuppressionEnds(*contact.LastSentAt)
	if c.now().Before(until) {
		return denyUntil("suppression", "contact in suppression window (90 days)", until)
	}
	return allow()
}

func (c *Checker) checkQuietHours(tenant *db.Tenant, contact *db.Contact) Result {
	tz := tenant.Timezone
	if contact.Timezone != nil && *contact.Timezone != "" {
		tz = *contact.Timezone
	}
	loc := clock.LoadLocation(tz)

	start, end := tenant.QuietHoursStart, tenant.QuietHoursEnd
	if start == 0 && end == 0 {
		start, end = clock.DefaultQuietStart, clock.DefaultQuietEnd
	}

	now := c.now()
	if clock.IsWithinQuietHours(now, loc, start, end) {
		return denyUntil("quiet_hours", "within quiet hours", clock.NextAllowedSendTime(now, loc, start, end))
	}
	return allow()
}

func (c *Checker) checkTenantRateLimit(ctx context.Context, tenantID uuid.UUID) Result {
	result, err := c.limiter.Allow(ctx, "tenant:"+tenantID.String())
	if err != nil {
		// Counter store down: fail open, sending must not stall.
		c.logger.Error("tenant rate limit check failed, allowing",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return allow()
	}
	if !result.Allowed {
		return deny("rate_limit", "tenant rate limit exceeded")
	}
	return allow()
}

func (c *Checker) checkWarmup(ctx context.Context, tenant *db.Tenant) Result {
	number, err := c.store.GetActiveSendingNumber(ctx, tenant.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// No active number means no warm-up to enforce.
			return allow()
		}
		// The relational store is authoritative; without it the limit
		// cannot be checked, so fail closed like budget and DNC do.
		c.logger.Error("sending number lookup failed, denying",
			zap.Error(err),
			zap.String("tenant_id", tenant.ID.String()),
		)
		return deny("warmup", "sending number lookup failed")
	}
	if number.WarmupStartDate == nil {
		// Warm-up not configured for this number.
		return allow()
	}

	now := c.now()
	limit := clock.WarmupLimit(*number.WarmupStartDate, now)
	dayKey := clock.DayKey(now, clock.LoadLocation(tenant.Timezone))

	count, err := c.warmup.WarmupCount(ctx, number.ID.String(), dayKey)
	if err != nil {
		// Counter store down: fail open, same policy as the rate limit.
		c.logger.Error("warmup counter check failed, allowing",
			zap.Error(err),
			zap.String("sending_number_id", number.ID.String()),
		)
		return allow()
	}

	if count >= limit {
		return deny("warmup", "sending number warm-up limit reached")
	}
	return allow()
}
