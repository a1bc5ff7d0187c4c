package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReplayTTL is how long a seen webhook event id is retained. Matches the
// webhook timestamp max age: an event older than this is rejected before the
// replay check even runs.
const ReplayTTL = 5 * time.Minute

// ErrDuplicateEvent indicates the provider event id was already observed.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

// ReplayGuard enforces at-most-once processing of provider webhook events.
type ReplayGuard struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewReplayGuard creates a replay guard with the default retention.
func NewReplayGuard(client *Client, logger *zap.Logger) *ReplayGuard {
	return &ReplayGuard{client: client, logger: logger, ttl: ReplayTTL}
}

func replayKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

// Claim marks an event id as seen. The SET NX is a single atomic operation,
// not check-then-set, so under concurrent delivery exactly one caller wins;
// the rest get ErrDuplicateEvent.
func (g *ReplayGuard) Claim(ctx context.Context, eventID string) error {
	set, err := g.client.rdb.SetNX(ctx, replayKey(eventID), "1", g.ttl).Result()
	if err != nil {
		return fmt.Errorf("replay setnx: %w", err)
	}
	if !set {
		return ErrDuplicateEvent
	}
	return nil
}

// Release forgets a claimed event id so the provider's retry of the same
// event is admitted again. Used when processing fails after the claim:
// a duplicate delivery report is recoverable, a dropped one is not.
func (g *ReplayGuard) Release(ctx context.Context, eventID string) error {
	if err := g.client.rdb.Del(ctx, replayKey(eventID)).Err(); err != nil {
		return fmt.Errorf("replay del: %w", err)
	}
	return nil
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
