package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Counters provides the per-day warm-up counters for sending numbers.
// Increment and read are separate operations: the gate reads before
// approving, the worker increments after a successful send.
type Counters struct {
	client *Client
	logger *zap.Logger
}

// NewCounters creates the warm-up counter service.
func NewCounters(client *Client, logger *zap.Logger) *Counters {
	return &Counters{client: client, logger: logger}
}

func warmupKey(numberID, dayKey string) string {
	return fmt.Sprintf("warmup:%s:%s", numberID, dayKey)
}

// WarmupCount returns today's send count for a sending number.
func (c *Counters) WarmupCount(ctx context.Context, numberID, dayKey string) (int, error) {
	val, err := c.client.rdb.Get(ctx, warmupKey(numberID, dayKey)).Int()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("warmup count: %w", err)
	}
	return val, nil
}

// IncrWarmup increments today's send count for a sending number, setting a
// 48h expiry so stale day keys age out on their own.
func (c *Counters) IncrWarmup(ctx context.Context, numberID, dayKey string) error {
	key := warmupKey(numberID, dayKey)

	pipe := c.client.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("warmup incr: %w", err)
	}
	return nil
}
