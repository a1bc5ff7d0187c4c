package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig bounds how many events a key may record per window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult reports the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding-window limiter backed by one Redis sorted set per
// key, with event timestamps as scores. Trimming the window is a range
// delete and counting is a ZCARD. Because the state lives in Redis, every
// API and worker process sees the same window, which is what makes the
// global send ceiling actually global.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	cfg    RateLimitConfig
}

// NewRateLimiter returns a limiter enforcing cfg for each key passed to Allow.
func NewRateLimiter(client *Client, logger *zap.Logger, cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// Limit returns the configured window capacity.
func (r *RateLimiter) Limit() int { return r.cfg.Limit }

// Allow records one event against key if the window has room.
// Denials do not consume capacity.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	redisKey := "ratelimit:" + key
	windowStart := now.Add(-r.cfg.Window)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("trim rate limit window: %w", err)
	}

	used := int(countCmd.Val())
	result := &RateLimitResult{
		Remaining: max(0, r.cfg.Limit-used),
		ResetAt:   now.Add(r.cfg.Window),
	}

	if used >= r.cfg.Limit {
		r.logger.Debug("rate limit exhausted",
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.cfg.Limit),
		)
		return result, nil
	}

	// Members only need to be unique across concurrent callers in the
	// same nanosecond.
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()

	record := r.client.rdb.Pipeline()
	record.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	record.Expire(ctx, redisKey, r.cfg.Window+time.Second)
	if _, err := record.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record rate limit event: %w", err)
	}

	result.Allowed = true
	result.Remaining--
	return result, nil
}
