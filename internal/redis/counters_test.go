package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestCounters_WarmupIncrement(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	counters := NewCounters(client, zap.NewNop())
	ctx := context.Background()

	count, err := counters.WarmupCount(ctx, "num-1", "2026-03-10")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("fresh counter should be 0, got %d", count)
	}

	for i := 0; i < 3; i++ {
		if err := counters.IncrWarmup(ctx, "num-1", "2026-03-10"); err != nil {
			t.Fatalf("incr failed: %v", err)
		}
	}

	count, err = counters.WarmupCount(ctx, "num-1", "2026-03-10")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("got %d, want 3", count)
	}
}

func TestCounters_DaysIsolated(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	counters := NewCounters(client, zap.NewNop())
	ctx := context.Background()

	if err := counters.IncrWarmup(ctx, "num-1", "2026-03-10"); err != nil {
		t.Fatalf("incr failed: %v", err)
	}

	count, err := counters.WarmupCount(ctx, "num-1", "2026-03-11")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("next day counter should be 0, got %d", count)
	}
}

func TestReplayGuard_FirstObserverWins(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	guard := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()

	if err := guard.Claim(ctx, "SM123"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if err := guard.Claim(ctx, "SM123"); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("second claim should be duplicate, got: %v", err)
	}
	if err := guard.Claim(ctx, "SM456"); err != nil {
		t.Fatalf("different event id should succeed: %v", err)
	}
}

func TestReplayGuard_ReleaseReadmitsEvent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	guard := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()

	if err := guard.Claim(ctx, "SM123"); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if err := guard.Release(ctx, "SM123"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := guard.Claim(ctx, "SM123"); err != nil {
		t.Fatalf("claim after release should succeed: %v", err)
	}
}

func TestReplayGuard_ConcurrentClaims(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	guard := NewReplayGuard(client, zap.NewNop())
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.Claim(ctx, "SM-race") == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("exactly one concurrent claim should win, got %d", count)
	}
}
