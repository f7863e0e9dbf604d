package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLuaLimiter(t *testing.T, buckets map[string]BucketConfig) (*RedisLuaLimiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, buckets)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}

	return limiter, cleanup
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	ctx := context.Background()
	var limiter *RedisLuaLimiter

	allowed, retryAfter, err := limiter.Allow(ctx, "any", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true for nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_NoBucketConfig_FailOpen(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, nil)
	defer cleanup()

	allowed, retryAfter, err := limiter.Allow(ctx, "unknown-bucket", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed when no bucket config is present")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_ExhaustsBucket(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, map[string]BucketConfig{
		"channel:pos": {Capacity: 2, RefillRate: 0.001},
	})
	defer cleanup()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "channel:pos", 1)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("call %d should be within budget", i)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "channel:pos", 1)
	if err != nil {
		t.Fatalf("allow over budget: %v", err)
	}
	if allowed {
		t.Fatalf("expected the third call to be throttled")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}
}

func TestAllow_RedisDown_FailOpen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, map[string]BucketConfig{
		"channel:pos": NewBucketConfigFromPerMinute(60),
	})
	mr.Close()

	allowed, _, err := limiter.Allow(ctx, "channel:pos", 1)
	if err == nil {
		t.Fatalf("expected redis error to surface")
	}
	if !allowed {
		t.Fatalf("expected fail-open when redis is down")
	}
	_ = rdb.Close()
}

func TestSetBucketConfig(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, nil)
	defer cleanup()

	limiter.SetBucketConfig("channel:pos", BucketConfig{Capacity: 1, RefillRate: 0.001})

	allowed, _, err := limiter.Allow(ctx, "channel:pos", 1)
	if err != nil || !allowed {
		t.Fatalf("first call should pass: allowed=%v err=%v", allowed, err)
	}
	allowed, _, err = limiter.Allow(ctx, "channel:pos", 1)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if allowed {
		t.Fatalf("expected second call throttled after shrink to capacity 1")
	}
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(60)
	if cfg.Capacity != 60 {
		t.Fatalf("capacity = %d", cfg.Capacity)
	}
	if cfg.RefillRate != 1.0 {
		t.Fatalf("refill = %f", cfg.RefillRate)
	}
	if zero := NewBucketConfigFromPerMinute(0); zero.Capacity != 0 {
		t.Fatalf("zero budget should disable the bucket")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	ctx := context.Background()
	limiter, cleanup := newTestRedisLuaLimiter(t, map[string]BucketConfig{
		// 100 tokens/sec so the refill is visible without a long sleep.
		"channel:pos": {Capacity: 1, RefillRate: 100},
	})
	defer cleanup()

	if allowed, _, _ := limiter.Allow(ctx, "channel:pos", 1); !allowed {
		t.Fatalf("first call should pass")
	}
	time.Sleep(50 * time.Millisecond)
	if allowed, _, _ := limiter.Allow(ctx, "channel:pos", 1); !allowed {
		t.Fatalf("bucket should refill within 50ms at 100 tokens/sec")
	}
}
