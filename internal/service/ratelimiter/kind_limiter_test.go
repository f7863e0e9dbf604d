package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func TestKindBuckets_CoverAllKinds(t *testing.T) {
	buckets := KindBuckets()
	for _, kind := range []domain.ChannelKind{domain.KindPOS, domain.KindOnlineStore, domain.KindDeliveryMarketplace} {
		cfg, ok := buckets["channel:"+string(kind)]
		if !ok {
			t.Fatalf("missing bucket for %s", kind)
		}
		if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
			t.Fatalf("bucket for %s not sized: %+v", kind, cfg)
		}
	}
	if buckets["channel:pos"].Capacity != 60 {
		t.Fatalf("pos budget = %d", buckets["channel:pos"].Capacity)
	}
	if buckets["channel:online_store"].Capacity != 100 {
		t.Fatalf("online budget = %d", buckets["channel:online_store"].Capacity)
	}
	if buckets["channel:delivery_marketplace"].Capacity != 50 {
		t.Fatalf("marketplace budget = %d", buckets["channel:delivery_marketplace"].Capacity)
	}
}

func TestKindLimiter_ConcurrencyBound(t *testing.T) {
	g := NewKindLimiter(nil)
	ctx := context.Background()

	// POS allows five concurrent calls.
	releases := make([]func(), 0, 5)
	for i := 0; i < 5; i++ {
		rel, err := g.Acquire(ctx, domain.KindPOS)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		releases = append(releases, rel)
	}

	// The sixth waits; a short deadline turns the wait into an error.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(shortCtx, domain.KindPOS); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// Releasing one slot unblocks the next caller.
	releases[0]()
	rel, err := g.Acquire(ctx, domain.KindPOS)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	rel()
	for _, r := range releases[1:] {
		r()
	}
}

func TestKindLimiter_UnknownKind(t *testing.T) {
	g := NewKindLimiter(nil)
	if _, err := g.Acquire(context.Background(), domain.ChannelKind("fax")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestKindLimiter_WaitsForTokens(t *testing.T) {
	rate, cleanup := newTestRedisLuaLimiter(t, map[string]BucketConfig{
		// One burst token, then 100/sec refill: the second acquire should
		// block briefly and then pass.
		"channel:pos": {Capacity: 1, RefillRate: 100},
	})
	defer cleanup()
	g := NewKindLimiter(rate)
	ctx := context.Background()

	rel, err := g.Acquire(ctx, domain.KindPOS)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	rel()

	start := time.Now()
	rel, err = g.Acquire(ctx, domain.KindPOS)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	rel()
	if waited := time.Since(start); waited > 2*time.Second {
		t.Fatalf("waited too long for refill: %v", waited)
	}
}
