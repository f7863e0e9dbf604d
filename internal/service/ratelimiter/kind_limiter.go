package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// Per-kind budgets. Vendors publish these; going over trips their 429s, so
// the client throttles first.
var kindBudgets = map[domain.ChannelKind]struct {
	perMinute  int
	concurrent int
}{
	domain.KindPOS:                 {perMinute: 60, concurrent: 5},
	domain.KindOnlineStore:         {perMinute: 100, concurrent: 10},
	domain.KindDeliveryMarketplace: {perMinute: 50, concurrent: 5},
}

// maxTokenWait caps one wait-for-refill pause so a drained bucket cannot
// stall a handler past its job timeout.
const maxTokenWait = 5 * time.Second

// KindBuckets builds the per-kind bucket configs for NewRedisLuaLimiter,
// keyed channel:{kind}.
func KindBuckets() map[string]BucketConfig {
	out := make(map[string]BucketConfig, len(kindBudgets))
	for kind, b := range kindBudgets {
		out[bucketKey(kind)] = NewBucketConfigFromPerMinute(b.perMinute)
	}
	return out
}

func bucketKey(kind domain.ChannelKind) string { return "channel:" + string(kind) }

// KindLimiter gates outbound vendor calls per channel kind: a shared Redis
// token bucket for request rate plus an in-process semaphore for concurrency.
type KindLimiter struct {
	rate *RedisLuaLimiter
	sems map[domain.ChannelKind]chan struct{}
}

// NewKindLimiter wires the gate. rate may be nil, which disables the
// per-minute budget but keeps the concurrency bound.
func NewKindLimiter(rate *RedisLuaLimiter) *KindLimiter {
	sems := make(map[domain.ChannelKind]chan struct{}, len(kindBudgets))
	for kind, b := range kindBudgets {
		sems[kind] = make(chan struct{}, b.concurrent)
	}
	return &KindLimiter{rate: rate, sems: sems}
}

// Acquire blocks until the call may proceed and returns a release func. The
// caller must release exactly once. Context cancellation aborts the wait.
func (g *KindLimiter) Acquire(ctx context.Context, kind domain.ChannelKind) (func(), error) {
	sem, ok := g.sems[kind]
	if !ok {
		return nil, fmt.Errorf("op=ratelimiter.acquire: unknown channel kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("op=ratelimiter.acquire: %w", ctx.Err())
	}
	release := func() { <-sem }

	for {
		allowed, retryAfter, err := g.rate.Allow(ctx, bucketKey(kind), 1)
		if err != nil || allowed {
			// Redis errors fail open; the bucket is advisory.
			return release, nil
		}
		if retryAfter <= 0 {
			retryAfter = 50 * time.Millisecond
		}
		if retryAfter > maxTokenWait {
			retryAfter = maxTokenWait
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, fmt.Errorf("op=ratelimiter.acquire: %w", ctx.Err())
		}
	}
}
