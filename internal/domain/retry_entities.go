// Retry policy entities shared by the provider adapters and the queue
// substrate.
package domain

import (
	"time"
)

// RetryPolicy defines backoff behavior for provider calls and queue jobs.
type RetryPolicy struct {
	// MaxAttempts bounds total tries (first call included).
	MaxAttempts int
	// InitialDelay is the backoff base.
	InitialDelay time.Duration
	// MaxDelay caps any single wait.
	MaxDelay time.Duration
	// Multiplier is the exponential growth factor.
	Multiplier float64
	// Jitter randomizes waits to avoid thundering herds.
	Jitter bool
}

// DefaultRetryPolicy is the general provider-call policy: 3 attempts,
// exponential off a 1s base, capped at 30s, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RateLimitRetryPolicy applies when the vendor answers 429: 5 attempts, and a
// Retry-After header overrides the computed wait.
func RateLimitRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 5
	return p
}

// Delay computes the wait before the given retry (1-based: the wait after the
// n-th failure), without jitter. Callers wanting full jitter spread uniformly
// over [0, d].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RetryAfter holds a vendor-provided wait hint parsed from a 429 response.
type RetryAfter struct {
	Wait    time.Duration
	Present bool
}
