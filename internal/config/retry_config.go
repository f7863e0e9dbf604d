// Package config: provider retry knobs.
package config

import (
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// ProviderRetryPolicy builds the general provider-call policy from
// configuration. SYNC_MAX_RETRIES bounds attempts; the 1s base and 30s cap
// follow the vendor backoff contract.
func (c Config) ProviderRetryPolicy() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	if c.SyncMaxRetries > 0 {
		p.MaxAttempts = c.SyncMaxRetries
	}
	if c.IsTest() {
		// Short waits keep the suite fast; budgets stay identical.
		p.InitialDelay = 10 * time.Millisecond
		p.MaxDelay = 100 * time.Millisecond
	}
	return p
}

// RateLimitRetryPolicy is the 429 policy: five attempts, Retry-After honored
// by the caller.
func (c Config) RateLimitRetryPolicy() domain.RetryPolicy {
	p := c.ProviderRetryPolicy()
	p.MaxAttempts = domain.RateLimitRetryPolicy().MaxAttempts
	return p
}
