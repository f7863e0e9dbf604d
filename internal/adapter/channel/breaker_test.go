package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker("ch-1")

	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State())
		assert.True(t, b.Allow())
	}
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker("ch-1")

	for i := 0; i < breakerFailureThreshold-1; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_RecoveryProbe(t *testing.T) {
	t.Parallel()
	b := NewBreaker("ch-1")
	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.Allow())

	// Age the last failure past the recovery window.
	b.mu.Lock()
	b.lastFailure = time.Now().Add(-breakerRecoveryTimeout - time.Second)
	b.mu.Unlock()

	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreaker("ch-1")
	for i := 0; i < breakerFailureThreshold; i++ {
		b.RecordFailure()
	}
	b.mu.Lock()
	b.lastFailure = time.Now().Add(-breakerRecoveryTimeout - time.Second)
	b.mu.Unlock()
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSet_KeyedReuse(t *testing.T) {
	t.Parallel()
	set := NewBreakerSet()

	a := set.Get("ch-a")
	assert.Same(t, a, set.Get("ch-a"))
	assert.NotSame(t, a, set.Get("ch-b"))

	stats := set.Stats()
	assert.Len(t, stats, 2)
	assert.Contains(t, stats, "ch-a")
}
