package channel

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the admission state of one channel's call circuit.
type BreakerState int

const (
	// BreakerClosed admits all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen admits probes; one success closes the circuit again.
	BreakerHalfOpen
)

// String returns the state name used in logs and the admin surface.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	breakerFailureThreshold = 5
	breakerRecoveryTimeout  = 30 * time.Second
)

// Breaker stops hammering a vendor that fails every call. It counts terminal
// operation outcomes, not individual retry attempts: one SetStock that
// exhausts its in-call retries is one failure.
type Breaker struct {
	mu               sync.Mutex
	key              string
	failureThreshold int
	recoveryTimeout  time.Duration
	state            BreakerState
	consecutiveFails int
	totalRequests    int
	totalFailures    int
	lastFailure      time.Time
	lastSuccess      time.Time
}

// NewBreaker creates a closed breaker for one channel.
func NewBreaker(key string) *Breaker {
	return &Breaker{
		key:              key,
		failureThreshold: breakerFailureThreshold,
		recoveryTimeout:  breakerRecoveryTimeout,
		state:            BreakerClosed,
	}
}

// Allow reports whether a call may proceed. Once the recovery timeout has
// elapsed an open breaker moves to half-open and admits probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.recoveryTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a completed call and closes a probing circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.lastSuccess = time.Now()
	b.consecutiveFails = 0

	if b.state != BreakerClosed {
		b.state = BreakerClosed
		slog.Info("channel circuit closed after recovery",
			slog.String("channel", b.key))
	}
}

// RecordFailure notes a failed call; crossing the consecutive-failure
// threshold, or any failure while half-open, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalFailures++
	b.consecutiveFails++
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen || b.consecutiveFails >= b.failureThreshold {
		if b.state != BreakerOpen {
			slog.Warn("channel circuit opened",
				slog.String("channel", b.key),
				slog.Int("consecutive_failures", b.consecutiveFails),
				slog.Int("threshold", b.failureThreshold))
		}
		b.state = BreakerOpen
	}
}

// State returns the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats snapshots counters for the admin surface.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		"channel":           b.key,
		"state":             b.state.String(),
		"consecutive_fails": b.consecutiveFails,
		"total_requests":    b.totalRequests,
		"total_failures":    b.totalFailures,
		"last_failure":      b.lastFailure,
		"last_success":      b.lastSuccess,
	}
}

// BreakerSet hands out one breaker per channel id.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a channel, creating it on first use.
func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key)
	s.breakers[key] = b
	return b
}

// Stats snapshots every breaker, keyed by channel id.
func (s *BreakerSet) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.breakers))
	for key, b := range s.breakers {
		out[key] = b.Stats()
	}
	return out
}
