package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/ratelimiter"
)

const (
	defaultOpTimeout   = 30 * time.Second
	healthProbeTimeout = 10 * time.Second
	backoffBase        = time.Second
	backoffCap         = 30 * time.Second

	// In-call attempt budgets. Rate-limit rejections get extra headroom
	// because Retry-After makes the follow-up attempt cheap and likely to
	// land.
	attemptsTransient = 3
	attemptsRateLimit = 5

	maxResponseBytes = 1 << 20
)

// restCore carries the plumbing every vendor client shares: a rate-limited,
// retrying JSON round-tripper bound to one channel's endpoint and credentials.
type restCore struct {
	kind         domain.ChannelKind
	hc           *http.Client
	limiter      *ratelimiter.KindLimiter
	breaker      *Breaker
	log          *slog.Logger
	opTimeout    time.Duration
	retryBase    time.Duration
	retryCap     time.Duration
	maxTransient int
	maxRateLimit int

	mu        sync.RWMutex
	baseURL   string
	connected bool
	setAuth   func(r *http.Request)
}

func newRestCore(kind domain.ChannelKind, baseURL string, timeout time.Duration, limiter *ratelimiter.KindLimiter, breaker *Breaker, log *slog.Logger) *restCore {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &restCore{
		kind: kind,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:      limiter,
		breaker:      breaker,
		log:          log,
		opTimeout:    timeout,
		retryBase:    backoffBase,
		retryCap:     backoffCap,
		maxTransient: attemptsTransient,
		maxRateLimit: attemptsRateLimit,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
}

// tune applies configured retry pacing and attempt budgets on top of the
// defaults. Zero policy fields leave the defaults alone.
func (c *restCore) tune(general, rateLimited domain.RetryPolicy) {
	if general.InitialDelay > 0 {
		c.retryBase = general.InitialDelay
	}
	if general.MaxDelay > 0 {
		c.retryCap = general.MaxDelay
	}
	if general.MaxAttempts > 0 {
		c.maxTransient = general.MaxAttempts
	}
	if rateLimited.MaxAttempts > 0 {
		c.maxRateLimit = rateLimited.MaxAttempts
	}
}

// bind caches the per-channel auth decorator; baseURL may rebase the core
// when the credential set carries an endpoint override.
func (c *restCore) bind(baseURL string, setAuth func(r *http.Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	c.setAuth = setAuth
	c.connected = true
}

func (c *restCore) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAuth = nil
	c.connected = false
}

func (c *restCore) endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func (c *restCore) authorize(r *http.Request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.setAuth == nil {
		return fmt.Errorf("%w: not connected", domain.ErrChannelDisconnected)
	}
	c.setAuth(r)
	return nil
}

// doJSON runs one provider operation end to end: circuit gate, rate-limit
// gate per attempt, classified retries with Retry-After override. out may be
// nil when the response body is discarded.
func (c *restCore) doJSON(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("op=%s: circuit open: %w", op, domain.ErrUpstreamUnavailable)
	}

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("op=%s: encode request: %w", op, err)
		}
		payload = b
	}

	u := c.endpoint() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.retryBase
	expo.MaxInterval = c.retryCap
	expo.RandomizationFactor = 1
	expo.MaxElapsedTime = 0
	hinted := &serverHintBackOff{BackOff: expo, cap: c.retryCap}

	tries := 0
	opFn := func() error {
		tries++
		release, err := c.limiter.Acquire(ctx, c.kind)
		if err != nil {
			return backoff.Permanent(err)
		}
		start := time.Now()
		err = c.attempt(ctx, method, u, payload, out)
		release()
		observability.ObserveProviderCall(string(c.kind), op, start, string(domain.Classify(err)))
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		budget := c.maxTransient
		if errors.Is(err, domain.ErrRateLimited) {
			budget = c.maxRateLimit
		}
		if tries >= budget {
			return backoff.Permanent(err)
		}
		var hint *retryHintError
		if errors.As(err, &hint) && hint.after > 0 {
			hinted.SetHint(hint.after)
		}
		c.log.Warn("provider call retrying",
			slog.String("kind", string(c.kind)),
			slog.String("op", op),
			slog.Int("attempt", tries),
			slog.Any("error", err))
		return err
	}

	if err := backoff.Retry(opFn, backoff.WithContext(hinted, ctx)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrUpstreamTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		switch domain.Classify(err) {
		case domain.ClassTransient, domain.ClassAuth:
			c.breaker.RecordFailure()
		}
		return fmt.Errorf("op=%s: %w", op, err)
	}
	c.breaker.RecordSuccess()
	return nil
}

// attempt performs a single HTTP exchange. The request is recreated each
// attempt so a consumed body is never reused.
func (c *restCore) attempt(ctx context.Context, method, u string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrUpstreamUnavailable, err)
	}
	if err := classifyStatus(resp, raw); err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// ping is a single unretried probe used by HealthCheck. It queues on the kind
// gate like any other call but bypasses the breaker: health results feed the
// guardian's own demotion logic.
func (c *restCore) ping(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	release, err := c.limiter.Acquire(ctx, c.kind)
	if err != nil {
		return fmt.Errorf("op=channel.ping: %w", err)
	}
	defer release()

	start := time.Now()
	err = c.attempt(ctx, http.MethodGet, c.endpoint()+path, nil, nil)
	observability.ObserveProviderCall(string(c.kind), "health", start, string(domain.Classify(err)))
	if err != nil {
		return fmt.Errorf("op=channel.ping: %w", err)
	}
	return nil
}

// classifyStatus maps a vendor response onto the error taxonomy. A 409 at
// the vendor is a concurrent-write race and settles on retry, so it rides
// with the transient bucket rather than conflict.
func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUnauthorized, code, snippet(body))
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: status 404", domain.ErrNotFound)
	case code == http.StatusTooManyRequests:
		err := fmt.Errorf("%w: status 429: %s", domain.ErrRateLimited, snippet(body))
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			return &retryHintError{err: err, after: after}
		}
		return err
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status 408", domain.ErrUpstreamTimeout)
	case code == http.StatusConflict || code == http.StatusLocked || code >= 500:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamUnavailable, code, snippet(body))
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrInvalidArgument, code, snippet(body))
	}
}

// retryHintError carries the vendor's Retry-After preference up to the
// backoff loop.
type retryHintError struct {
	err   error
	after time.Duration
}

func (e *retryHintError) Error() string { return e.err.Error() }
func (e *retryHintError) Unwrap() error { return e.err }

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// serverHintBackOff substitutes the vendor's Retry-After for the next
// exponential wait when one was sent, capped at the schedule ceiling.
type serverHintBackOff struct {
	backoff.BackOff
	cap  time.Duration
	mu   sync.Mutex
	hint time.Duration
}

func (b *serverHintBackOff) SetHint(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap > 0 && d > b.cap {
		d = b.cap
	}
	b.hint = d
}

func (b *serverHintBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	hint := b.hint
	b.hint = 0
	b.mu.Unlock()

	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if hint > 0 {
		return hint
	}
	return next
}

func snippet(body []byte) string {
	const n = 256
	if len(body) > n {
		body = body[:n]
	}
	return string(body)
}
