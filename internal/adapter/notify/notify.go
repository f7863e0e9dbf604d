// Package notify delivers fired alerts beyond the alert table. Every path is
// best effort: the alert row written by the alert agent is the durable
// record, and a failed delivery is logged by the caller and dropped, never
// retried from here.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

const (
	// feedMax bounds the per-tenant in-app feed; older entries fall off.
	feedMax = 200

	// webhookTimeout bounds one outgoing POST end to end.
	webhookTimeout = 10 * time.Second
)

// Dispatcher implements domain.Notifier. Notify appends to a Redis-backed
// in-app feed the admin surface reads newest-first, Email logs the would-be
// message (no mail relay is wired in this deployment), and PostWebhook
// delivers JSON to an operator endpoint.
type Dispatcher struct {
	rdb    *redis.Client
	prefix string
	hc     *http.Client
	log    *slog.Logger
}

func New(rdb *redis.Client, prefix string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		rdb:    rdb,
		prefix: prefix,
		hc: &http.Client{
			Timeout:   webhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: log,
	}
}

// wireAlert is the outbound JSON shape shared by the feed and the webhook,
// kept separate from the DB entity so the wire stays stable.
type wireAlert struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenantId"`
	Kind      domain.AlertKind     `json:"kind"`
	Severity  domain.AlertSeverity `json:"severity"`
	Message   string               `json:"message"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

func toWire(a domain.Alert) wireAlert {
	at := a.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return wireAlert{
		ID:        a.ID,
		TenantID:  a.TenantID,
		Kind:      a.Kind,
		Severity:  a.Severity,
		Message:   a.Message,
		Metadata:  a.Metadata,
		CreatedAt: at,
	}
}

// FeedKey names the tenant's notification feed list.
func FeedKey(prefix, tenantID string) string {
	return fmt.Sprintf("%s:%s:notifications", prefix, tenantID)
}

// Notify prepends the alert to the tenant's in-app feed and trims the tail.
func (d *Dispatcher) Notify(ctx domain.Context, tenantID string, a domain.Alert) error {
	b, err := json.Marshal(toWire(a))
	if err != nil {
		return fmt.Errorf("op=notify.Notify: %w", err)
	}
	if d.rdb == nil {
		d.log.Info("notification",
			slog.String("tenant_id", tenantID),
			slog.String("kind", string(a.Kind)),
			slog.String("message", a.Message))
		return nil
	}
	key := FeedKey(d.prefix, tenantID)
	pipe := d.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, feedMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=notify.Notify: %w", err)
	}
	return nil
}

// Email logs the message in place of a mail relay.
func (d *Dispatcher) Email(ctx domain.Context, recipients []string, a domain.Alert) error {
	d.log.InfoContext(ctx, "email notification",
		slog.String("recipients", strings.Join(recipients, ",")),
		slog.String("kind", string(a.Kind)),
		slog.String("severity", string(a.Severity)),
		slog.String("message", a.Message))
	return nil
}

// PostWebhook delivers the alert to url as JSON. Non-2xx statuses come back
// as upstream errors.
func (d *Dispatcher) PostWebhook(ctx domain.Context, url string, a domain.Alert) error {
	b, err := json.Marshal(toWire(a))
	if err != nil {
		return fmt.Errorf("op=notify.PostWebhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=notify.PostWebhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=notify.PostWebhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=notify.PostWebhook: %w: status %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}
