// Package alerter evaluates tenant alert rules against queue triggers and DB
// state, writes alert rows, and dispatches notifications. The row is the
// record and is always written when a rule fires; the dedup window only
// suppresses repeat notifications, never the write.
package alerter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/bus"
)

// defaultDriftPct is the drift_detected trigger bar when a rule does not set
// its own percentageThreshold.
const defaultDriftPct = 15.0

// Dedup suppresses repeat notifications for the same alert identity within a
// sliding window, keyed {prefix}:{tenantId}:alertdedup:{kind}:{product}:{channel}.
type Dedup struct {
	rdb      *redis.Client
	prefix   string
	tenantID string
	window   time.Duration
}

func NewDedup(rdb *redis.Client, prefix, tenantID string, window time.Duration) *Dedup {
	return &Dedup{rdb: rdb, prefix: prefix, tenantID: tenantID, window: window}
}

// FirstSeen marks the alert identity and reports whether it is the first
// within the window. Redis failures fail open: a duplicate notification is
// noise, a dropped one is a missed signal. A nil Dedup dispatches everything.
func (d *Dedup) FirstSeen(ctx context.Context, kind domain.AlertKind, productID, channelID string) (bool, error) {
	if d == nil {
		return true, nil
	}
	key := fmt.Sprintf("%s:%s:alertdedup:%s:%s:%s", d.prefix, d.tenantID, kind, productID, channelID)
	ok, err := d.rdb.SetNX(ctx, key, 1, d.window).Result()
	if err != nil {
		return true, fmt.Errorf("op=alerter.FirstSeen: %w", err)
	}
	return ok, nil
}

// Deps wires the alert agent's collaborators.
type Deps struct {
	TenantID string
	Rules    domain.AlertRuleRepository
	Alerts   domain.AlertRepository
	Products domain.ProductRepository
	Notifier domain.Notifier
	Bus      *bus.Bus
	Dedup    *Dedup
	// DefaultLowStock seeds the builtin low_stock rule for tenants without
	// explicit rules of that kind.
	DefaultLowStock int64
	Log             *slog.Logger
}

// Alerter is one tenant's alert agent.
type Alerter struct {
	tenantID        string
	rules           domain.AlertRuleRepository
	alerts          domain.AlertRepository
	products        domain.ProductRepository
	notifier        domain.Notifier
	bus             *bus.Bus
	dedup           *Dedup
	defaultLowStock int64
	log             *slog.Logger
}

func New(d Deps) *Alerter {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Alerter{
		tenantID:        d.TenantID,
		rules:           d.Rules,
		alerts:          d.Alerts,
		products:        d.Products,
		notifier:        d.Notifier,
		bus:             d.Bus,
		dedup:           d.Dedup,
		defaultLowStock: d.DefaultLowStock,
		log:             log,
	}
}

// finding is one fired rule's verdict.
type finding struct {
	severity domain.AlertSeverity
	message  string
	extra    map[string]any
}

// Evaluate runs every matching rule for one trigger. Errors are returned only
// for infrastructure failures worth a retry; delivery failures are logged and
// dropped.
func (a *Alerter) Evaluate(ctx domain.Context, job domain.AlertJob) error {
	tracer := otel.Tracer("agent.alerter")
	ctx, span := tracer.Start(ctx, "alerter.Evaluate")
	defer span.End()

	rules, err := a.matchingRules(ctx, job)
	if err != nil {
		return fmt.Errorf("op=alerter.Evaluate: %w", err)
	}
	for _, rule := range rules {
		f, fired, err := a.assess(ctx, rule, job)
		if err != nil {
			return fmt.Errorf("op=alerter.Evaluate: %w", err)
		}
		if !fired {
			continue
		}
		if err := a.raise(ctx, rule, job, f); err != nil {
			return fmt.Errorf("op=alerter.Evaluate: %w", err)
		}
	}
	return nil
}

// matchingRules returns the tenant's active rules for the trigger's kind,
// narrowed by product/channel filters. A tenant with no rules of the kind at
// all gets the builtin default; a tenant whose rules exclude this trigger by
// filter gets nothing.
func (a *Alerter) matchingRules(ctx domain.Context, job domain.AlertJob) ([]domain.AlertRule, error) {
	all, err := a.rules.ListActive(ctx, a.tenantID)
	if err != nil {
		return nil, err
	}
	var ofKind, matched []domain.AlertRule
	for _, r := range all {
		if r.Kind != job.Kind {
			continue
		}
		ofKind = append(ofKind, r)
		if !filterMatch(r.Conditions.ProductIDs, job.ProductID) {
			continue
		}
		if !filterMatch(r.Conditions.ChannelIDs, job.ChannelID) {
			continue
		}
		matched = append(matched, r)
	}
	if len(ofKind) == 0 {
		return []domain.AlertRule{a.builtinRule(job.Kind)}, nil
	}
	return matched, nil
}

func filterMatch(ids []string, id string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// builtinRule keeps baseline alerting alive for tenants that never configured
// rules: notify only, low_stock seeded with the configured default threshold.
func (a *Alerter) builtinRule(kind domain.AlertKind) domain.AlertRule {
	r := domain.AlertRule{
		ID:       "builtin:" + string(kind),
		TenantID: a.tenantID,
		Kind:     kind,
		Actions:  domain.AlertActions{Notify: true},
		IsActive: true,
	}
	if kind == domain.AlertLowStock && a.defaultLowStock > 0 {
		t := a.defaultLowStock
		r.Conditions.Threshold = &t
	}
	return r
}

func (a *Alerter) assess(ctx domain.Context, rule domain.AlertRule, job domain.AlertJob) (finding, bool, error) {
	switch job.Kind {
	case domain.AlertLowStock:
		return a.assessLowStock(ctx, rule, job)

	case domain.AlertSyncError:
		msg := "stock sync failed"
		if s, ok := job.Data["error"].(string); ok && s != "" {
			msg = "stock sync failed: " + s
		}
		return finding{severity: domain.SeverityWarning, message: msg}, true, nil

	case domain.AlertChannelDisconnected:
		msg := fmt.Sprintf("channel %s marked inactive after repeated failures", job.ChannelID)
		if s, ok := job.Data["reason"].(string); ok && s != "" {
			msg += ": " + s
		}
		return finding{severity: domain.SeverityCritical, message: msg}, true, nil

	case domain.AlertDriftDetected:
		pct, ok := num(job.Data, "driftPct")
		if !ok {
			a.log.Warn("drift trigger without driftPct dropped", slog.String("product_id", job.ProductID))
			return finding{}, false, nil
		}
		bar := defaultDriftPct
		if rule.Conditions.PercentageThreshold != nil {
			bar = *rule.Conditions.PercentageThreshold
		}
		if pct < bar {
			return finding{}, false, nil
		}
		sev := domain.SeverityInfo
		switch {
		case pct >= 50:
			sev = domain.SeverityCritical
		case pct >= 25:
			sev = domain.SeverityWarning
		}
		return finding{
			severity: sev,
			message:  fmt.Sprintf("stock drift of %.1f%% detected", pct),
		}, true, nil

	case domain.AlertSystem:
		sev := domain.SeverityWarning
		if s, ok := job.Data["severity"].(string); ok {
			switch domain.AlertSeverity(s) {
			case domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical:
				sev = domain.AlertSeverity(s)
			}
		}
		msg := "system alert"
		if s, ok := job.Data["message"].(string); ok && s != "" {
			msg = s
		}
		return finding{severity: sev, message: msg}, true, nil
	}
	a.log.Warn("trigger with unknown kind dropped", slog.String("kind", string(job.Kind)))
	return finding{}, false, nil
}

// assessLowStock reads the product fresh: the queue trigger may be stale by
// the time it runs, and the rule is about DB state, not the event.
func (a *Alerter) assessLowStock(ctx domain.Context, rule domain.AlertRule, job domain.AlertJob) (finding, bool, error) {
	p, err := a.products.Get(ctx, job.ProductID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return finding{}, false, nil
		}
		return finding{}, false, err
	}
	threshold := p.BufferStock
	if rule.Conditions.Threshold != nil {
		threshold = *rule.Conditions.Threshold
	}
	if p.CurrentStock > threshold {
		return finding{}, false, nil
	}
	sev := domain.SeverityInfo
	switch {
	case p.CurrentStock == 0:
		sev = domain.SeverityCritical
	case p.CurrentStock <= threshold/2:
		sev = domain.SeverityWarning
	}
	return finding{
		severity: sev,
		message:  fmt.Sprintf("stock for %s is %d (threshold %d)", p.SKU, p.CurrentStock, threshold),
		extra:    map[string]any{"currentStock": p.CurrentStock, "threshold": threshold},
	}, true, nil
}

// raise writes the alert row, then dispatches unless the identity was already
// notified within the window.
func (a *Alerter) raise(ctx domain.Context, rule domain.AlertRule, job domain.AlertJob, f finding) error {
	meta := make(map[string]any, len(job.Data)+len(f.extra)+2)
	for k, v := range job.Data {
		meta[k] = v
	}
	for k, v := range f.extra {
		meta[k] = v
	}
	if job.ProductID != "" {
		meta["productId"] = job.ProductID
	}
	if job.ChannelID != "" {
		meta["channelId"] = job.ChannelID
	}

	alert := domain.Alert{
		TenantID: a.tenantID,
		Kind:     job.Kind,
		Severity: f.severity,
		Message:  f.message,
		Metadata: meta,
	}
	id, err := a.alerts.Create(ctx, alert)
	if err != nil {
		return err
	}
	alert.ID = id
	observability.AlertsWrittenTotal.WithLabelValues(string(job.Kind)).Inc()
	a.log.Info("alert raised",
		slog.String("alert_id", id),
		slog.String("kind", string(job.Kind)),
		slog.String("severity", string(f.severity)),
		slog.String("rule_id", rule.ID))

	fresh, err := a.dedup.FirstSeen(ctx, job.Kind, job.ProductID, job.ChannelID)
	if err != nil {
		a.log.Warn("alert dedup check failed, dispatching anyway", slog.Any("error", err))
	}
	if !fresh {
		observability.AlertsDedupedTotal.WithLabelValues(string(job.Kind)).Inc()
		a.log.Debug("repeat notification suppressed", slog.String("alert_id", id))
		return nil
	}
	a.dispatch(ctx, rule.Actions, alert)
	return nil
}

// dispatch delivers one fired alert. Failures never roll back the row.
func (a *Alerter) dispatch(ctx domain.Context, actions domain.AlertActions, alert domain.Alert) {
	a.bus.Publish(ctx, domain.Event{
		Topic:    domain.TopicAlertTriggered,
		TenantID: a.tenantID,
		Payload: domain.AlertTriggeredPayload{
			AlertID:  alert.ID,
			Kind:     alert.Kind,
			Severity: alert.Severity,
			Message:  alert.Message,
		},
	})
	if actions.Notify {
		if err := a.notifier.Notify(ctx, a.tenantID, alert); err != nil {
			a.log.Warn("notify delivery failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		} else {
			observability.AlertsDispatchedTotal.WithLabelValues("notify").Inc()
		}
	}
	if len(actions.EmailRecipients) > 0 {
		if err := a.notifier.Email(ctx, actions.EmailRecipients, alert); err != nil {
			a.log.Warn("email delivery failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		} else {
			observability.AlertsDispatchedTotal.WithLabelValues("email").Inc()
		}
	}
	if actions.WebhookURL != "" {
		if err := a.notifier.PostWebhook(ctx, actions.WebhookURL, alert); err != nil {
			a.log.Warn("webhook delivery failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		} else {
			observability.AlertsDispatchedTotal.WithLabelValues("webhook").Inc()
		}
	}
}

// num reads a numeric Data field whether it arrived in-process (int64) or
// through a JSON round-trip (float64).
func num(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
