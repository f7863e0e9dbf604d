package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// AlertRuleRepo persists tenant alerting rules. Conditions and actions are
// stored as JSON documents; their shapes are versioned by the domain structs.
type AlertRuleRepo struct{ Pool PgxPool }

// NewAlertRuleRepo constructs an AlertRuleRepo with the given pool.
func NewAlertRuleRepo(p PgxPool) *AlertRuleRepo { return &AlertRuleRepo{Pool: p} }

// Upsert writes a rule, replacing any existing rule with the same id.
func (r *AlertRuleRepo) Upsert(ctx domain.Context, rule domain.AlertRule) (string, error) {
	tracer := otel.Tracer("repo.alert_rules")
	ctx, span := tracer.Start(ctx, "alert_rules.Upsert")
	defer span.End()
	id := rule.ID
	if id == "" {
		id = uuid.New().String()
	}
	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", fmt.Errorf("op=alertrule.upsert: %w", err)
	}
	acts, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", fmt.Errorf("op=alertrule.upsert: %w", err)
	}
	q := `INSERT INTO alert_rules (id, tenant_id, kind, conditions, actions, is_active, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (id) DO UPDATE
	      SET kind=EXCLUDED.kind, conditions=EXCLUDED.conditions, actions=EXCLUDED.actions, is_active=EXCLUDED.is_active`
	_, err = r.Pool.Exec(ctx, q, id, rule.TenantID, rule.Kind, conds, acts, rule.IsActive, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=alertrule.upsert: %w", err)
	}
	return id, nil
}

// ListActive returns a tenant's enabled rules.
func (r *AlertRuleRepo) ListActive(ctx domain.Context, tenantID string) ([]domain.AlertRule, error) {
	tracer := otel.Tracer("repo.alert_rules")
	ctx, span := tracer.Start(ctx, "alert_rules.ListActive")
	defer span.End()
	q := `SELECT id, tenant_id, kind, conditions, actions, is_active FROM alert_rules WHERE tenant_id=$1 AND is_active ORDER BY kind`
	rows, err := r.Pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("op=alertrule.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.AlertRule
	for rows.Next() {
		var (
			rule  domain.AlertRule
			conds []byte
			acts  []byte
		)
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.Kind, &conds, &acts, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("op=alertrule.list_active: %w", err)
		}
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &rule.Conditions); err != nil {
				return nil, fmt.Errorf("op=alertrule.list_active: conditions decode: %w", err)
			}
		}
		if len(acts) > 0 {
			if err := json.Unmarshal(acts, &rule.Actions); err != nil {
				return nil, fmt.Errorf("op=alertrule.list_active: actions decode: %w", err)
			}
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=alertrule.list_active: %w", err)
	}
	return out, nil
}
