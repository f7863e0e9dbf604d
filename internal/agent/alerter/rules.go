package alerter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// ruleFile is the YAML schema for a tenant rule set:
//
//	rules:
//	  - kind: low_stock
//	    conditions: {threshold: 10}
//	    actions: {notify: true, emailRecipients: [ops@example.com]}
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Kind       string                 `yaml:"kind"`
	Conditions domain.AlertConditions `yaml:"conditions"`
	Actions    domain.AlertActions    `yaml:"actions"`
	Inactive   bool                   `yaml:"inactive,omitempty"`
}

// LoadRules reads a YAML rule set and binds it to one tenant. The worker
// upserts the result at boot when ALERT_RULES_PATH is set.
func LoadRules(path, tenantID string) ([]domain.AlertRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=alerter.LoadRules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=alerter.LoadRules: %w", err)
	}
	rules := make([]domain.AlertRule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		kind := domain.AlertKind(spec.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("op=alerter.LoadRules: rule %d: unknown kind %q", i, spec.Kind)
		}
		rules = append(rules, domain.AlertRule{
			TenantID:   tenantID,
			Kind:       kind,
			Conditions: spec.Conditions,
			Actions:    spec.Actions,
			IsActive:   !spec.Inactive,
		})
	}
	return rules, nil
}
