// Package seed loads YAML tenant fixtures into the database. It backs
// cmd/stockseed so development and e2e environments start from a
// reproducible tenant set instead of hand-typed SQL.
package seed

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

// Fixture is the root of a seed file:
//
//	tenants:
//	  - name: Demo Grocers
//	    slug: demo-grocers
//	    channels:
//	      - kind: pos
//	        instanceId: pos-1001
//	    products:
//	      - {sku: SKU-1, name: Corn Chips, currentStock: 40}
//	    mappings:
//	      - {sku: SKU-1, channel: pos-1001, externalId: ext-1}
type Fixture struct {
	Tenants []TenantSpec `yaml:"tenants"`
}

// TenantSpec declares one tenant and everything hanging off it.
type TenantSpec struct {
	Name       string        `yaml:"name"`
	Slug       string        `yaml:"slug"`
	Plan       string        `yaml:"plan"`
	PlanStatus string        `yaml:"planStatus"`
	ShopLimit  int           `yaml:"shopLimit"`
	Channels   []ChannelSpec `yaml:"channels"`
	Products   []ProductSpec `yaml:"products"`
	Mappings   []MappingSpec `yaml:"mappings"`
	AlertRules []RuleSpec    `yaml:"alertRules"`
}

// ChannelSpec declares one vendor connection. Credentials are given in the
// clear here and sealed before they reach the database.
type ChannelSpec struct {
	Kind          string            `yaml:"kind"`
	Name          string            `yaml:"name"`
	InstanceID    string            `yaml:"instanceId"`
	WebhookSecret string            `yaml:"webhookSecret,omitempty"`
	Credentials   map[string]string `yaml:"credentials,omitempty"`
	Inactive      bool              `yaml:"inactive,omitempty"`
}

// ProductSpec declares one catalog row.
type ProductSpec struct {
	SKU          string `yaml:"sku"`
	Name         string `yaml:"name"`
	Barcode      string `yaml:"barcode,omitempty"`
	CurrentStock int64  `yaml:"currentStock"`
	BufferStock  int64  `yaml:"bufferStock,omitempty"`
}

// MappingSpec binds a product (by sku) to a channel (by instanceId).
type MappingSpec struct {
	SKU         string `yaml:"sku"`
	Channel     string `yaml:"channel"`
	ExternalID  string `yaml:"externalId"`
	ExternalSKU string `yaml:"externalSku,omitempty"`
}

// RuleSpec declares one alert rule. An explicit id pins the row; otherwise a
// deterministic id is derived so reseeding updates instead of duplicating.
type RuleSpec struct {
	ID         string                 `yaml:"id,omitempty"`
	Kind       string                 `yaml:"kind"`
	Conditions domain.AlertConditions `yaml:"conditions,omitempty"`
	Actions    domain.AlertActions    `yaml:"actions,omitempty"`
	Inactive   bool                   `yaml:"inactive,omitempty"`
}

// Load reads and validates a fixture file. Paths outside the working
// directory are refused unless STOCKSEED_ALLOW_ABSPATHS=1.
func Load(path string) (Fixture, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("op=seed.Load: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return Fixture{}, fmt.Errorf("op=seed.Load: %w", err)
	}
	abs = filepath.Clean(abs)
	wd = filepath.Clean(wd)
	if os.Getenv("STOCKSEED_ALLOW_ABSPATHS") != "1" {
		if !strings.HasPrefix(abs, wd+string(os.PathSeparator)) && abs != wd {
			return Fixture{}, fmt.Errorf("op=seed.Load: disallowed path: %s", abs)
		}
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Fixture{}, fmt.Errorf("op=seed.Load: fixture not found: %s", path)
		}
		return Fixture{}, fmt.Errorf("op=seed.Load: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Fixture{}, fmt.Errorf("op=seed.Load: yaml parse: %w", err)
	}
	if len(f.Tenants) == 0 {
		return Fixture{}, fmt.Errorf("op=seed.Load: no tenants in %s", path)
	}
	if err := f.validate(); err != nil {
		return Fixture{}, fmt.Errorf("op=seed.Load: %w", err)
	}
	return f, nil
}

func (f Fixture) validate() error {
	for ti, t := range f.Tenants {
		if t.Slug == "" || t.Name == "" {
			return fmt.Errorf("tenant %d: name and slug are required", ti)
		}
		instances := make(map[string]bool, len(t.Channels))
		for ci, ch := range t.Channels {
			if !domain.ChannelKind(ch.Kind).Valid() {
				return fmt.Errorf("tenant %s: channel %d: unknown kind %q", t.Slug, ci, ch.Kind)
			}
			if ch.InstanceID == "" {
				return fmt.Errorf("tenant %s: channel %d: instanceId is required", t.Slug, ci)
			}
			instances[ch.InstanceID] = true
		}
		skus := make(map[string]bool, len(t.Products))
		for pi, p := range t.Products {
			if p.SKU == "" {
				return fmt.Errorf("tenant %s: product %d: sku is required", t.Slug, pi)
			}
			skus[p.SKU] = true
		}
		for mi, m := range t.Mappings {
			if m.SKU == "" || m.Channel == "" || m.ExternalID == "" {
				return fmt.Errorf("tenant %s: mapping %d: sku, channel and externalId are required", t.Slug, mi)
			}
			if !skus[m.SKU] {
				return fmt.Errorf("tenant %s: mapping %d: sku %q is not declared under products", t.Slug, mi, m.SKU)
			}
			if !instances[m.Channel] {
				return fmt.Errorf("tenant %s: mapping %d: channel %q is not declared under channels", t.Slug, mi, m.Channel)
			}
		}
		for ri, r := range t.AlertRules {
			if !domain.AlertKind(r.Kind).Valid() {
				return fmt.Errorf("tenant %s: rule %d: unknown kind %q", t.Slug, ri, r.Kind)
			}
		}
	}
	return nil
}

// Deps are the stores the applier writes through. Box may be nil when no
// channel in the fixture carries credentials.
type Deps struct {
	Tenants  domain.TenantRepository
	Channels domain.ChannelRepository
	Products domain.ProductRepository
	Mappings domain.MappingRepository
	Rules    domain.AlertRuleRepository
	Box      *secrets.Box
	Log      *slog.Logger
}

// Summary counts what one Apply run wrote and what it found already present.
type Summary struct {
	Tenants  int
	Channels int
	Products int
	Mappings int
	Rules    int
	Skipped  int
}

// Apply writes the fixture through the repositories. It is idempotent:
// tenants resolve by slug, channels by (kind, instanceId), mappings by
// (channel, externalId); products and rules are upserts.
func Apply(ctx domain.Context, d Deps, f Fixture) (Summary, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	var sum Summary
	for _, ts := range f.Tenants {
		tenantID, created, err := ensureTenant(ctx, d, ts)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Tenants++
		} else {
			sum.Skipped++
		}

		for _, cs := range ts.Channels {
			created, err := createChannel(ctx, d, tenantID, cs)
			if err != nil {
				return sum, err
			}
			if created {
				sum.Channels++
			} else {
				sum.Skipped++
			}
		}
		// One pass over the stored rows resolves every channel reference,
		// including ones that predate this run or were seeded inactive.
		byInstance, err := channelIndex(ctx, d, tenantID)
		if err != nil {
			return sum, err
		}

		for _, ps := range ts.Products {
			if _, err := d.Products.Upsert(ctx, domain.Product{
				TenantID:     tenantID,
				SKU:          ps.SKU,
				Name:         ps.Name,
				Barcode:      ps.Barcode,
				CurrentStock: ps.CurrentStock,
				BufferStock:  ps.BufferStock,
			}); err != nil {
				return sum, fmt.Errorf("op=seed.Apply: tenant %s: product %s: %w", ts.Slug, ps.SKU, err)
			}
			sum.Products++
		}

		for _, ms := range ts.Mappings {
			created, err := createMapping(ctx, d, tenantID, ts.Slug, byInstance, ms)
			if err != nil {
				return sum, err
			}
			if created {
				sum.Mappings++
			} else {
				sum.Skipped++
			}
		}

		for _, rs := range ts.AlertRules {
			id := rs.ID
			if id == "" {
				id = ruleID(ts.Slug, rs)
			}
			if _, err := d.Rules.Upsert(ctx, domain.AlertRule{
				ID:         id,
				TenantID:   tenantID,
				Kind:       domain.AlertKind(rs.Kind),
				Conditions: rs.Conditions,
				Actions:    rs.Actions,
				IsActive:   !rs.Inactive,
			}); err != nil {
				return sum, fmt.Errorf("op=seed.Apply: tenant %s: rule %s: %w", ts.Slug, rs.Kind, err)
			}
			sum.Rules++
		}

		log.Info("tenant seeded",
			slog.String("tenant_id", tenantID),
			slog.String("slug", ts.Slug),
			slog.Int("channels", len(ts.Channels)),
			slog.Int("products", len(ts.Products)))
	}
	return sum, nil
}

func ensureTenant(ctx domain.Context, d Deps, ts TenantSpec) (string, bool, error) {
	existing, err := d.Tenants.GetBySlug(ctx, ts.Slug)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", false, fmt.Errorf("op=seed.Apply: tenant %s: %w", ts.Slug, err)
	}
	planStatus := ts.PlanStatus
	if planStatus == "" {
		planStatus = "active"
	}
	id, err := d.Tenants.Create(ctx, domain.Tenant{
		Name:       ts.Name,
		Slug:       ts.Slug,
		Plan:       ts.Plan,
		PlanStatus: planStatus,
		ShopLimit:  ts.ShopLimit,
	})
	if err != nil {
		return "", false, fmt.Errorf("op=seed.Apply: tenant %s: %w", ts.Slug, err)
	}
	return id, true, nil
}

func createChannel(ctx domain.Context, d Deps, tenantID string, cs ChannelSpec) (bool, error) {
	var sealed []byte
	if len(cs.Credentials) > 0 {
		if d.Box == nil {
			return false, fmt.Errorf("op=seed.Apply: channel %s carries credentials but no encryption key is configured", cs.InstanceID)
		}
		blob, err := d.Box.Seal(domain.Credentials(cs.Credentials))
		if err != nil {
			return false, fmt.Errorf("op=seed.Apply: channel %s: %w", cs.InstanceID, err)
		}
		sealed = blob
	}
	_, err := d.Channels.Create(ctx, domain.Channel{
		TenantID:             tenantID,
		Kind:                 domain.ChannelKind(cs.Kind),
		Name:                 cs.Name,
		ExternalInstanceID:   cs.InstanceID,
		CredentialsEncrypted: sealed,
		WebhookSecret:        cs.WebhookSecret,
		IsActive:             !cs.Inactive,
	})
	if err != nil {
		// A conflict means the instance is already registered; reseeding
		// never rewrites live credentials.
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("op=seed.Apply: channel %s: %w", cs.InstanceID, err)
	}
	return true, nil
}

func channelIndex(ctx domain.Context, d Deps, tenantID string) (map[string]string, error) {
	stored, err := d.Channels.ListByTenant(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("op=seed.Apply: list channels: %w", err)
	}
	byInstance := make(map[string]string, len(stored))
	for _, ch := range stored {
		byInstance[ch.ExternalInstanceID] = ch.ID
	}
	return byInstance, nil
}

func createMapping(ctx domain.Context, d Deps, tenantID, slug string, byInstance map[string]string, ms MappingSpec) (bool, error) {
	channelID, ok := byInstance[ms.Channel]
	if !ok {
		return false, fmt.Errorf("op=seed.Apply: tenant %s: mapping %s: channel %s not found after seeding", slug, ms.ExternalID, ms.Channel)
	}
	if _, err := d.Mappings.FindByExternalID(ctx, channelID, ms.ExternalID); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("op=seed.Apply: tenant %s: mapping %s: %w", slug, ms.ExternalID, err)
	}
	product, err := d.Products.GetBySKU(ctx, tenantID, ms.SKU)
	if err != nil {
		return false, fmt.Errorf("op=seed.Apply: tenant %s: mapping %s: %w", slug, ms.ExternalID, err)
	}
	_, err = d.Mappings.Create(ctx, domain.ProductChannelMapping{
		ProductID:   product.ID,
		ChannelID:   channelID,
		ExternalID:  ms.ExternalID,
		ExternalSKU: ms.ExternalSKU,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("op=seed.Apply: tenant %s: mapping %s: %w", slug, ms.ExternalID, err)
	}
	return true, nil
}

// ruleID derives a stable id from the rule's identity so re-running the
// seeder updates the same row. Conditions go through JSON for a stable
// rendering of their pointer fields.
func ruleID(slug string, rs RuleSpec) string {
	conds, _ := json.Marshal(rs.Conditions)
	sum := sha256.Sum256([]byte(slug + "|" + rs.Kind + "|" + string(conds)))
	return fmt.Sprintf("%x", sum[:16])
}
