package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

const testKey = "0123456789abcdef0123456789abcdef"

const demoFixture = `
tenants:
  - name: Demo Grocers
    slug: demo-grocers
    plan: standard
    shopLimit: 3
    channels:
      - kind: pos
        name: Counter
        instanceId: pos-1001
        webhookSecret: whsec-1
        credentials:
          apiKey: k-123
      - kind: online_store
        name: Webshop
        instanceId: shop-1
    products:
      - sku: SKU-1
        name: Corn Chips
        barcode: "0123456789"
        currentStock: 40
        bufferStock: 5
      - sku: SKU-2
        name: Salsa Jar
        currentStock: 12
    mappings:
      - sku: SKU-1
        channel: pos-1001
        externalId: ext-1
        externalSku: POS-1
      - sku: SKU-1
        channel: shop-1
        externalId: "9001"
    alertRules:
      - kind: low_stock
        conditions:
          threshold: 10
        actions:
          notify: true
`

type fakeTenants struct {
	domain.TenantRepository
	bySlug  map[string]domain.Tenant
	created []domain.Tenant
}

func (f *fakeTenants) GetBySlug(_ domain.Context, slug string) (domain.Tenant, error) {
	if t, ok := f.bySlug[slug]; ok {
		return t, nil
	}
	return domain.Tenant{}, domain.ErrNotFound
}

func (f *fakeTenants) Create(_ domain.Context, t domain.Tenant) (string, error) {
	t.ID = "t-" + t.Slug
	f.bySlug[t.Slug] = t
	f.created = append(f.created, t)
	return t.ID, nil
}

type fakeChannels struct {
	domain.ChannelRepository
	byTenant map[string][]domain.Channel
	created  []domain.Channel
}

func (f *fakeChannels) Create(_ domain.Context, c domain.Channel) (string, error) {
	for _, ch := range f.byTenant[c.TenantID] {
		if ch.Kind == c.Kind && ch.ExternalInstanceID == c.ExternalInstanceID {
			return "", domain.ErrConflict
		}
	}
	c.ID = "ch-" + c.ExternalInstanceID
	f.byTenant[c.TenantID] = append(f.byTenant[c.TenantID], c)
	f.created = append(f.created, c)
	return c.ID, nil
}

func (f *fakeChannels) ListByTenant(_ domain.Context, tenantID string, _ bool) ([]domain.Channel, error) {
	return f.byTenant[tenantID], nil
}

type fakeProducts struct {
	domain.ProductRepository
	rows    map[string]domain.Product
	upserts int
}

func (f *fakeProducts) Upsert(_ domain.Context, p domain.Product) (string, error) {
	p.ID = "p-" + p.SKU
	f.rows[p.TenantID+"/"+p.SKU] = p
	f.upserts++
	return p.ID, nil
}

func (f *fakeProducts) GetBySKU(_ domain.Context, tenantID, sku string) (domain.Product, error) {
	if p, ok := f.rows[tenantID+"/"+sku]; ok {
		return p, nil
	}
	return domain.Product{}, domain.ErrNotFound
}

type fakeMappings struct {
	domain.MappingRepository
	rows    map[string]domain.ProductChannelMapping
	created []domain.ProductChannelMapping
}

func (f *fakeMappings) FindByExternalID(_ domain.Context, channelID, externalID string) (domain.ProductChannelMapping, error) {
	if m, ok := f.rows[channelID+"/"+externalID]; ok {
		return m, nil
	}
	return domain.ProductChannelMapping{}, domain.ErrNotFound
}

func (f *fakeMappings) Create(_ domain.Context, m domain.ProductChannelMapping) (string, error) {
	m.ID = "m-" + m.ExternalID
	f.rows[m.ChannelID+"/"+m.ExternalID] = m
	f.created = append(f.created, m)
	return m.ID, nil
}

type fakeRules struct {
	domain.AlertRuleRepository
	byID map[string]domain.AlertRule
}

func (f *fakeRules) Upsert(_ domain.Context, r domain.AlertRule) (string, error) {
	f.byID[r.ID] = r
	return r.ID, nil
}

func newFakeDeps(box *secrets.Box) (Deps, *fakeTenants, *fakeChannels, *fakeProducts, *fakeMappings, *fakeRules) {
	tenants := &fakeTenants{bySlug: map[string]domain.Tenant{}}
	channels := &fakeChannels{byTenant: map[string][]domain.Channel{}}
	products := &fakeProducts{rows: map[string]domain.Product{}}
	mappings := &fakeMappings{rows: map[string]domain.ProductChannelMapping{}}
	rules := &fakeRules{byID: map[string]domain.AlertRule{}}
	d := Deps{
		Tenants:  tenants,
		Channels: channels,
		Products: products,
		Mappings: mappings,
		Rules:    rules,
		Box:      box,
	}
	return d, tenants, channels, products, mappings, rules
}

func TestLoadFixture(t *testing.T) {
	t.Setenv("STOCKSEED_ALLOW_ABSPATHS", "1")
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoFixture), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Tenants, 1)
	ts := f.Tenants[0]
	assert.Equal(t, "demo-grocers", ts.Slug)
	assert.Len(t, ts.Channels, 2)
	assert.Equal(t, "k-123", ts.Channels[0].Credentials["apiKey"])
	assert.Len(t, ts.Products, 2)
	assert.Len(t, ts.Mappings, 2)
	require.Len(t, ts.AlertRules, 1)
	require.NotNil(t, ts.AlertRules[0].Conditions.Threshold)
	assert.EqualValues(t, 10, *ts.AlertRules[0].Conditions.Threshold)
}

func TestLoadRefusesPathsOutsideWorkdir(t *testing.T) {
	t.Setenv("STOCKSEED_ALLOW_ABSPATHS", "")
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoFixture), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disallowed path")
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("STOCKSEED_ALLOW_ABSPATHS", "1")
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "tenants: []", "no tenants"},
		{"missing slug", "tenants:\n  - name: A", "name and slug"},
		{"bad channel kind", "tenants:\n  - {name: A, slug: a, channels: [{kind: fax, instanceId: i-1}]}", "unknown kind"},
		{"missing instance", "tenants:\n  - {name: A, slug: a, channels: [{kind: pos}]}", "instanceId is required"},
		{"mapping unknown sku", "tenants:\n  - {name: A, slug: a, channels: [{kind: pos, instanceId: i-1}], mappings: [{sku: S, channel: i-1, externalId: e}]}", "not declared under products"},
		{"mapping unknown channel", "tenants:\n  - {name: A, slug: a, products: [{sku: S}], mappings: [{sku: S, channel: i-9, externalId: e}]}", "not declared under channels"},
		{"bad rule kind", "tenants:\n  - {name: A, slug: a, alertRules: [{kind: nope}]}", "unknown kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.yaml), 0o600))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestApplyCreatesEverything(t *testing.T) {
	t.Setenv("STOCKSEED_ALLOW_ABSPATHS", "1")
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoFixture), 0o600))
	f, err := Load(path)
	require.NoError(t, err)

	box, err := secrets.NewBox(testKey)
	require.NoError(t, err)
	d, tenants, channels, products, mappings, rules := newFakeDeps(box)

	sum, err := Apply(context.Background(), d, f)
	require.NoError(t, err)
	assert.Equal(t, Summary{Tenants: 1, Channels: 2, Products: 2, Mappings: 2, Rules: 1}, sum)

	require.Len(t, tenants.created, 1)
	assert.Equal(t, "active", tenants.created[0].PlanStatus)

	require.Len(t, channels.created, 2)
	pos := channels.created[0]
	assert.Equal(t, domain.KindPOS, pos.Kind)
	creds, err := box.Open(pos.CredentialsEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "k-123", creds["apiKey"])
	assert.Empty(t, channels.created[1].CredentialsEncrypted)

	assert.Equal(t, 2, products.upserts)

	require.Len(t, mappings.created, 2)
	assert.Equal(t, "p-SKU-1", mappings.created[0].ProductID)
	assert.Equal(t, "ch-pos-1001", mappings.created[0].ChannelID)
	assert.Equal(t, "ch-shop-1", mappings.created[1].ChannelID)

	require.Len(t, rules.byID, 1)
	for id, r := range rules.byID {
		assert.NotEmpty(t, id)
		assert.Equal(t, domain.AlertLowStock, r.Kind)
		assert.True(t, r.Actions.Notify)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Setenv("STOCKSEED_ALLOW_ABSPATHS", "1")
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoFixture), 0o600))
	f, err := Load(path)
	require.NoError(t, err)

	box, err := secrets.NewBox(testKey)
	require.NoError(t, err)
	d, tenants, channels, _, mappings, rules := newFakeDeps(box)

	_, err = Apply(context.Background(), d, f)
	require.NoError(t, err)
	sum, err := Apply(context.Background(), d, f)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Tenants)
	assert.Equal(t, 0, sum.Channels)
	assert.Equal(t, 0, sum.Mappings)
	assert.Equal(t, 2, sum.Products)
	assert.Equal(t, 1, sum.Rules)
	assert.Equal(t, 5, sum.Skipped)

	assert.Len(t, tenants.created, 1)
	assert.Len(t, channels.created, 2)
	assert.Len(t, mappings.created, 2)
	assert.Len(t, rules.byID, 1)
}

func TestApplyRequiresBoxForCredentials(t *testing.T) {
	t.Setenv("STOCKSEED_ALLOW_ABSPATHS", "1")
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(demoFixture), 0o600))
	f, err := Load(path)
	require.NoError(t, err)

	d, _, _, _, _, _ := newFakeDeps(nil)
	_, err = Apply(context.Background(), d, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encryption key")
}
