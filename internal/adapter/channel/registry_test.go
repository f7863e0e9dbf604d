package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/ratelimiter"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func TestRegistry_UnconnectedKinds(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		POSBaseURL:         "http://pos.invalid",
		OnlineStoreBaseURL: "http://store.invalid",
		MarketplaceBaseURL: "http://mp.invalid",
		ProviderTimeout:    time.Second,
	}
	reg := NewRegistry(cfg, ratelimiter.NewKindLimiter(nil), nil, nil)

	for _, kind := range []domain.ChannelKind{domain.KindPOS, domain.KindOnlineStore, domain.KindDeliveryMarketplace} {
		p, err := reg.Unconnected(domain.Channel{ID: "ch-" + string(kind), Kind: kind})
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
	}

	_, err := reg.Unconnected(domain.Channel{ID: "ch-x", Kind: "fax_machine"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRegistry_AppliesRetryPolicy(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		POSBaseURL:      "http://pos.invalid",
		ProviderTimeout: time.Second,
		SyncMaxRetries:  7,
	}
	reg := NewRegistry(cfg, ratelimiter.NewKindLimiter(nil), nil, nil)

	p, err := reg.Unconnected(domain.Channel{ID: "ch-1", Kind: domain.KindPOS})
	require.NoError(t, err)
	core := p.(*POSClient).core
	assert.Equal(t, 7, core.maxTransient)
	assert.Equal(t, 5, core.maxRateLimit)
	assert.Equal(t, time.Second, core.retryBase)
}

func TestRegistry_BreakerSurvivesRebuilds(t *testing.T) {
	t.Parallel()
	cfg := config.Config{POSBaseURL: "http://pos.invalid", ProviderTimeout: time.Second}
	reg := NewRegistry(cfg, ratelimiter.NewKindLimiter(nil), nil, nil)
	ch := domain.Channel{ID: "ch-1", Kind: domain.KindPOS}

	p1, err := reg.Unconnected(ch)
	require.NoError(t, err)
	for i := 0; i < breakerFailureThreshold; i++ {
		p1.(*POSClient).core.breaker.RecordFailure()
	}

	p2, err := reg.Unconnected(ch)
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, p2.(*POSClient).core.breaker.State())

	stats := reg.BreakerStats()
	assert.Contains(t, stats, "ch-1")
}

func TestRegistry_ForChannel_SealedCredentials(t *testing.T) {
	t.Parallel()
	rec := &vendorRecorder{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	box, err := secrets.NewBox(testEncryptionKey)
	require.NoError(t, err)
	blob, err := box.Seal(domain.Credentials{"apiKey": "k-123"})
	require.NoError(t, err)

	cfg := config.Config{POSBaseURL: srv.URL, ProviderTimeout: time.Second}
	reg := NewRegistry(cfg, ratelimiter.NewKindLimiter(nil), box, nil)

	p, err := reg.ForChannel(context.Background(), domain.Channel{
		ID:                   "ch-1",
		Kind:                 domain.KindPOS,
		WebhookSecret:        "whsec",
		CredentialsEncrypted: blob,
	})
	require.NoError(t, err)

	st := p.HealthCheck(context.Background())
	assert.True(t, st.Connected)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "k-123", reqs[0].Header.Get("X-API-Key"))
}

func TestRegistry_ForChannel_MissingBoxRefused(t *testing.T) {
	t.Parallel()
	cfg := config.Config{POSBaseURL: "http://pos.invalid", ProviderTimeout: time.Second}
	reg := NewRegistry(cfg, ratelimiter.NewKindLimiter(nil), nil, nil)

	_, err := reg.ForChannel(context.Background(), domain.Channel{
		ID:                   "ch-1",
		Kind:                 domain.KindPOS,
		CredentialsEncrypted: []byte("sealed"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRegistry_ForChannel_ConnectValidation(t *testing.T) {
	t.Parallel()
	cfg := config.Config{POSBaseURL: "http://pos.invalid", ProviderTimeout: time.Second}
	reg := NewRegistry(cfg, ratelimiter.NewKindLimiter(nil), nil, nil)

	// No credentials at all: the provider's own validation rejects.
	_, err := reg.ForChannel(context.Background(), domain.Channel{ID: "ch-1", Kind: domain.KindPOS})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
