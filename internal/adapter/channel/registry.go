package channel

import (
	"fmt"

	"log/slog"

	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/ratelimiter"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

// Registry builds providers for channels. Breakers are keyed by channel id
// and persist across rebuilds, so a flapping vendor stays damped even when
// every job constructs its own provider.
type Registry struct {
	cfg      config.Config
	limiter  *ratelimiter.KindLimiter
	breakers *BreakerSet
	box      *secrets.Box
	log      *slog.Logger
}

// NewRegistry wires the provider factory. box may be nil when no channel
// carries encrypted credentials (tests, seed tooling).
func NewRegistry(cfg config.Config, limiter *ratelimiter.KindLimiter, box *secrets.Box, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		limiter:  limiter,
		breakers: NewBreakerSet(),
		box:      box,
		log:      log,
	}
}

// ForChannel unseals the channel's credentials and returns a connected
// provider.
func (r *Registry) ForChannel(ctx domain.Context, ch domain.Channel) (domain.ChannelProvider, error) {
	p, err := r.Unconnected(ch)
	if err != nil {
		return nil, err
	}
	var creds domain.Credentials
	if len(ch.CredentialsEncrypted) > 0 {
		if r.box == nil {
			return nil, fmt.Errorf("op=channel.registry: %w: channel %s has sealed credentials but no key is configured", domain.ErrInvalidArgument, ch.ID)
		}
		creds, err = r.box.Open(ch.CredentialsEncrypted)
		if err != nil {
			return nil, fmt.Errorf("op=channel.registry: channel %s: %w", ch.ID, err)
		}
	}
	if err := p.Connect(ctx, creds); err != nil {
		return nil, err
	}
	return p, nil
}

// Unconnected builds a provider without credentials. Enough for webhook
// verification and parsing, which never call the vendor.
func (r *Registry) Unconnected(ch domain.Channel) (domain.ChannelProvider, error) {
	br := r.breakers.Get(ch.ID)
	pol, rlPol := r.cfg.ProviderRetryPolicy(), r.cfg.RateLimitRetryPolicy()
	switch ch.Kind {
	case domain.KindPOS:
		p := NewPOS(r.cfg.POSBaseURL, r.cfg.ProviderTimeout, ch.WebhookSecret, r.limiter, br, r.log)
		p.core.tune(pol, rlPol)
		return p, nil
	case domain.KindOnlineStore:
		p := NewOnlineStore(r.cfg.OnlineStoreBaseURL, r.cfg.ProviderTimeout, ch.WebhookSecret, r.limiter, br, r.log)
		p.core.tune(pol, rlPol)
		return p, nil
	case domain.KindDeliveryMarketplace:
		p := NewMarketplace(r.cfg.MarketplaceBaseURL, r.cfg.ProviderTimeout, ch.WebhookSecret, r.limiter, br, r.log)
		p.core.tune(pol, rlPol)
		return p, nil
	default:
		return nil, fmt.Errorf("op=channel.registry: %w: unknown channel kind %q", domain.ErrInvalidArgument, ch.Kind)
	}
}

// BreakerStats exposes per-channel circuit state for the admin surface.
func (r *Registry) BreakerStats() map[string]any {
	return r.breakers.Stats()
}
