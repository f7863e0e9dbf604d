package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

const (
	// maxPollPages bounds one channel walk per tick. A vendor cursor that
	// never terminates must not pin the loop.
	maxPollPages    = 50
	mappingPageSize = 500
)

// Poller is the timer half of the watcher. It runs inside the tenant worker,
// walking each active channel's catalog on an interval and enqueueing a
// normalized event for every mapped item whose quantity moved since the last
// observation. Webhook-covered channels converge to no-op walks; the poll
// doubles as a safety net for deliveries that never arrived.
type Poller struct {
	tenantID  string
	channels  domain.ChannelRepository
	mappings  domain.MappingRepository
	queue     EventQueue
	providers ProviderSource
	cache     *PollCache
	interval  time.Duration
	pageSize  int
	log       *slog.Logger
}

func NewPoller(
	tenantID string,
	channels domain.ChannelRepository,
	mappings domain.MappingRepository,
	queue EventQueue,
	providers ProviderSource,
	cache *PollCache,
	interval time.Duration,
	pageSize int,
	log *slog.Logger,
) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		tenantID:  tenantID,
		channels:  channels,
		mappings:  mappings,
		queue:     queue,
		providers: providers,
		cache:     cache,
		interval:  interval,
		pageSize:  pageSize,
		log:       log,
	}
}

// Run polls until ctx is cancelled. The first pass waits one interval; right
// after boot the webhook inlet is already live and a cold-start walk would
// race worker bring-up.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Pass(ctx); err != nil {
				p.log.Warn("poll pass failed", slog.String("tenant_id", p.tenantID), slog.Any("error", err))
			}
		}
	}
}

// Pass walks every active channel once. Per-channel failures are logged and
// the pass moves on; one dead vendor must not starve the others.
func (p *Poller) Pass(ctx context.Context) error {
	chans, err := p.channels.ListByTenant(ctx, p.tenantID, true)
	if err != nil {
		return fmt.Errorf("op=watcher.Pass: %w", err)
	}
	for _, ch := range chans {
		enqueued, err := p.pollChannel(ctx, ch)
		if err != nil {
			p.log.Warn("channel poll failed",
				slog.String("channel_id", ch.ID),
				slog.String("kind", string(ch.Kind)),
				slog.Any("error", err))
			continue
		}
		if enqueued > 0 {
			p.log.Info("poll detected changes",
				slog.String("channel_id", ch.ID),
				slog.Int("enqueued", enqueued))
		}
		if err := p.channels.TouchLastSync(ctx, ch.ID, time.Now().UTC()); err != nil {
			p.log.Warn("last sync touch failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (p *Poller) pollChannel(ctx context.Context, ch domain.Channel) (int, error) {
	prov, err := p.providers.ForChannel(ctx, ch)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := prov.Disconnect(ctx); err != nil {
			p.log.Warn("provider disconnect failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}()

	mapped, err := p.mappedExternalIDs(ctx, ch.ID)
	if err != nil {
		return 0, err
	}
	if len(mapped) == 0 {
		return 0, nil
	}
	known, err := p.cache.Snapshot(ctx, ch.ID)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	cursor := ""
	for page := 0; page < maxPollPages; page++ {
		items, next, err := prov.ListProducts(ctx, cursor, p.pageSize)
		if err != nil {
			return enqueued, err
		}
		for _, item := range items {
			if _, ok := mapped[item.ExternalID]; !ok {
				continue
			}
			prev, seen := known[item.ExternalID]
			if seen && prev == item.Quantity {
				continue
			}
			if seen {
				ev := p.changeEvent(ch, item, prev)
				if _, err := p.queue.EnqueueWebhookEvent(ctx, ev); err != nil {
					// Cache stays stale so the next tick re-detects the change.
					p.log.Warn("poll event enqueue failed",
						slog.String("channel_id", ch.ID),
						slog.String("external_id", item.ExternalID),
						slog.Any("error", err))
					continue
				}
				enqueued++
			}
			// First sighting primes the cache silently; the guardian owns
			// reconciling pre-existing differences.
			if err := p.cache.Remember(ctx, ch.ID, item.ExternalID, item.Quantity); err != nil {
				p.log.Warn("poll cache write failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return enqueued, nil
}

func (p *Poller) changeEvent(ch domain.Channel, item domain.NormalizedProduct, prev int64) domain.StockChangeEvent {
	q := item.Quantity
	occurred := item.UpdatedAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return domain.StockChangeEvent{
		TenantID:          p.tenantID,
		ChannelID:         ch.ID,
		ChannelKind:       ch.Kind,
		EventType:         "stock_updated",
		ProductExternalID: item.ExternalID,
		PreviousQuantity:  &prev,
		NewQuantity:       &q,
		Reason:            "poll",
		SourceStamp:       fmt.Sprintf("poll-%d", occurred.UnixMilli()),
		OccurredAt:        occurred,
	}
}

func (p *Poller) mappedExternalIDs(ctx context.Context, channelID string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for offset := 0; ; offset += mappingPageSize {
		page, err := p.mappings.ListByChannel(ctx, channelID, offset, mappingPageSize)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			out[m.ExternalID] = struct{}{}
		}
		if len(page) < mappingPageSize {
			return out, nil
		}
	}
}
