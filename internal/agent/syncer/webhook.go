package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// Dedup suppresses re-delivery of the same logical change for a short window,
// keyed on the event's idempotency key under {prefix}:{tenantId}:dedup:{key}.
type Dedup struct {
	rdb      *redis.Client
	prefix   string
	tenantID string
	window   time.Duration
}

func NewDedup(rdb *redis.Client, prefix, tenantID string, window time.Duration) *Dedup {
	return &Dedup{rdb: rdb, prefix: prefix, tenantID: tenantID, window: window}
}

// FirstSeen marks key and reports whether this is its first appearance within
// the window. Redis failures fail open: a duplicate apply is idempotent, a
// dropped change is not. A nil Dedup treats everything as first.
func (d *Dedup) FirstSeen(ctx context.Context, key string) (bool, error) {
	if d == nil {
		return true, nil
	}
	full := fmt.Sprintf("%s:%s:dedup:%s", d.prefix, d.tenantID, key)
	ok, err := d.rdb.SetNX(ctx, full, 1, d.window).Result()
	if err != nil {
		return true, fmt.Errorf("op=syncer.FirstSeen: %w", err)
	}
	return ok, nil
}

// WebhookEvent consumes one normalized vendor event from the webhook queue:
// dedup, resolve the mapping, derive the new authoritative total, then run
// the standard fan-out with the event's channel as source.
func (s *Syncer) WebhookEvent(ctx domain.Context, ev domain.StockChangeEvent) error {
	tracer := otel.Tracer("agent.syncer")
	ctx, span := tracer.Start(ctx, "syncer.WebhookEvent")
	defer span.End()

	fresh, err := s.dedup.FirstSeen(ctx, ev.IdempotencyKey())
	if err != nil {
		s.log.Warn("dedup check failed, processing anyway", slog.Any("error", err))
	}
	if !fresh {
		s.log.Debug("duplicate event suppressed", slog.String("key", ev.IdempotencyKey()))
		return nil
	}

	m, err := s.mappings.FindByExternalID(ctx, ev.ChannelID, ev.ProductExternalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Info("event for unmapped item dropped",
				slog.String("channel_id", ev.ChannelID),
				slog.String("external_id", ev.ProductExternalID))
			return nil
		}
		return fmt.Errorf("op=syncer.WebhookEvent: %w", err)
	}
	if ev.NewQuantity == nil {
		// Availability-only events carry no count to propagate.
		s.log.Debug("availability-only event ignored", slog.String("key", ev.IdempotencyKey()))
		return nil
	}

	unlock := s.locks.Lock(m.ProductID)
	defer unlock()

	p, err := s.products.Get(ctx, m.ProductID)
	if err != nil {
		return fmt.Errorf("op=syncer.WebhookEvent: %w", err)
	}
	newStock := deriveTotal(ev, p)
	if newStock == p.CurrentStock {
		return nil
	}
	return s.stockChangedLocked(ctx, domain.StockChangedJob{
		ProductID:       m.ProductID,
		NewStock:        newStock,
		SourceChannelID: ev.ChannelID,
		Stamp:           ev.IdempotencyKey(),
		Reason:          ev.Reason,
	})
}

// deriveTotal maps a channel-observed quantity onto the authoritative total.
// POS counts are the total itself. Online channels advertise the total minus
// the buffer, so a reported delta moves the total by the same amount; an
// absolute report without a previous value re-adds the withheld buffer. A
// negative result is handed on as-is; the stock write clamps and audits it.
func deriveTotal(ev domain.StockChangeEvent, p domain.Product) int64 {
	if ev.ChannelKind == domain.KindPOS {
		return *ev.NewQuantity
	}
	if ev.PreviousQuantity != nil {
		return p.CurrentStock + (*ev.NewQuantity - *ev.PreviousQuantity)
	}
	return *ev.NewQuantity + p.BufferStock
}
