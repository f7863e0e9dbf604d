// Package syncer applies stock changes outward from the merchant's
// authoritative total. It consumes the sync, stockUpdate, and webhook queues:
// authoritative changes fan out to every other mapped channel with per-kind
// target quantities, vendor events are translated back into totals first, and
// full or incremental walks bring one channel into line wholesale.
//
// Ordering: events for one product are serialized by an in-process keyed lock
// plus the DB row lock; across products, concurrency equals the queue class
// concurrency. Handlers return an error only for retryable failures, sending
// the whole job back to the queue; re-runs are idempotent because targets are
// always recomputed from the stored total.
package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/bus"
	"github.com/mkesani1/stockclerk-sub002/internal/service/keyedlock"
)

// ProviderSource yields connected providers for channels. *channel.Registry
// satisfies it.
type ProviderSource interface {
	ForChannel(ctx domain.Context, ch domain.Channel) (domain.ChannelProvider, error)
}

// Deps wires the syncer's collaborators.
type Deps struct {
	TenantID  string
	Products  domain.ProductRepository
	Mappings  domain.MappingRepository
	Channels  domain.ChannelRepository
	Events    domain.SyncEventRepository
	Queue     domain.Queue
	Providers ProviderSource
	Bus       *bus.Bus
	Dedup     *Dedup
	// Locks serializes per-product work. Pass the worker's shared table so
	// sync and reconciliation writes queue behind the same lock; nil gets a
	// private table.
	Locks     *keyedlock.Table
	BatchSize int
	Log       *slog.Logger
}

// Syncer is one tenant's sync agent.
type Syncer struct {
	tenantID  string
	products  domain.ProductRepository
	mappings  domain.MappingRepository
	channels  domain.ChannelRepository
	events    domain.SyncEventRepository
	queue     domain.Queue
	providers ProviderSource
	bus       *bus.Bus
	dedup     *Dedup
	locks     *keyedlock.Table
	batchSize int
	log       *slog.Logger
}

func New(d Deps) *Syncer {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	locks := d.Locks
	if locks == nil {
		locks = keyedlock.New()
	}
	return &Syncer{
		tenantID:  d.TenantID,
		products:  d.Products,
		mappings:  d.Mappings,
		channels:  d.Channels,
		events:    d.Events,
		queue:     d.Queue,
		providers: d.Providers,
		bus:       d.Bus,
		dedup:     d.Dedup,
		locks:     locks,
		batchSize: batch,
		log:       log,
	}
}

// StockChanged applies an authoritative total and fans out to every other
// mapped channel.
func (s *Syncer) StockChanged(ctx domain.Context, job domain.StockChangedJob) error {
	unlock := s.locks.Lock(job.ProductID)
	defer unlock()
	return s.stockChangedLocked(ctx, job)
}

// stockChangedLocked is StockChanged minus the keyed lock, for callers that
// already hold it.
func (s *Syncer) stockChangedLocked(ctx domain.Context, job domain.StockChangedJob) error {
	tracer := otel.Tracer("agent.syncer")
	ctx, span := tracer.Start(ctx, "syncer.StockChanged")
	defer span.End()

	mut, err := s.products.SetStockLocked(ctx, job.ProductID, job.NewStock)
	if err != nil {
		return fmt.Errorf("op=syncer.StockChanged: %w", err)
	}
	if mut.Clamped {
		s.log.Warn("negative stock clamped to zero",
			slog.String("product_id", job.ProductID),
			slog.Int64("requested", job.NewStock))
		s.alert(ctx, domain.AlertJob{
			TenantID:  s.tenantID,
			Kind:      domain.AlertSyncError,
			ProductID: job.ProductID,
			ChannelID: job.SourceChannelID,
			Data: map[string]any{
				"error":     "negative stock clamped to zero",
				"requested": job.NewStock,
				"reason":    job.Reason,
			},
		})
	}

	// Every authoritative change gets a low-stock evaluation; thresholds and
	// dedup live in the alert agent.
	s.alert(ctx, domain.AlertJob{
		TenantID:  s.tenantID,
		Kind:      domain.AlertLowStock,
		ProductID: job.ProductID,
		Data: map[string]any{
			"currentStock": mut.Updated.CurrentStock,
			"bufferStock":  mut.Updated.BufferStock,
		},
	})

	res := s.fanOut(ctx, mut, job.SourceChannelID, job.Stamp)
	s.publishOutcome(ctx, job.ProductID, res)
	if res.Retry != nil {
		return fmt.Errorf("op=syncer.StockChanged: %w", res.Retry)
	}
	return nil
}

// PushUpdate pushes the current expected quantity to one channel.
func (s *Syncer) PushUpdate(ctx domain.Context, job domain.PushUpdateJob) error {
	tracer := otel.Tracer("agent.syncer")
	ctx, span := tracer.Start(ctx, "syncer.PushUpdate")
	defer span.End()

	unlock := s.locks.Lock(job.ProductID)
	defer unlock()

	p, err := s.products.Get(ctx, job.ProductID)
	if err != nil {
		return fmt.Errorf("op=syncer.PushUpdate: %w", err)
	}
	ch, err := s.channels.Get(ctx, job.ChannelID)
	if err != nil {
		return fmt.Errorf("op=syncer.PushUpdate: %w", err)
	}
	if !ch.IsActive {
		s.log.Info("push skipped, channel inactive", slog.String("channel_id", ch.ID))
		return nil
	}
	m, err := s.mappingFor(ctx, job.ProductID, job.ChannelID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Info("push skipped, product not mapped",
				slog.String("product_id", job.ProductID),
				slog.String("channel_id", job.ChannelID))
			return nil
		}
		return fmt.Errorf("op=syncer.PushUpdate: %w", err)
	}

	target := p.ExpectedStock(ch.Kind)
	mut := domain.StockMutation{Previous: p, Updated: p}
	pushErr := s.pushOne(ctx, ch, m, mut, target, "", "stock_push")
	s.bus.Publish(ctx, domain.Event{
		Topic:    domain.TopicStockChange,
		TenantID: s.tenantID,
		Payload: domain.StockChangePayload{
			ProductID: p.ID,
			ChannelID: ch.ID,
			OldValue:  p.CurrentStock,
			NewValue:  p.CurrentStock,
			Target:    target,
		},
	})

	res := fanoutResult{Attempted: 1}
	if pushErr != nil {
		res.Failed = 1
		res.ErrMsg = pushErr.Error()
	}
	s.publishOutcome(ctx, p.ID, res)
	if pushErr != nil {
		if domain.IsRetryable(pushErr) {
			return fmt.Errorf("op=syncer.PushUpdate: %w", pushErr)
		}
		s.alert(ctx, domain.AlertJob{
			TenantID:  s.tenantID,
			Kind:      domain.AlertSyncError,
			ProductID: p.ID,
			ChannelID: ch.ID,
			Data:      map[string]any{"error": pushErr.Error(), "target": target},
		})
	}
	return nil
}

// fanoutResult tallies one fan-out. Retry carries the first retryable
// failure; the job re-runs when it is set.
type fanoutResult struct {
	Attempted int
	Failed    int
	Retry     error
	ErrMsg    string
}

func (s *Syncer) fanOut(ctx domain.Context, mut domain.StockMutation, sourceChannelID, stamp string) fanoutResult {
	maps, err := s.mappings.ListByProduct(ctx, mut.Updated.ID)
	if err != nil {
		return fanoutResult{Retry: err, ErrMsg: err.Error()}
	}

	var res fanoutResult
	for _, m := range maps {
		if m.ChannelID == sourceChannelID {
			// The source already holds this value.
			continue
		}
		ch, err := s.channels.Get(ctx, m.ChannelID)
		if err != nil {
			res.Attempted++
			res.Failed++
			if res.Retry == nil && domain.IsRetryable(err) {
				res.Retry = err
			}
			if res.ErrMsg == "" {
				res.ErrMsg = err.Error()
			}
			s.log.Warn("mapping channel load failed", slog.String("channel_id", m.ChannelID), slog.Any("error", err))
			continue
		}
		if !ch.IsActive {
			continue
		}

		target := mut.Updated.ExpectedStock(ch.Kind)
		res.Attempted++
		pushErr := s.pushOne(ctx, ch, m, mut, target, stamp, "stock_sync")
		s.bus.Publish(ctx, domain.Event{
			Topic:    domain.TopicStockChange,
			TenantID: s.tenantID,
			Payload: domain.StockChangePayload{
				ProductID:   mut.Updated.ID,
				ChannelID:   ch.ID,
				OldValue:    mut.Previous.CurrentStock,
				NewValue:    mut.Updated.CurrentStock,
				Target:      target,
				SourceStamp: stamp,
			},
		})
		if pushErr == nil {
			continue
		}
		res.Failed++
		if res.ErrMsg == "" {
			res.ErrMsg = pushErr.Error()
		}
		if domain.IsRetryable(pushErr) {
			if res.Retry == nil {
				res.Retry = pushErr
			}
			continue
		}
		s.alert(ctx, domain.AlertJob{
			TenantID:  s.tenantID,
			Kind:      domain.AlertSyncError,
			ProductID: mut.Updated.ID,
			ChannelID: ch.ID,
			Data:      map[string]any{"error": pushErr.Error(), "target": target},
		})
	}
	return res
}

// pushOne writes one channel's target quantity, bracketed by the audit row.
func (s *Syncer) pushOne(ctx domain.Context, ch domain.Channel, m domain.ProductChannelMapping, mut domain.StockMutation, target int64, stamp, eventType string) error {
	oldVal := mut.Previous.CurrentStock
	newVal := target
	evID, err := s.events.Create(ctx, domain.SyncEvent{
		TenantID:  s.tenantID,
		EventType: eventType,
		ChannelID: &ch.ID,
		ProductID: &m.ProductID,
		OldValue:  &oldVal,
		NewValue:  &newVal,
		Status:    domain.SyncPending,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another attempt is mid-flight for this product and channel; it
			// will settle on the fresher stored total.
			s.log.Info("push skipped, in-flight event exists",
				slog.String("product_id", m.ProductID),
				slog.String("channel_id", ch.ID))
			return nil
		}
		return fmt.Errorf("op=syncer.pushOne: %w", err)
	}
	if err := s.events.UpdateStatus(ctx, evID, domain.SyncProcessing, nil); err != nil {
		s.log.Warn("sync event status update failed", slog.String("event_id", evID), slog.Any("error", err))
	}

	if err := s.writeChannel(ctx, ch, m.ExternalID, target); err != nil {
		msg := err.Error()
		if uerr := s.events.UpdateStatus(ctx, evID, domain.SyncFailed, &msg); uerr != nil {
			s.log.Warn("sync event status update failed", slog.String("event_id", evID), slog.Any("error", uerr))
		}
		return err
	}
	if err := s.events.UpdateStatus(ctx, evID, domain.SyncCompleted, nil); err != nil {
		s.log.Warn("sync event status update failed", slog.String("event_id", evID), slog.Any("error", err))
	}
	if err := s.channels.TouchLastSync(ctx, ch.ID, time.Now().UTC()); err != nil {
		s.log.Warn("last sync touch failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
	return nil
}

func (s *Syncer) writeChannel(ctx domain.Context, ch domain.Channel, externalID string, target int64) error {
	prov, err := s.providers.ForChannel(ctx, ch)
	if err != nil {
		return err
	}
	defer func() {
		if derr := prov.Disconnect(ctx); derr != nil {
			s.log.Warn("provider disconnect failed", slog.String("channel_id", ch.ID), slog.Any("error", derr))
		}
	}()
	return prov.SetStock(ctx, externalID, target)
}

func (s *Syncer) publishOutcome(ctx domain.Context, productID string, res fanoutResult) {
	topic := domain.TopicSyncCompleted
	if res.Failed > 0 {
		topic = domain.TopicSyncFailed
	}
	s.bus.Publish(ctx, domain.Event{
		Topic:    topic,
		TenantID: s.tenantID,
		Payload: domain.SyncOutcomePayload{
			ProductID: productID,
			Attempted: res.Attempted,
			Failed:    res.Failed,
			Error:     res.ErrMsg,
		},
	})
}

func (s *Syncer) alert(ctx domain.Context, job domain.AlertJob) {
	if _, err := s.queue.EnqueueAlert(ctx, s.tenantID, job); err != nil {
		s.log.Warn("alert enqueue failed", slog.String("kind", string(job.Kind)), slog.Any("error", err))
	}
}

func (s *Syncer) mappingFor(ctx domain.Context, productID, channelID string) (domain.ProductChannelMapping, error) {
	maps, err := s.mappings.ListByProduct(ctx, productID)
	if err != nil {
		return domain.ProductChannelMapping{}, err
	}
	for _, m := range maps {
		if m.ChannelID == channelID {
			return m, nil
		}
	}
	return domain.ProductChannelMapping{}, fmt.Errorf("op=syncer.mappingFor: product %s has no mapping on channel %s: %w",
		productID, channelID, domain.ErrNotFound)
}
