package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// maxSyncPages bounds a vendor cursor walk within one job.
const maxSyncPages = 100

// FullSync walks every mapping of one channel and pushes each item's expected
// quantity through the vendor's batch endpoint.
func (s *Syncer) FullSync(ctx domain.Context, job domain.FullSyncJob) error {
	tracer := otel.Tracer("agent.syncer")
	ctx, span := tracer.Start(ctx, "syncer.FullSync")
	defer span.End()

	ch, err := s.channels.Get(ctx, job.ChannelID)
	if err != nil {
		return fmt.Errorf("op=syncer.FullSync: %w", err)
	}
	if !ch.IsActive {
		s.log.Info("full sync skipped, channel inactive", slog.String("channel_id", ch.ID))
		return nil
	}
	prov, err := s.providers.ForChannel(ctx, ch)
	if err != nil {
		return fmt.Errorf("op=syncer.FullSync: %w", err)
	}
	defer func() {
		if derr := prov.Disconnect(ctx); derr != nil {
			s.log.Warn("provider disconnect failed", slog.String("channel_id", ch.ID), slog.Any("error", derr))
		}
	}()

	var res fanoutResult
	for offset := 0; ; offset += s.batchSize {
		page, err := s.mappings.ListByChannel(ctx, job.ChannelID, offset, s.batchSize)
		if err != nil {
			return fmt.Errorf("op=syncer.FullSync: %w", err)
		}
		if len(page) == 0 {
			break
		}
		s.pushBatch(ctx, ch, prov, page, &res)
		if len(page) < s.batchSize {
			break
		}
	}

	if res.Attempted > res.Failed {
		if err := s.channels.TouchLastSync(ctx, ch.ID, time.Now().UTC()); err != nil {
			s.log.Warn("last sync touch failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
	s.publishOutcome(ctx, "", res)
	if res.Retry != nil {
		return fmt.Errorf("op=syncer.FullSync: %w", res.Retry)
	}
	return nil
}

// pushBatch pushes one page of mappings via BatchSetStock, bracketing each
// item with its audit row.
func (s *Syncer) pushBatch(ctx domain.Context, ch domain.Channel, prov domain.ChannelProvider, page []domain.ProductChannelMapping, res *fanoutResult) {
	type pending struct {
		eventID string
		m       domain.ProductChannelMapping
	}
	var (
		updates []domain.StockUpdate
		audit   = make(map[string]pending)
	)
	for _, m := range page {
		p, err := s.products.Get(ctx, m.ProductID)
		if err != nil {
			s.log.Warn("mapping product load failed",
				slog.String("product_id", m.ProductID),
				slog.Any("error", err))
			res.Attempted++
			res.Failed++
			if res.ErrMsg == "" {
				res.ErrMsg = err.Error()
			}
			continue
		}
		target := p.ExpectedStock(ch.Kind)
		oldVal := p.CurrentStock
		evID, err := s.events.Create(ctx, domain.SyncEvent{
			TenantID:  s.tenantID,
			EventType: "full_sync",
			ChannelID: &ch.ID,
			ProductID: &m.ProductID,
			OldValue:  &oldVal,
			NewValue:  &target,
			Status:    domain.SyncProcessing,
		})
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				s.log.Info("full sync item skipped, in-flight event exists",
					slog.String("product_id", m.ProductID))
				continue
			}
			res.Attempted++
			res.Failed++
			if res.ErrMsg == "" {
				res.ErrMsg = err.Error()
			}
			continue
		}
		updates = append(updates, domain.StockUpdate{ExternalID: m.ExternalID, Quantity: target})
		audit[m.ExternalID] = pending{eventID: evID, m: m}
	}
	if len(updates) == 0 {
		return
	}

	results, err := prov.BatchSetStock(ctx, updates)
	if err != nil {
		// Transport-level failure takes the whole page down.
		msg := err.Error()
		for _, u := range updates {
			res.Attempted++
			res.Failed++
			if uerr := s.events.UpdateStatus(ctx, audit[u.ExternalID].eventID, domain.SyncFailed, &msg); uerr != nil {
				s.log.Warn("sync event status update failed", slog.Any("error", uerr))
			}
		}
		if res.ErrMsg == "" {
			res.ErrMsg = msg
		}
		if res.Retry == nil && domain.IsRetryable(err) {
			res.Retry = err
		}
		return
	}

	itemErr := make(map[string]error, len(results))
	for _, r := range results {
		itemErr[r.ExternalID] = r.Err
	}
	for _, u := range updates {
		res.Attempted++
		p := audit[u.ExternalID]
		if err := itemErr[u.ExternalID]; err != nil {
			res.Failed++
			msg := err.Error()
			if uerr := s.events.UpdateStatus(ctx, p.eventID, domain.SyncFailed, &msg); uerr != nil {
				s.log.Warn("sync event status update failed", slog.Any("error", uerr))
			}
			if res.ErrMsg == "" {
				res.ErrMsg = msg
			}
			if domain.IsRetryable(err) {
				if res.Retry == nil {
					res.Retry = err
				}
			} else {
				s.alert(ctx, domain.AlertJob{
					TenantID:  s.tenantID,
					Kind:      domain.AlertSyncError,
					ProductID: p.m.ProductID,
					ChannelID: ch.ID,
					Data:      map[string]any{"error": msg, "target": u.Quantity},
				})
			}
			continue
		}
		if uerr := s.events.UpdateStatus(ctx, p.eventID, domain.SyncCompleted, nil); uerr != nil {
			s.log.Warn("sync event status update failed", slog.Any("error", uerr))
		}
	}
}

// IncrementalSync pulls the vendor-side diff since a point in time and
// reconciles it into local state; each changed item runs the standard
// fan-out with this channel as source.
func (s *Syncer) IncrementalSync(ctx domain.Context, job domain.IncrementalSyncJob) error {
	tracer := otel.Tracer("agent.syncer")
	ctx, span := tracer.Start(ctx, "syncer.IncrementalSync")
	defer span.End()

	ch, err := s.channels.Get(ctx, job.ChannelID)
	if err != nil {
		return fmt.Errorf("op=syncer.IncrementalSync: %w", err)
	}
	if !ch.IsActive {
		s.log.Info("incremental sync skipped, channel inactive", slog.String("channel_id", ch.ID))
		return nil
	}
	prov, err := s.providers.ForChannel(ctx, ch)
	if err != nil {
		return fmt.Errorf("op=syncer.IncrementalSync: %w", err)
	}
	defer func() {
		if derr := prov.Disconnect(ctx); derr != nil {
			s.log.Warn("provider disconnect failed", slog.String("channel_id", ch.ID), slog.Any("error", derr))
		}
	}()

	var (
		applied  int
		retryErr error
	)
	cursor := ""
	for page := 0; page < maxSyncPages; page++ {
		items, next, err := prov.ListProducts(ctx, cursor, s.batchSize)
		if err != nil {
			return fmt.Errorf("op=syncer.IncrementalSync: %w", err)
		}
		for _, item := range items {
			if !job.Since.IsZero() && !item.UpdatedAt.IsZero() && !item.UpdatedAt.After(job.Since) {
				continue
			}
			if err := s.reconcileItem(ctx, ch, item); err != nil {
				if retryErr == nil && domain.IsRetryable(err) {
					retryErr = err
				}
				continue
			}
			applied++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if applied > 0 {
		s.log.Info("incremental sync applied changes",
			slog.String("channel_id", ch.ID),
			slog.Int("applied", applied))
	}
	if retryErr != nil {
		return fmt.Errorf("op=syncer.IncrementalSync: %w", retryErr)
	}
	return nil
}

func (s *Syncer) reconcileItem(ctx domain.Context, ch domain.Channel, item domain.NormalizedProduct) error {
	m, err := s.mappings.FindByExternalID(ctx, ch.ID, item.ExternalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	unlock := s.locks.Lock(m.ProductID)
	defer unlock()

	p, err := s.products.Get(ctx, m.ProductID)
	if err != nil {
		return err
	}
	newStock := item.Quantity
	if ch.Kind != domain.KindPOS {
		newStock += p.BufferStock
	}
	if newStock == p.CurrentStock {
		return nil
	}
	return s.stockChangedLocked(ctx, domain.StockChangedJob{
		ProductID:       m.ProductID,
		NewStock:        newStock,
		SourceChannelID: ch.ID,
		Stamp:           fmt.Sprintf("incr-%s-%d", item.ExternalID, item.UpdatedAt.UnixMilli()),
		Reason:          "incremental_sync",
	})
}
