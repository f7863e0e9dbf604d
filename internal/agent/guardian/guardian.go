// Package guardian reconciles recorded expected stock against what each
// channel actually advertises. Every pass walks the active channels, pages
// the vendor catalog once, and compares each mapping's actual quantity with
// the per-kind expectation; mismatches surface as drift events and, within
// policy, are repaired in place. The guardian is also the channel health
// authority: enough consecutive failed probes demote a channel to inactive.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
	"github.com/mkesani1/stockclerk-sub002/internal/service/bus"
	"github.com/mkesani1/stockclerk-sub002/internal/service/keyedlock"
)

// maxReconPages bounds one channel's catalog walk within a pass.
const maxReconPages = 100

// ProviderSource yields connected providers for channels. *channel.Registry
// satisfies it.
type ProviderSource interface {
	ForChannel(ctx domain.Context, ch domain.Channel) (domain.ChannelProvider, error)
}

// Deps wires the guardian's collaborators and policy knobs.
type Deps struct {
	TenantID  string
	Products  domain.ProductRepository
	Mappings  domain.MappingRepository
	Channels  domain.ChannelRepository
	Events    domain.SyncEventRepository
	Queue     domain.Queue
	Providers ProviderSource
	Bus       *bus.Bus
	// Locks is the worker's shared per-product table; repairs take the
	// product lock so they cannot interleave with a fan-out's vendor writes.
	Locks *keyedlock.Table

	Interval  time.Duration
	BatchSize int
	// DriftThreshold is the absolute mismatch below which drift is ignored
	// (zero means any mismatch counts). Overselling bypasses it.
	DriftThreshold int64
	// CriticalPct marks a finding critical at or above this percentage.
	CriticalPct float64
	// RepairPct caps auto-repair of POS drift when POSRepair is enabled.
	RepairPct float64
	// POSRepair lets passes write repairs to POS channels. Off by default:
	// the register is only written under explicit operator action.
	POSRepair bool
	// HealthFailLimit demotes a channel after this many consecutive failed
	// probes.
	HealthFailLimit int
	Log             *slog.Logger
}

// Guardian is one tenant's reconciliation agent.
type Guardian struct {
	tenantID  string
	products  domain.ProductRepository
	mappings  domain.MappingRepository
	channels  domain.ChannelRepository
	events    domain.SyncEventRepository
	queue     domain.Queue
	providers ProviderSource
	bus       *bus.Bus
	locks     *keyedlock.Table

	interval       time.Duration
	batchSize      int
	driftThreshold int64
	criticalPct    float64
	repairPct      float64
	posRepair      bool
	healthLimit    int
	log            *slog.Logger

	mu          sync.Mutex
	healthFails map[string]int
}

func New(d Deps) *Guardian {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	criticalPct := d.CriticalPct
	if criticalPct <= 0 {
		criticalPct = 20
	}
	repairPct := d.RepairPct
	if repairPct <= 0 {
		repairPct = 5
	}
	healthLimit := d.HealthFailLimit
	if healthLimit <= 0 {
		healthLimit = 3
	}
	locks := d.Locks
	if locks == nil {
		locks = keyedlock.New()
	}
	return &Guardian{
		tenantID:       d.TenantID,
		products:       d.Products,
		mappings:       d.Mappings,
		channels:       d.Channels,
		events:         d.Events,
		queue:          d.Queue,
		providers:      d.Providers,
		bus:            d.Bus,
		locks:          locks,
		interval:       d.Interval,
		batchSize:      batch,
		driftThreshold: d.DriftThreshold,
		criticalPct:    criticalPct,
		repairPct:      repairPct,
		posRepair:      d.POSRepair,
		healthLimit:    healthLimit,
		log:            log,
		healthFails:    make(map[string]int),
	}
}

// Summary tallies one reconciliation pass. It crosses the IPC boundary when
// a pass was operator-triggered, hence the wire tags.
type Summary struct {
	ChannelsChecked int `json:"channelsChecked"`
	MappingsChecked int `json:"mappingsChecked"`
	DriftsFound     int `json:"driftsFound"`
	CriticalDrifts  int `json:"criticalDrifts"`
	Repaired        int `json:"repaired"`
}

// HasCriticalDrift reports whether any finding crossed the critical bar.
func (s Summary) HasCriticalDrift() bool { return s.CriticalDrifts > 0 }

// Run reconciles on a fixed cadence until ctx is done. The first pass waits
// one full interval; webhooks and polls cover the impatient path while the
// worker warms up.
func (g *Guardian) Run(ctx context.Context, autoRepair bool) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := g.Pass(ctx, autoRepair)
			if err != nil {
				g.log.Warn("reconciliation pass failed", slog.Any("error", err))
				continue
			}
			if sum.DriftsFound > 0 {
				g.log.Info("reconciliation pass found drift",
					slog.Int("channels", sum.ChannelsChecked),
					slog.Int("mappings", sum.MappingsChecked),
					slog.Int("drifts", sum.DriftsFound),
					slog.Int("critical", sum.CriticalDrifts),
					slog.Int("repaired", sum.Repaired))
			}
		}
	}
}

// Pass reconciles every active channel once. Per-channel and per-mapping
// failures are warnings; the pass keeps going.
func (g *Guardian) Pass(ctx context.Context, autoRepair bool) (Summary, error) {
	tracer := otel.Tracer("agent.guardian")
	ctx, span := tracer.Start(ctx, "guardian.Pass")
	defer span.End()

	channels, err := g.channels.ListByTenant(ctx, g.tenantID, true)
	if err != nil {
		return Summary{}, fmt.Errorf("op=guardian.Pass: %w", err)
	}
	var sum Summary
	for _, ch := range channels {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.ChannelsChecked++
		if err := g.reconcileChannel(ctx, ch, autoRepair, &sum); err != nil {
			g.log.Warn("channel reconciliation failed",
				slog.String("channel_id", ch.ID),
				slog.Any("error", err))
		}
	}
	return sum, nil
}

func (g *Guardian) reconcileChannel(ctx context.Context, ch domain.Channel, autoRepair bool, sum *Summary) error {
	prov, err := g.providers.ForChannel(ctx, ch)
	if err != nil {
		g.noteHealthFailure(ctx, ch, err.Error())
		return nil
	}
	defer func() {
		if derr := prov.Disconnect(ctx); derr != nil {
			g.log.Warn("provider disconnect failed", slog.String("channel_id", ch.ID), slog.Any("error", derr))
		}
	}()

	health := prov.HealthCheck(ctx)
	if !health.Connected {
		g.noteHealthFailure(ctx, ch, health.Error)
		return nil
	}
	g.clearHealthFailures(ch.ID)

	actuals, err := g.channelActuals(ctx, prov)
	if err != nil {
		return fmt.Errorf("op=guardian.reconcileChannel: %w", err)
	}

	for offset := 0; ; offset += g.batchSize {
		page, err := g.mappings.ListByChannel(ctx, ch.ID, offset, g.batchSize)
		if err != nil {
			return fmt.Errorf("op=guardian.reconcileChannel: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			item, ok := actuals[m.ExternalID]
			if !ok {
				g.log.Warn("mapped item missing from vendor catalog",
					slog.String("channel_id", ch.ID),
					slog.String("external_id", m.ExternalID))
				continue
			}
			p, err := g.products.Get(ctx, m.ProductID)
			if err != nil {
				g.log.Warn("mapping product load failed",
					slog.String("product_id", m.ProductID),
					slog.Any("error", err))
				continue
			}
			sum.MappingsChecked++
			g.checkMapping(ctx, prov, ch, m, p, item, autoRepair, sum)
		}
		if len(page) < g.batchSize {
			break
		}
	}
	return nil
}

// channelActuals pages the vendor catalog once and indexes it by external id.
// One walk per channel keeps the pass inside vendor rate budgets regardless
// of mapping count.
func (g *Guardian) channelActuals(ctx context.Context, prov domain.ChannelProvider) (map[string]domain.NormalizedProduct, error) {
	out := make(map[string]domain.NormalizedProduct)
	cursor := ""
	for page := 0; page < maxReconPages; page++ {
		items, next, err := prov.ListProducts(ctx, cursor, g.batchSize)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			out[it.ExternalID] = it
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

func (g *Guardian) checkMapping(ctx context.Context, prov domain.ChannelProvider, ch domain.Channel, m domain.ProductChannelMapping, p domain.Product, item domain.NormalizedProduct, autoRepair bool, sum *Summary) {
	expected := p.ExpectedStock(ch.Kind)
	actual := item.Quantity
	if !item.IsTracked {
		// Availability-only item: the comparison collapses to stocked or not.
		if item.IsAvailable == (expected > 0) {
			return
		}
		actual = 0
		if item.IsAvailable {
			actual = 1
		}
	}

	drift := actual - expected
	if drift == 0 {
		return
	}
	overselling := expected == 0 && actual > 0
	if absInt64(drift) <= g.driftThreshold && !overselling {
		return
	}
	pct := float64(absInt64(drift)) / float64(maxInt64(1, expected)) * 100
	critical := pct >= g.criticalPct

	sum.DriftsFound++
	if critical {
		sum.CriticalDrifts++
	}
	observability.DriftDetectedTotal.WithLabelValues(string(ch.Kind)).Inc()
	g.log.Info("drift detected",
		slog.String("product_id", m.ProductID),
		slog.String("channel_id", ch.ID),
		slog.Int64("actual", actual),
		slog.Int64("expected", expected),
		slog.Int64("drift", drift),
		slog.Float64("drift_pct", pct))
	g.bus.Publish(ctx, domain.Event{
		Topic:    domain.TopicDriftDetected,
		TenantID: g.tenantID,
		Payload: domain.DriftPayload{
			ProductID:  m.ProductID,
			ChannelID:  ch.ID,
			Actual:     actual,
			Expected:   expected,
			Drift:      drift,
			DriftPct:   pct,
			AutoRepair: autoRepair,
			Critical:   critical,
		},
	})
	g.alert(ctx, domain.AlertJob{
		TenantID:  g.tenantID,
		Kind:      domain.AlertDriftDetected,
		ProductID: m.ProductID,
		ChannelID: ch.ID,
		Data: map[string]any{
			"actual":     actual,
			"expected":   expected,
			"drift":      drift,
			"driftPct":   pct,
			"autoRepair": autoRepair,
			"critical":   critical,
		},
	})

	repairable := autoRepair && (ch.Kind != domain.KindPOS || (g.posRepair && pct < g.repairPct))
	if !repairable {
		if autoRepair && ch.Kind == domain.KindPOS {
			g.log.Info("pos drift left for operator action",
				slog.String("product_id", m.ProductID),
				slog.String("channel_id", ch.ID))
		}
		return
	}
	wrote, err := g.repair(ctx, prov, ch, m, actual, pct)
	if err != nil {
		g.log.Warn("drift repair failed",
			slog.String("product_id", m.ProductID),
			slog.String("channel_id", ch.ID),
			slog.Any("error", err))
		return
	}
	if wrote {
		sum.Repaired++
	}
}

// repair writes the expected quantity back to the channel, under the product
// lock and bracketed by an audit row. The expectation is recomputed under the
// lock: the total may have moved since the check. Returns false without error
// when an in-flight event made the finding stale.
func (g *Guardian) repair(ctx context.Context, prov domain.ChannelProvider, ch domain.Channel, m domain.ProductChannelMapping, actual int64, pct float64) (bool, error) {
	unlock := g.locks.Lock(m.ProductID)
	defer unlock()

	p, err := g.products.Get(ctx, m.ProductID)
	if err != nil {
		return false, fmt.Errorf("op=guardian.repair: %w", err)
	}
	expected := p.ExpectedStock(ch.Kind)

	evID, err := g.events.Create(ctx, domain.SyncEvent{
		TenantID:  g.tenantID,
		EventType: "drift_repair",
		ChannelID: &ch.ID,
		ProductID: &m.ProductID,
		OldValue:  &actual,
		NewValue:  &expected,
		Status:    domain.SyncProcessing,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// A sync push is mid-flight for this pair; it carries the fresher
			// value and this finding is already stale.
			g.log.Info("repair skipped, in-flight event exists",
				slog.String("product_id", m.ProductID),
				slog.String("channel_id", ch.ID))
			return false, nil
		}
		return false, fmt.Errorf("op=guardian.repair: %w", err)
	}

	if err := prov.SetStock(ctx, m.ExternalID, expected); err != nil {
		msg := err.Error()
		if uerr := g.events.UpdateStatus(ctx, evID, domain.SyncFailed, &msg); uerr != nil {
			g.log.Warn("sync event status update failed", slog.String("event_id", evID), slog.Any("error", uerr))
		}
		return false, err
	}
	if err := g.events.UpdateStatus(ctx, evID, domain.SyncCompleted, nil); err != nil {
		g.log.Warn("sync event status update failed", slog.String("event_id", evID), slog.Any("error", err))
	}
	if err := g.channels.TouchLastSync(ctx, ch.ID, time.Now().UTC()); err != nil {
		g.log.Warn("last sync touch failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}

	observability.DriftRepairedTotal.WithLabelValues(string(ch.Kind)).Inc()
	g.bus.Publish(ctx, domain.Event{
		Topic:    domain.TopicDriftRepaired,
		TenantID: g.tenantID,
		Payload: domain.DriftPayload{
			ProductID: m.ProductID,
			ChannelID: ch.ID,
			Actual:    actual,
			Expected:  expected,
			Drift:     actual - expected,
			DriftPct:  pct,
		},
	})
	return true, nil
}

// noteHealthFailure counts a failed probe and demotes the channel once the
// consecutive limit is reached.
func (g *Guardian) noteHealthFailure(ctx context.Context, ch domain.Channel, reason string) {
	g.mu.Lock()
	g.healthFails[ch.ID]++
	n := g.healthFails[ch.ID]
	if n >= g.healthLimit {
		delete(g.healthFails, ch.ID)
	}
	g.mu.Unlock()

	g.log.Warn("channel health probe failed",
		slog.String("channel_id", ch.ID),
		slog.Int("consecutive", n),
		slog.String("reason", reason))
	if n < g.healthLimit {
		return
	}

	if err := g.channels.SetActive(ctx, ch.ID, false); err != nil {
		g.log.Warn("channel deactivation failed", slog.String("channel_id", ch.ID), slog.Any("error", err))
	}
	g.bus.Publish(ctx, domain.Event{
		Topic:    domain.TopicChannelDisconnected,
		TenantID: g.tenantID,
		Payload: domain.ChannelHealthPayload{
			ChannelID: ch.ID,
			Kind:      ch.Kind,
			Reason:    reason,
		},
	})
	g.alert(ctx, domain.AlertJob{
		TenantID:  g.tenantID,
		Kind:      domain.AlertChannelDisconnected,
		ChannelID: ch.ID,
		Data: map[string]any{
			"reason":   reason,
			"failures": n,
		},
	})
}

func (g *Guardian) clearHealthFailures(channelID string) {
	g.mu.Lock()
	delete(g.healthFails, channelID)
	g.mu.Unlock()
}

func (g *Guardian) alert(ctx context.Context, job domain.AlertJob) {
	if _, err := g.queue.EnqueueAlert(ctx, g.tenantID, job); err != nil {
		g.log.Warn("alert enqueue failed", slog.String("kind", string(job.Kind)), slog.Any("error", err))
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
