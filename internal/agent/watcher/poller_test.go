package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

type pollFixture struct {
	channels *fakeChannels
	mappings *fakeMappings
	queue    *fakeQueue
	prov     *stubProvider
	cache    *PollCache
	poller   *Poller
}

type fakeMappings struct {
	domain.MappingRepository
	byChannel map[string][]domain.ProductChannelMapping
}

func (f *fakeMappings) ListByChannel(_ domain.Context, channelID string, offset, limit int) ([]domain.ProductChannelMapping, error) {
	all := f.byChannel[channelID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func newPollFixture(t *testing.T) *pollFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ch := testChannel()
	f := &pollFixture{
		channels: &fakeChannels{channels: []domain.Channel{ch}},
		mappings: &fakeMappings{byChannel: map[string][]domain.ProductChannelMapping{
			"ch-1": {
				{ID: "m-1", ProductID: "p-1", ChannelID: "ch-1", ExternalID: "ext-1"},
				{ID: "m-2", ProductID: "p-2", ChannelID: "ch-1", ExternalID: "ext-2"},
			},
		}},
		queue: &fakeQueue{},
		prov:  &stubProvider{kind: domain.KindPOS},
		cache: NewPollCache(rdb, "stockclerk", "t-1"),
	}
	f.poller = NewPoller("t-1", f.channels, f.mappings, f.queue, fakeSource{p: f.prov}, f.cache,
		time.Minute, 100, discardLog())
	return f
}

func item(extID string, qty int64) domain.NormalizedProduct {
	return domain.NormalizedProduct{
		ExternalID: extID,
		Quantity:   qty,
		IsTracked:  true,
		UpdatedAt:  time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPass_FirstSightingPrimesWithoutEnqueue(t *testing.T) {
	f := newPollFixture(t)
	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 5), item("ext-2", 7), item("ext-3", 9)}}

	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if n := len(f.queue.events()); n != 0 {
		t.Fatalf("first sighting enqueued %d events", n)
	}
	snap, err := f.cache.Snapshot(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap["ext-1"] != 5 || snap["ext-2"] != 7 {
		t.Fatalf("cache not primed: %v", snap)
	}
	if _, ok := snap["ext-3"]; ok {
		t.Fatal("unmapped items must not be cached")
	}
	if len(f.channels.touched) != 1 || f.channels.touched[0] != "ch-1" {
		t.Fatalf("last sync touch = %v", f.channels.touched)
	}
	if f.prov.disconnects != 1 {
		t.Fatalf("provider should be released, disconnects = %d", f.prov.disconnects)
	}
}

func TestPass_ChangedQuantityEnqueues(t *testing.T) {
	f := newPollFixture(t)
	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 5), item("ext-2", 7)}}
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("prime pass: %v", err)
	}

	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 3), item("ext-2", 7)}}
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("diff pass: %v", err)
	}

	evs := f.queue.events()
	if len(evs) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.TenantID != "t-1" || ev.ChannelID != "ch-1" || ev.ChannelKind != domain.KindPOS {
		t.Fatalf("identity not stamped: %+v", ev)
	}
	if ev.EventType != "stock_updated" || ev.Reason != "poll" {
		t.Fatalf("event shape: %+v", ev)
	}
	if ev.PreviousQuantity == nil || *ev.PreviousQuantity != 5 {
		t.Fatalf("previous = %v", ev.PreviousQuantity)
	}
	if ev.NewQuantity == nil || *ev.NewQuantity != 3 {
		t.Fatalf("new = %v", ev.NewQuantity)
	}
	if ev.SourceStamp == "" {
		t.Fatal("poll events need a source stamp")
	}

	snap, _ := f.cache.Snapshot(context.Background(), "ch-1")
	if snap["ext-1"] != 3 {
		t.Fatalf("cache not advanced: %v", snap)
	}
}

func TestPass_UnchangedQuantityStaysQuiet(t *testing.T) {
	f := newPollFixture(t)
	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 5)}}
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("prime pass: %v", err)
	}
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("repeat pass: %v", err)
	}
	if n := len(f.queue.events()); n != 0 {
		t.Fatalf("unchanged stock enqueued %d events", n)
	}
}

func TestPass_WalksAllPages(t *testing.T) {
	f := newPollFixture(t)
	f.prov.pages = [][]domain.NormalizedProduct{
		{item("ext-1", 5)},
		{item("ext-2", 7)},
	}

	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	snap, _ := f.cache.Snapshot(context.Background(), "ch-1")
	if snap["ext-1"] != 5 || snap["ext-2"] != 7 {
		t.Fatalf("pagination missed items: %v", snap)
	}
	for _, limit := range f.prov.limitsSeen {
		if limit != 100 {
			t.Fatalf("page size %d sent to vendor, want 100", limit)
		}
	}
}

func TestPass_EnqueueFailureKeepsCacheStale(t *testing.T) {
	f := newPollFixture(t)
	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 5)}}
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("prime pass: %v", err)
	}

	f.queue.fail = errors.New("redis down")
	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 3)}}
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("failing pass: %v", err)
	}
	snap, _ := f.cache.Snapshot(context.Background(), "ch-1")
	if snap["ext-1"] != 5 {
		t.Fatalf("cache advanced past a lost event: %v", snap)
	}

	// Next tick re-detects the same change once the queue recovers.
	f.queue.fail = nil
	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("recovery pass: %v", err)
	}
	evs := f.queue.events()
	if len(evs) != 1 || *evs[0].PreviousQuantity != 5 || *evs[0].NewQuantity != 3 {
		t.Fatalf("recovery events = %+v", evs)
	}
}

func TestPass_NoMappingsSkipsVendorWalk(t *testing.T) {
	f := newPollFixture(t)
	f.mappings.byChannel = map[string][]domain.ProductChannelMapping{}
	f.prov.pages = [][]domain.NormalizedProduct{{item("ext-1", 5)}}

	if err := f.poller.Pass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if len(f.prov.limitsSeen) != 0 {
		t.Fatal("unmapped channels should not be listed")
	}
}

func TestPollCache_Forget(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := NewPollCache(rdb, "stockclerk", "t-1")

	ctx := context.Background()
	if err := cache.Remember(ctx, "ch-1", "ext-1", 5); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := cache.Forget(ctx, "ch-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	snap, err := cache.Snapshot(ctx, "ch-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("cache survived forget: %v", snap)
	}
}
