// Package bus is the in-process broadcast channel for sync lifecycle events.
// Agents publish; the worker runtime forwards to the parent over IPC and
// mirrors to the firehose. The bus is nil-safe: Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

// Bus is a non-blocking broadcast bus. Subscribers receive events on buffered
// channels; slow subscribers miss events rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan domain.Event]map[domain.Topic]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe back to
	// the bidirectional channel stored in subs, so Unsubscribe can accept the
	// caller's view of the channel.
	recvToSend map[<-chan domain.Event]chan domain.Event
	sink       domain.EventSink
	log        *slog.Logger
}

// New creates a bus. sink may be nil; when set, every published event is also
// handed to it (best effort, errors logged).
func New(sink domain.EventSink, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:       make(map[chan domain.Event]map[domain.Topic]struct{}),
		recvToSend: make(map[<-chan domain.Event]chan domain.Event),
		sink:       sink,
		log:        log,
	}
}

// Publish broadcasts ev to matching subscribers and the sink. Non-blocking:
// a full subscriber buffer drops the event for that subscriber. Safe to call
// on a nil receiver.
func (b *Bus) Publish(ctx domain.Context, ev domain.Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	observability.BusPublishedTotal.WithLabelValues(string(ev.Topic)).Inc()

	b.mu.RLock()
	for ch, topics := range b.subs {
		if len(topics) > 0 {
			if _, ok := topics[ev.Topic]; !ok {
				continue
			}
		}
		select {
		case ch <- ev:
		default:
			observability.BusDroppedTotal.WithLabelValues(string(ev.Topic)).Inc()
		}
	}
	sink := b.sink
	b.mu.RUnlock()

	if sink != nil {
		if err := sink.Publish(ctx, ev); err != nil {
			b.log.Warn("event sink publish failed", slog.String("topic", string(ev.Topic)), slog.Any("error", err))
		}
	}
}

// Subscribe returns a channel receiving published events. With no topics the
// subscriber sees everything. The caller must eventually Unsubscribe.
func (b *Bus) Subscribe(bufSize int, topics ...domain.Topic) <-chan domain.Event {
	ch := make(chan domain.Event, bufSize)
	var filter map[domain.Topic]struct{}
	if len(topics) > 0 {
		filter = make(map[domain.Topic]struct{}, len(topics))
		for _, t := range topics {
			filter[t] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = filter
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to call
// with an already-removed channel.
func (b *Bus) Unsubscribe(ch <-chan domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
