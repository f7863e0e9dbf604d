package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.Send(KindInit, InitPayload{TenantID: "t-1", Concurrency: map[string]int{"sync": 4}}); err != nil {
		t.Fatalf("send init: %v", err)
	}
	if err := w.Send(KindPing, PingPayload{TS: 1724660000000}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	ev := domain.StockChangeEvent{
		TenantID:          "t-1",
		ChannelID:         "ch-9",
		ChannelKind:       domain.KindPOS,
		EventType:         "stock_updated",
		ProductExternalID: "itm-5",
		NewQuantity:       ptrInt64(12),
		SourceStamp:       "evt-1",
		OccurredAt:        time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := w.Send(KindAddWebhookJob, AddWebhookJobPayload{Event: ev}); err != nil {
		t.Fatalf("send webhook job: %v", err)
	}

	r := NewReader(&buf)

	m, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if m.Kind != KindInit {
		t.Fatalf("kind = %q, want init", m.Kind)
	}
	var init InitPayload
	if err := m.Decode(&init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if init.TenantID != "t-1" || init.Concurrency["sync"] != 4 {
		t.Fatalf("init payload = %+v", init)
	}

	m, err = r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var ping PingPayload
	if err := m.Decode(&ping); err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if ping.TS != 1724660000000 {
		t.Fatalf("ping ts = %d", ping.TS)
	}

	m, err = r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var job AddWebhookJobPayload
	if err := m.Decode(&job); err != nil {
		t.Fatalf("decode webhook job: %v", err)
	}
	if job.Event.IdempotencyKey() != ev.IdempotencyKey() {
		t.Fatalf("event key = %q, want %q", job.Event.IdempotencyKey(), ev.IdempotencyKey())
	}
	if job.Event.NewQuantity == nil || *job.Event.NewQuantity != 12 {
		t.Fatalf("event quantity = %v", job.Event.NewQuantity)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReaderSkipsStrayOutput(t *testing.T) {
	in := strings.Join([]string{
		"booting worker pid=42",
		"",
		`{"kind":"ready","payload":{"pid":42}}`,
		"some library printed this",
		`{"kind":"pong","payload":{"ts":7}}`,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(in))

	m, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if m.Kind != KindReady {
		t.Fatalf("kind = %q, want ready", m.Kind)
	}
	var ready ReadyPayload
	if err := m.Decode(&ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if ready.PID != 42 {
		t.Fatalf("pid = %d", ready.PID)
	}

	m, err = r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if m.Kind != KindPong {
		t.Fatalf("kind = %q, want pong", m.Kind)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReaderKeepsUnknownKinds(t *testing.T) {
	// Filtering is the receiver's job so a newer peer can speak kinds this
	// build has never heard of.
	r := NewReader(strings.NewReader(`{"kind":"hologram","payload":{"x":1}}` + "\n"))
	m, err := r.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if m.Kind != Kind("hologram") {
		t.Fatalf("kind = %q", m.Kind)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	m := Message{Kind: KindPing}
	var ping PingPayload
	err := m.Decode(&ping)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestNewRejectsUnmarshalablePayload(t *testing.T) {
	if _, err := New(KindSyncEvent, map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestWriterConcurrentLinesStayIntact(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf)

	const writers, each = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				err := w.Send(KindSyncEvent, SyncEventPayload{
					EventType: fmt.Sprintf("e-%d-%d", id, j),
				})
				if err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	r := NewReader(bytes.NewReader(buf.Bytes()))
	seen := 0
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if m.Kind != KindSyncEvent {
			t.Fatalf("kind = %q", m.Kind)
		}
		var p SyncEventPayload
		if err := m.Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seen++
	}
	if seen != writers*each {
		t.Fatalf("read %d messages, want %d", seen, writers*each)
	}
}

func TestWriterSurfacesBrokenPipe(t *testing.T) {
	w := NewWriter(failWriter{})
	err := w.Send(KindPing, PingPayload{TS: 1})
	if err == nil || !strings.Contains(err.Error(), "op=ipc.write") {
		t.Fatalf("err = %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func ptrInt64(v int64) *int64 { return &v }
