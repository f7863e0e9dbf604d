package domain

import (
	"testing"
)

func TestChannelKindValid(t *testing.T) {
	tests := []struct {
		kind  ChannelKind
		valid bool
	}{
		{KindPOS, true},
		{KindOnlineStore, true},
		{KindDeliveryMarketplace, true},
		{ChannelKind("email"), false},
		{ChannelKind(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Valid(); got != tt.valid {
				t.Errorf("Valid(%q) = %v, want %v", tt.kind, got, tt.valid)
			}
		})
	}
}

func TestProductExpectedStock(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		buffer  int64
		kind    ChannelKind
		want    int64
	}{
		{"pos gets full total", 100, 10, KindPOS, 100},
		{"online withholds buffer", 100, 10, KindOnlineStore, 90},
		{"marketplace withholds buffer", 100, 10, KindDeliveryMarketplace, 90},
		{"never negative", 5, 10, KindOnlineStore, 0},
		{"zero stock", 0, 0, KindPOS, 0},
		{"buffer equals stock", 10, 10, KindDeliveryMarketplace, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Product{CurrentStock: tt.current, BufferStock: tt.buffer}
			if got := p.ExpectedStock(tt.kind); got != tt.want {
				t.Errorf("ExpectedStock(%q) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}

func TestStockChangeEventIdempotencyKey(t *testing.T) {
	ev := StockChangeEvent{
		ChannelID:         "ch-1",
		ProductExternalID: "ext-9",
		SourceStamp:       "1700000000",
	}
	want := "ch-1|ext-9|1700000000"
	if got := ev.IdempotencyKey(); got != want {
		t.Errorf("IdempotencyKey() = %q, want %q", got, want)
	}

	other := ev
	other.SourceStamp = "1700000001"
	if other.IdempotencyKey() == ev.IdempotencyKey() {
		t.Error("distinct stamps must yield distinct keys")
	}
}

func TestQueueName(t *testing.T) {
	tests := []struct {
		class string
		want  string
	}{
		{QueueSync, "stockclerk:t1:sync"},
		{QueueWebhook, "stockclerk:t1:webhook"},
		{QueueAlert, "stockclerk:t1:alert"},
		{QueueStockUpdate, "stockclerk:t1:stockUpdate"},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			if got := QueueName("stockclerk", "t1", tt.class); got != tt.want {
				t.Errorf("QueueName = %q, want %q", got, tt.want)
			}
		})
	}
}
