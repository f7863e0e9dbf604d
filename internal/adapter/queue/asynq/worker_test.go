package asynqadp

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mkesani1/stockclerk-sub002/internal/domain"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second}, // clamp: asynq may hand 0 on the first failure
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.n, nil, nil); got != tt.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNewServerSet_Basics(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServerSet("redis://localhost:6379/15", "sq", "t-1", nil, log)
	if err != nil {
		t.Fatalf("new server set: %v", err)
	}
	for _, class := range []string{domain.QueueSync, domain.QueueWebhook, domain.QueueAlert, domain.QueueStockUpdate} {
		if s.servers[class] == nil {
			t.Fatalf("missing server for class %s", class)
		}
	}
	s.Shutdown() // should not panic on a never-started set
}

func TestNewServerSet_ConcurrencyOverride(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServerSet("redis://localhost:6379/15", "sq", "t-1", map[string]int{domain.QueueWebhook: 2}, log)
	if err != nil {
		t.Fatalf("new server set: %v", err)
	}
	if s.servers[domain.QueueWebhook] == nil {
		t.Fatalf("missing webhook server")
	}
	s.Shutdown()
}

func TestNewServerSet_BadRedisURL(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewServerSet("not-a-url", "sq", "t-1", nil, log); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHandleFunc_UnknownClassPanics(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServerSet("redis://localhost:6379/15", "sq", "t-1", nil, log)
	if err != nil {
		t.Fatalf("new server set: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	s.HandleFunc("bogus", domain.TaskStockChanged, nil)
}
