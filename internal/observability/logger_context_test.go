package observability

import (
	"context"
	"log/slog"
	"testing"
)

func TestContextWithLoggerRoundTrip(t *testing.T) {
	base := slog.Default().With(slog.String("k", "v"))
	ctx := ContextWithLogger(context.Background(), base)
	if got := LoggerFromContext(ctx); got != base {
		t.Error("stored logger not returned")
	}
}

func TestLoggerFromContextFallsBack(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Error("expected default logger for bare context")
	}
	if got := LoggerFromContext(nil); got != slog.Default() { //nolint:staticcheck
		t.Error("expected default logger for nil context")
	}
}

func TestContextWithLoggerNilSafe(t *testing.T) {
	ctx := context.Background()
	if out := ContextWithLogger(ctx, nil); out != ctx {
		t.Error("nil logger must not modify context")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}
	ctx2 := ContextWithRequestID(context.Background(), "")
	if got := RequestIDFromContext(ctx2); got != "" {
		t.Error("empty request id must not be stored")
	}
}

func TestTenantIDRoundTrip(t *testing.T) {
	ctx := ContextWithTenantID(context.Background(), "tenant-9")
	if got := TenantIDFromContext(ctx); got != "tenant-9" {
		t.Errorf("tenant id = %q, want tenant-9", got)
	}
	if got := TenantIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty tenant id, got %q", got)
	}
}
