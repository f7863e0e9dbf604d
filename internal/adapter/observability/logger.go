package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mkesani1/stockclerk-sub002/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. The
// orchestrator logs to stdout.
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

// SetupWorkerLogger is the tenant-worker variant: stdout carries the IPC
// stream, so logs go to stderr, tagged with the tenant.
func SetupWorkerLogger(cfg config.Config, tenantID string) *slog.Logger {
	return newLogger(cfg, os.Stderr).With(slog.String("tenant_id", tenantID))
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
