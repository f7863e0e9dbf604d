// Package main loads a YAML tenant fixture into the database.
//
// stockseed is a one-shot tool for development and e2e environments: it
// creates tenants, channels (sealing any credentials), products, channel
// mappings and alert rules, and is safe to re-run.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/mkesani1/stockclerk-sub002/internal/adapter/observability"
	"github.com/mkesani1/stockclerk-sub002/internal/adapter/repo/postgres"
	"github.com/mkesani1/stockclerk-sub002/internal/config"
	"github.com/mkesani1/stockclerk-sub002/internal/seed"
	"github.com/mkesani1/stockclerk-sub002/internal/service/secrets"
)

func main() {
	file := flag.String("file", "configs/seed/tenants.yaml", "fixture file to apply")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	fixture, err := seed.Load(*file)
	if err != nil {
		logger.Error("fixture load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("database connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var box *secrets.Box
	if cfg.EncryptionKey != "" {
		box, err = secrets.NewBox(cfg.EncryptionKey)
		if err != nil {
			logger.Error("encryption key invalid", slog.Any("error", err))
			os.Exit(1)
		}
	}

	sum, err := seed.Apply(ctx, seed.Deps{
		Tenants:  postgres.NewTenantRepo(pool),
		Channels: postgres.NewChannelRepo(pool),
		Products: postgres.NewProductRepo(pool),
		Mappings: postgres.NewMappingRepo(pool),
		Rules:    postgres.NewAlertRuleRepo(pool),
		Box:      box,
		Log:      logger,
	}, fixture)
	if err != nil {
		logger.Error("seeding failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("fixture applied",
		slog.String("file", *file),
		slog.Int("tenants", sum.Tenants),
		slog.Int("channels", sum.Channels),
		slog.Int("products", sum.Products),
		slog.Int("mappings", sum.Mappings),
		slog.Int("rules", sum.Rules),
		slog.Int("skipped", sum.Skipped))
}
