package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calderapay/fraudflow-backend/internal/timeline"
	"github.com/calderapay/fraudflow-backend/internal/transactions"
	"github.com/calderapay/fraudflow-backend/pkg/config"
	"github.com/calderapay/fraudflow-backend/pkg/db"
	"github.com/calderapay/fraudflow-backend/pkg/inbox"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/migrate"
	"github.com/calderapay/fraudflow-backend/pkg/ops"
	"github.com/calderapay/fraudflow-backend/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "outcome-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outcome-worker"

	logg = logger.New(logger.Options{
		ServiceName: "outcome-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	consumer, err := transactions.NewOutcomeConsumer(
		dbClient,
		transactions.NewRepository(dbClient.DB()),
		inbox.NewGuard(),
		timeline.NewWriter(),
		pubsubClient.OutcomesSubscription(),
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create outcome consumer", err)
		os.Exit(1)
	}

	registryMetrics := prometheus.NewRegistry()
	opsServer := ops.NewServer(cfg.Ops.Port, registryMetrics, map[string]ops.Pinger{
		"database": dbClient,
		"pubsub":   pubsubClient,
	}, logg)
	go func() {
		if err := opsServer.Start(); err != nil {
			logg.Error(context.Background(), "ops server stopped", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logg.Error(context.Background(), "error shutting down ops server", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "outcome-worker",
	})
	logg.Info(ctx, "starting outcome worker")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outcome worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outcome worker shutting down gracefully")
}
