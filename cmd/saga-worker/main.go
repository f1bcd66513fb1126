package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/calderapay/fraudflow-backend/internal/consumers/lifecycle"
	"github.com/calderapay/fraudflow-backend/internal/saga"
	"github.com/calderapay/fraudflow-backend/internal/timeline"
	"github.com/calderapay/fraudflow-backend/pkg/config"
	"github.com/calderapay/fraudflow-backend/pkg/db"
	"github.com/calderapay/fraudflow-backend/pkg/logger"
	"github.com/calderapay/fraudflow-backend/pkg/metrics"
	"github.com/calderapay/fraudflow-backend/pkg/migrate"
	"github.com/calderapay/fraudflow-backend/pkg/ops"
	"github.com/calderapay/fraudflow-backend/pkg/outbox"
	"github.com/calderapay/fraudflow-backend/pkg/pubsub"
	"github.com/calderapay/fraudflow-backend/pkg/redis"
	"github.com/calderapay/fraudflow-backend/pkg/timeout"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "saga-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "saga-worker"

	logg = logger.New(logger.Options{
		ServiceName: "saga-worker",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis client", err)
		}
	}()

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

	redisOpt, err := timeout.RedisOpt(cfg.Redis)
	if err != nil {
		logg.Error(context.Background(), "failed to derive asynq redis options", err)
		os.Exit(1)
	}
	scheduler, err := timeout.New(redisOpt, cfg.Saga.TimeoutQueue, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build timeout scheduler", err)
		os.Exit(1)
	}

	registryMetrics := prometheus.NewRegistry()
	sagaMetrics := metrics.NewSagaMetrics(registryMetrics)

	sagaService, err := saga.NewService(saga.ServiceParams{
		DB:        dbClient,
		Repo:      saga.NewRepository(dbClient.DB()),
		Outbox:    outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
		Scheduler: scheduler,
		Timeline:  timeline.NewWriter(),
		Rules:     saga.NewRules(cfg.Saga.FraudCheckTimeout, cfg.Saga.MaxRetry),
		Metrics:   sagaMetrics,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create saga service", err)
		os.Exit(1)
	}

	transactionsConsumer, err := lifecycle.NewConsumer(pubsubClient.TransactionsSubscription(), sagaService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create transactions consumer", err)
		os.Exit(1)
	}
	fraudResultsConsumer, err := lifecycle.NewConsumer(pubsubClient.FraudResultsSubscription(), sagaService, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create fraud results consumer", err)
		os.Exit(1)
	}

	timeoutServer := timeout.NewServer(redisOpt, cfg.Saga.TimeoutQueue, 0)
	timeoutMux := newTimeoutMux(sagaService, logg)

	opsServer := ops.NewServer(cfg.Ops.Port, registryMetrics, map[string]ops.Pinger{
		"database": dbClient,
		"redis":    redisClient,
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
		"serviceKind": "saga-worker",
	})
	logg.Info(ctx, "starting saga worker")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	record := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
		stop()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		record(transactionsConsumer.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		record(fraudResultsConsumer.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		if err := timeoutServer.Start(timeoutMux); err != nil {
			record(err)
			return
		}
		<-ctx.Done()
		timeoutServer.Shutdown()
	}()

	wg.Wait()

	if errs != nil {
		logg.Error(ctx, "saga worker stopped unexpectedly", errs)
		os.Exit(1)
	}
	logg.Info(ctx, "saga worker shutting down gracefully")
}
