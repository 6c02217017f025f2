package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/ndr-engine/internal/bootstrap"
	"github.com/kursadbilgin/ndr-engine/internal/config"
	"github.com/kursadbilgin/ndr-engine/internal/normalizer"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/policy"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/schema"
	"github.com/kursadbilgin/ndr-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "ndr-worker")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.UsesMemoryStore() {
		logger.Warn("memory store is not shared with the api process; worker state is local")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ndr worker stopped with error", zap.Error(err))
	}
	logger.Info("ndr worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	defer store.Close() //nolint:errcheck

	rdb, err := bootstrap.ConnectRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Worker metrics are registered but not served; the api exposes /metrics.
	metrics := observability.NewMetrics()

	client, err := bootstrap.NewCarrierClient(cfg, rdb, metrics, logger)
	if err != nil {
		return fmt.Errorf("carrier client initialization failed: %w", err)
	}

	rmq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, queue.Topology{
		TrackingQueue: cfg.TrackingQueue,
		EventsQueue:   cfg.EventsQueue,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer rmq.Close()

	publisher := queue.NewRabbitMQPublisher(rmq)
	defer publisher.Close()

	ndrs, err := service.NewNDRService(store.Repo, normalizer.NewDefault(), client, publisher, metrics, service.NDRServiceOptions{
		UpdateMaxRetries: cfg.UpdateMaxRetries,
	}, logger)
	if err != nil {
		return err
	}

	dispatcher, err := service.NewDispatcher(store.Repo, policy.NewDefaultEngine(), client, publisher, metrics, service.DispatcherOptions{
		BulkConcurrency:  cfg.BulkConcurrency,
		BulkTimeout:      cfg.BulkTimeout,
		MaxBulkSize:      cfg.MaxBulkSize,
		BatchEnabled:     cfg.CarrierBulkEnabled,
		UpdateMaxRetries: cfg.UpdateMaxRetries,
	}, logger)
	if err != nil {
		return err
	}

	validator, err := schema.NewTrackingValidator()
	if err != nil {
		return err
	}

	consumer := queue.NewRabbitMQConsumer(rmq, cfg.WorkerPrefetch, logger)
	worker, err := service.NewTrackingWorker(consumer, validator, ndrs, cfg.TrackingQueue, cfg.WorkerPrefetch, logger)
	if err != nil {
		return err
	}

	reconciler, err := service.NewReconciler(store.Repo, client, dispatcher, cfg.ReconcileInterval, cfg.ReconcileBatchSize, logger)
	if err != nil {
		return err
	}

	logger.Info("ndr worker started",
		zap.String("tracking_queue", cfg.TrackingQueue),
		zap.Int("prefetch", cfg.WorkerPrefetch),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(gctx) })
	g.Go(func() error { return reconciler.Start(gctx) })

	return g.Wait()
}
