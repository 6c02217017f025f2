package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/ndr-engine/internal/bootstrap"
	"github.com/kursadbilgin/ndr-engine/internal/config"
	"github.com/kursadbilgin/ndr-engine/internal/handler"
	"github.com/kursadbilgin/ndr-engine/internal/normalizer"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/policy"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/schema"
	"github.com/kursadbilgin/ndr-engine/internal/service"
	"github.com/kursadbilgin/ndr-engine/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "ndr-api")
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ndr api stopped with error", zap.Error(err))
	}
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

	stats, err := service.NewStatsService(store.Repo, logger)
	if err != nil {
		return err
	}

	validator, err := schema.NewTrackingValidator()
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:      "ndr-engine",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, store.Repo, rdb, rmq)
	if err := handler.RegisterNDRRoutes(app, ndrs, dispatcher, stats); err != nil {
		return err
	}
	if err := handler.RegisterWebhookRoutes(app, validator, ndrs); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("ndr api started",
			zap.Int("port", cfg.APIPort),
			zap.String("store", cfg.StoreBackend),
			zap.Bool("bulk_api", cfg.CarrierBulkEnabled),
		)
		listenErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case err := <-listenErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down ndr api")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
