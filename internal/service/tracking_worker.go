package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// TrackingDecoder validates and decodes a raw tracking payload.
type TrackingDecoder interface {
	Decode(raw []byte) (*carrier.TrackingEvent, error)
}

// Ingester is the ingestion side of NDRService.
type Ingester interface {
	Ingest(ctx context.Context, ev carrier.TrackingEvent) (*IngestResult, error)
}

// TrackingWorker consumes carrier tracking events from the broker. Messages
// are acknowledged only after ingestion committed.
type TrackingWorker struct {
	consumer    queue.Consumer
	decoder     TrackingDecoder
	ingester    Ingester
	queueName   string
	concurrency int
	logger      *zap.Logger
}

func NewTrackingWorker(
	consumer queue.Consumer,
	decoder TrackingDecoder,
	ingester Ingester,
	queueName string,
	concurrency int,
	logger *zap.Logger,
) (*TrackingWorker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if decoder == nil {
		return nil, fmt.Errorf("tracking decoder is required")
	}
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}
	if queueName == "" {
		queueName = queue.DefaultTopology().TrackingQueue
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TrackingWorker{
		consumer:    consumer,
		decoder:     decoder,
		ingester:    ingester,
		queueName:   queueName,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start runs the consumers until ctx is cancelled or one of them fails.
func (w *TrackingWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("tracking worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", w.queueName),
			)

			if err := w.consumer.Consume(groupCtx, w.queueName, w.processMessage); err != nil {
				w.logger.Error("tracking worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", w.queueName),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("tracking worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *TrackingWorker) processMessage(ctx context.Context, d queue.Delivery) error {
	ev, err := w.decoder.Decode(d.Body)
	if err != nil {
		w.logger.Warn("rejecting malformed tracking event",
			zap.String("messageId", d.MessageID),
			zap.Error(err),
		)
		return err
	}

	if _, err := w.ingester.Ingest(ctx, *ev); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		w.logger.Error("failed to ingest tracking event",
			zap.String("messageId", d.MessageID),
			zap.String("waybill", ev.Waybill),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		return err
	}
	return nil
}
