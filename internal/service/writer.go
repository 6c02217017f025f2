package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultUpdateMaxRetries = 5

// errSkipWrite lets a mutation decide that nothing needs to be persisted.
var errSkipWrite = errors.New("skip write")

// aggregateWriter runs the read, transition, conditional write cycle shared
// by every command on an NDR.
type aggregateWriter struct {
	repo       repository.NDRRepository
	publisher  queue.Publisher
	metrics    *observability.Metrics
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
}

func newAggregateWriter(
	repo repository.NDRRepository,
	publisher queue.Publisher,
	metrics *observability.Metrics,
	maxRetries int,
	logger *zap.Logger,
) *aggregateWriter {
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	if maxRetries <= 0 {
		maxRetries = defaultUpdateMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &aggregateWriter{
		repo:       repo,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

type loadFunc func(ctx context.Context) (*domain.NDR, error)

func byWaybill(repo repository.NDRRepository, waybill string) loadFunc {
	return func(ctx context.Context) (*domain.NDR, error) {
		return repo.GetByWaybill(ctx, waybill)
	}
}

func byID(repo repository.NDRRepository, id string) loadFunc {
	return func(ctx context.Context) (*domain.NDR, error) {
		return repo.GetByID(ctx, id)
	}
}

// mutate reloads and reapplies fn on version conflicts, up to maxRetries.
// written is false when fn returned errSkipWrite.
func (w *aggregateWriter) mutate(
	ctx context.Context,
	load loadFunc,
	fn func(n *domain.NDR, now time.Time) error,
) (n *domain.NDR, written bool, err error) {
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		n, err = load(ctx)
		if err != nil {
			return nil, false, err
		}

		previous := n.Status
		if err := fn(n, w.now().UTC()); err != nil {
			if errors.Is(err, errSkipWrite) {
				return n, false, nil
			}
			return nil, false, err
		}

		err = w.repo.Update(ctx, n)
		if err == nil {
			w.afterCommit(ctx, n, previous)
			return n, true, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, false, fmt.Errorf("failed to update ndr: %w", err)
		}

		observability.WithContextLogger(w.logger, ctx).Debug("ndr version conflict, retrying",
			zap.String("ndrId", n.ID),
			zap.Int("attempt", attempt),
		)
	}

	return nil, false, fmt.Errorf("%w: ndr changed concurrently %d times", domain.ErrConflict, w.maxRetries)
}

// create inserts a fresh aggregate; created is false when another writer won.
func (w *aggregateWriter) create(ctx context.Context, n *domain.NDR) (bool, error) {
	created, err := w.repo.CreateIfAbsent(ctx, n)
	if err != nil {
		return false, fmt.Errorf("failed to create ndr: %w", err)
	}
	if !created {
		return false, nil
	}

	w.metrics.IncNDRCreated()
	w.publish(ctx, n, "")
	return true, nil
}

func (w *aggregateWriter) afterCommit(ctx context.Context, n *domain.NDR, previous domain.Status) {
	if previous == n.Status {
		return
	}
	w.metrics.IncTransition(previous.String(), n.Status.String())
	w.publish(ctx, n, previous)
}

// publish never fails the caller; the state change is already committed.
func (w *aggregateWriter) publish(ctx context.Context, n *domain.NDR, previous domain.Status) {
	msg := queue.NewNDRStatusMessage(n, previous)
	if err := w.publisher.PublishStatus(ctx, msg); err != nil {
		observability.WithContextLogger(w.logger, ctx).Error("failed to publish ndr status",
			zap.String("ndrId", n.ID),
			zap.String("waybill", n.Waybill),
			zap.String("status", n.Status.String()),
			zap.Error(err),
		)
	}
}
