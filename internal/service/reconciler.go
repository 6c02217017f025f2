package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval = time.Minute
	defaultReconcileLimit    = 50
)

// Reconciler periodically asks the carrier for the outcome of actions still
// pending. Each scan reads one page of correlation ids after the previous
// scan's last id and wraps around at the end, so ids that stay PENDING or keep
// failing do not hold back the rest.
type Reconciler struct {
	repo       repository.NDRRepository
	carrier    carrier.Client
	dispatcher *Dispatcher
	logger     *zap.Logger
	interval   time.Duration
	limit      int
	cursor     string
}

func NewReconciler(
	repo repository.NDRRepository,
	client carrier.Client,
	dispatcher *Dispatcher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Reconciler, error) {
	if repo == nil {
		return nil, fmt.Errorf("ndr repository is required")
	}
	if client == nil {
		return nil, fmt.Errorf("carrier client is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		repo:       repo,
		carrier:    client,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		limit:      limit,
	}, nil
}

func (r *Reconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.scanPending(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconciler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.scanPending(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconciler scan failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) scanPending(ctx context.Context) error {
	correlationIDs, err := r.nextPage(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending correlations: %w", err)
	}

	for _, correlationID := range correlationIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		status, err := r.carrier.GetNDRStatus(ctx, correlationID)
		if err != nil {
			r.logger.Error("failed to fetch carrier ndr status",
				zap.String("requestId", correlationID),
				zap.Error(err),
			)
			continue
		}

		external := strings.ToUpper(strings.TrimSpace(status.Status))
		if external == "" || external == domain.ExternalStatusPending {
			continue
		}

		if _, err := r.dispatcher.Reconcile(ctx, correlationID, external, status.Waybills); err != nil {
			r.logger.Error("failed to reconcile ndr action",
				zap.String("requestId", correlationID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// nextPage advances the scan cursor. A short page means the end of the id
// space was reached, so the following scan starts over.
func (r *Reconciler) nextPage(ctx context.Context) ([]string, error) {
	ids, err := r.repo.ListPendingCorrelations(ctx, r.cursor, r.limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 && r.cursor != "" {
		r.cursor = ""
		if ids, err = r.repo.ListPendingCorrelations(ctx, "", r.limit); err != nil {
			return nil, err
		}
	}

	if len(ids) < r.limit {
		r.cursor = ""
	} else {
		r.cursor = ids[len(ids)-1]
	}
	return ids, nil
}
