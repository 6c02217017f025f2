package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/policy"
	"github.com/kursadbilgin/ndr-engine/internal/queue"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBulkConcurrency = 5
	defaultBulkTimeout     = 2 * time.Minute
	defaultMaxBulkSize     = 500
)

type DispatcherOptions struct {
	BulkConcurrency  int
	BulkTimeout      time.Duration
	MaxBulkSize      int
	BatchEnabled     bool
	UpdateMaxRetries int
}

type DispatchResult struct {
	CorrelationID string
	NDR           *domain.NDR
}

// BulkOutcome is the result for one requested id; Error and Code are set on failure.
type BulkOutcome struct {
	ID            string `json:"id"`
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error,omitempty"`
	Code          string `json:"code,omitempty"`
}

// Dispatcher authorizes remediation actions, sends them to the carrier and
// records the accepted ones on the NDR.
type Dispatcher struct {
	repo    repository.NDRRepository
	policy  *policy.Engine
	carrier carrier.Client
	writer  *aggregateWriter
	metrics *observability.Metrics
	logger  *zap.Logger

	bulkConcurrency int
	bulkTimeout     time.Duration
	maxBulkSize     int
	batchEnabled    bool
}

func NewDispatcher(
	repo repository.NDRRepository,
	engine *policy.Engine,
	client carrier.Client,
	publisher queue.Publisher,
	metrics *observability.Metrics,
	opts DispatcherOptions,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, fmt.Errorf("ndr repository is required")
	}
	if client == nil {
		return nil, fmt.Errorf("carrier client is required")
	}
	if engine == nil {
		engine = policy.NewDefaultEngine()
	}
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = defaultBulkConcurrency
	}
	if opts.BulkTimeout <= 0 {
		opts.BulkTimeout = defaultBulkTimeout
	}
	if opts.MaxBulkSize <= 0 {
		opts.MaxBulkSize = defaultMaxBulkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		repo:            repo,
		policy:          engine,
		carrier:         client,
		writer:          newAggregateWriter(repo, publisher, metrics, opts.UpdateMaxRetries, logger),
		metrics:         metrics,
		logger:          logger,
		bulkConcurrency: opts.BulkConcurrency,
		bulkTimeout:     opts.BulkTimeout,
		maxBulkSize:     opts.MaxBulkSize,
		batchEnabled:    opts.BatchEnabled,
	}, nil
}

// Dispatch sends one remediation action for waybill. Nothing is persisted
// unless the carrier accepted the request.
func (d *Dispatcher) Dispatch(ctx context.Context, waybill string, action domain.Action, reason string) (*DispatchResult, error) {
	waybill, err := requireWaybill(waybill)
	if err != nil {
		return nil, err
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: invalid action %q", domain.ErrValidation, action)
	}

	n, err := d.repo.GetByWaybill(ctx, waybill)
	if err != nil {
		return nil, err
	}
	return d.dispatchLoaded(ctx, n, action, strings.TrimSpace(reason))
}

// InitiateRTO asks the carrier to return the shipment to origin.
func (d *Dispatcher) InitiateRTO(ctx context.Context, waybill, reason string) (*DispatchResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: rto reason is required", domain.ErrValidation)
	}
	return d.Dispatch(ctx, waybill, domain.ActionRTO, reason)
}

func (d *Dispatcher) dispatchLoaded(ctx context.Context, n *domain.NDR, action domain.Action, reason string) (*DispatchResult, error) {
	if err := d.precheck(n, action, reason); err != nil {
		return nil, err
	}

	result, err := d.carrier.TakeNDRAction(ctx, n.Waybill, action, reason)
	if err != nil {
		return nil, fmt.Errorf("%w: %s for %s: %w", domain.ErrExternalService, action, n.Waybill, err)
	}

	updated, err := d.record(ctx, n.ID, action, reason, result.RequestID)
	if err != nil {
		return nil, err
	}

	observability.WithContextLogger(d.logger, ctx).Info("ndr action dispatched",
		zap.String("ndrId", updated.ID),
		zap.String("waybill", updated.Waybill),
		zap.String("action", action.String()),
		zap.String("requestId", result.RequestID),
	)

	return &DispatchResult{CorrelationID: result.RequestID, NDR: updated}, nil
}

// precheck runs the policy and the state machine without touching the NDR.
func (d *Dispatcher) precheck(n *domain.NDR, action domain.Action, reason string) error {
	decision := d.policy.Authorize(action, n.ReasonCode, n.AttemptCount)
	if !decision.Allowed {
		d.metrics.IncPolicyDenied(action.String())
		d.logger.Info("ndr action denied by policy",
			zap.String("waybill", n.Waybill),
			zap.String("action", action.String()),
			zap.String("reasonCode", n.ReasonCode),
			zap.Int("attemptCount", n.AttemptCount),
			zap.String("reason", decision.Reason),
		)
		return decision.Err()
	}

	if _, err := domain.Transition(n.Status, remediationEvent(action, reason, "")); err != nil {
		return err
	}
	return nil
}

func remediationEvent(action domain.Action, reason, correlationID string) domain.Event {
	return domain.Event{
		Type:           domain.EventRemediation,
		Action:         action,
		Remarks:        reason,
		CorrelationID:  correlationID,
		ExternalStatus: domain.ExternalStatusPending,
	}
}

// record applies an action the carrier already accepted. If the NDR moved on
// while the call was in flight the request is kept as a note so its
// correlation id can still be reconciled.
func (d *Dispatcher) record(ctx context.Context, ndrID string, action domain.Action, reason, correlationID string) (*domain.NDR, error) {
	n, _, err := d.writer.mutate(ctx, byID(d.repo, ndrID), func(n *domain.NDR, now time.Time) error {
		ev := remediationEvent(action, reason, correlationID)
		if _, err := n.Apply(ev, now); err != nil {
			observability.WithContextLogger(d.logger, ctx).Warn("carrier accepted action the ndr no longer allows",
				zap.String("ndrId", n.ID),
				zap.String("action", action.String()),
				zap.String("status", n.Status.String()),
				zap.Error(err),
			)

			ev.Type = domain.EventNote
			ev.Remarks = fmt.Sprintf("%s accepted by carrier but not applied: %v", action, err)
			_, err = n.Apply(ev, now)
			return err
		}

		n.SetResolution(domain.ResolutionFor(action))
		if action.IsReattemptClass() {
			n.ScheduleNextAttempt(now)
		}
		if action == domain.ActionRTO {
			markRTO(n, domain.StatusRTOInitiated.String(), reason, now)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", action, err)
	}
	return n, nil
}

// DispatchBulk returns exactly one outcome per id, in input order. Item
// failures never fail the call.
func (d *Dispatcher) DispatchBulk(ctx context.Context, ids []string, action domain.Action, reason string) ([]BulkOutcome, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: invalid action %q", domain.ErrValidation, action)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one id is required", domain.ErrValidation)
	}
	if len(ids) > d.maxBulkSize {
		return nil, fmt.Errorf("%w: bulk size %d exceeds the maximum of %d", domain.ErrValidation, len(ids), d.maxBulkSize)
	}
	reason = strings.TrimSpace(reason)
	if action == domain.ActionRTO && reason == "" {
		return nil, fmt.Errorf("%w: rto reason is required", domain.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, d.bulkTimeout)
	defer cancel()

	outcomes := make([]BulkOutcome, len(ids))
	seen := make(map[string]int, len(ids))
	pending := make([]int, 0, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		outcomes[i].ID = id
		if id == "" {
			outcomes[i] = failure(id, fmt.Errorf("%w: id is required", domain.ErrValidation))
			continue
		}
		if first, ok := seen[id]; ok {
			outcomes[i] = failure(id, fmt.Errorf("%w: duplicate of item %d", domain.ErrValidation, first))
			continue
		}
		seen[id] = i
		pending = append(pending, i)
	}

	loaded := d.resolveAll(ctx, outcomes, pending)
	pending = dedupeResolved(outcomes, pending, loaded)

	if d.batchEnabled {
		d.dispatchBatch(ctx, outcomes, pending, loaded, action, reason)
	} else {
		d.dispatchEach(ctx, outcomes, pending, loaded, action, reason)
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
			d.metrics.IncBulkItem(action.String(), "success")
		} else {
			d.metrics.IncBulkItem(action.String(), o.Code)
		}
	}

	observability.WithContextLogger(d.logger, ctx).Info("bulk ndr action completed",
		zap.String("action", action.String()),
		zap.Int("requested", len(ids)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(ids)-succeeded),
		zap.Bool("batch", d.batchEnabled),
	)

	return outcomes, nil
}

// resolveAll loads every pending item on a bounded pool. Items that fail to
// resolve get their outcome set and a nil slot.
func (d *Dispatcher) resolveAll(ctx context.Context, outcomes []BulkOutcome, pending []int) []*domain.NDR {
	loaded := make([]*domain.NDR, len(outcomes))

	g := new(errgroup.Group)
	g.SetLimit(d.bulkConcurrency)
	for _, i := range pending {
		g.Go(func() error {
			id := outcomes[i].ID
			if err := ctx.Err(); err != nil {
				outcomes[i] = failure(id, fmt.Errorf("%w: bulk timeout: %w", domain.ErrExternalService, err))
				return nil
			}
			n, err := d.resolve(ctx, id)
			if err != nil {
				outcomes[i] = failure(id, err)
				return nil
			}
			loaded[i] = n
			return nil
		})
	}
	_ = g.Wait()

	return loaded
}

// dedupeResolved keeps the first item per NDR. An NDR id and its waybill name
// the same aggregate, so the later one fails as a duplicate.
func dedupeResolved(outcomes []BulkOutcome, pending []int, loaded []*domain.NDR) []int {
	first := make(map[string]int, len(pending))
	kept := make([]int, 0, len(pending))
	for _, i := range pending {
		n := loaded[i]
		if n == nil {
			continue
		}
		if j, ok := first[n.ID]; ok {
			outcomes[i] = failure(outcomes[i].ID, fmt.Errorf("%w: duplicate of item %d", domain.ErrValidation, j))
			loaded[i] = nil
			continue
		}
		first[n.ID] = i
		kept = append(kept, i)
	}
	return kept
}

// dispatchEach sends one carrier call per item on a bounded pool.
func (d *Dispatcher) dispatchEach(ctx context.Context, outcomes []BulkOutcome, pending []int, loaded []*domain.NDR, action domain.Action, reason string) {
	g := new(errgroup.Group)
	g.SetLimit(d.bulkConcurrency)

	for _, i := range pending {
		g.Go(func() error {
			id := outcomes[i].ID
			if err := ctx.Err(); err != nil {
				outcomes[i] = failure(id, fmt.Errorf("%w: bulk timeout: %w", domain.ErrExternalService, err))
				return nil
			}

			result, err := d.dispatchLoaded(ctx, loaded[i], action, reason)
			if err != nil {
				outcomes[i] = failure(id, err)
				return nil
			}
			outcomes[i] = BulkOutcome{ID: id, Success: true, CorrelationID: result.CorrelationID}
			return nil
		})
	}

	_ = g.Wait()
}

// dispatchBatch authorizes every item, sends the eligible ones in a single
// carrier call and fans its request id out to them.
func (d *Dispatcher) dispatchBatch(ctx context.Context, outcomes []BulkOutcome, pending []int, loaded []*domain.NDR, action domain.Action, reason string) {
	eligible := make([]int, 0, len(pending))
	waybills := make([]string, 0, len(pending))
	for _, i := range pending {
		if err := d.precheck(loaded[i], action, reason); err != nil {
			outcomes[i] = failure(outcomes[i].ID, err)
			continue
		}
		eligible = append(eligible, i)
		waybills = append(waybills, loaded[i].Waybill)
	}
	if len(eligible) == 0 {
		return
	}

	result, err := d.carrier.BulkNDRAction(ctx, waybills, action)
	if err != nil {
		err = fmt.Errorf("%w: bulk %s: %w", domain.ErrExternalService, action, err)
		for _, i := range eligible {
			outcomes[i] = failure(outcomes[i].ID, err)
		}
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(d.bulkConcurrency)
	for _, i := range eligible {
		g.Go(func() error {
			if _, err := d.record(ctx, loaded[i].ID, action, reason, result.RequestID); err != nil {
				outcomes[i] = failure(outcomes[i].ID, err)
				return nil
			}
			outcomes[i] = BulkOutcome{ID: outcomes[i].ID, Success: true, CorrelationID: result.RequestID}
			return nil
		})
	}
	_ = g.Wait()
}

// resolve accepts either an NDR id or a waybill.
func (d *Dispatcher) resolve(ctx context.Context, id string) (*domain.NDR, error) {
	n, err := d.repo.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		n, err = d.repo.GetByWaybill(ctx, id)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: ndr %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return n, nil
}

// Reconcile stores an asynchronous carrier outcome on every history entry
// with the correlation id. Repeating it changes nothing.
func (d *Dispatcher) Reconcile(ctx context.Context, correlationID, status string, waybills []string) (int64, error) {
	correlationID = strings.TrimSpace(correlationID)
	status = strings.ToUpper(strings.TrimSpace(status))
	if correlationID == "" {
		return 0, fmt.Errorf("%w: correlation id is required", domain.ErrValidation)
	}
	if status == "" {
		return 0, fmt.Errorf("%w: status is required", domain.ErrValidation)
	}

	cleaned := make([]string, 0, len(waybills))
	for _, w := range waybills {
		if w = strings.TrimSpace(w); w != "" {
			cleaned = append(cleaned, w)
		}
	}

	changed, err := d.repo.UpdateExternalStatus(ctx, correlationID, cleaned, status)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile %s: %w", correlationID, err)
	}

	observability.WithContextLogger(d.logger, ctx).Info("ndr action reconciled",
		zap.String("requestId", correlationID),
		zap.String("externalStatus", status),
		zap.Int("waybills", len(cleaned)),
		zap.Int64("changed", changed),
	)
	return changed, nil
}

func failure(id string, err error) BulkOutcome {
	return BulkOutcome{ID: id, Error: err.Error(), Code: domain.Code(err)}
}
