package carrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts   = 3
	baseRetryDelay       = 500 * time.Millisecond
	maxRetryDelay        = 8 * time.Second
	maxRetryJitterMillis = 250
)

var _ Client = (*RetryingClient)(nil)

// RetryingClient wraps a Client with the shared rate limit, a per-call
// timeout and bounded exponential backoff on transient failures.
type RetryingClient struct {
	next        Client
	limiter     ratelimit.RateLimiter
	metrics     *observability.Metrics
	logger      *zap.Logger
	callTimeout time.Duration
	maxAttempts int
	randIntn    func(n int) int
	sleep       func(ctx context.Context, d time.Duration) error
}

type RetryOptions struct {
	CallTimeout time.Duration
	MaxAttempts int
}

func NewRetryingClient(
	next Client,
	limiter ratelimit.RateLimiter,
	opts RetryOptions,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *RetryingClient {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCarrierTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryingClient{
		next:        next,
		limiter:     limiter,
		metrics:     metrics,
		logger:      logger,
		callTimeout: opts.CallTimeout,
		maxAttempts: opts.MaxAttempts,
		randIntn:    rand.Intn,
		sleep:       sleepWithContext,
	}
}

func (c *RetryingClient) TrackShipment(ctx context.Context, waybill string) (*Tracking, error) {
	var out *Tracking
	err := c.do(ctx, opTrackShipment, func(callCtx context.Context) error {
		var err error
		out, err = c.next.TrackShipment(callCtx, waybill)
		return err
	})
	return out, err
}

func (c *RetryingClient) TakeNDRAction(ctx context.Context, waybill string, action domain.Action, reason string) (*ActionResult, error) {
	var out *ActionResult
	err := c.do(ctx, opTakeNDRAction, func(callCtx context.Context) error {
		var err error
		out, err = c.next.TakeNDRAction(callCtx, waybill, action, reason)
		return err
	})
	return out, err
}

func (c *RetryingClient) GetNDRStatus(ctx context.Context, correlationID string) (*NDRStatus, error) {
	var out *NDRStatus
	err := c.do(ctx, opGetNDRStatus, func(callCtx context.Context) error {
		var err error
		out, err = c.next.GetNDRStatus(callCtx, correlationID)
		return err
	})
	return out, err
}

func (c *RetryingClient) BulkNDRAction(ctx context.Context, waybills []string, action domain.Action) (*BulkResult, error) {
	var out *BulkResult
	err := c.do(ctx, opBulkNDRAction, func(callCtx context.Context) error {
		var err error
		out, err = c.next.BulkNDRAction(callCtx, waybills, action)
		return err
	})
	return out, err
}

func (c *RetryingClient) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, ratelimit.ScopeCarrier); err != nil {
				return &CarrierError{Operation: op, Message: "rate limiter wait failed", Cause: err}
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		lastErr = call(callCtx)
		cancel()

		outcome := "success"
		switch {
		case lastErr == nil:
		case IsTransient(lastErr):
			outcome = "transient_error"
		default:
			outcome = "permanent_error"
		}
		c.metrics.ObserveCarrierCall(op, outcome, time.Since(start))

		if lastErr == nil || !IsTransient(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.retryDelay(attempt)
		observability.WithContextLogger(c.logger, ctx).Warn("carrier call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

func (c *RetryingClient) retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if c.randIntn != nil {
		jitterMillis = c.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
