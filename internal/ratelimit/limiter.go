package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ScopeCarrier is the shared budget for every outbound carrier API call.
const ScopeCarrier = "carrier"

// RateLimiter throttles calls per scope within a fixed one-second window.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

var _ RateLimiter = (*LocalRateLimiter)(nil)

// LocalRateLimiter is a single-process token bucket per scope, refilled at
// limitPerSec with a burst of limitPerSec. It backs the memory store backend
// and tests.
type LocalRateLimiter struct {
	mu          sync.Mutex
	limitPerSec int
	buckets     map[string]*rate.Limiter
	now         func() time.Time
}

func NewLocalRateLimiter(limitPerSec int) *LocalRateLimiter {
	if limitPerSec <= 0 {
		limitPerSec = 10
	}
	return &LocalRateLimiter{
		limitPerSec: limitPerSec,
		buckets:     make(map[string]*rate.Limiter),
		now:         time.Now,
	}
}

func (l *LocalRateLimiter) bucket(scope string) (*rate.Limiter, error) {
	key := strings.ToLower(strings.TrimSpace(scope))
	if key == "" {
		return nil, fmt.Errorf("scope is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.limitPerSec), l.limitPerSec)
		l.buckets[key] = lim
	}
	return lim, nil
}

func (l *LocalRateLimiter) Allow(_ context.Context, scope string) (bool, error) {
	lim, err := l.bucket(scope)
	if err != nil {
		return false, err
	}
	return lim.AllowN(l.now(), 1), nil
}

func (l *LocalRateLimiter) Wait(ctx context.Context, scope string) error {
	lim, err := l.bucket(scope)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limit for %q cannot admit a call", scope)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(l.now())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
