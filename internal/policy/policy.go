// Package policy decides which remediation actions a carrier reason code permits.
package policy

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

// Decision is the outcome of Authorize. Reason is set when Allowed is false.
type Decision struct {
	Allowed bool
	Reason  string
}

// Err converts a deny into a policy violation error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrPolicyViolation, d.Reason)
}

type Config struct {
	ReattemptCodes  []string
	RescheduleCodes []string
	MaxAttempts     int
}

// DefaultConfig returns the reason code allow-lists for NSL codes.
func DefaultConfig() Config {
	return Config{
		ReattemptCodes:  []string{"EOD-74", "EOD-15", "EOD-104", "EOD-43", "EOD-86", "EOD-11", "EOD-69", "EOD-6"},
		RescheduleCodes: []string{"EOD-777", "EOD-21"},
		MaxAttempts:     domain.MaxPolicyAttempts,
	}
}

type Engine struct {
	reattempt   map[string]struct{}
	reschedule  map[string]struct{}
	maxAttempts int
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.MaxPolicyAttempts
	}

	e := &Engine{
		reattempt:   toSet(cfg.ReattemptCodes),
		reschedule:  toSet(cfg.RescheduleCodes),
		maxAttempts: cfg.MaxAttempts,
	}

	for code := range e.reattempt {
		if _, ok := e.reschedule[code]; ok {
			return nil, fmt.Errorf("reason code %q is in both reattempt and reschedule lists", code)
		}
	}

	return e, nil
}

// NewDefaultEngine builds an engine from DefaultConfig.
func NewDefaultEngine() *Engine {
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return e
}

// Authorize is pure; it reads nothing but its arguments and the static lists.
func (e *Engine) Authorize(action domain.Action, reasonCode string, attemptCount int) Decision {
	if !action.IsValid() {
		return deny("unknown action %q", action)
	}
	if action == domain.ActionRTO {
		return Decision{Allowed: true}
	}

	if attemptCount > e.maxAttempts {
		return deny("attempt count %d exceeds the maximum of %d; initiate RTO instead", attemptCount, e.maxAttempts)
	}

	code := normalizeCode(reasonCode)
	switch action {
	case domain.ActionReattempt:
		if _, ok := e.reattempt[code]; !ok {
			return deny("reason code %q does not allow %s", reasonCode, action)
		}
	case domain.ActionPickupReschedule:
		if _, ok := e.reschedule[code]; !ok {
			return deny("reason code %q does not allow %s", reasonCode, action)
		}
	}

	return Decision{Allowed: true}
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

func toSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if c := normalizeCode(code); c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
