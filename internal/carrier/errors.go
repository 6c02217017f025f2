package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

// CarrierError is a failed call to the carrier's tracking or NDR action API.
// Transient failures (timeouts, 429 and 5xx) are retried by RetryingClient.
// Rejections, where the carrier answered but refused the action, never are.
type CarrierError struct {
	Operation  string
	StatusCode int
	Message    string
	Transient  bool
	Rejected   bool
	Cause      error
}

func (e *CarrierError) Error() string {
	if e == nil {
		return "<nil>"
	}

	prefix := "carrier"
	if e.Operation != "" {
		prefix = "carrier " + e.Operation
	}

	parts := make([]string, 0, 4)
	parts = append(parts, prefix)
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *CarrierError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is makes every carrier failure match domain.ErrExternalService.
func (e *CarrierError) Is(target error) bool {
	return target == domain.ErrExternalService
}

// RateLimited reports whether the carrier throttled the call.
func (e *CarrierError) RateLimited() bool {
	return e != nil && e.StatusCode == http.StatusTooManyRequests
}

func requestFailed(op string, err error) *CarrierError {
	return &CarrierError{
		Operation: op,
		Message:   "request failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

func unexpectedStatus(op string, statusCode int, body string) *CarrierError {
	msg := fmt.Sprintf("unexpected status %d", statusCode)
	if body = strings.TrimSpace(body); body != "" {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}
	return &CarrierError{
		Operation:  op,
		StatusCode: statusCode,
		Message:    msg,
		Transient:  statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError,
	}
}

func rejected(op, msg string) *CarrierError {
	if msg = strings.TrimSpace(msg); msg == "" {
		msg = "carrier rejected the request"
	}
	return &CarrierError{Operation: op, Message: msg, Rejected: true}
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var carrierErr *CarrierError
	if errors.As(err, &carrierErr) {
		return carrierErr.Transient && !carrierErr.Rejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
