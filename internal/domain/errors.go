package domain

import "errors"

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrPolicyViolation = errors.New("policy violation")
	ErrConflict        = errors.New("conflict")
	ErrExternalService = errors.New("external service error")
)

// Code returns a stable machine-readable label for the sentinel err wraps.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrExternalService):
		return "external_service_error"
	default:
		return "internal_error"
	}
}
