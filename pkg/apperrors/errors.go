// Package apperrors defines the typed error taxonomy returned by the
// governance engine. All of these are expected outcomes that callers must
// handle; anything else is internal and is surfaced as ErrUnavailable.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no valid session or token is presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned for allow-list and permission failures.
	ErrForbidden = errors.New("forbidden")
	// ErrSessionRevoked is returned when a request carries a revoked session.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrConflict is returned when an optimistic lock, claim, or approval race is lost.
	ErrConflict = errors.New("conflict")
	// ErrExpired is returned when an approval request is past its deadline.
	ErrExpired = errors.New("expired")
	// ErrValidation is returned for missing/short reasons and malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited is returned when a principal exhausts its request budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("service unavailable")
	// ErrNotFound is returned when the target row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLastSuperAdmin is returned when removing the final super_admin assignment.
	ErrLastSuperAdmin = fmt.Errorf("%w: cannot remove last super_admin", ErrValidation)
)

// InsufficientPermissionError reports which permission a denied caller lacked.
type InsufficientPermissionError struct {
	Permission string
}

func (e *InsufficientPermissionError) Error() string {
	return fmt.Sprintf("insufficient permission: %s", e.Permission)
}

// Unwrap makes the error match ErrForbidden in errors.Is checks.
func (e *InsufficientPermissionError) Unwrap() error {
	return ErrForbidden
}
