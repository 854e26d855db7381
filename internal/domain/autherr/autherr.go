// Package autherr defines the error kinds the credential core reports to its
// callers. Services translate storage and crypto failures into these sentinels
// at the boundary so no driver-level detail leaks out.
package autherr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized covers every bad, missing, expired or revoked credential.
	// The cause is deliberately not distinguished to the caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTooManyRequests means the credential itself is valid but its quota is
	// exhausted. This is the one case a caller must be able to tell apart from
	// ErrUnauthorized, so it can back off instead of re-authenticating.
	ErrTooManyRequests = errors.New("too many requests")

	// ErrNotFound is an owner-scoped lookup on a resource that does not exist
	// for that owner.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a uniqueness violation, e.g. duplicate registration.
	ErrConflict = errors.New("conflict")

	// ErrValidation is malformed caller input.
	ErrValidation = errors.New("validation error")

	// ErrInternal covers store failures, crypto and integrity failures,
	// signing failures and exhausted retry budgets.
	ErrInternal = errors.New("internal error")
)

// Validationf wraps ErrValidation with a field-level message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
