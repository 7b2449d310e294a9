package access

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means no durable store is wired. Trial checks fail
	// open on it; payment writes never do.
	ErrNotConfigured     = errors.New("entitlement store is not configured")
	ErrTrialExhausted    = errors.New("trial exhausted")
	ErrReconcileConflict = errors.New("concurrent reconciliation in progress; retry")
	ErrDuplicateIdentity = errors.New("identity key already has a grant")
	ErrOrderNotFound     = errors.New("order not found")
	ErrGrantNotFound     = errors.New("grant not found")
	ErrLocked            = errors.New("lock is held by another owner")
)

// ValidationError rejects input before the store is touched.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

func invalid(field, detail string) error {
	return &ValidationError{Field: field, Detail: detail}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
