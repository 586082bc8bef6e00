package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrValidation is returned for malformed or missing input, before any write.
	ErrValidation = errors.New("validation failed")

	// ErrTransientConflict marks a storage conflict that is safe to retry:
	// deadlocks, lock timeouts, serialization failures and duplicate-key races.
	ErrTransientConflict = errors.New("transient storage conflict")

	// ErrUserNotFound is returned when a uid has no stored user.
	ErrUserNotFound = errors.New("user not found")

	// ErrEventNotFound is returned when an event id has no stored event.
	ErrEventNotFound = errors.New("event not found")

	// ErrCountryNotFound is returned when a country lookup misses.
	ErrCountryNotFound = errors.New("country not found")
)

// Postgres SQLSTATE codes treated as transient.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqQueryCanceled        = "57014"
)

// validationError wraps msg so that errors.Is(err, ErrValidation) holds.
func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// IsValidation reports whether err was caused by invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTransient reports whether err is a storage conflict worth retrying.
// It is the classifier handed to retry.Do by Service.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientConflict) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation, pqSerializationFailure, pqDeadlockDetected,
			pqLockNotAvailable, pqQueryCanceled:
			return true
		}
	}
	return false
}
