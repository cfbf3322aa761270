package gocoord

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when a metered operation would push usage
	// past the user's limit. It is a business outcome, not a system failure.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrLockUnavailable is returned by WithLock when acquisition failed
	// after all retries. Callers should surface a retry prompt, never
	// proceed unguarded.
	ErrLockUnavailable = errors.New("lock unavailable")

	// ErrUserNotFound is returned when no user row exists for an id.
	ErrUserNotFound = errors.New("user not found")

	// ErrJobNotFound is returned when no webhook job exists for an id.
	ErrJobNotFound = errors.New("webhook job not found")

	// ErrStoreUnavailable is returned when the durable store is missing
	// or misconfigured.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidTTL is returned for non-positive lock TTLs.
	ErrInvalidTTL = errors.New("invalid ttl")

	// ErrInvalidRetries is returned for negative retry counts.
	ErrInvalidRetries = errors.New("invalid retries")
)

// OptimisticLockError is returned when compare-and-swap retries are
// exhausted. It carries the contended user id and attempt count so the
// caller can surface a retryable conflict with diagnostics.
type OptimisticLockError struct {
	UserID   string
	Attempts int
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict for user %s after %d attempts", e.UserID, e.Attempts)
}

// IsConflict reports whether err is an exhausted optimistic lock conflict.
func IsConflict(err error) bool {
	var ole *OptimisticLockError
	return errors.As(err, &ole)
}
