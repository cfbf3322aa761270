package gocoord

import (
	"context"
	"time"
)

// Store defines the durable storage contract for the coordination layer.
// It is the only shared state between horizontally-scaled request handlers,
// so every mutating method must be atomic on its own: lock acquisition is
// insert-if-absent-or-expired, user updates are conditional on version, and
// the composite operations run inside a single storage transaction.
type Store interface {
	// AcquireLock atomically claims key for holder if no non-expired lock
	// row exists. Returns false (not an error) when another holder owns it.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the lock only when the row's holder matches.
	// Returns whether a row was actually deleted; releasing a lock you
	// don't hold is a no-op.
	ReleaseLock(ctx context.Context, key, holder string) (bool, error)

	// ExtendLock pushes the expiry forward, only for the current holder.
	ExtendLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// GetLock returns the lock row for key, or nil when none exists.
	// Expired rows are returned as-is; callers decide what expiry means.
	GetLock(ctx context.Context, key string) (*Lock, error)

	// GetUser returns the user row or ErrUserNotFound.
	GetUser(ctx context.Context, id string) (*User, error)

	// CreateUser inserts a new user row at version 1.
	CreateUser(ctx context.Context, u *User) error

	// UpdateUserCAS writes u conditionally on expectedVersion, setting
	// version = expectedVersion + 1. Returns false when no row matched,
	// which signals a version conflict to retry.
	UpdateUserCAS(ctx context.Context, u *User, expectedVersion int64) (bool, error)

	// CreateSummaryMetered performs quota-check, usage increment (with
	// version bump), and summary insert in one transaction. Returns
	// ErrQuotaExceeded with zero writes when the user is at their limit.
	CreateSummaryMetered(ctx context.Context, userID string, s *Summary) (*User, error)

	// UpdateSubscription writes plan and limit together in one
	// transaction, bumping the version.
	UpdateSubscription(ctx context.Context, userID, plan string, limit int) (*User, error)

	// UpsertUserByAuthID inserts or merges a user keyed on external
	// identity, and records the signup event exactly once per AuthID.
	// Merging follows MergeUserFields: empty incoming fields never blank
	// existing values. Safe to call concurrently for the same identity.
	UpsertUserByAuthID(ctx context.Context, incoming *User) (*User, error)

	// GetSignupEvent returns the audit event for an external identity,
	// or nil when none was recorded.
	GetSignupEvent(ctx context.Context, authID string) (*SignupEvent, error)

	// InsertJob inserts a pending webhook job. Returns false when a job
	// with the same id already exists (idempotent de-dup, not an error).
	InsertJob(ctx context.Context, job *WebhookJob) (bool, error)

	// ClaimDueJobs atomically transitions up to limit due pending jobs
	// (next_attempt_at <= now) to processing and returns them. Two
	// concurrent drains never claim the same job.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*WebhookJob, error)

	// MarkJobDone transitions a job to its terminal done state.
	MarkJobDone(ctx context.Context, id string) error

	// MarkJobRetry returns a job to pending with the new attempt count,
	// backoff deadline, and last error.
	MarkJobRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) error

	// MarkJobFailed transitions a job to its terminal failed state.
	MarkJobFailed(ctx context.Context, id string, attempts int, lastErr string) error

	// RequeueJob resets a failed job to pending for operator replay.
	RequeueJob(ctx context.Context, id string) error

	// GetJob returns a job by id or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*WebhookJob, error)

	// JobStats returns job counts by status.
	JobStats(ctx context.Context) (QueueStats, error)

	// PurgeDoneJobs deletes done jobs older than the cutoff, returning
	// the number removed.
	PurgeDoneJobs(ctx context.Context, olderThan time.Time) (int, error)
}
