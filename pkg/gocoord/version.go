package gocoord

import (
	"context"
	"time"
)

// Default retry pacing for compare-and-swap conflicts. Short and bounded:
// counter bumps contend briefly, and anything longer should fail loudly.
const (
	versionRetryBase = 10 * time.Millisecond
	versionRetryMax  = 1 * time.Second
)

// VersionManager applies lock-free updates to user rows using
// compare-and-swap on the version column. Writers that lose a race
// re-read and retry up to a bound; they are never silently dropped.
type VersionManager struct {
	store   Store
	logger  Logger
	metrics Metrics
}

// NewVersionManager creates a version manager backed by the given store.
func NewVersionManager(store Store, cfg Config) (*VersionManager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	cfg = cfg.withDefaults()
	return &VersionManager{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// UpdateWithRetry reads the user, applies mutator to a copy, and writes it
// back conditionally on the version it read. A conditional write that
// matches no row means another writer won the race; the update is re-read
// and retried up to maxRetries attempts. Exhaustion returns
// *OptimisticLockError carrying the id and attempt count.
//
// Mutator errors abort immediately and propagate unchanged, so business
// rejections (e.g. ErrQuotaExceeded) keep their identity.
func (m *VersionManager) UpdateWithRetry(ctx context.Context, id string, mutator func(*User) error, maxRetries int) (*User, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(Backoff(versionRetryBase, versionRetryMax, attempt-1)):
			}
		}

		current, err := m.store.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}

		updated := current.Clone()
		if err := mutator(updated); err != nil {
			return nil, err
		}
		updated.UpdatedAt = time.Now().UTC()

		ok, err := m.store.UpdateUserCAS(ctx, updated, current.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			updated.Version = current.Version + 1
			return updated, nil
		}

		m.metrics.RecordVersionConflict(id)
		m.logger.Debug("version conflict, retrying",
			Field{Key: "user_id", Value: id},
			Field{Key: "attempt", Value: attempt})
	}

	return nil, &OptimisticLockError{UserID: id, Attempts: maxRetries}
}

// IncrementSummaryUsage bumps the user's usage counter by 1, enforcing the
// limit inside the mutator so a stale read can never over-spend quota.
func (m *VersionManager) IncrementSummaryUsage(ctx context.Context, id string, maxRetries int) (*User, error) {
	return m.UpdateWithRetry(ctx, id, func(u *User) error {
		if u.SummariesUsed >= u.SummariesLimit {
			return ErrQuotaExceeded
		}
		u.SummariesUsed++
		return nil
	}, maxRetries)
}
