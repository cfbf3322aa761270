package gocoord

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockManager provides named, time-bounded mutual exclusion on top of the
// durable lock table. Stateless handlers on different instances coordinate
// through it; there is no in-memory locking involved. A crashed holder's
// lock becomes acquirable once its TTL passes.
type LockManager struct {
	store   Store
	logger  Logger
	metrics Metrics
}

// NewLockManager creates a lock manager backed by the given store.
func NewLockManager(store Store, cfg Config) (*LockManager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	cfg = cfg.withDefaults()
	return &LockManager{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// AcquireOptions tunes a single acquisition attempt.
type AcquireOptions struct {
	// Retries is the number of additional attempts after the first.
	Retries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// Acquire attempts to claim key for ttl. On contention it retries up to
// opts.Retries times with opts.RetryDelay between attempts, then returns
// an empty holder with a nil error: contention is an expected outcome,
// not a failure. A non-empty holder token authorizes Release and Extend.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration, opts AcquireOptions) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	if opts.Retries < 0 {
		return "", ErrInvalidRetries
	}

	holder := uuid.NewString()

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 && opts.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}

		start := time.Now()
		ok, err := m.store.AcquireLock(ctx, key, holder, ttl)
		m.metrics.RecordStoreOperation("acquire_lock", time.Since(start), err)
		if err != nil {
			return "", err
		}
		if ok {
			m.metrics.RecordLockAcquire(key, true, attempt+1)
			m.logger.Debug("lock acquired",
				Field{Key: "key", Value: key},
				Field{Key: "attempts", Value: attempt + 1})
			return holder, nil
		}
	}

	m.metrics.RecordLockAcquire(key, false, opts.Retries+1)
	m.logger.Debug("lock contended", Field{Key: "key", Value: key})
	return "", nil
}

// Release deletes the lock only if holder still owns it. Returns whether
// a row was actually deleted; releasing a lock you don't hold (or one
// that expired and was taken over) is a no-op, not an error.
func (m *LockManager) Release(ctx context.Context, key, holder string) (bool, error) {
	if holder == "" {
		return false, nil
	}
	start := time.Now()
	ok, err := m.store.ReleaseLock(ctx, key, holder)
	m.metrics.RecordStoreOperation("release_lock", time.Since(start), err)
	return ok, err
}

// Extend pushes the lock's expiry forward for its current holder.
func (m *LockManager) Extend(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	if holder == "" {
		return false, nil
	}
	return m.store.ExtendLock(ctx, key, holder, ttl)
}

// IsLocked reports whether a non-expired lock currently exists for key.
// It is a point-in-time check with no locking side effect.
func (m *LockManager) IsLocked(ctx context.Context, key string) (bool, error) {
	lock, err := m.store.GetLock(ctx, key)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	return !lock.Expired(time.Now().UTC()), nil
}

// WithLockOptions tunes a WithLock call.
type WithLockOptions struct {
	TTL        time.Duration
	Retries    int
	RetryDelay time.Duration
}

// WithLock acquires key, runs fn, and releases the lock on every exit
// path, returning fn's error unchanged. If acquisition fails after all
// retries, it returns ErrLockUnavailable and fn is never invoked.
func (m *LockManager) WithLock(ctx context.Context, key string, opts WithLockOptions, fn func(ctx context.Context) error) error {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	holder, err := m.Acquire(ctx, key, ttl, AcquireOptions{
		Retries:    opts.Retries,
		RetryDelay: opts.RetryDelay,
	})
	if err != nil {
		return err
	}
	if holder == "" {
		return ErrLockUnavailable
	}

	start := time.Now()
	defer func() {
		m.metrics.RecordLockHeld(key, time.Since(start))
		// Release with a fresh context so a canceled caller still
		// frees the lock before TTL expiry.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, rerr := m.Release(releaseCtx, key, holder); rerr != nil {
			m.logger.Warn("lock release failed, will expire by ttl",
				Field{Key: "key", Value: key},
				Field{Key: "error", Value: rerr.Error()})
		}
	}()

	return fn(ctx)
}
