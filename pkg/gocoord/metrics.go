package gocoord

import "time"

// Metrics defines the interface for tracking coordination operations.
type Metrics interface {
	// RecordLockAcquire records a lock acquisition attempt and its outcome.
	RecordLockAcquire(key string, success bool, attempts int)

	// RecordLockHeld records how long a lock was held under WithLock.
	RecordLockHeld(key string, duration time.Duration)

	// RecordVersionConflict records a compare-and-swap conflict for a user.
	RecordVersionConflict(userID string)

	// RecordQuotaDecision records the outcome of a metered creation
	// (allowed or denied).
	RecordQuotaDecision(userID string, allowed bool)

	// RecordWebhookJob records a job transition ("enqueued", "done",
	// "retried", "failed", "duplicate").
	RecordWebhookJob(outcome string)

	// RecordCacheHit records a cache hit for a key class ("user", "derived").
	RecordCacheHit(kind string)

	// RecordCacheMiss records a cache miss for a key class.
	RecordCacheMiss(kind string)

	// RecordStoreOperation records the duration and status of a storage operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordLockAcquire(key string, success bool, attempts int)             {}
func (n *NoopMetrics) RecordLockHeld(key string, duration time.Duration)                    {}
func (n *NoopMetrics) RecordVersionConflict(userID string)                                  {}
func (n *NoopMetrics) RecordQuotaDecision(userID string, allowed bool)                      {}
func (n *NoopMetrics) RecordWebhookJob(outcome string)                                      {}
func (n *NoopMetrics) RecordCacheHit(kind string)                                           {}
func (n *NoopMetrics) RecordCacheMiss(kind string)                                          {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
}
