package gocoord

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes a webhook job's payload. It must be idempotent:
// the queue guarantees at-least-once delivery, never exactly-once.
type HandlerFunc func(ctx context.Context, payload []byte) error

// QueueConfig holds webhook queue configuration.
type QueueConfig struct {
	// DefaultMaxAttempts applies when Enqueue is not given an override
	// (default: 5).
	DefaultMaxAttempts int

	// BatchSize bounds how many due jobs one Drain call claims (default: 10).
	BatchSize int

	// Concurrency bounds parallel handler invocations per batch (default: 4).
	Concurrency int

	// BackoffBase and BackoffMax parameterize the retry schedule: the
	// delay before attempt n is Backoff(BackoffBase, BackoffMax, n)
	// (defaults: 30s base, 1h cap).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking job outcomes (default: NoopMetrics).
	Metrics Metrics
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.DefaultMaxAttempts == 0 {
		c.DefaultMaxAttempts = 5
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = time.Hour
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

// WebhookQueue is a durable at-least-once delivery queue for inbound
// provider events. Jobs are keyed on the provider's event id, so
// redelivered events collapse into one job; failed handlers retry with
// exponential backoff until MaxAttempts, then park in the terminal
// failed state for operator replay.
type WebhookQueue struct {
	store  Store
	config QueueConfig

	// now is overridable in tests.
	now func() time.Time
}

// NewWebhookQueue creates a queue backed by the given store.
func NewWebhookQueue(store Store, cfg QueueConfig) (*WebhookQueue, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	return &WebhookQueue{
		store:  store,
		config: cfg.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnqueueOption tunes a single enqueue.
type EnqueueOption func(*WebhookJob)

// WithMaxAttempts overrides the job's attempt budget, fixed at enqueue time.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *WebhookJob) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// Enqueue inserts a pending job due immediately. Enqueueing an id that
// already exists is a no-op: duplicate provider deliveries are expected
// and collapse to the first job.
func (q *WebhookQueue) Enqueue(ctx context.Context, id string, payload []byte, opts ...EnqueueOption) error {
	now := q.now()
	job := &WebhookJob{
		ID:            id,
		Payload:       payload,
		Attempts:      0,
		MaxAttempts:   q.config.DefaultMaxAttempts,
		Status:        JobStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, opt := range opts {
		opt(job)
	}

	inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return err
	}
	if !inserted {
		q.config.Metrics.RecordWebhookJob("duplicate")
		q.config.Logger.Debug("duplicate webhook delivery ignored",
			Field{Key: "job_id", Value: id})
		return nil
	}

	q.config.Metrics.RecordWebhookJob("enqueued")
	return nil
}

// Drain claims one batch of due pending jobs and runs handler over them
// with bounded concurrency, returning how many jobs were processed. The
// handler runs without any row lock held; the processing status alone
// guards against double pickup. Handler panics are not recovered — a
// crashed worker's jobs stay processing and need operator attention.
func (q *WebhookQueue) Drain(ctx context.Context, handler HandlerFunc) (int, error) {
	jobs, err := q.store.ClaimDueJobs(ctx, q.now(), q.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.config.Concurrency)

	for _, job := range jobs {
		job := job
		g.Go(func() error {
			q.settle(gctx, job, handler(gctx, job.Payload))
			return nil
		})
	}

	// Workers never return errors; settle records each outcome on the job.
	_ = g.Wait()
	return len(jobs), nil
}

// settle records a single handler outcome against the job row.
func (q *WebhookQueue) settle(ctx context.Context, job *WebhookJob, handlerErr error) {
	if handlerErr == nil {
		if err := q.store.MarkJobDone(ctx, job.ID); err != nil {
			q.config.Logger.Error("failed to mark job done",
				Field{Key: "job_id", Value: job.ID},
				Field{Key: "error", Value: err.Error()})
			return
		}
		q.config.Metrics.RecordWebhookJob("done")
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if err := q.store.MarkJobFailed(ctx, job.ID, attempts, handlerErr.Error()); err != nil {
			q.config.Logger.Error("failed to mark job failed",
				Field{Key: "job_id", Value: job.ID},
				Field{Key: "error", Value: err.Error()})
			return
		}
		q.config.Metrics.RecordWebhookJob("failed")
		q.config.Logger.Warn("webhook job exhausted attempts",
			Field{Key: "job_id", Value: job.ID},
			Field{Key: "attempts", Value: attempts},
			Field{Key: "last_error", Value: handlerErr.Error()})
		return
	}

	nextAt := q.now().Add(Backoff(q.config.BackoffBase, q.config.BackoffMax, attempts))
	if err := q.store.MarkJobRetry(ctx, job.ID, attempts, nextAt, handlerErr.Error()); err != nil {
		q.config.Logger.Error("failed to schedule job retry",
			Field{Key: "job_id", Value: job.ID},
			Field{Key: "error", Value: err.Error()})
		return
	}
	q.config.Metrics.RecordWebhookJob("retried")
	q.config.Logger.Debug("webhook job scheduled for retry",
		Field{Key: "job_id", Value: job.ID},
		Field{Key: "attempts", Value: attempts},
		Field{Key: "next_attempt_at", Value: nextAt})
}

// Stats returns job counts by status.
func (q *WebhookQueue) Stats(ctx context.Context) (QueueStats, error) {
	return q.store.JobStats(ctx)
}

// RequeueFailed resets a terminally failed job to pending so an operator
// can replay it after fixing the downstream cause.
func (q *WebhookQueue) RequeueFailed(ctx context.Context, id string) error {
	if err := q.store.RequeueJob(ctx, id); err != nil {
		return err
	}
	q.config.Metrics.RecordWebhookJob("requeued")
	return nil
}

// PurgeDone deletes done jobs older than the cutoff.
func (q *WebhookQueue) PurgeDone(ctx context.Context, olderThan time.Time) (int, error) {
	return q.store.PurgeDoneJobs(ctx, olderThan)
}
