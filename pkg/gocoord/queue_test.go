package gocoord_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
	"github.com/mihaimyh/gocoord/storage/memory"
)

func newTestQueue(t *testing.T) (*gocoord.WebhookQueue, *memory.Store) {
	t.Helper()
	store := memory.New()
	queue, err := gocoord.NewWebhookQueue(store, gocoord.QueueConfig{})
	require.NoError(t, err)
	return queue, store
}

func TestWebhookQueue_Enqueue(t *testing.T) {
	queue, store := newTestQueue(t)
	ctx := context.Background()

	err := queue.Enqueue(ctx, "evt_123", []byte(`{"type":"customer.subscription.updated"}`))
	require.NoError(t, err)

	job, err := store.GetJob(ctx, "evt_123")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.False(t, job.NextAttemptAt.After(time.Now().UTC()), "new jobs are due immediately")
}

func TestWebhookQueue_EnqueueDuplicateIsNoop(t *testing.T) {
	queue, store := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "evt_123", []byte(`first`)))
	require.NoError(t, queue.Enqueue(ctx, "evt_123", []byte(`redelivery`)))

	job, err := store.GetJob(ctx, "evt_123")
	require.NoError(t, err)
	assert.Equal(t, []byte(`first`), job.Payload, "redelivery collapses into the first job")

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total())
}

func TestWebhookQueue_EnqueueWithMaxAttempts(t *testing.T) {
	queue, store := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "evt_1", []byte(`x`), gocoord.WithMaxAttempts(2)))

	job, err := store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.MaxAttempts)
}

func TestWebhookQueue_DrainSuccess(t *testing.T) {
	queue, store := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "evt_1", []byte(`a`)))
	require.NoError(t, queue.Enqueue(ctx, "evt_2", []byte(`b`)))

	var processed atomic.Int32
	n, err := queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), processed.Load())

	for _, id := range []string{"evt_1", "evt_2"} {
		job, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, gocoord.JobStatusDone, job.Status)
		assert.True(t, job.Terminal())
	}

	// Nothing left to claim.
	n, err = queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		t.Error("handler must not run on an empty queue")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhookQueue_FailureSchedulesRetryWithBackoff(t *testing.T) {
	store := memory.New()
	queue, err := gocoord.NewWebhookQueue(store, gocoord.QueueConfig{
		BackoffBase: 30 * time.Second,
		BackoffMax:  time.Hour,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "evt_1", []byte(`x`)))

	n, err := queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		return errors.New("downstream 503")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "downstream 503", job.LastError)

	// First retry waits the base delay; the job is not due yet.
	wait := time.Until(job.NextAttemptAt)
	assert.Greater(t, wait, 25*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)

	n, err = queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		t.Error("job must not be claimed before its deadline")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhookQueue_ExhaustionParksJobFailed(t *testing.T) {
	store := memory.New()
	queue, err := gocoord.NewWebhookQueue(store, gocoord.QueueConfig{
		DefaultMaxAttempts: 3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "evt_1", []byte(`x`)))

	handlerErr := errors.New("permanently broken")
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		n, err := queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
			return handlerErr
		})
		require.NoError(t, err)
		require.Equal(t, 1, n, "drain %d", i)
	}

	job, err := store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "permanently broken", job.LastError)
	assert.True(t, job.Terminal())

	// Parked jobs are never claimed again.
	n, err := queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		t.Error("failed job must not run")
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhookQueue_RequeueFailed(t *testing.T) {
	store := memory.New()
	queue, err := gocoord.NewWebhookQueue(store, gocoord.QueueConfig{
		DefaultMaxAttempts: 1,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "evt_1", []byte(`x`)))

	_, err = queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	job, err := store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	require.Equal(t, gocoord.JobStatusFailed, job.Status)

	require.NoError(t, queue.RequeueFailed(ctx, "evt_1"))

	job, err = store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusPending, job.Status)
	assert.Zero(t, job.Attempts, "replay starts with a fresh attempt budget")

	// Requeue only applies to failed jobs.
	_, err = queue.Drain(ctx, func(ctx context.Context, payload []byte) error { return nil })
	require.NoError(t, err)
	assert.Error(t, queue.RequeueFailed(ctx, "evt_1"))
	assert.ErrorIs(t, queue.RequeueFailed(ctx, "ghost"), gocoord.ErrJobNotFound)
}

func TestWebhookQueue_DrainBatchAndConcurrencyLimits(t *testing.T) {
	store := memory.New()
	queue, err := gocoord.NewWebhookQueue(store, gocoord.QueueConfig{
		BatchSize:   5,
		Concurrency: 2,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, queue.Enqueue(ctx, id, []byte(id)))
	}

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	n, err := queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		inside++
		if inside > maxSeen {
			maxSeen = inside
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inside--
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n, "one drain claims at most BatchSize jobs")
	assert.LessOrEqual(t, maxSeen, 2, "handler parallelism is bounded")

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Done)
	assert.Equal(t, 2, stats.Pending)
}

func TestWebhookQueue_Stats(t *testing.T) {
	store := memory.New()
	queue, err := gocoord.NewWebhookQueue(store, gocoord.QueueConfig{
		DefaultMaxAttempts: 1,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "ok", []byte(`x`)))
	require.NoError(t, queue.Enqueue(ctx, "bad", []byte(`y`)))
	require.NoError(t, queue.Enqueue(ctx, "later", []byte(`z`), gocoord.WithMaxAttempts(5)))

	_, err = queue.Drain(ctx, func(ctx context.Context, payload []byte) error {
		if string(payload) == "x" {
			return nil
		}
		return errors.New("boom")
	})
	require.NoError(t, err)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Pending, "job with attempts left is rescheduled")
	assert.Equal(t, 3, stats.Total())
}

func TestWebhookQueue_PurgeDone(t *testing.T) {
	queue, store := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "evt_1", []byte(`x`)))
	_, err := queue.Drain(ctx, func(ctx context.Context, payload []byte) error { return nil })
	require.NoError(t, err)

	// A cutoff in the past keeps fresh jobs.
	purged, err := queue.PurgeDone(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)

	purged, err = queue.PurgeDone(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.GetJob(ctx, "evt_1")
	assert.ErrorIs(t, err, gocoord.ErrJobNotFound)
}
