package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
	"github.com/mihaimyh/gocoord/storage/memory"
)

func TestStore_AcquireLock(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	ok, err := store.AcquireLock(ctx, "k", "h1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held lock rejects a second claimant.
	ok, err = store.AcquireLock(ctx, "k", "h2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired lock is claimable in the same statement.
	base := time.Now().UTC()
	store.SetNow(func() time.Time { return base.Add(time.Minute) })
	ok, err = store.AcquireLock(ctx, "k", "h2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := store.GetLock(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "h2", lock.Holder)
}

func TestStore_AcquireLock_OnlyOneWinner(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	const claimants = 32
	var (
		wg   sync.WaitGroup
		wins sync.Map
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := store.AcquireLock(ctx, "k", "holder", 30*time.Second)
			assert.NoError(t, err)
			if ok {
				wins.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
}

func TestStore_ReleaseAndExtendLock(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.AcquireLock(ctx, "k", "h1", 30*time.Second)
	require.NoError(t, err)

	ok, err := store.ReleaseLock(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ExtendLock(ctx, "k", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ExtendLock(ctx, "k", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ReleaseLock(ctx, "k", "h1")
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := store.GetLock(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestStore_CreateAndGetUser(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	user := &gocoord.User{ID: "u1", AuthID: "auth-1", Email: "a@b.c", Plan: "free", SummariesLimit: 3}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "new rows start at version 1")
	assert.False(t, got.CreatedAt.IsZero())

	// Duplicate id is rejected.
	assert.Error(t, store.CreateUser(ctx, user))

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, gocoord.ErrUserNotFound)
}

func TestStore_UpdateUserCAS(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &gocoord.User{ID: "u1", SummariesLimit: 3}))

	current, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)

	updated := current.Clone()
	updated.Name = "Alice"
	ok, err := store.UpdateUserCAS(ctx, updated, current.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	// The same expected version can never win twice.
	ok, err = store.UpdateUserCAS(ctx, updated, current.Version)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, current.Version+1, got.Version)

	_, err = store.UpdateUserCAS(ctx, &gocoord.User{ID: "missing"}, 1)
	assert.ErrorIs(t, err, gocoord.ErrUserNotFound)
}

func TestStore_CreateSummaryMetered(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, &gocoord.User{ID: "u1", SummariesLimit: 2}))

	u, err := store.CreateSummaryMetered(ctx, "u1", &gocoord.Summary{ID: "s1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, u.SummariesUsed)
	assert.Equal(t, int64(2), u.Version)

	_, err = store.CreateSummaryMetered(ctx, "u1", &gocoord.Summary{ID: "s2", UserID: "u1"})
	require.NoError(t, err)

	// Third creation hits the limit and writes nothing.
	_, err = store.CreateSummaryMetered(ctx, "u1", &gocoord.Summary{ID: "s3", UserID: "u1"})
	assert.ErrorIs(t, err, gocoord.ErrQuotaExceeded)

	count, err := store.CountSummaries(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	sum, err := store.GetSummary(ctx, "s3")
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestStore_UpsertUserByAuthID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	first, err := store.UpsertUserByAuthID(ctx, &gocoord.User{
		ID:             "u1",
		AuthID:         "auth0|abc",
		Email:          "alice@example.com",
		Plan:           "free",
		SummariesLimit: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	// Second upsert for the same identity merges instead of inserting,
	// even when it carries a different candidate id.
	second, err := store.UpsertUserByAuthID(ctx, &gocoord.User{
		ID:     "u2",
		AuthID: "auth0|abc",
		Name:   "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", second.ID)
	assert.Equal(t, "alice@example.com", second.Email)
	assert.Equal(t, "Alice", second.Name)
	assert.Equal(t, int64(2), second.Version)

	event, err := store.GetSignupEvent(ctx, "auth0|abc")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "u1", event.UserID)

	_, err = store.UpsertUserByAuthID(ctx, &gocoord.User{ID: "u3"})
	assert.Error(t, err)
}

func TestStore_InsertJobIdempotent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	job := &gocoord.WebhookJob{ID: "evt_1", Payload: []byte(`x`), MaxAttempts: 5, Status: gocoord.JobStatusPending}
	inserted, err := store.InsertJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = store.InsertJob(ctx, &gocoord.WebhookJob{})
	assert.Error(t, err)
}

func TestStore_ClaimDueJobs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	newJob := func(id string, due time.Time, status gocoord.JobStatus) *gocoord.WebhookJob {
		return &gocoord.WebhookJob{ID: id, MaxAttempts: 5, Status: status, NextAttemptAt: due}
	}

	for _, job := range []*gocoord.WebhookJob{
		newJob("late", now.Add(-time.Minute), gocoord.JobStatusPending),
		newJob("later", now.Add(-time.Hour), gocoord.JobStatusPending),
		newJob("future", now.Add(time.Hour), gocoord.JobStatusPending),
		newJob("done", now.Add(-time.Hour), gocoord.JobStatusDone),
		newJob("failed", now.Add(-time.Hour), gocoord.JobStatusFailed),
	} {
		_, err := store.InsertJob(ctx, job)
		require.NoError(t, err)
	}

	claimed, err := store.ClaimDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "only due pending jobs are claimable")
	assert.Equal(t, "later", claimed[0].ID, "oldest deadline first")
	assert.Equal(t, "late", claimed[1].ID)

	for _, job := range claimed {
		assert.Equal(t, gocoord.JobStatusProcessing, job.Status)
	}

	// Claimed jobs are invisible to the next batch.
	claimed, err = store.ClaimDueJobs(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestStore_ClaimDueJobs_Limit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a", "b", "c", "d"} {
		_, err := store.InsertJob(ctx, &gocoord.WebhookJob{
			ID:            id,
			MaxAttempts:   5,
			Status:        gocoord.JobStatusPending,
			NextAttemptAt: now.Add(time.Duration(i-10) * time.Second),
		})
		require.NoError(t, err)
	}

	claimed, err := store.ClaimDueJobs(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestStore_JobLifecycleMarks(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.InsertJob(ctx, &gocoord.WebhookJob{
		ID: "evt_1", MaxAttempts: 3, Status: gocoord.JobStatusPending, NextAttemptAt: now,
	})
	require.NoError(t, err)

	next := now.Add(time.Minute)
	require.NoError(t, store.MarkJobRetry(ctx, "evt_1", 1, next, "boom"))
	job, err := store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, next, job.NextAttemptAt)
	assert.Equal(t, "boom", job.LastError)

	require.NoError(t, store.MarkJobFailed(ctx, "evt_1", 3, "still boom"))
	job, err = store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusFailed, job.Status)

	require.NoError(t, store.RequeueJob(ctx, "evt_1"))
	job, err = store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusPending, job.Status)
	assert.Zero(t, job.Attempts)

	// Pending jobs cannot be requeued.
	assert.Error(t, store.RequeueJob(ctx, "evt_1"))

	require.NoError(t, store.MarkJobDone(ctx, "evt_1"))
	job, err = store.GetJob(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, gocoord.JobStatusDone, job.Status)
	assert.Empty(t, job.LastError)

	assert.ErrorIs(t, store.MarkJobDone(ctx, "nope"), gocoord.ErrJobNotFound)
	assert.ErrorIs(t, store.MarkJobRetry(ctx, "nope", 1, now, ""), gocoord.ErrJobNotFound)
	assert.ErrorIs(t, store.MarkJobFailed(ctx, "nope", 1, ""), gocoord.ErrJobNotFound)
	assert.ErrorIs(t, store.RequeueJob(ctx, "nope"), gocoord.ErrJobNotFound)
}

func TestStore_PurgeDoneJobs(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	base := time.Now().UTC()
	store.SetNow(func() time.Time { return base })

	for _, id := range []string{"old", "fresh", "failed"} {
		_, err := store.InsertJob(ctx, &gocoord.WebhookJob{ID: id, MaxAttempts: 1, Status: gocoord.JobStatusPending})
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkJobDone(ctx, "old"))
	require.NoError(t, store.MarkJobFailed(ctx, "failed", 1, "x"))

	store.SetNow(func() time.Time { return base.Add(48 * time.Hour) })
	require.NoError(t, store.MarkJobDone(ctx, "fresh"))

	purged, err := store.PurgeDoneJobs(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged, "only done jobs past the cutoff are purged")

	_, err = store.GetJob(ctx, "old")
	assert.ErrorIs(t, err, gocoord.ErrJobNotFound)

	// Failed jobs are kept for operator replay regardless of age.
	_, err = store.GetJob(ctx, "failed")
	assert.NoError(t, err)
}

func TestStore_Clear(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &gocoord.User{ID: "u1", SummariesLimit: 3}))
	_, err := store.InsertJob(ctx, &gocoord.WebhookJob{ID: "j1", MaxAttempts: 1})
	require.NoError(t, err)

	store.Clear()

	_, err = store.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, gocoord.ErrUserNotFound)
	stats, err := store.JobStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}
