// Package memory provides an in-memory implementation of the gocoord.Store
// interface. It is intended for testing and development; a single mutex
// stands in for the durable store's transactions.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
)

// Store implements gocoord.Store using in-memory maps.
type Store struct {
	mu        sync.Mutex
	locks     map[string]*gocoord.Lock
	users     map[string]*gocoord.User
	byAuthID  map[string]string // auth id -> user id
	jobs      map[string]*gocoord.WebhookJob
	signups   map[string]*gocoord.SignupEvent
	summaries map[string]*gocoord.Summary

	// now is overridable so lock-expiry behavior can be tested without sleeping.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		locks:     make(map[string]*gocoord.Lock),
		users:     make(map[string]*gocoord.User),
		byAuthID:  make(map[string]string),
		jobs:      make(map[string]*gocoord.WebhookJob),
		signups:   make(map[string]*gocoord.SignupEvent),
		summaries: make(map[string]*gocoord.Summary),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the store's clock. Test use only.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AcquireLock implements gocoord.Store.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.locks[key]; ok && !existing.Expired(now) {
		return false, nil
	}

	s.locks[key] = &gocoord.Lock{Key: key, Holder: holder, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLock implements gocoord.Store.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if !ok || existing.Holder != holder {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

// ExtendLock implements gocoord.Store.
func (s *Store) ExtendLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.locks[key]
	if !ok || existing.Holder != holder || existing.Expired(s.now()) {
		return false, nil
	}
	existing.ExpiresAt = s.now().Add(ttl)
	return true, nil
}

// GetLock implements gocoord.Store.
func (s *Store) GetLock(ctx context.Context, key string) (*gocoord.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		return nil, nil
	}
	lockCopy := *lock
	return &lockCopy, nil
}

// GetUser implements gocoord.Store.
func (s *Store) GetUser(ctx context.Context, id string) (*gocoord.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, gocoord.ErrUserNotFound
	}
	return user.Clone(), nil
}

// CreateUser implements gocoord.Store.
func (s *Store) CreateUser(ctx context.Context, u *gocoord.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}

	stored := u.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.users[stored.ID] = stored
	if stored.AuthID != "" {
		s.byAuthID[stored.AuthID] = stored.ID
	}
	return nil
}

// UpdateUserCAS implements gocoord.Store.
func (s *Store) UpdateUserCAS(ctx context.Context, u *gocoord.User, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[u.ID]
	if !ok {
		return false, gocoord.ErrUserNotFound
	}
	if current.Version != expectedVersion {
		return false, nil
	}

	stored := u.Clone()
	stored.Version = expectedVersion + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = s.now()
	s.users[u.ID] = stored
	return true, nil
}

// CreateSummaryMetered implements gocoord.Store. The store mutex plays
// the role of the relational store's transaction here: quota check,
// counter increment, and summary insert happen atomically or not at all.
func (s *Store) CreateSummaryMetered(ctx context.Context, userID string, sum *gocoord.Summary) (*gocoord.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, gocoord.ErrUserNotFound
	}
	if user.SummariesUsed >= user.SummariesLimit {
		return nil, gocoord.ErrQuotaExceeded
	}

	user.SummariesUsed++
	user.Version++
	user.UpdatedAt = s.now()

	sumCopy := *sum
	s.summaries[sumCopy.ID] = &sumCopy

	return user.Clone(), nil
}

// UpdateSubscription implements gocoord.Store.
func (s *Store) UpdateSubscription(ctx context.Context, userID, plan string, limit int) (*gocoord.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, gocoord.ErrUserNotFound
	}

	user.Plan = plan
	user.SummariesLimit = limit
	user.Version++
	user.UpdatedAt = s.now()
	return user.Clone(), nil
}

// UpsertUserByAuthID implements gocoord.Store.
func (s *Store) UpsertUserByAuthID(ctx context.Context, incoming *gocoord.User) (*gocoord.User, error) {
	if incoming == nil || incoming.AuthID == "" {
		return nil, fmt.Errorf("auth id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if existingID, ok := s.byAuthID[incoming.AuthID]; ok {
		existing := s.users[existingID]
		merged := gocoord.MergeUserFields(existing, incoming)
		merged.Version = existing.Version + 1
		merged.UpdatedAt = now
		s.users[existingID] = merged
		return merged.Clone(), nil
	}

	stored := incoming.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.users[stored.ID] = stored
	s.byAuthID[stored.AuthID] = stored.ID

	// Signup event written once per identity, keyed on auth id.
	if _, ok := s.signups[stored.AuthID]; !ok {
		s.signups[stored.AuthID] = &gocoord.SignupEvent{
			AuthID:    stored.AuthID,
			UserID:    stored.ID,
			Plan:      stored.Plan,
			CreatedAt: now,
		}
	}

	return stored.Clone(), nil
}

// GetSignupEvent implements gocoord.Store.
func (s *Store) GetSignupEvent(ctx context.Context, authID string) (*gocoord.SignupEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.signups[authID]
	if !ok {
		return nil, nil
	}
	eventCopy := *event
	return &eventCopy, nil
}

// GetSummary returns a stored summary by id, or nil. Test helper.
func (s *Store) GetSummary(ctx context.Context, id string) (*gocoord.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.summaries[id]
	if !ok {
		return nil, nil
	}
	sumCopy := *sum
	return &sumCopy, nil
}

// CountSummaries returns how many summaries a user owns. Test helper.
func (s *Store) CountSummaries(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, sum := range s.summaries {
		if sum.UserID == userID {
			count++
		}
	}
	return count, nil
}

// InsertJob implements gocoord.Store.
func (s *Store) InsertJob(ctx context.Context, job *gocoord.WebhookJob) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("invalid job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return false, nil
	}

	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
	return true, nil
}

// ClaimDueJobs implements gocoord.Store.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*gocoord.WebhookJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*gocoord.WebhookJob
	for _, job := range s.jobs {
		if job.Status == gocoord.JobStatusPending && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}

	// Oldest deadline first, like the SQL ORDER BY.
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*gocoord.WebhookJob, 0, len(due))
	for _, job := range due {
		job.Status = gocoord.JobStatusProcessing
		job.UpdatedAt = s.now()
		jobCopy := *job
		claimed = append(claimed, &jobCopy)
	}
	return claimed, nil
}

// MarkJobDone implements gocoord.Store.
func (s *Store) MarkJobDone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return gocoord.ErrJobNotFound
	}
	job.Status = gocoord.JobStatusDone
	job.LastError = ""
	job.UpdatedAt = s.now()
	return nil
}

// MarkJobRetry implements gocoord.Store.
func (s *Store) MarkJobRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return gocoord.ErrJobNotFound
	}
	job.Status = gocoord.JobStatusPending
	job.Attempts = attempts
	job.NextAttemptAt = nextAttemptAt
	job.LastError = lastErr
	job.UpdatedAt = s.now()
	return nil
}

// MarkJobFailed implements gocoord.Store.
func (s *Store) MarkJobFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return gocoord.ErrJobNotFound
	}
	job.Status = gocoord.JobStatusFailed
	job.Attempts = attempts
	job.LastError = lastErr
	job.UpdatedAt = s.now()
	return nil
}

// RequeueJob implements gocoord.Store.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return gocoord.ErrJobNotFound
	}
	if job.Status != gocoord.JobStatusFailed {
		return fmt.Errorf("job %s is %s, only failed jobs can be requeued", id, job.Status)
	}
	job.Status = gocoord.JobStatusPending
	job.Attempts = 0
	job.NextAttemptAt = s.now()
	job.UpdatedAt = s.now()
	return nil
}

// GetJob implements gocoord.Store.
func (s *Store) GetJob(ctx context.Context, id string) (*gocoord.WebhookJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, gocoord.ErrJobNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

// JobStats implements gocoord.Store.
func (s *Store) JobStats(ctx context.Context) (gocoord.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats gocoord.QueueStats
	for _, job := range s.jobs {
		switch job.Status {
		case gocoord.JobStatusPending:
			stats.Pending++
		case gocoord.JobStatusProcessing:
			stats.Processing++
		case gocoord.JobStatusFailed:
			stats.Failed++
		case gocoord.JobStatusDone:
			stats.Done++
		}
	}
	return stats, nil
}

// PurgeDoneJobs implements gocoord.Store.
func (s *Store) PurgeDoneJobs(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, job := range s.jobs {
		if job.Status == gocoord.JobStatusDone && job.UpdatedAt.Before(olderThan) {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locks = make(map[string]*gocoord.Lock)
	s.users = make(map[string]*gocoord.User)
	s.byAuthID = make(map[string]string)
	s.jobs = make(map[string]*gocoord.WebhookJob)
	s.signups = make(map[string]*gocoord.SignupEvent)
	s.summaries = make(map[string]*gocoord.Summary)
}
