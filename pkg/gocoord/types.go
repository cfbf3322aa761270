package gocoord

import (
	"time"
)

// User is the metered account record protected by optimistic concurrency.
// Every update must carry the Version it read; the store rejects writes
// whose version no longer matches the current row.
type User struct {
	ID             string
	AuthID         string
	Email          string
	Name           string
	Plan           string
	SummariesUsed  int
	SummariesLimit int

	// Version increments by exactly 1 per successful update.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the number of summaries the user can still create.
func (u *User) Remaining() int {
	r := u.SummariesLimit - u.SummariesUsed
	if r < 0 {
		return 0
	}
	return r
}

// Clone returns a deep copy, safe to mutate without affecting the original.
func (u *User) Clone() *User {
	c := *u
	return &c
}

// Summary is the dependent record created against a user's quota.
type Summary struct {
	ID        string
	UserID    string
	VideoURL  string
	Title     string
	Content   string
	CreatedAt time.Time
}

// Lock is a row in the durable lock table. At most one non-expired
// row exists per key; the holder token authorizes release and extension.
type Lock struct {
	Key       string
	Holder    string
	ExpiresAt time.Time
}

// Expired reports whether the lock's TTL has passed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// JobStatus is the lifecycle state of a webhook delivery job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDone       JobStatus = "done"
)

// WebhookJob is a durable at-least-once delivery job. The ID doubles as
// the idempotency key (typically the provider's event id), so redelivered
// provider events collapse into a single job.
type WebhookJob struct {
	ID            string
	Payload       []byte
	Attempts      int
	MaxAttempts   int
	Status        JobStatus
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job will never run again.
func (j *WebhookJob) Terminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// SignupEvent is the audit record written exactly once per external identity
// during signup, regardless of how many times the signup webhook is delivered.
type SignupEvent struct {
	AuthID    string
	UserID    string
	Plan      string
	CreatedAt time.Time
}

// QueueStats holds webhook job counts by status, for observability.
type QueueStats struct {
	Pending    int
	Processing int
	Failed     int
	Done       int
}

// Total returns the number of jobs across all statuses.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Failed + s.Done
}

// PlanLimits maps plan names to their monthly summary limits.
// Used by the orchestrator when a subscription change must update
// plan and limit together.
type PlanLimits map[string]int

// LimitFor returns the limit for a plan, falling back to the free plan's
// limit (or zero) for unknown plans.
func (p PlanLimits) LimitFor(plan string) int {
	if limit, ok := p[plan]; ok {
		return limit
	}
	return p["free"]
}

// Config holds coordinator-wide configuration.
type Config struct {
	// PlanLimits maps subscription plans to summary limits.
	PlanLimits PlanLimits

	// DefaultPlan is assigned at signup when no plan is supplied.
	DefaultPlan string

	// Lock tuning for the orchestrator's creation lock.
	LockTTL        time.Duration
	LockRetries    int
	LockRetryDelay time.Duration

	// VersionMaxRetries bounds compare-and-swap retry loops.
	VersionMaxRetries int

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking coordination operations (default: NoopMetrics).
	Metrics Metrics
}

// withDefaults fills in zero-valued fields.
func (c Config) withDefaults() Config {
	if c.DefaultPlan == "" {
		c.DefaultPlan = "free"
	}
	if c.PlanLimits == nil {
		c.PlanLimits = PlanLimits{"free": 3, "pro": 50, "unlimited": 1000}
	}
	if c.LockTTL == 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRetries == 0 {
		c.LockRetries = 3
	}
	if c.LockRetryDelay == 0 {
		c.LockRetryDelay = 100 * time.Millisecond
	}
	if c.VersionMaxRetries == 0 {
		c.VersionMaxRetries = 3
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}
