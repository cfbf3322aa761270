// Package postgres provides a PostgreSQL implementation of the gocoord.Store
// interface. Lock acquisition is an atomic upsert conditioned on expiry,
// user updates are compare-and-swap on the version column, and the composite
// operations run inside SQL transactions with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store implements gocoord.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine.
	stopCleanup func()
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RunMigrations applies the embedded goose migrations on startup.
	RunMigrations bool

	// Cleanup configuration.
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	DoneJobTTL      time.Duration // How long done jobs are retained
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		RunMigrations:   true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		DoneJobTTL:      7 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Store{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.RunMigrations {
		if err := s.runMigrations(ctx); err != nil {
			cancel()
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the connection pool and stops background cleanup.
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// AcquireLock implements gocoord.Store. The insert-if-absent-or-expired
// upsert is a single statement, so two concurrent callers can never both
// end up owning a non-expired row.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO locks (key, holder, expires_at)
			VALUES ($1, $2, now() + $3)
			ON CONFLICT (key) DO UPDATE SET
				holder = EXCLUDED.holder,
				expires_at = EXCLUDED.expires_at
			WHERE locks.expires_at <= now()`,
		key, holder, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock implements gocoord.Store.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM locks WHERE key = $1 AND holder = $2`, key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExtendLock implements gocoord.Store.
func (s *Store) ExtendLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE locks SET expires_at = now() + $3
			WHERE key = $1 AND holder = $2 AND expires_at > now()`,
		key, holder, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLock implements gocoord.Store.
func (s *Store) GetLock(ctx context.Context, key string) (*gocoord.Lock, error) {
	var lock gocoord.Lock
	err := s.pool.QueryRow(ctx,
		`SELECT key, holder, expires_at FROM locks WHERE key = $1`,
		key).Scan(&lock.Key, &lock.Holder, &lock.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return &lock, nil
}

const userColumns = `id, auth_id, email, name, plan, summaries_used, summaries_limit, version, created_at, updated_at`

func scanUser(row pgx.Row) (*gocoord.User, error) {
	var u gocoord.User
	err := row.Scan(
		&u.ID, &u.AuthID, &u.Email, &u.Name, &u.Plan,
		&u.SummariesUsed, &u.SummariesLimit, &u.Version,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocoord.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetUser implements gocoord.Store.
func (s *Store) GetUser(ctx context.Context, id string) (*gocoord.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// CreateUser implements gocoord.Store.
func (s *Store) CreateUser(ctx context.Context, u *gocoord.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}

	version := u.Version
	if version == 0 {
		version = 1
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, auth_id, email, name, plan, summaries_used, summaries_limit, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`,
		u.ID, u.AuthID, u.Email, u.Name, u.Plan, u.SummariesUsed, u.SummariesLimit, version)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateUserCAS implements gocoord.Store. The WHERE version = $n condition
// makes the write conditional: zero rows affected means another writer
// bumped the version first.
func (s *Store) UpdateUserCAS(ctx context.Context, u *gocoord.User, expectedVersion int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
				email = $1,
				name = $2,
				plan = $3,
				summaries_used = $4,
				summaries_limit = $5,
				version = version + 1,
				updated_at = now()
			WHERE id = $6 AND version = $7`,
		u.Email, u.Name, u.Plan, u.SummariesUsed, u.SummariesLimit, u.ID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateSummaryMetered implements gocoord.Store: quota check, usage
// increment, and summary insert commit together or not at all.
func (s *Store) CreateSummaryMetered(ctx context.Context, userID string, sum *gocoord.Summary) (*gocoord.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	user, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}

	if user.SummariesUsed >= user.SummariesLimit {
		return nil, gocoord.ErrQuotaExceeded
	}

	updated, err := scanUser(tx.QueryRow(ctx,
		`UPDATE users SET
				summaries_used = summaries_used + 1,
				version = version + 1,
				updated_at = now()
			WHERE id = $1
			RETURNING `+userColumns, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO summaries (id, user_id, video_url, title, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		sum.ID, userID, sum.VideoURL, sum.Title, sum.Content, sum.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return updated, nil
}

// UpdateSubscription implements gocoord.Store. Single-row, so one
// conditional-free UPDATE suffices; the version still bumps so cached
// snapshots can detect the change.
func (s *Store) UpdateSubscription(ctx context.Context, userID, plan string, limit int) (*gocoord.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`UPDATE users SET
				plan = $2,
				summaries_limit = $3,
				version = version + 1,
				updated_at = now()
			WHERE id = $1
			RETURNING `+userColumns, userID, plan, limit))
}

// UpsertUserByAuthID implements gocoord.Store. The row lock on the
// existing user serializes concurrent signups for one identity; the
// signup event's primary key makes the audit insert idempotent.
func (s *Store) UpsertUserByAuthID(ctx context.Context, incoming *gocoord.User) (*gocoord.User, error) {
	if incoming == nil || incoming.AuthID == "" {
		return nil, fmt.Errorf("auth id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	existing, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE auth_id = $1 FOR UPDATE`, incoming.AuthID))
	if err != nil && !errors.Is(err, gocoord.ErrUserNotFound) {
		return nil, err
	}

	var result *gocoord.User
	if existing != nil {
		merged := gocoord.MergeUserFields(existing, incoming)
		result, err = scanUser(tx.QueryRow(ctx,
			`UPDATE users SET
					email = $1,
					name = $2,
					plan = $3,
					summaries_limit = $4,
					version = version + 1,
					updated_at = now()
				WHERE id = $5
				RETURNING `+userColumns,
			merged.Email, merged.Name, merged.Plan, merged.SummariesLimit, existing.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to merge user: %w", err)
		}
	} else {
		result, err = scanUser(tx.QueryRow(ctx,
			`INSERT INTO users (id, auth_id, email, name, plan, summaries_used, summaries_limit, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 0, $6, 1, now(), now())
				ON CONFLICT (auth_id) DO NOTHING
				RETURNING `+userColumns,
			incoming.ID, incoming.AuthID, incoming.Email, incoming.Name, incoming.Plan, incoming.SummariesLimit))
		if errors.Is(err, gocoord.ErrUserNotFound) {
			// Lost an insert race despite the row lock path; re-read.
			result, err = scanUser(tx.QueryRow(ctx,
				`SELECT `+userColumns+` FROM users WHERE auth_id = $1 FOR UPDATE`, incoming.AuthID))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upsert user: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO signup_events (auth_id, user_id, plan, created_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (auth_id) DO NOTHING`,
		incoming.AuthID, result.ID, result.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to record signup event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

// GetSignupEvent implements gocoord.Store.
func (s *Store) GetSignupEvent(ctx context.Context, authID string) (*gocoord.SignupEvent, error) {
	var event gocoord.SignupEvent
	err := s.pool.QueryRow(ctx,
		`SELECT auth_id, user_id, plan, created_at FROM signup_events WHERE auth_id = $1`,
		authID).Scan(&event.AuthID, &event.UserID, &event.Plan, &event.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signup event: %w", err)
	}
	return &event, nil
}

// InsertJob implements gocoord.Store.
func (s *Store) InsertJob(ctx context.Context, job *gocoord.WebhookJob) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("invalid job")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_jobs (id, payload, attempts, max_attempts, status, next_attempt_at, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, '', now(), now())
			ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Payload, job.Attempts, job.MaxAttempts, string(job.Status), job.NextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const jobColumns = `id, payload, attempts, max_attempts, status, next_attempt_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*gocoord.WebhookJob, error) {
	var j gocoord.WebhookJob
	var status string
	err := row.Scan(
		&j.ID, &j.Payload, &j.Attempts, &j.MaxAttempts, &status,
		&j.NextAttemptAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = gocoord.JobStatus(status)
	return &j, nil
}

// ClaimDueJobs implements gocoord.Store. SKIP LOCKED lets concurrent
// drains on different instances partition the due set instead of
// blocking or double-claiming.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*gocoord.WebhookJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE webhook_jobs SET status = 'processing', updated_at = now()
			WHERE id IN (
				SELECT id FROM webhook_jobs
				WHERE status = 'pending' AND next_attempt_at <= $1
				ORDER BY next_attempt_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*gocoord.WebhookJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobDone implements gocoord.Store.
func (s *Store) MarkJobDone(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_jobs SET status = 'done', last_error = '', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocoord.ErrJobNotFound
	}
	return nil
}

// MarkJobRetry implements gocoord.Store.
func (s *Store) MarkJobRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_jobs SET
				status = 'pending',
				attempts = $2,
				next_attempt_at = $3,
				last_error = $4,
				updated_at = now()
			WHERE id = $1`,
		id, attempts, nextAttemptAt, lastErr)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocoord.ErrJobNotFound
	}
	return nil
}

// MarkJobFailed implements gocoord.Store.
func (s *Store) MarkJobFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_jobs SET
				status = 'failed',
				attempts = $2,
				last_error = $3,
				updated_at = now()
			WHERE id = $1`,
		id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocoord.ErrJobNotFound
	}
	return nil
}

// RequeueJob implements gocoord.Store.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_jobs SET
				status = 'pending',
				attempts = 0,
				next_attempt_at = now(),
				updated_at = now()
			WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gocoord.ErrJobNotFound
	}
	return nil
}

// GetJob implements gocoord.Store.
func (s *Store) GetJob(ctx context.Context, id string) (*gocoord.WebhookJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM webhook_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gocoord.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// JobStats implements gocoord.Store.
func (s *Store) JobStats(ctx context.Context) (gocoord.QueueStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM webhook_jobs GROUP BY status`)
	if err != nil {
		return gocoord.QueueStats{}, fmt.Errorf("failed to get job stats: %w", err)
	}
	defer rows.Close()

	var stats gocoord.QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return gocoord.QueueStats{}, fmt.Errorf("failed to scan job stats: %w", err)
		}
		switch gocoord.JobStatus(status) {
		case gocoord.JobStatusPending:
			stats.Pending = count
		case gocoord.JobStatusProcessing:
			stats.Processing = count
		case gocoord.JobStatusFailed:
			stats.Failed = count
		case gocoord.JobStatusDone:
			stats.Done = count
		}
	}
	return stats, rows.Err()
}

// PurgeDoneJobs implements gocoord.Store.
func (s *Store) PurgeDoneJobs(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_jobs WHERE status = 'done' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// startCleanup runs periodic cleanup of expired locks and old done jobs.
func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Cleanup(context.Background())
		}
	}
}

// Cleanup deletes expired lock rows and done jobs past retention. It can
// also be called manually.
func (s *Store) Cleanup(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM locks WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("failed to cleanup locks: %w", err)
	}

	if _, err := s.PurgeDoneJobs(ctx, time.Now().UTC().Add(-s.config.DoneJobTTL)); err != nil {
		return fmt.Errorf("failed to cleanup jobs: %w", err)
	}
	return nil
}
