package gocoord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Invalidator is notified after a successful mutation so derived cache
// entries can be dropped or refreshed. The Coordinator implements it.
type Invalidator interface {
	OnUserMutated(ctx context.Context, userID string, event InvalidationEvent)
}

// Orchestrator composes the lock manager, version manager, and the store's
// transactional operations into the atomic units request handlers call.
// Quota-check-then-insert is a race across transactions under read
// committed, so metered creation additionally serializes per user through
// a distributed lock.
type Orchestrator struct {
	store    Store
	locks    *LockManager
	versions *VersionManager
	config   Config

	invalidator Invalidator
}

// NewOrchestrator creates an orchestrator over the given store.
func NewOrchestrator(store Store, cfg Config) (*Orchestrator, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	cfg = cfg.withDefaults()

	locks, err := NewLockManager(store, cfg)
	if err != nil {
		return nil, err
	}
	versions, err := NewVersionManager(store, cfg)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		store:    store,
		locks:    locks,
		versions: versions,
		config:   cfg,
	}, nil
}

// SetInvalidator wires a cache coordinator to receive mutation events.
func (o *Orchestrator) SetInvalidator(inv Invalidator) {
	o.invalidator = inv
}

// Locks exposes the underlying lock manager.
func (o *Orchestrator) Locks() *LockManager {
	return o.locks
}

// Versions exposes the underlying version manager.
func (o *Orchestrator) Versions() *VersionManager {
	return o.versions
}

// creationLockKey serializes concurrent summary creation per user.
func creationLockKey(userID string) string {
	return fmt.Sprintf("user:%s:summary-creation", userID)
}

// CreateSummary creates a summary against the user's quota. Inside the
// per-user creation lock, the store runs one transaction: read the user,
// reject with ErrQuotaExceeded at the limit (rolled back, zero writes),
// otherwise increment usage with a version bump and insert the summary,
// committing both or neither. The lock is released on every exit path.
func (o *Orchestrator) CreateSummary(ctx context.Context, userID string, s *Summary) (*Summary, error) {
	if s == nil {
		return nil, fmt.Errorf("summary is required")
	}

	summary := *s
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	summary.UserID = userID
	summary.CreatedAt = time.Now().UTC()

	var user *User
	err := o.locks.WithLock(ctx, creationLockKey(userID), WithLockOptions{
		TTL:        o.config.LockTTL,
		Retries:    o.config.LockRetries,
		RetryDelay: o.config.LockRetryDelay,
	}, func(ctx context.Context) error {
		start := time.Now()
		u, err := o.store.CreateSummaryMetered(ctx, userID, &summary)
		o.config.Metrics.RecordStoreOperation("create_summary_metered", time.Since(start), err)
		if err != nil {
			return err
		}
		user = u
		return nil
	})

	o.config.Metrics.RecordQuotaDecision(userID, err == nil)
	if err != nil {
		if err == ErrQuotaExceeded {
			o.config.Logger.Info("summary creation denied, quota exhausted",
				Field{Key: "user_id", Value: userID})
		}
		return nil, err
	}

	o.config.Logger.Info("summary created",
		Field{Key: "user_id", Value: userID},
		Field{Key: "summary_id", Value: summary.ID},
		Field{Key: "summaries_used", Value: user.SummariesUsed})

	o.notify(ctx, userID, EventSummaryCreated)
	return &summary, nil
}

// UpdateSubscriptionAtomic updates plan and the dependent summary limit
// together in one transaction. Single-row, so no external lock is needed.
func (o *Orchestrator) UpdateSubscriptionAtomic(ctx context.Context, userID, newPlan string) (*User, error) {
	limit := o.config.PlanLimits.LimitFor(newPlan)

	start := time.Now()
	user, err := o.store.UpdateSubscription(ctx, userID, newPlan, limit)
	o.config.Metrics.RecordStoreOperation("update_subscription", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	o.config.Logger.Info("subscription updated",
		Field{Key: "user_id", Value: userID},
		Field{Key: "plan", Value: newPlan},
		Field{Key: "summaries_limit", Value: limit})

	o.notify(ctx, userID, EventSubscriptionChanged)
	return user, nil
}

// SignupAtomic upserts the user keyed on external identity and records the
// signup audit event, in one transaction. Calling it twice for the same
// identity neither duplicates the event nor clobbers fields: merging
// follows MergeUserFields, so a later, less-complete call cannot blank
// values an earlier caller already wrote.
func (o *Orchestrator) SignupAtomic(ctx context.Context, userData *User) (*User, error) {
	if userData == nil || userData.AuthID == "" {
		return nil, fmt.Errorf("auth id is required")
	}

	incoming := userData.Clone()
	if incoming.ID == "" {
		incoming.ID = uuid.NewString()
	}
	if incoming.Plan == "" {
		incoming.Plan = o.config.DefaultPlan
	}
	if incoming.SummariesLimit == 0 {
		incoming.SummariesLimit = o.config.PlanLimits.LimitFor(incoming.Plan)
	}

	start := time.Now()
	user, err := o.store.UpsertUserByAuthID(ctx, incoming)
	o.config.Metrics.RecordStoreOperation("upsert_user", time.Since(start), err)
	if err != nil {
		return nil, err
	}

	o.config.Logger.Info("signup processed",
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "auth_id", Value: user.AuthID})

	o.notify(ctx, user.ID, EventUserSignedUp)
	return user, nil
}

func (o *Orchestrator) notify(ctx context.Context, userID string, event InvalidationEvent) {
	if o.invalidator != nil {
		o.invalidator.OnUserMutated(ctx, userID, event)
	}
}

// MergeUserFields merges an incoming partial user into an existing row.
// A field applies only when the incoming value is non-empty, so duplicate
// or out-of-order signup payloads cannot blank verified data. Counters,
// version, and timestamps are owned by the store and left untouched.
func MergeUserFields(existing, incoming *User) *User {
	merged := existing.Clone()

	if v := strings.TrimSpace(incoming.Email); v != "" {
		merged.Email = v
	}
	if v := strings.TrimSpace(incoming.Name); v != "" {
		merged.Name = v
	}
	if v := strings.TrimSpace(incoming.Plan); v != "" {
		merged.Plan = v
	}
	if incoming.SummariesLimit > 0 && merged.SummariesLimit == 0 {
		merged.SummariesLimit = incoming.SummariesLimit
	}

	return merged
}
