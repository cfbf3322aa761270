package gocoord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// InvalidationEvent names the mutation that made cached data stale. The
// dependent key set is fixed per event type, never inferred dynamically.
type InvalidationEvent string

const (
	EventSummaryCreated      InvalidationEvent = "summary_created"
	EventSubscriptionChanged InvalidationEvent = "subscription_changed"
	EventUserSignedUp        InvalidationEvent = "user_signed_up"
)

// Cache key layout. The primary snapshot lives under user:<id>; derived
// entries hang off it with fixed suffixes.
func userKey(id string) string         { return "user:" + id }
func subscriptionKey(id string) string { return "user:" + id + ":subscription" }
func limitsKey(id string) string       { return "user:" + id + ":limits" }
func staleKey(id string) string        { return "user:" + id + ":stale" }

// dependentKeys returns the derived keys invalidated by an event when
// cascade is requested.
func dependentKeys(id string, event InvalidationEvent) []string {
	switch event {
	case EventSubscriptionChanged, EventUserSignedUp:
		return []string{subscriptionKey(id), limitsKey(id)}
	case EventSummaryCreated:
		return []string{limitsKey(id)}
	default:
		return nil
	}
}

// CoordinatorConfig holds cache coordinator configuration.
type CoordinatorConfig struct {
	// ShortTTL applies to users within RiskMargin of their quota limit,
	// bounding the window where a stale "not yet at limit" read could be
	// served right after the limiting write (default: 5s).
	ShortTTL time.Duration

	// LongTTL applies to everyone else (default: 5 minutes).
	LongTTL time.Duration

	// RiskMargin is the remaining-quota threshold at or below which the
	// short TTL kicks in (default: 1).
	RiskMargin int

	// StaleFlagTTL bounds how long a lazy stale flag lives (default: 1 minute).
	StaleFlagTTL time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking cache traffic (default: NoopMetrics).
	Metrics Metrics
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.ShortTTL == 0 {
		c.ShortTTL = 5 * time.Second
	}
	if c.LongTTL == 0 {
		c.LongTTL = 5 * time.Minute
	}
	if c.RiskMargin == 0 {
		c.RiskMargin = 1
	}
	if c.StaleFlagTTL == 0 {
		c.StaleFlagTTL = time.Minute
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

// Coordinator keeps the read cache consistent with the durable store
// after mutations. The cache is a derived view with explicit invalidation
// and risk-adjusted TTLs; it never sits on the write path.
type Coordinator struct {
	store  Store
	cache  Cache
	config CoordinatorConfig

	// refreshGroup deduplicates concurrent rebuilds of the same user.
	refreshGroup singleflight.Group
}

// NewCoordinator creates a coordinator over the given store and cache.
func NewCoordinator(store Store, cache Cache, cfg CoordinatorConfig) (*Coordinator, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}
	if cache == nil {
		cache = &NoopCache{}
	}
	return &Coordinator{
		store:  store,
		cache:  cache,
		config: cfg.withDefaults(),
	}, nil
}

// InvalidateOptions tunes an invalidation.
type InvalidateOptions struct {
	// Immediate deletes the entry synchronously so the next read misses.
	// When false, the entry is only flagged stale for a
	// serve-stale-while-revalidate read path to pick up.
	Immediate bool

	// Cascade also deletes the event's dependent keys.
	Cascade bool
}

// InvalidateOption mutates InvalidateOptions.
type InvalidateOption func(*InvalidateOptions)

// WithLazy flags the entry stale instead of deleting it.
func WithLazy() InvalidateOption {
	return func(o *InvalidateOptions) { o.Immediate = false }
}

// WithCascade also invalidates the event's dependent keys.
func WithCascade() InvalidateOption {
	return func(o *InvalidateOptions) { o.Cascade = true }
}

// Invalidate reacts to a mutation event for a user. Immediate mode (the
// default) deletes the primary entry so the next read is a forced miss;
// lazy mode sets user:<id>:stale instead. Cascade extends either to the
// event's fixed dependent keys.
func (c *Coordinator) Invalidate(ctx context.Context, userID string, event InvalidationEvent, opts ...InvalidateOption) error {
	options := InvalidateOptions{Immediate: true}
	for _, opt := range opts {
		opt(&options)
	}

	keys := []string{userKey(userID)}
	if options.Cascade {
		keys = append(keys, dependentKeys(userID, event)...)
	}

	if !options.Immediate {
		if err := c.cache.SetValue(ctx, staleKey(userID), "true", c.config.StaleFlagTTL); err != nil {
			return fmt.Errorf("failed to flag cache entry stale: %w", err)
		}
		if options.Cascade {
			if err := c.cache.Delete(ctx, keys[1:]...); err != nil {
				return fmt.Errorf("failed to cascade invalidation: %w", err)
			}
		}
		return nil
	}

	if err := c.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	c.config.Logger.Debug("cache invalidated",
		Field{Key: "user_id", Value: userID},
		Field{Key: "event", Value: string(event)},
		Field{Key: "keys", Value: len(keys)})
	return nil
}

// OnUserMutated implements Invalidator for the orchestrator: every
// successful mutation invalidates immediately with cascade, since the
// write that just happened is exactly the staleness we must not serve.
func (c *Coordinator) OnUserMutated(ctx context.Context, userID string, event InvalidationEvent) {
	if err := c.Invalidate(ctx, userID, event, WithCascade()); err != nil {
		c.config.Logger.Warn("post-mutation invalidation failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "event", Value: string(event)},
			Field{Key: "error", Value: err.Error()})
	}
}

// subscriptionSnapshot is the derived view cached under user:<id>:subscription.
type subscriptionSnapshot struct {
	Plan           string `json:"plan"`
	SummariesLimit int    `json:"summariesLimit"`
}

// limitsSnapshot is the derived view cached under user:<id>:limits.
type limitsSnapshot struct {
	SummariesUsed  int `json:"summariesUsed"`
	SummariesLimit int `json:"summariesLimit"`
}

// Refresh reads the durable source of truth and repopulates the cache.
// The TTL is chosen by risk: users within RiskMargin of their limit get
// the short TTL so an over-quota read cannot be served for long; everyone
// else gets the long TTL. Concurrent refreshes for the same user collapse
// into one store read.
func (c *Coordinator) Refresh(ctx context.Context, userID string) (*User, error) {
	v, err, _ := c.refreshGroup.Do(userID, func() (interface{}, error) {
		user, err := c.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		ttl := c.config.LongTTL
		if user.Remaining() <= c.config.RiskMargin {
			ttl = c.config.ShortTTL
		}

		if err := c.cache.SetUser(ctx, userKey(userID), user, ttl); err != nil {
			return nil, fmt.Errorf("failed to cache user: %w", err)
		}

		sub, _ := json.Marshal(subscriptionSnapshot{Plan: user.Plan, SummariesLimit: user.SummariesLimit})
		if err := c.cache.SetValue(ctx, subscriptionKey(userID), string(sub), ttl); err != nil {
			return nil, fmt.Errorf("failed to cache subscription snapshot: %w", err)
		}

		limits, _ := json.Marshal(limitsSnapshot{SummariesUsed: user.SummariesUsed, SummariesLimit: user.SummariesLimit})
		if err := c.cache.SetValue(ctx, limitsKey(userID), string(limits), ttl); err != nil {
			return nil, fmt.Errorf("failed to cache limits snapshot: %w", err)
		}

		// Repopulating clears any lazy stale flag.
		if err := c.cache.Delete(ctx, staleKey(userID)); err != nil {
			return nil, err
		}

		return user, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

// GetUser serves a user snapshot from cache, rebuilding on miss or when
// the entry carries a stale flag.
func (c *Coordinator) GetUser(ctx context.Context, userID string) (*User, error) {
	stale, flagged, err := c.cache.GetValue(ctx, staleKey(userID))
	if err != nil {
		return nil, err
	}

	if !flagged || stale != "true" {
		if cached, ok, err := c.cache.GetUser(ctx, userKey(userID)); err != nil {
			return nil, err
		} else if ok {
			c.config.Metrics.RecordCacheHit("user")
			return cached, nil
		}
	}

	c.config.Metrics.RecordCacheMiss("user")
	return c.Refresh(ctx, userID)
}

// FieldDiff is a single cached-vs-durable discrepancy.
type FieldDiff struct {
	Field  string
	Cached string
	Stored string
}

func (d FieldDiff) String() string {
	return fmt.Sprintf("%s: cached=%s, db=%s", d.Field, d.Cached, d.Stored)
}

// CheckConsistency compares the cached user snapshot against the durable
// row and returns the field-level differences. Drift is reported, never
// raised as an error; an empty cache is vacuously consistent. Intended
// for tests and operational checks, not the request hot path.
func (c *Coordinator) CheckConsistency(ctx context.Context, userID string) ([]FieldDiff, error) {
	cached, ok, err := c.cache.GetUser(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	stored, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var diffs []FieldDiff
	if cached.SummariesUsed != stored.SummariesUsed {
		diffs = append(diffs, FieldDiff{
			Field:  "summariesUsed",
			Cached: fmt.Sprintf("%d", cached.SummariesUsed),
			Stored: fmt.Sprintf("%d", stored.SummariesUsed),
		})
	}
	if cached.SummariesLimit != stored.SummariesLimit {
		diffs = append(diffs, FieldDiff{
			Field:  "summariesLimit",
			Cached: fmt.Sprintf("%d", cached.SummariesLimit),
			Stored: fmt.Sprintf("%d", stored.SummariesLimit),
		})
	}
	if cached.Plan != stored.Plan {
		diffs = append(diffs, FieldDiff{Field: "plan", Cached: cached.Plan, Stored: stored.Plan})
	}
	if cached.Version != stored.Version {
		diffs = append(diffs, FieldDiff{
			Field:  "version",
			Cached: fmt.Sprintf("%d", cached.Version),
			Stored: fmt.Sprintf("%d", stored.Version),
		})
	}

	return diffs, nil
}
