package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gocoord.Metrics using Prometheus.
type Metrics struct {
	lockAcquireTotal     *prometheus.CounterVec
	lockAcquireAttempts  *prometheus.HistogramVec
	lockHeldDuration     *prometheus.HistogramVec
	versionConflictTotal *prometheus.CounterVec
	quotaDecisionTotal   *prometheus.CounterVec
	webhookJobTotal      *prometheus.CounterVec
	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	storeOpsDuration     *prometheus.HistogramVec
	storeOpsErrors       *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		lockAcquireTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Total number of distributed lock acquisition attempts.",
		}, []string{"success"}),

		lockAcquireAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_acquire_attempts",
			Help:      "Distribution of attempts needed to acquire a lock.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}, []string{"success"}),

		lockHeldDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_held_duration_seconds",
			Help:      "How long locks were held under WithLock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		versionConflictTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflict_total",
			Help:      "Total number of optimistic concurrency conflicts.",
		}, []string{}),

		quotaDecisionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decision_total",
			Help:      "Total number of metered creation decisions.",
		}, []string{"allowed"}),

		webhookJobTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_job_total",
			Help:      "Total number of webhook job transitions.",
		}, []string{"outcome"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of durable store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of durable store operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordLockAcquire(key string, success bool, attempts int) {
	s := strconv.FormatBool(success)
	m.lockAcquireTotal.WithLabelValues(s).Inc()
	m.lockAcquireAttempts.WithLabelValues(s).Observe(float64(attempts))
}

func (m *Metrics) RecordLockHeld(key string, duration time.Duration) {
	m.lockHeldDuration.WithLabelValues().Observe(duration.Seconds())
}

func (m *Metrics) RecordVersionConflict(userID string) {
	m.versionConflictTotal.WithLabelValues().Inc()
}

func (m *Metrics) RecordQuotaDecision(userID string, allowed bool) {
	m.quotaDecisionTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordWebhookJob(outcome string) {
	m.webhookJobTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCacheHit(kind string) {
	m.cacheHitsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheMiss(kind string) {
	m.cacheMissesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}
