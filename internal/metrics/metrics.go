package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// Ensure Metrics implements Recorder interface at compile time
var _ core.Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Token Refresh Metrics
	TokenRefreshTotal    *prometheus.CounterVec
	TokenRefreshDuration *prometheus.HistogramVec
	RefreshSkippedTotal  *prometheus.CounterVec
	BatchRunsTotal       *prometheus.CounterVec
	BatchOutcomesTotal   *prometheus.CounterVec

	// Rate Limiting Metrics
	RateLimitDecisionsTotal *prometheus.CounterVec

	// Classification & Recovery Metrics
	ErrorsClassifiedTotal  *prometheus.CounterVec
	RecoveryAttemptsTotal  *prometheus.CounterVec
	HealthTransitionsTotal *prometheus.CounterVec

	// Reconcile Metrics
	ReconcileRunsTotal  prometheus.Counter
	ReconcileFixedTotal prometheus.Counter
	ReconcileDuration   prometheus.Histogram

	// Check Cache Metrics
	CacheLookupsTotal *prometheus.CounterVec

	// Connection Pool Metrics
	PoolEventsTotal *prometheus.CounterVec
	PoolSize        prometheus.Gauge

	// Connection Gauges
	ConnectionsByStatus *prometheus.GaugeVec

	// HTTP Request Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Database Query Metrics
	DatabaseQueryErrorsTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init initializes metrics based on enabled flag
// If enabled=true, returns Prometheus-based Metrics
// If enabled=false, returns NoopMetrics (zero overhead)
// Uses sync.Once to ensure Prometheus metrics are only registered once
func Init(enabled bool) core.Recorder {
	if !enabled {
		return NewNoopMetrics()
	}

	once.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

// initMetrics creates and registers all Prometheus metrics
func initMetrics() *Metrics {
	m := &Metrics{
		// Token Refresh Metrics
		TokenRefreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_token_refresh_total",
				Help: "Total number of provider token refresh attempts",
			},
			[]string{"provider", "result"}, // success, failure
		),
		TokenRefreshDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloud_storage_token_refresh_duration_seconds",
				Help:    "Time taken for one token refresh attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		RefreshSkippedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_refresh_skipped_total",
				Help: "Total number of refresh calls resolved without a provider round-trip",
			},
			[]string{
				"provider",
				"reason",
			}, // token_valid, rate_limited, already_refreshed
		),
		BatchRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_batch_refresh_runs_total",
				Help: "Total number of batch refresh runs",
			},
			[]string{"provider", "mode"}, // live, dry_run
		),
		BatchOutcomesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_batch_refresh_outcomes_total",
				Help: "Per-candidate outcomes across live batch refresh runs",
			},
			[]string{"provider", "outcome"}, // succeeded, failed, skipped
		),

		// Rate Limiting Metrics
		RateLimitDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_rate_limit_decisions_total",
				Help: "Total number of rate limiter decisions",
			},
			[]string{"operation", "decision"}, // allowed, denied
		),

		// Classification & Recovery Metrics
		ErrorsClassifiedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_errors_classified_total",
				Help: "Total number of provider errors by classified kind",
			},
			[]string{"kind"},
		),
		RecoveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_recovery_attempts_total",
				Help: "Total number of recovery attempts",
			},
			[]string{
				"kind",
				"outcome",
			}, // resolved, still_failing, reconnection_required
		),
		HealthTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_health_transitions_total",
				Help: "Total number of health status transitions",
			},
			[]string{"provider", "from", "to"},
		),

		// Reconcile Metrics
		ReconcileRunsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloud_storage_reconcile_runs_total",
				Help: "Total number of reconcile passes",
			},
		),
		ReconcileFixedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cloud_storage_reconcile_fixed_total",
				Help: "Total number of health records repaired by reconcile passes",
			},
		),
		ReconcileDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloud_storage_reconcile_duration_seconds",
				Help:    "Time taken for one reconcile pass",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Check Cache Metrics
		CacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_check_cache_lookups_total",
				Help: "Total number of check cache lookups",
			},
			[]string{"check_type", "result"}, // hit, miss
		),

		// Connection Pool Metrics
		PoolEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloud_storage_pool_events_total",
				Help: "Total number of connection pool events",
			},
			[]string{
				"event",
			}, // hit, miss, lru_eviction, idle_eviction, invalidation, factory_error
		),
		PoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cloud_storage_pool_size",
				Help: "Current number of pooled provider clients",
			},
		),

		// Connection Gauges
		ConnectionsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cloud_storage_connections_by_status",
				Help: "Current number of connections per health status",
			},
			[]string{"status"},
		),

		// HTTP Request Metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "http_request_duration_seconds",
				Help: "HTTP request latency in seconds",
				Buckets: []float64{
					0.001,
					0.005,
					0.010,
					0.025,
					0.050,
					0.100,
					0.250,
					0.500,
					1.0,
					2.5,
					5.0,
					10.0,
				},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being served",
			},
		),

		// Database Query Metrics
		DatabaseQueryErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_query_errors_total",
				Help: "Total number of database query errors",
			},
			[]string{"operation"},
		),
	}

	return m
}

// RecordTokenRefresh records one token refresh attempt
func (m *Metrics) RecordTokenRefresh(provider, result string, duration time.Duration) {
	m.TokenRefreshTotal.WithLabelValues(provider, result).Inc()
	m.TokenRefreshDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRefreshSkipped records a refresh call resolved without a provider call
func (m *Metrics) RecordRefreshSkipped(provider, reason string) {
	m.RefreshSkippedTotal.WithLabelValues(provider, reason).Inc()
}

// RecordBatchRefresh records one batch refresh run
func (m *Metrics) RecordBatchRefresh(provider string, processed, succeeded, failed int, dryRun bool) {
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	m.BatchRunsTotal.WithLabelValues(provider, mode).Inc()

	if dryRun {
		return
	}
	m.BatchOutcomesTotal.WithLabelValues(provider, "succeeded").Add(float64(succeeded))
	m.BatchOutcomesTotal.WithLabelValues(provider, "failed").Add(float64(failed))
	if skipped := processed - succeeded - failed; skipped > 0 {
		m.BatchOutcomesTotal.WithLabelValues(provider, "skipped").Add(float64(skipped))
	}
}

// RecordRateLimitDecision records one rate limiter decision
func (m *Metrics) RecordRateLimitDecision(operation string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	m.RateLimitDecisionsTotal.WithLabelValues(operation, decision).Inc()
}

// RecordErrorClassified records one classified provider error
func (m *Metrics) RecordErrorClassified(kind string) {
	m.ErrorsClassifiedTotal.WithLabelValues(kind).Inc()
}

// RecordRecoveryAttempt records one recovery engine decision
func (m *Metrics) RecordRecoveryAttempt(kind, outcome string) {
	m.RecoveryAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordHealthTransition records one health status transition
func (m *Metrics) RecordHealthTransition(provider, from, to string) {
	m.HealthTransitionsTotal.WithLabelValues(provider, from, to).Inc()
}

// RecordReconcileRun records one reconcile pass
func (m *Metrics) RecordReconcileRun(fixed int, duration time.Duration) {
	m.ReconcileRunsTotal.Inc()
	m.ReconcileFixedTotal.Add(float64(fixed))
	m.ReconcileDuration.Observe(duration.Seconds())
}

// RecordCacheLookup records one check cache lookup
func (m *Metrics) RecordCacheLookup(checkType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(checkType, result).Inc()
}

// RecordPoolEvent records one connection pool event
func (m *Metrics) RecordPoolEvent(event string) {
	m.PoolEventsTotal.WithLabelValues(event).Inc()
}

// SetPoolSize sets the current pooled client count
func (m *Metrics) SetPoolSize(size int) {
	m.PoolSize.Set(float64(size))
}

// SetConnectionsByStatus sets the connection count for one status (for periodic updates)
func (m *Metrics) SetConnectionsByStatus(status string, count int) {
	m.ConnectionsByStatus.WithLabelValues(status).Set(float64(count))
}

// RecordHTTPRequest records one served HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDatabaseQueryError records a database query error
func (m *Metrics) RecordDatabaseQueryError(operation string) {
	m.DatabaseQueryErrorsTotal.WithLabelValues(operation).Inc()
}
