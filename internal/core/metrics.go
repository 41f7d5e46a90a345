package core

import "time"

// Recorder defines the interface for recording engine metrics.
// Implementations include metrics.Metrics (Prometheus-based) and
// metrics.NoopMetrics (no-op).
type Recorder interface {
	// Token refresh
	RecordTokenRefresh(provider, result string, duration time.Duration)
	RecordRefreshSkipped(provider, reason string)
	RecordBatchRefresh(provider string, processed, succeeded, failed int, dryRun bool)

	// Rate limiting (engine-internal windows, not HTTP middleware)
	RecordRateLimitDecision(operation string, allowed bool)

	// Error classification and recovery
	RecordErrorClassified(kind string)
	RecordRecoveryAttempt(kind, outcome string)

	// Health state machine
	RecordHealthTransition(provider, from, to string)
	RecordReconcileRun(fixed int, duration time.Duration)

	// Check cache
	RecordCacheLookup(checkType string, hit bool)

	// Connection pool
	RecordPoolEvent(event string)
	SetPoolSize(size int)

	// Gauge setters (for periodic updates)
	SetConnectionsByStatus(status string, count int)

	// HTTP surface
	RecordHTTPRequest(method, path string, status int, duration time.Duration)

	// Database operations
	RecordDatabaseQueryError(operation string)
}
