package metrics

import (
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// NoopMetrics is a no-operation implementation of Recorder
// All methods are empty and do nothing, providing zero overhead when metrics are disabled
type NoopMetrics struct{}

// Ensure NoopMetrics implements Recorder interface at compile time
var _ core.Recorder = (*NoopMetrics)(nil)

// NewNoopMetrics creates a new no-operation metrics recorder
func NewNoopMetrics() core.Recorder {
	return &NoopMetrics{}
}

// Token refresh - noop implementations
func (n *NoopMetrics) RecordTokenRefresh(provider, result string, duration time.Duration) {}
func (n *NoopMetrics) RecordRefreshSkipped(provider, reason string)                       {}

func (n *NoopMetrics) RecordBatchRefresh(
	provider string,
	processed, succeeded, failed int,
	dryRun bool,
) {
}

// Rate limiting - noop implementations
func (n *NoopMetrics) RecordRateLimitDecision(operation string, allowed bool) {}

// Classification and recovery - noop implementations
func (n *NoopMetrics) RecordErrorClassified(kind string)          {}
func (n *NoopMetrics) RecordRecoveryAttempt(kind, outcome string) {}

// Health state machine - noop implementations
func (n *NoopMetrics) RecordHealthTransition(provider, from, to string)     {}
func (n *NoopMetrics) RecordReconcileRun(fixed int, duration time.Duration) {}

// Check cache - noop implementations
func (n *NoopMetrics) RecordCacheLookup(checkType string, hit bool) {}

// Connection pool - noop implementations
func (n *NoopMetrics) RecordPoolEvent(event string) {}
func (n *NoopMetrics) SetPoolSize(size int)         {}

// Gauge setters - noop implementations
func (n *NoopMetrics) SetConnectionsByStatus(status string, count int) {}

// HTTP surface - noop implementations
func (n *NoopMetrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {}

// Database operations - noop implementations
func (n *NoopMetrics) RecordDatabaseQueryError(operation string) {}
