package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// Operation is a rate-limited engine operation. The set is fixed; callers
// never invent operations at runtime.
type Operation string

const (
	OpTokenRefresh     Operation = "token_refresh"
	OpConnectivityTest Operation = "connectivity_test"
)

// Operations lists the fixed operation set, for status reporting.
var Operations = []Operation{OpTokenRefresh, OpConnectivityTest}

// Default per-operation caps within one rolling window.
const (
	DefaultTokenRefreshCap     = 10
	DefaultConnectivityTestCap = 20
	DefaultWindow              = time.Hour
)

// Decision is the outcome of TryAcquire. A denial is back-pressure, not an
// error: it must never count as a connection failure.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Status describes the current window for one operation, for UIs.
type Status struct {
	Operation   Operation `json:"operation"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	CanAttempt  bool      `json:"can_attempt"`
	ResetAt     time.Time `json:"reset_at"`
}

// Limiter gates expensive provider-facing operations per
// (user, provider, operation) with a rolling window counter.
type Limiter struct {
	store   WindowStore
	window  time.Duration
	caps    map[Operation]int
	clock   core.Clock
	metrics core.Recorder
}

// NewLimiter creates a limiter. Zero or missing caps fall back to the
// defaults above.
func NewLimiter(
	store WindowStore,
	window time.Duration,
	caps map[Operation]int,
	clock core.Clock,
	m core.Recorder,
) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	merged := map[Operation]int{
		OpTokenRefresh:     DefaultTokenRefreshCap,
		OpConnectivityTest: DefaultConnectivityTestCap,
	}
	for op, cap := range caps {
		if cap > 0 {
			merged[op] = cap
		}
	}
	return &Limiter{
		store:   store,
		window:  window,
		caps:    merged,
		clock:   clock,
		metrics: m,
	}
}

// TryAcquire consumes one attempt for the (user, provider, operation)
// window. Denials carry the wait until the window resets.
func (l *Limiter) TryAcquire(
	ctx context.Context,
	userID, provider string,
	op Operation,
) (Decision, error) {
	max := l.capFor(op)

	count, resetAt, err := l.store.Increment(ctx, windowKey(userID, provider, op), l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}

	allowed := count <= int64(max)
	l.metrics.RecordRateLimitDecision(string(op), allowed)

	d := Decision{
		Allowed: allowed,
		ResetAt: resetAt,
	}
	if allowed {
		d.Remaining = max - int(count)
	} else {
		d.RetryAfter = resetAt.Sub(l.clock.Now())
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// CanAttempt reports whether an attempt would currently be allowed,
// without consuming one. Used by dry runs, which must not mutate windows.
func (l *Limiter) CanAttempt(
	ctx context.Context,
	userID, provider string,
	op Operation,
) (bool, error) {
	count, _, err := l.store.Peek(ctx, windowKey(userID, provider, op))
	if err != nil {
		return false, fmt.Errorf("rate limit store: %w", err)
	}
	return count < int64(l.capFor(op)), nil
}

// StatusFor returns the window status for every operation, for the
// rate-limit status endpoint.
func (l *Limiter) StatusFor(
	ctx context.Context,
	userID, provider string,
) (map[Operation]Status, error) {
	out := make(map[Operation]Status, len(Operations))
	for _, op := range Operations {
		count, resetAt, err := l.store.Peek(ctx, windowKey(userID, provider, op))
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		max := l.capFor(op)
		attempts := int(count)
		if attempts > max {
			attempts = max
		}
		out[op] = Status{
			Operation:   op,
			Attempts:    attempts,
			MaxAttempts: max,
			CanAttempt:  count < int64(max),
			ResetAt:     resetAt,
		}
	}
	return out, nil
}

func (l *Limiter) capFor(op Operation) int {
	if max, ok := l.caps[op]; ok {
		return max
	}
	return DefaultTokenRefreshCap
}

func windowKey(userID, provider string, op Operation) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", provider, userID, op)
}
