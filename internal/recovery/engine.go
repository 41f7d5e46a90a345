package recovery

import (
	"context"
	"log"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/health"
)

// Default backoff shape for scheduled retries.
const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 30 * time.Minute
	DefaultMaxAttempts = 5

	// unknownRetryDelay is the short pause before the single blind retry
	// granted to unclassified errors.
	unknownRetryDelay = 2 * time.Second
)

// RefreshFunc performs one raw token refresh attempt, without recursing
// back into recovery. The coordinator supplies it.
type RefreshFunc func(ctx context.Context) error

// Outcome is the result of a recovery attempt.
type Outcome struct {
	// Resolved means the connection works again; the caller can proceed.
	Resolved bool
	// StillFailing means recovery did not resolve the failure. RetryAfter
	// carries the earliest sensible next attempt; zero means retrying is
	// pointless without user action.
	StillFailing bool
	// RequiresReconnection means automatic recovery is exhausted and only
	// a fresh user-supplied credential will help.
	RequiresReconnection bool
	RetryAfter           time.Duration
}

// Engine decides what happens after a classified failure: retry now, back
// off, or give up and escalate to manual reconnection. Results feed back
// into the health store.
type Engine struct {
	health      *health.Store
	clock       core.Clock
	metrics     core.Recorder
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	retryDelay  time.Duration
}

// New creates a recovery engine. Non-positive tuning values fall back to
// defaults.
func New(
	h *health.Store,
	clock core.Clock,
	m core.Recorder,
	baseDelay, maxDelay time.Duration,
	maxAttempts int,
) *Engine {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		health:      h,
		clock:       clock,
		metrics:     m,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		retryDelay:  unknownRetryDelay,
	}
}

// AttemptRecovery applies the per-kind strategy table. refresh may be nil
// when the caller cannot retry inline (strategies that want an immediate
// re-attempt then report StillFailing with a backoff instead).
func (e *Engine) AttemptRecovery(
	ctx context.Context,
	userID, provider string,
	kind classify.ErrorKind,
	failures int,
	refresh RefreshFunc,
) Outcome {
	var out Outcome

	switch kind {
	case classify.KindTokenExpired:
		// One refresh attempt; a second failure means the refresh token
		// itself is dead and a human has to reconnect.
		out = e.retryOnce(ctx, refresh, 0)
		if !out.Resolved {
			out.RequiresReconnection = true
		}

	case classify.KindInvalidRefreshToken,
		classify.KindInvalidCredentials,
		classify.KindInsufficientPermissions:
		// Retrying without new consent is pointless.
		out = Outcome{StillFailing: true, RequiresReconnection: true}

	case classify.KindNetworkError, classify.KindServiceUnavailable:
		// Transient: schedule an exponential-backoff retry, no flag.
		out = Outcome{
			StillFailing: true,
			RetryAfter:   e.backoff(kind, failures),
		}

	case classify.KindAPIQuotaExceeded:
		// No retry before the provider's quota window elapses.
		out = Outcome{
			StillFailing: true,
			RetryAfter:   kind.Metadata().DefaultBackoff,
		}

	case classify.KindUnknown:
		// Single retry with a short delay, then surface for inspection.
		out = e.retryOnce(ctx, refresh, e.retryDelay)
		if !out.Resolved {
			out.RetryAfter = e.backoff(kind, failures)
		}

	default:
		out = Outcome{StillFailing: true}
		if kind.RequiresReconnection() {
			out.RequiresReconnection = true
		} else if kind.Retryable() {
			out.RetryAfter = e.backoff(kind, failures)
		}
	}

	if failures >= e.maxAttempts && !out.Resolved {
		// Bounded attempts: "retryable" converts to reconnection once the
		// ceiling is hit, so nothing loops silently forever.
		out.RequiresReconnection = true
		out.RetryAfter = 0
	}

	if out.RequiresReconnection {
		log.Printf("[Recovery] Escalating user=%s provider=%s kind=%s to manual reconnection", userID, provider, kind)
		if err := e.health.RequireReconnection(ctx, userID, provider, "automatic recovery exhausted: "+string(kind)); err != nil {
			log.Printf("[Recovery] Failed to persist reconnection flag user=%s provider=%s: %v", userID, provider, err)
		}
	}

	e.metrics.RecordRecoveryAttempt(string(kind), out.label())
	return out
}

// retryOnce waits out the delay, then runs a single bounded refresh retry.
// Both the wait and the attempt respect context cancellation.
func (e *Engine) retryOnce(ctx context.Context, refresh RefreshFunc, delay time.Duration) Outcome {
	if refresh == nil {
		return Outcome{StillFailing: true}
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{StillFailing: true}
		case <-timer.C:
		}
	}

	err := retry.Do(
		func() error { return refresh(ctx) },
		retry.Context(ctx),
		retry.Attempts(1),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Outcome{StillFailing: true}
	}
	return Outcome{Resolved: true}
}

// backoff computes base × 2^failures capped at maxDelay, floored at the
// kind's default backoff.
func (e *Engine) backoff(kind classify.ErrorKind, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > 16 {
		failures = 16 // avoid overflow; cap dominates anyway
	}
	d := e.baseDelay * (1 << uint(failures))
	if d > e.maxDelay {
		d = e.maxDelay
	}
	if min := kind.Metadata().DefaultBackoff; d < min {
		d = min
	}
	return d
}

func (o Outcome) label() string {
	switch {
	case o.Resolved:
		return "resolved"
	case o.RequiresReconnection:
		return "reconnection_required"
	default:
		return "still_failing"
	}
}
