package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// CheckType identifies which expensive connection check a cached result
// belongs to. Keys are scoped per (user, provider, check type) so results
// never cross-contaminate.
type CheckType string

const (
	CheckTokenValidity CheckType = "token_validity"
	CheckConnectivity  CheckType = "connectivity_test"
)

// allCheckTypes is the set invalidated together after a known state change.
var allCheckTypes = []CheckType{CheckTokenValidity, CheckConnectivity}

// CheckResult is the cached outcome of a token-validity or connectivity
// check.
type CheckResult struct {
	Healthy   bool      `json:"healthy"`
	Kind      string    `json:"kind,omitempty"` // classified error kind when unhealthy
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// TTLPair holds the asymmetric TTLs for one check type. Failures cache
// shorter than successes: failures are likely transient and worth
// re-checking sooner, while successes are expensive to verify repeatedly.
type TTLPair struct {
	Success time.Duration
	Failure time.Duration
}

// CheckCache is the short-TTL cache of expensive connection checks.
type CheckCache struct {
	backend core.Cache[CheckResult]
	ttls    map[CheckType]TTLPair
	clock   core.Clock
	metrics core.Recorder
}

// NewCheckCache creates a check cache over the given backend.
func NewCheckCache(
	backend core.Cache[CheckResult],
	ttls map[CheckType]TTLPair,
	clock core.Clock,
	m core.Recorder,
) *CheckCache {
	return &CheckCache{
		backend: backend,
		ttls:    ttls,
		clock:   clock,
		metrics: m,
	}
}

// GetOrCompute returns the cached result for the check if present,
// otherwise runs compute, stores the result under the TTL matching its
// outcome, and returns it. The second return value reports whether the
// result came from cache. A broken cache backend degrades to computing
// every time; it never fails the check itself.
func (c *CheckCache) GetOrCompute(
	ctx context.Context,
	userID, provider string,
	ct CheckType,
	compute func(ctx context.Context) (CheckResult, error),
) (CheckResult, bool, error) {
	key := checkKey(userID, provider, ct)

	cached, err := c.backend.Get(ctx, key)
	if err == nil {
		c.metrics.RecordCacheLookup(string(ct), true)
		return cached, true, nil
	}
	if !errors.Is(err, ErrCacheMiss) && !errors.Is(err, ErrCacheUnavailable) {
		// Decode failures: drop the entry and recompute.
		_ = c.backend.Delete(ctx, key)
	}
	c.metrics.RecordCacheLookup(string(ct), false)

	result, err := compute(ctx)
	if err != nil {
		return CheckResult{}, false, err
	}
	result.CheckedAt = c.clock.Now()

	_ = c.backend.Set(ctx, key, result, c.ttlFor(ct, result.Healthy))
	return result, false, nil
}

// Peek returns the cached result without computing on miss.
func (c *CheckCache) Peek(
	ctx context.Context,
	userID, provider string,
	ct CheckType,
) (CheckResult, bool) {
	result, err := c.backend.Get(ctx, checkKey(userID, provider, ct))
	if err != nil {
		return CheckResult{}, false
	}
	return result, true
}

// Invalidate removes every cached check for the (user, provider) pair.
// Called after any successful or failed refresh: staleness after a known
// state change is not acceptable.
func (c *CheckCache) Invalidate(ctx context.Context, userID, provider string) error {
	var firstErr error
	for _, ct := range allCheckTypes {
		if err := c.backend.Delete(ctx, checkKey(userID, provider, ct)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *CheckCache) ttlFor(ct CheckType, healthy bool) time.Duration {
	pair, ok := c.ttls[ct]
	if !ok {
		pair = TTLPair{Success: 2 * time.Minute, Failure: 15 * time.Second}
	}
	if healthy {
		return pair.Success
	}
	return pair.Failure
}

func checkKey(userID, provider string, ct CheckType) string {
	return fmt.Sprintf("check:%s:%s:%s", provider, userID, ct)
}
