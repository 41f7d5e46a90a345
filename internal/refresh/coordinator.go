package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/cache"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/health"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/pool"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/provider"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/ratelimit"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/recovery"
)

// Default tuning for the coordinator.
const (
	// DefaultLookahead is the proactive window: tokens expiring further out
	// are left alone so proactive refresh never thrashes healthy tokens.
	DefaultLookahead = 24 * time.Hour

	// DefaultProviderTimeout bounds a single provider refresh call.
	DefaultProviderTimeout = 30 * time.Second
)

// Control-flow signals. These are back-pressure or absent-state, not
// provider failures, and must never be recorded as connection failures.
var (
	ErrNotConnected = errors.New("no credential for connection")
	ErrRateLimited  = errors.New("token refresh rate limited")
)

// RateLimitedError carries the retry hint of a limiter denial so callers
// can schedule instead of poll. It unwraps to ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("token refresh rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Result is the outcome of a successful EnsureValid call.
type Result struct {
	// Credential holds the current token, refreshed or not.
	Credential *models.Credential
	// Refreshed means a provider call was made and the token rotated.
	Refreshed bool
	// AlreadyValid means the existing token did not need refreshing.
	AlreadyValid bool
	// AlreadyRefreshed means a concurrent writer refreshed the credential
	// first and this call adopted its result. Expected under optimistic
	// concurrency, never an error.
	AlreadyRefreshed bool
	// FromCache means the validity verdict came from the check cache.
	FromCache bool
}

// Coordinator orchestrates single and batch token refresh across the rate
// limiter, check cache, connection pool, classifier, health store, and
// recovery engine.
type Coordinator struct {
	creds           core.CredentialStore
	health          *health.Store
	limiter         *ratelimit.Limiter
	checks          *cache.CheckCache
	pool            *pool.ClientPool
	providers       *provider.Registry
	recovery        *recovery.Engine
	clock           core.Clock
	metrics         core.Recorder
	lookahead       time.Duration
	providerTimeout time.Duration
	batchSize       int
	parallelism     int

	// group collapses concurrent in-process EnsureValid calls for the same
	// pair into one provider refresh. Cross-process races are caught by the
	// credential re-read in step 5.
	group singleflight.Group
}

// Config carries the coordinator's tuning knobs. Zero values fall back to
// defaults.
type Config struct {
	Lookahead       time.Duration
	ProviderTimeout time.Duration
	BatchSize       int
	Parallelism     int
}

// NewCoordinator wires the coordinator's collaborators together.
func NewCoordinator(
	creds core.CredentialStore,
	h *health.Store,
	limiter *ratelimit.Limiter,
	checks *cache.CheckCache,
	p *pool.ClientPool,
	providers *provider.Registry,
	rec *recovery.Engine,
	clock core.Clock,
	m core.Recorder,
	cfg Config,
) *Coordinator {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Coordinator{
		creds:           creds,
		health:          h,
		limiter:         limiter,
		checks:          checks,
		pool:            p,
		providers:       providers,
		recovery:        rec,
		clock:           clock,
		metrics:         m,
		lookahead:       cfg.Lookahead,
		providerTimeout: cfg.ProviderTimeout,
		batchSize:       cfg.BatchSize,
		parallelism:     cfg.Parallelism,
	}
}

// EnsureValid guarantees the (user, provider) pair holds a usable access
// token, refreshing through the provider only when needed. force skips the
// cache and lookahead short-circuits.
//
// Provider failures come back classified (*classify.Error); rate limiting
// comes back as *RateLimitedError; a missing credential is ErrNotConnected.
func (c *Coordinator) EnsureValid(
	ctx context.Context,
	userID, provider string,
	force bool,
) (*Result, error) {
	key := provider + ":" + userID
	executed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		executed = true
		return c.ensureValid(ctx, userID, provider, force)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)
	if !executed && res.Refreshed {
		// This caller rode along on another caller's refresh.
		dup := *res
		dup.Refreshed = false
		dup.AlreadyRefreshed = true
		return &dup, nil
	}
	return res, nil
}

func (c *Coordinator) ensureValid(
	ctx context.Context,
	userID, providerName string,
	force bool,
) (*Result, error) {
	started := c.clock.Now()

	cred, err := c.creds.GetCredential(ctx, userID, providerName)
	if err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			// Surface not_connected through the health record too, so the
			// status endpoint agrees with this answer.
			if _, herr := c.health.GetOrCreate(ctx, userID, providerName); herr != nil {
				log.Printf("[Refresh] Health lookup failed user=%s provider=%s: %v", userID, providerName, herr)
			}
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	if !force {
		verdict, fromCache, err := c.checks.GetOrCompute(
			ctx, userID, providerName, cache.CheckTokenValidity,
			func(context.Context) (cache.CheckResult, error) {
				return c.validityCheck(cred), nil
			},
		)
		if err == nil && verdict.Healthy {
			c.metrics.RecordRefreshSkipped(providerName, "token_valid")
			return &Result{Credential: cred, AlreadyValid: true, FromCache: fromCache}, nil
		}
	}

	decision, err := c.limiter.TryAcquire(ctx, userID, providerName, ratelimit.OpTokenRefresh)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !decision.Allowed {
		c.metrics.RecordRefreshSkipped(providerName, "rate_limited")
		return nil, &RateLimitedError{RetryAfter: decision.RetryAfter, ResetAt: decision.ResetAt}
	}

	// Re-read immediately before the provider call: another process may
	// have refreshed the credential since we first observed it.
	latest, err := c.creds.GetCredential(ctx, userID, providerName)
	if err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("re-read credential: %w", err)
	}
	if expiryMovedForward(cred, latest) {
		c.metrics.RecordRefreshSkipped(providerName, "already_refreshed")
		log.Printf("[Refresh] Adopting concurrent refresh user=%s provider=%s", userID, providerName)
		return &Result{Credential: latest, AlreadyRefreshed: true}, nil
	}

	client, err := c.acquireClient(ctx, providerName, latest)
	if err != nil {
		return c.handleFailure(ctx, userID, providerName, err, started)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
	token, err := client.RefreshToken(callCtx, latest)
	cancel()
	if err != nil {
		return c.handleFailure(ctx, userID, providerName, err, started)
	}

	updated, err := c.persistRefreshed(ctx, userID, providerName, latest, token)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTokenRefresh(providerName, "success", c.clock.Now().Sub(started))
	return &Result{Credential: updated, Refreshed: true}, nil
}

// validityCheck is the in-memory compute behind the token_validity cache
// entry. It never calls the provider.
func (c *Coordinator) validityCheck(cred *models.Credential) cache.CheckResult {
	now := c.clock.Now()
	if cred.IsExpired(now) {
		return cache.CheckResult{
			Healthy: false,
			Kind:    string(classify.KindTokenExpired),
			Message: "access token expired",
		}
	}
	if cred.ExpiresAt != nil && cred.ExpiresWithin(c.lookahead, now) {
		return cache.CheckResult{
			Healthy: false,
			Kind:    string(classify.KindTokenExpired),
			Message: "access token expiring within lookahead window",
		}
	}
	return cache.CheckResult{Healthy: true}
}

// acquireClient resolves the provider factory and fetches a pooled client
// for the credential's fingerprint.
func (c *Coordinator) acquireClient(
	ctx context.Context,
	providerName string,
	cred *models.Credential,
) (core.ProviderClient, error) {
	factory, err := c.providers.Factory(providerName)
	if err != nil {
		return nil, err
	}
	return c.pool.Acquire(ctx, cred.Fingerprint(), func(fctx context.Context) (core.ProviderClient, error) {
		return factory.NewClient(fctx, cred)
	})
}

// persistRefreshed writes the rotated token, marks the connection healthy,
// and drops every cache entry that could now be stale.
func (c *Coordinator) persistRefreshed(
	ctx context.Context,
	userID, providerName string,
	cred *models.Credential,
	token *core.RefreshedToken,
) (*models.Credential, error) {
	oldFingerprint := cred.Fingerprint()

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	if token.Scopes != "" {
		cred.Scopes = token.Scopes
	}
	if !token.ExpiresAt.IsZero() {
		expiresAt := token.ExpiresAt
		cred.ExpiresAt = &expiresAt
	}

	if err := c.creds.SaveCredential(ctx, cred); err != nil {
		c.metrics.RecordDatabaseQueryError("save_credential")
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}

	if err := c.health.RecordSuccess(ctx, userID, providerName, health.SuccessMeta{
		Operation:      "token_refresh",
		TokenExpiresAt: cred.ExpiresAt,
	}); err != nil {
		log.Printf("[Refresh] Record success failed user=%s provider=%s: %v", userID, providerName, err)
	}

	if err := c.checks.Invalidate(ctx, userID, providerName); err != nil {
		log.Printf("[Refresh] Cache invalidation failed user=%s provider=%s: %v", userID, providerName, err)
	}
	if newFingerprint := cred.Fingerprint(); newFingerprint != oldFingerprint {
		// The rotated refresh token changed the pool key; the old client
		// would authenticate with dead tokens.
		c.pool.Invalidate(oldFingerprint)
	}

	log.Printf("[Refresh] Token refreshed user=%s provider=%s", userID, providerName)
	return cred, nil
}

// handleFailure classifies a provider failure, records it, and hands off to
// the recovery engine. Callers see only classified errors.
func (c *Coordinator) handleFailure(
	ctx context.Context,
	userID, providerName string,
	rawErr error,
	started time.Time,
) (*Result, error) {
	kind := classify.Classify(rawErr)
	c.metrics.RecordTokenRefresh(providerName, "failure", c.clock.Now().Sub(started))
	c.metrics.RecordErrorClassified(string(kind))
	log.Printf("[Refresh] Refresh failed user=%s provider=%s kind=%s: %v", userID, providerName, kind, rawErr)

	if err := c.health.RecordFailure(ctx, userID, providerName, kind, rawErr.Error()); err != nil {
		log.Printf("[Refresh] Record failure failed user=%s provider=%s: %v", userID, providerName, err)
	}
	if err := c.checks.Invalidate(ctx, userID, providerName); err != nil {
		log.Printf("[Refresh] Cache invalidation failed user=%s provider=%s: %v", userID, providerName, err)
	}

	failures := 1
	if hs, err := c.health.GetOrCreate(ctx, userID, providerName); err == nil {
		failures = hs.ConsecutiveFailures
	}

	outcome := c.recovery.AttemptRecovery(
		ctx, userID, providerName, kind, failures,
		c.rawRefreshFunc(userID, providerName),
	)
	if outcome.Resolved {
		cred, err := c.creds.GetCredential(ctx, userID, providerName)
		if err != nil {
			return nil, fmt.Errorf("reload credential after recovery: %w", err)
		}
		return &Result{Credential: cred, Refreshed: true}, nil
	}

	return nil, classify.NewError(kind, rawErr)
}

// rawRefreshFunc builds the single-attempt refresh the recovery engine may
// invoke. It performs the real provider call and full success bookkeeping
// but never recurses into recovery.
func (c *Coordinator) rawRefreshFunc(userID, providerName string) recovery.RefreshFunc {
	return func(ctx context.Context) error {
		cred, err := c.creds.GetCredential(ctx, userID, providerName)
		if err != nil {
			return err
		}
		client, err := c.acquireClient(ctx, providerName, cred)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.providerTimeout)
		token, err := client.RefreshToken(callCtx, cred)
		cancel()
		if err != nil {
			return err
		}

		_, err = c.persistRefreshed(ctx, userID, providerName, cred, token)
		return err
	}
}

// expiryMovedForward reports whether latest carries a strictly later expiry
// than observed, meaning another writer already refreshed the token.
func expiryMovedForward(observed, latest *models.Credential) bool {
	if observed.ExpiresAt == nil || latest.ExpiresAt == nil {
		return false
	}
	return latest.ExpiresAt.After(*observed.ExpiresAt)
}
