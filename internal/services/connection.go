package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/cache"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/health"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/pool"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/provider"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/ratelimit"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/refresh"
)

// DefaultProbeTimeout bounds a single connectivity probe.
const DefaultProbeTimeout = 15 * time.Second

// ConnectionService is the engine's facade: everything the surrounding
// application may do with a cloud storage connection goes through here.
type ConnectionService struct {
	health       *health.Store
	coordinator  *refresh.Coordinator
	limiter      *ratelimit.Limiter
	checks       *cache.CheckCache
	pool         *pool.ClientPool
	creds        core.CredentialStore
	providers    *provider.Registry
	clock        core.Clock
	probeTimeout time.Duration
}

// NewConnectionService wires the facade.
func NewConnectionService(
	h *health.Store,
	coordinator *refresh.Coordinator,
	limiter *ratelimit.Limiter,
	checks *cache.CheckCache,
	p *pool.ClientPool,
	creds core.CredentialStore,
	providers *provider.Registry,
	clock core.Clock,
	probeTimeout time.Duration,
) *ConnectionService {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &ConnectionService{
		health:       h,
		coordinator:  coordinator,
		limiter:      limiter,
		checks:       checks,
		pool:         p,
		creds:        creds,
		providers:    providers,
		clock:        clock,
		probeTimeout: probeTimeout,
	}
}

// GetOrCreateHealthStatus returns the health record for a pair, creating it
// lazily on first access.
func (s *ConnectionService) GetOrCreateHealthStatus(
	ctx context.Context,
	userID, providerName string,
) (*models.HealthStatus, error) {
	return s.health.GetOrCreate(ctx, userID, providerName)
}

// EnsureValidToken guarantees a usable access token, refreshing through the
// provider only when needed.
func (s *ConnectionService) EnsureValidToken(
	ctx context.Context,
	userID, providerName string,
	force bool,
) (*refresh.Result, error) {
	return s.coordinator.EnsureValid(ctx, userID, providerName, force)
}

// RecordSuccessfulOperation reports a successful provider operation
// observed outside the refresh path, such as a completed upload.
func (s *ConnectionService) RecordSuccessfulOperation(
	ctx context.Context,
	userID, providerName, operation string,
	tokenExpiresAt *time.Time,
) error {
	return s.health.RecordSuccess(ctx, userID, providerName, health.SuccessMeta{
		Operation:      operation,
		TokenExpiresAt: tokenExpiresAt,
	})
}

// MarkUnhealthy reports an externally observed provider failure.
func (s *ConnectionService) MarkUnhealthy(
	ctx context.Context,
	userID, providerName, message string,
	kind classify.ErrorKind,
) error {
	if err := s.health.MarkUnhealthy(ctx, userID, providerName, message, kind); err != nil {
		return err
	}
	// The failure may invalidate what the check cache believes.
	if err := s.checks.Invalidate(ctx, userID, providerName); err != nil {
		log.Printf("[Connection] Cache invalidation failed user=%s provider=%s: %v", userID, providerName, err)
	}
	return nil
}

// GetRateLimitStatus reports the current attempt windows for every gated
// operation of the pair.
func (s *ConnectionService) GetRateLimitStatus(
	ctx context.Context,
	userID, providerName string,
) (map[ratelimit.Operation]ratelimit.Status, error) {
	return s.limiter.StatusFor(ctx, userID, providerName)
}

// TestConnectivity verifies the connection end-to-end with a cheap
// authenticated probe. Results are cached with asymmetric TTLs and the
// probe itself is rate limited.
func (s *ConnectionService) TestConnectivity(
	ctx context.Context,
	userID, providerName string,
) (cache.CheckResult, error) {
	if _, err := s.creds.GetCredential(ctx, userID, providerName); err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			return cache.CheckResult{}, refresh.ErrNotConnected
		}
		return cache.CheckResult{}, fmt.Errorf("load credential: %w", err)
	}

	result, _, err := s.checks.GetOrCompute(
		ctx, userID, providerName, cache.CheckConnectivity,
		func(cctx context.Context) (cache.CheckResult, error) {
			return s.probeConnectivity(cctx, userID, providerName)
		},
	)
	return result, err
}

// ReconcileInconsistencies runs the unified self-healing pass over every
// health record and returns the number repaired.
func (s *ConnectionService) ReconcileInconsistencies(ctx context.Context) (int, error) {
	return s.health.ReconcileInconsistencies(ctx)
}

// ProcessBatchRefresh refreshes expiring credentials for one provider.
func (s *ConnectionService) ProcessBatchRefresh(
	ctx context.Context,
	providerName string,
	window time.Duration,
	batchSize int,
	dryRun bool,
) (*refresh.BatchResult, error) {
	return s.coordinator.ProcessBatch(ctx, providerName, window, batchSize, dryRun)
}

// ConnectionCounts exposes per-status connection counts for the metrics
// gauge updater.
func (s *ConnectionService) ConnectionCounts() (map[string]int64, error) {
	return s.health.CountByStatus()
}

// probeConnectivity is the compute behind a connectivity cache miss: it
// consumes a rate limiter slot, acquires a pooled client, and records the
// outcome in the health store.
func (s *ConnectionService) probeConnectivity(
	ctx context.Context,
	userID, providerName string,
) (cache.CheckResult, error) {
	decision, err := s.limiter.TryAcquire(ctx, userID, providerName, ratelimit.OpConnectivityTest)
	if err != nil {
		return cache.CheckResult{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !decision.Allowed {
		return cache.CheckResult{}, &refresh.RateLimitedError{
			RetryAfter: decision.RetryAfter,
			ResetAt:    decision.ResetAt,
		}
	}

	cred, err := s.creds.GetCredential(ctx, userID, providerName)
	if err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			return cache.CheckResult{}, refresh.ErrNotConnected
		}
		return cache.CheckResult{}, fmt.Errorf("load credential: %w", err)
	}

	factory, err := s.providers.Factory(providerName)
	if err != nil {
		return cache.CheckResult{}, err
	}
	client, err := s.pool.Acquire(ctx, cred.Fingerprint(), func(fctx context.Context) (core.ProviderClient, error) {
		return factory.NewClient(fctx, cred)
	})
	if err != nil {
		return cache.CheckResult{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	probeErr := client.TestConnectivity(probeCtx)
	cancel()

	if probeErr != nil {
		kind := classify.Classify(probeErr)
		if err := s.health.RecordFailure(ctx, userID, providerName, kind, probeErr.Error()); err != nil {
			log.Printf("[Connection] Record failure failed user=%s provider=%s: %v", userID, providerName, err)
		}
		return cache.CheckResult{
			Healthy: false,
			Kind:    string(kind),
			Message: probeErr.Error(),
		}, nil
	}

	if err := s.health.RecordSuccess(ctx, userID, providerName, health.SuccessMeta{
		Operation: "connectivity_test",
	}); err != nil {
		log.Printf("[Connection] Record success failed user=%s provider=%s: %v", userID, providerName, err)
	}
	return cache.CheckResult{Healthy: true}, nil
}
