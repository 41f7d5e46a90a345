package refresh

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/ratelimit"
)

// Default batch tuning. Parallelism matches the pool's default size: each
// concurrent refresh holds a pooled client, so fanning out wider than the
// pool only causes churn.
const (
	DefaultBatchSize   = 15
	DefaultParallelism = 25
)

// BatchError describes one failed candidate in a batch run.
type BatchError struct {
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BatchResult summarizes one batch refresh run.
type BatchResult struct {
	RunID      string        `json:"run_id"`
	Provider   string        `json:"provider"`
	DryRun     bool          `json:"dry_run"`
	Candidates int           `json:"candidates"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Errors     []BatchError  `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ProcessBatch refreshes every credential for the provider whose token
// expires inside the window, up to batchSize candidates, with bounded
// parallelism. A dry run reports what a live run would attempt while
// guaranteeing zero provider calls and zero state mutation.
func (c *Coordinator) ProcessBatch(
	ctx context.Context,
	providerName string,
	window time.Duration,
	batchSize int,
	dryRun bool,
) (*BatchResult, error) {
	if window <= 0 {
		window = c.lookahead
	}
	if batchSize <= 0 {
		batchSize = c.batchSize
	}
	started := c.clock.Now()

	candidates, err := c.creds.ListCredentialsExpiringWithin(ctx, providerName, window)
	if err != nil {
		c.metrics.RecordDatabaseQueryError("list_expiring_credentials")
		return nil, err
	}

	result := &BatchResult{
		RunID:      uuid.New().String(),
		Provider:   providerName,
		DryRun:     dryRun,
		Candidates: len(candidates),
	}
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	if dryRun {
		c.dryRunBatch(ctx, candidates, result)
	} else {
		c.runBatch(ctx, candidates, result)
	}

	result.Duration = c.clock.Now().Sub(started)
	c.metrics.RecordBatchRefresh(providerName, result.Processed, result.Succeeded, result.Failed, dryRun)
	log.Printf("[Refresh] Batch run %s provider=%s dryRun=%v processed=%d succeeded=%d failed=%d skipped=%d",
		result.RunID, providerName, dryRun, result.Processed, result.Succeeded, result.Failed, result.Skipped)
	return result, nil
}

// dryRunBatch previews the run using only read paths: the limiter is
// peeked, never incremented, and no provider client is touched.
func (c *Coordinator) dryRunBatch(
	ctx context.Context,
	candidates []models.Credential,
	result *BatchResult,
) {
	for i := range candidates {
		cred := &candidates[i]
		result.Processed++

		ok, err := c.limiter.CanAttempt(ctx, cred.UserID, cred.Provider, ratelimit.OpTokenRefresh)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchError{
				UserID:  cred.UserID,
				Kind:    string(classify.KindUnknown),
				Message: err.Error(),
			})
			continue
		}
		if !ok {
			result.Skipped++
			continue
		}
		// Would be refreshed by a live run.
		result.Succeeded++
	}
}

// runBatch executes the live run with bounded parallelism. Individual
// failures are collected, never abort the run.
func (c *Coordinator) runBatch(
	ctx context.Context,
	candidates []models.Credential,
	result *BatchResult,
) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for i := range candidates {
		cred := &candidates[i]
		g.Go(func() error {
			res, err := c.EnsureValid(gctx, cred.UserID, cred.Provider, false)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++

			switch {
			case err == nil && res.Refreshed:
				result.Succeeded++
			case err == nil:
				// Already valid or adopted a concurrent refresh.
				result.Skipped++
			case errors.Is(err, ErrRateLimited), errors.Is(err, ErrNotConnected):
				// Back-pressure and absent credentials are not failures.
				result.Skipped++
			default:
				kind, _ := classify.KindOf(err)
				result.Failed++
				result.Errors = append(result.Errors, BatchError{
					UserID:  cred.UserID,
					Kind:    string(kind),
					Message: err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
}
