package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/store"
)

// DefaultMaxFailures is the ceiling that converts a retryable failure
// streak into requires_reconnection, so retry loops never run silently
// forever.
const DefaultMaxFailures = 5

// saveAttempts bounds the read-modify-write retry loop under optimistic
// concurrency. Conflicts are rare and resolve on re-read.
const saveAttempts = 3

// SuccessMeta carries optional details about a successful operation.
type SuccessMeta struct {
	Operation      string
	TokenExpiresAt *time.Time
}

// Store owns the health state machine for every (user, provider)
// connection. It is the single writer: callers never mutate HealthStatus
// fields directly. After every write a healthy record carries no
// reconnection flag, no error fields, zero failures, and a token expiry
// that is nil or in the future.
type Store struct {
	repo        Repository
	creds       core.CredentialStore
	notifier    core.NotificationSink
	clock       core.Clock
	metrics     core.Recorder
	maxFailures int
}

// New creates a health store. notifier may be nil when the deployment has
// no messaging subsystem wired.
func New(
	repo Repository,
	creds core.CredentialStore,
	notifier core.NotificationSink,
	clock core.Clock,
	m core.Recorder,
	maxFailures int,
) *Store {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Store{
		repo:        repo,
		creds:       creds,
		notifier:    notifier,
		clock:       clock,
		metrics:     m,
		maxFailures: maxFailures,
	}
}

// GetOrCreate returns the health record for the pair, creating it lazily
// on first access. Idempotent: concurrent creators resolve to the same
// record via the unique index.
func (s *Store) GetOrCreate(ctx context.Context, userID, provider string) (*models.HealthStatus, error) {
	hs, err := s.repo.GetHealthStatus(userID, provider)
	if err == nil {
		return hs, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		s.metrics.RecordDatabaseQueryError("get_health_status")
		return nil, err
	}

	hs = s.freshStatus(ctx, userID, provider)
	if err := s.repo.CreateHealthStatus(hs); err != nil {
		if errors.Is(err, store.ErrDuplicateRecord) {
			// Lost the creation race; the winner's record is authoritative.
			return s.repo.GetHealthStatus(userID, provider)
		}
		s.metrics.RecordDatabaseQueryError("create_health_status")
		return nil, err
	}
	log.Printf("[Health] Created health status user=%s provider=%s status=%s", userID, provider, hs.Status)
	return hs, nil
}

// RecordSuccess transitions the connection to healthy, clears error state,
// and resets the failure counter. The token expiry is mirrored from meta
// when provided, otherwise from the live credential; a healthy record never
// keeps a past expiry.
func (s *Store) RecordSuccess(ctx context.Context, userID, provider string, meta SuccessMeta) error {
	return s.update(ctx, userID, provider, func(hs *models.HealthStatus) {
		wasFailing := hs.NeedsUserAction() || hs.Status == models.StatusUnhealthy

		from := hs.Status
		hs.Status = models.StatusHealthy
		hs.RequiresReconnection = false
		hs.ConsecutiveFailures = 0
		hs.LastErrorKind = ""
		hs.LastErrorMessage = ""
		now := s.clock.Now()
		hs.LastSuccessfulOperationAt = &now
		cred := s.lookupCredential(ctx, hs.UserID, hs.Provider)
		if meta.TokenExpiresAt != nil {
			hs.TokenExpiresAt = meta.TokenExpiresAt
		} else {
			if cred != nil {
				hs.TokenExpiresAt = cred.ExpiresAt
			}
			if hs.TokenExpiresAt != nil && now.After(*hs.TokenExpiresAt) {
				// The operation just succeeded, so whatever expiry we knew
				// about is stale.
				hs.TokenExpiresAt = nil
			}
		}
		hs.ConsolidatedStatus = DetermineConsolidatedStatus(hs, cred, now)

		if from != hs.Status {
			s.metrics.RecordHealthTransition(provider, from, hs.Status)
		}
		if wasFailing {
			s.notifyRecovered(ctx, userID, provider)
		}
	})
}

// RecordFailure increments the failure streak and moves the connection to
// the status the error kind deterministically maps to. It never sets
// healthy. A retryable streak hitting the max-failure ceiling escalates to
// unhealthy with the reconnection flag set.
func (s *Store) RecordFailure(
	ctx context.Context,
	userID, provider string,
	kind classify.ErrorKind,
	message string,
) error {
	return s.update(ctx, userID, provider, func(hs *models.HealthStatus) {
		from := hs.Status
		wasReconnection := hs.RequiresReconnection

		hs.ConsecutiveFailures++
		status, reconnection := statusForKind(kind)
		hs.Status = status
		// The reconnection flag is sticky: a transient failure after an
		// auth failure must not clear it.
		hs.RequiresReconnection = hs.RequiresReconnection || reconnection
		hs.LastErrorKind = string(kind)
		hs.LastErrorMessage = message

		if kind.Retryable() && hs.ConsecutiveFailures >= s.maxFailures {
			hs.Status = models.StatusUnhealthy
			hs.RequiresReconnection = true
		}
		s.recomputeConsolidated(ctx, hs)

		if from != hs.Status {
			s.metrics.RecordHealthTransition(provider, from, hs.Status)
		}
		if hs.RequiresReconnection && !wasReconnection {
			s.notifyReconnectionRequired(ctx, userID, provider, message)
		}
	})
}

// MarkUnhealthy records an externally observed failure (e.g. an upload
// worker hitting a provider error outside the refresh path).
func (s *Store) MarkUnhealthy(
	ctx context.Context,
	userID, provider, message string,
	kind classify.ErrorKind,
) error {
	if kind == "" {
		kind = classify.KindUnknown
	}
	return s.RecordFailure(ctx, userID, provider, kind, message)
}

// RequireReconnection forces the sticky reconnection flag without counting
// a new failure, used when recovery exhausts its attempt budget.
func (s *Store) RequireReconnection(ctx context.Context, userID, provider, reason string) error {
	return s.update(ctx, userID, provider, func(hs *models.HealthStatus) {
		if hs.RequiresReconnection {
			return
		}
		from := hs.Status
		hs.RequiresReconnection = true
		if hs.Status == models.StatusHealthy || hs.Status == models.StatusDegraded {
			hs.Status = models.StatusUnhealthy
		}
		if hs.LastErrorMessage == "" {
			hs.LastErrorMessage = reason
		}
		s.recomputeConsolidated(ctx, hs)

		if from != hs.Status {
			s.metrics.RecordHealthTransition(provider, from, hs.Status)
		}
		s.notifyReconnectionRequired(ctx, userID, provider, reason)
	})
}

// DetermineConsolidatedStatus derives the single user-facing health value
// from the raw status plus live credential state. Pure with respect to the
// record: identical inputs always produce identical outputs.
func DetermineConsolidatedStatus(
	hs *models.HealthStatus,
	cred *models.Credential,
	now time.Time,
) string {
	if cred == nil {
		return models.StatusNotConnected
	}
	if hs.RequiresReconnection || hs.Status == models.StatusAuthenticationRequired {
		return models.StatusAuthenticationRequired
	}
	if cred.IsExpired(now) && cred.RefreshToken == "" {
		// Expired with no way to refresh: only reconnection helps.
		return models.StatusAuthenticationRequired
	}
	switch hs.Status {
	case models.StatusHealthy:
		return models.StatusHealthy
	case models.StatusNotConnected:
		// A credential exists now; the stored status just lags behind.
		return models.StatusDegraded
	default:
		return hs.Status
	}
}

// ReconcileInconsistencies scans every health record, recomputes what the
// record should say from ground truth (the live credential), and repairs
// drift. Returns the number of records fixed. This is the unified
// self-healing pass; it is the only code path allowed to overwrite
// consolidated_status out-of-band.
func (s *Store) ReconcileInconsistencies(ctx context.Context) (int, error) {
	started := s.clock.Now()

	statuses, err := s.repo.ListHealthStatuses()
	if err != nil {
		s.metrics.RecordDatabaseQueryError("list_health_statuses")
		return 0, err
	}

	fixed := 0
	for i := range statuses {
		hs := &statuses[i]
		changed, err := s.reconcileOne(ctx, hs)
		if err != nil {
			log.Printf("[Health] Reconcile skipped user=%s provider=%s: %v", hs.UserID, hs.Provider, err)
			continue
		}
		if changed {
			fixed++
		}
	}

	s.metrics.RecordReconcileRun(fixed, s.clock.Now().Sub(started))
	if fixed > 0 {
		log.Printf("[Health] Reconcile pass fixed %d of %d records", fixed, len(statuses))
	}
	return fixed, nil
}

// CountByStatus exposes repository counts for the metrics gauge updater.
func (s *Store) CountByStatus() (map[string]int64, error) {
	return s.repo.CountByStatus()
}

// reconcileOne repairs a single record. Ground truth is the credential;
// stored flags are never trusted over it.
func (s *Store) reconcileOne(ctx context.Context, hs *models.HealthStatus) (bool, error) {
	cred := s.lookupCredential(ctx, hs.UserID, hs.Provider)
	now := s.clock.Now()

	fixedStatus := hs.Status
	fixedReconnection := hs.RequiresReconnection
	fixedFailures := hs.ConsecutiveFailures
	fixedErrorKind := hs.LastErrorKind
	fixedErrorMessage := hs.LastErrorMessage
	fixedExpiry := hs.TokenExpiresAt

	if cred == nil {
		fixedStatus = models.StatusNotConnected
		fixedReconnection = false
		fixedExpiry = nil
	} else {
		fixedExpiry = cred.ExpiresAt
		if hs.Status == models.StatusHealthy && cred.IsExpired(now) {
			// healthy with a past expiry violates the invariant set.
			fixedStatus = models.StatusAuthenticationRequired
			if cred.RefreshToken == "" {
				fixedReconnection = true
			}
		}
		if hs.Status == models.StatusNotConnected {
			fixedStatus = models.StatusDegraded
		}
	}

	if fixedStatus == models.StatusHealthy {
		fixedReconnection = false
		fixedFailures = 0
		fixedErrorKind = ""
		fixedErrorMessage = ""
	}
	if fixedReconnection && fixedStatus == models.StatusHealthy {
		fixedStatus = models.StatusAuthenticationRequired
	}

	consolidated := DetermineConsolidatedStatus(&models.HealthStatus{
		Status:               fixedStatus,
		RequiresReconnection: fixedReconnection,
	}, cred, now)

	changed := fixedStatus != hs.Status ||
		fixedReconnection != hs.RequiresReconnection ||
		fixedFailures != hs.ConsecutiveFailures ||
		fixedErrorKind != hs.LastErrorKind ||
		fixedErrorMessage != hs.LastErrorMessage ||
		consolidated != hs.ConsolidatedStatus ||
		!equalTimePtr(fixedExpiry, hs.TokenExpiresAt)
	if !changed {
		return false, nil
	}

	hs.Status = fixedStatus
	hs.RequiresReconnection = fixedReconnection
	hs.ConsecutiveFailures = fixedFailures
	hs.LastErrorKind = fixedErrorKind
	hs.LastErrorMessage = fixedErrorMessage
	hs.TokenExpiresAt = fixedExpiry
	hs.ConsolidatedStatus = consolidated

	if err := s.repo.SaveHealthStatus(hs); err != nil {
		if errors.Is(err, store.ErrStaleRecord) {
			// A live writer beat the repair; its write already recomputed
			// the derived fields.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// update runs a read-modify-write cycle under optimistic concurrency,
// retrying on version conflicts.
func (s *Store) update(
	ctx context.Context,
	userID, provider string,
	mutate func(hs *models.HealthStatus),
) error {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		hs, err := s.GetOrCreate(ctx, userID, provider)
		if err != nil {
			return err
		}

		mutate(hs)

		err = s.repo.SaveHealthStatus(hs)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStaleRecord) {
			s.metrics.RecordDatabaseQueryError("save_health_status")
			return err
		}
		// Conflict: re-read and re-apply.
	}
	return fmt.Errorf("health status update for user=%s provider=%s: %w", userID, provider, store.ErrStaleRecord)
}

// freshStatus builds the initial record from credential ground truth.
func (s *Store) freshStatus(ctx context.Context, userID, provider string) *models.HealthStatus {
	hs := &models.HealthStatus{
		ID:       uuid.New().String(),
		UserID:   userID,
		Provider: provider,
		Status:   models.StatusNotConnected,
	}

	cred := s.lookupCredential(ctx, userID, provider)
	if cred != nil {
		hs.TokenExpiresAt = cred.ExpiresAt
		if cred.IsExpired(s.clock.Now()) {
			hs.Status = models.StatusAuthenticationRequired
		} else {
			hs.Status = models.StatusHealthy
		}
	}
	hs.ConsolidatedStatus = DetermineConsolidatedStatus(hs, cred, s.clock.Now())
	return hs
}

func (s *Store) recomputeConsolidated(ctx context.Context, hs *models.HealthStatus) {
	cred := s.lookupCredential(ctx, hs.UserID, hs.Provider)
	hs.ConsolidatedStatus = DetermineConsolidatedStatus(hs, cred, s.clock.Now())
}

func (s *Store) lookupCredential(ctx context.Context, userID, provider string) *models.Credential {
	cred, err := s.creds.GetCredential(ctx, userID, provider)
	if err != nil {
		return nil
	}
	return cred
}

func (s *Store) notifyReconnectionRequired(ctx context.Context, userID, provider, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ReconnectionRequired(ctx, userID, provider, message); err != nil {
		log.Printf("[Health] Reconnection notification failed user=%s provider=%s: %v", userID, provider, err)
	}
}

func (s *Store) notifyRecovered(ctx context.Context, userID, provider string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ConnectionRecovered(ctx, userID, provider); err != nil {
		log.Printf("[Health] Recovery notification failed user=%s provider=%s: %v", userID, provider, err)
	}
}

// statusForKind is the deterministic error-kind → status table. It never
// yields healthy.
func statusForKind(kind classify.ErrorKind) (status string, requiresReconnection bool) {
	switch kind {
	case classify.KindTokenExpired,
		classify.KindInvalidRefreshToken,
		classify.KindInvalidCredentials,
		classify.KindInsufficientPermissions:
		return models.StatusAuthenticationRequired, kind.RequiresReconnection() || kind == classify.KindTokenExpired
	case classify.KindNetworkError,
		classify.KindServiceUnavailable,
		classify.KindAPIQuotaExceeded,
		classify.KindStorageQuotaExceeded:
		return models.StatusDegraded, false
	case classify.KindFileNotFound,
		classify.KindFolderAccessDenied,
		classify.KindInvalidFileType,
		classify.KindFileTooLarge,
		classify.KindInvalidFileContent:
		// Operation-level failures: the connection itself is suspect but
		// not necessarily broken.
		return models.StatusDegraded, false
	default:
		return models.StatusUnhealthy, false
	}
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
