package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/classify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/metrics"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// fakeRepo is an in-memory Repository with the same optimistic concurrency
// semantics as the gorm store.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*models.HealthStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*models.HealthStatus)}
}

func repoKey(userID, provider string) string { return userID + "|" + provider }

func (r *fakeRepo) GetHealthStatus(userID, provider string) (*models.HealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.records[repoKey(userID, provider)]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := *hs
	return &cp, nil
}

func (r *fakeRepo) CreateHealthStatus(hs *models.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := repoKey(hs.UserID, hs.Provider)
	if _, ok := r.records[key]; ok {
		return store.ErrDuplicateRecord
	}
	cp := *hs
	r.records[key] = &cp
	return nil
}

func (r *fakeRepo) SaveHealthStatus(hs *models.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := repoKey(hs.UserID, hs.Provider)
	stored, ok := r.records[key]
	if !ok {
		return store.ErrRecordNotFound
	}
	if stored.Version != hs.Version {
		return store.ErrStaleRecord
	}
	hs.Version++
	cp := *hs
	r.records[key] = &cp
	return nil
}

func (r *fakeRepo) ListHealthStatuses() ([]models.HealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.HealthStatus, 0, len(r.records))
	for _, hs := range r.records {
		out = append(out, *hs)
	}
	return out, nil
}

func (r *fakeRepo) CountByStatus() (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64)
	for _, hs := range r.records {
		out[hs.Status]++
	}
	return out, nil
}

type fakeCredStore struct {
	mu    sync.Mutex
	creds map[string]*models.Credential
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{creds: make(map[string]*models.Credential)}
}

func (s *fakeCredStore) put(cred *models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.creds[repoKey(cred.UserID, cred.Provider)] = &cp
}

func (s *fakeCredStore) remove(userID, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, repoKey(userID, provider))
}

func (s *fakeCredStore) GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[repoKey(userID, provider)]
	if !ok {
		return nil, core.ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *fakeCredStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	s.put(cred)
	return nil
}

func (s *fakeCredStore) ListCredentialsExpiringWithin(
	ctx context.Context,
	provider string,
	window time.Duration,
) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Credential
	for _, cred := range s.creds {
		if cred.Provider == provider && cred.ExpiresAt != nil {
			out = append(out, *cred)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu            sync.Mutex
	reconnections []string
	recoveries    []string
}

func (n *fakeNotifier) ReconnectionRequired(ctx context.Context, userID, provider, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnections = append(n.reconnections, repoKey(userID, provider))
	return nil
}

func (n *fakeNotifier) ConnectionRecovered(ctx context.Context, userID, provider string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recoveries = append(n.recoveries, repoKey(userID, provider))
	return nil
}

type testEnv struct {
	store    *Store
	repo     *fakeRepo
	creds    *fakeCredStore
	notifier *fakeNotifier
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     newFakeRepo(),
		creds:    newFakeCredStore(),
		notifier: &fakeNotifier{},
		clock:    newFakeClock(),
	}
	env.store = New(env.repo, env.creds, env.notifier, env.clock, metrics.NewNoopMetrics(), DefaultMaxFailures)
	return env
}

func (env *testEnv) validCredential(userID string) *models.Credential {
	expiresAt := env.clock.Now().Add(48 * time.Hour)
	return &models.Credential{
		ID:           "cred-" + userID,
		UserID:       userID,
		Provider:     "google-drive",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    &expiresAt,
	}
}

func TestGetOrCreate_NoCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hs, err := env.store.GetOrCreate(ctx, "user-1", "google-drive")
	require.NoError(t, err)

	assert.Equal(t, models.StatusNotConnected, hs.Status)
	assert.Equal(t, models.StatusNotConnected, hs.ConsolidatedStatus)
	assert.False(t, hs.RequiresReconnection)
	assert.Zero(t, hs.ConsecutiveFailures)
	assert.Nil(t, hs.TokenExpiresAt)
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.store.GetOrCreate(ctx, "user-1", "google-drive")
	require.NoError(t, err)
	second, err := env.store.GetOrCreate(ctx, "user-1", "google-drive")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreate_WithValidCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	hs, err := env.store.GetOrCreate(ctx, "user-1", "google-drive")
	require.NoError(t, err)

	assert.Equal(t, models.StatusHealthy, hs.Status)
	assert.Equal(t, models.StatusHealthy, hs.ConsolidatedStatus)
	require.NotNil(t, hs.TokenExpiresAt)
}

func TestGetOrCreate_WithExpiredCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cred := env.validCredential("user-1")
	expired := env.clock.Now().Add(-time.Hour)
	cred.ExpiresAt = &expired
	env.creds.put(cred)

	hs, err := env.store.GetOrCreate(ctx, "user-1", "google-drive")
	require.NoError(t, err)

	assert.Equal(t, models.StatusAuthenticationRequired, hs.Status)
	assert.Equal(t, models.StatusAuthenticationRequired, hs.ConsolidatedStatus)
}

func TestRecordFailure_AuthKindSetsReconnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	err := env.store.RecordFailure(ctx, "user-1", "google-drive",
		classify.KindInvalidRefreshToken, "invalid_grant")
	require.NoError(t, err)

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthenticationRequired, hs.Status)
	assert.Equal(t, models.StatusAuthenticationRequired, hs.ConsolidatedStatus)
	assert.True(t, hs.RequiresReconnection)
	assert.Equal(t, 1, hs.ConsecutiveFailures)
	assert.Equal(t, string(classify.KindInvalidRefreshToken), hs.LastErrorKind)
	assert.Equal(t, "invalid_grant", hs.LastErrorMessage)
	assert.Len(t, env.notifier.reconnections, 1)
}

func TestRecordFailure_ReconnectionFlagIsSticky(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	require.NoError(t, env.store.RecordFailure(ctx, "user-1", "google-drive",
		classify.KindInvalidRefreshToken, "invalid_grant"))

	// A later transient failure must not clear the flag.
	require.NoError(t, env.store.RecordFailure(ctx, "user-1", "google-drive",
		classify.KindNetworkError, "connection refused"))

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, hs.Status)
	assert.True(t, hs.RequiresReconnection)
	assert.Equal(t, 2, hs.ConsecutiveFailures)
	assert.Len(t, env.notifier.reconnections, 1, "flag already set, no duplicate notification")
}

func TestRecordFailure_RetryableStreakEscalates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	for i := 0; i < DefaultMaxFailures-1; i++ {
		require.NoError(t, env.store.RecordFailure(ctx, "user-1", "google-drive",
			classify.KindServiceUnavailable, "503"))
	}

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, hs.Status)
	assert.False(t, hs.RequiresReconnection)

	require.NoError(t, env.store.RecordFailure(ctx, "user-1", "google-drive",
		classify.KindServiceUnavailable, "503"))

	hs, err = env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnhealthy, hs.Status)
	assert.True(t, hs.RequiresReconnection)
	assert.Equal(t, DefaultMaxFailures, hs.ConsecutiveFailures)
	assert.Len(t, env.notifier.reconnections, 1)
}

func TestRecordSuccess_ClearsFailureState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	require.NoError(t, env.store.RecordFailure(ctx, "user-1", "google-drive",
		classify.KindInvalidRefreshToken, "invalid_grant"))

	newExpiry := env.clock.Now().Add(time.Hour)
	require.NoError(t, env.store.RecordSuccess(ctx, "user-1", "google-drive", SuccessMeta{
		Operation:      "token_refresh",
		TokenExpiresAt: &newExpiry,
	}))

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, hs.Status)
	assert.Equal(t, models.StatusHealthy, hs.ConsolidatedStatus)
	assert.False(t, hs.RequiresReconnection)
	assert.Zero(t, hs.ConsecutiveFailures)
	assert.Empty(t, hs.LastErrorKind)
	assert.Empty(t, hs.LastErrorMessage)
	require.NotNil(t, hs.TokenExpiresAt)
	assert.True(t, hs.TokenExpiresAt.Equal(newExpiry))
	require.NotNil(t, hs.LastSuccessfulOperationAt)
	assert.Len(t, env.notifier.recoveries, 1)
}

func TestRecordSuccess_MirrorsCredentialExpiryWhenMetaOmitsIt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	cred := env.validCredential("user-1")
	env.creds.put(cred)

	// Stored expiry lags two hours behind; a success without an expiry of
	// its own must not carry it into healthy.
	stale := env.clock.Now().Add(-2 * time.Hour)
	require.NoError(t, env.repo.CreateHealthStatus(&models.HealthStatus{
		ID: "hs-1", UserID: "user-1", Provider: "google-drive",
		Status: models.StatusUnhealthy, ConsolidatedStatus: models.StatusUnhealthy,
		TokenExpiresAt: &stale,
	}))

	require.NoError(t, env.store.RecordSuccess(ctx, "user-1", "google-drive", SuccessMeta{Operation: "upload"}))

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, hs.Status)
	require.NotNil(t, hs.TokenExpiresAt)
	assert.True(t, hs.TokenExpiresAt.Equal(*cred.ExpiresAt))
	assert.False(t, env.clock.Now().After(*hs.TokenExpiresAt),
		"a healthy record never keeps a past expiry")
}

func TestRecordSuccess_ClearsPastExpiryWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.clock.Now().Add(-2 * time.Hour)
	require.NoError(t, env.repo.CreateHealthStatus(&models.HealthStatus{
		ID: "hs-1", UserID: "user-1", Provider: "google-drive",
		Status: models.StatusDegraded, ConsolidatedStatus: models.StatusDegraded,
		TokenExpiresAt: &stale,
	}))

	require.NoError(t, env.store.RecordSuccess(ctx, "user-1", "google-drive", SuccessMeta{Operation: "upload"}))

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, hs.Status)
	assert.Nil(t, hs.TokenExpiresAt)
}

func TestRecordSuccess_NoRecoveryNotificationWhenAlreadyHealthy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	require.NoError(t, env.store.RecordSuccess(ctx, "user-1", "google-drive", SuccessMeta{Operation: "upload"}))
	require.NoError(t, env.store.RecordSuccess(ctx, "user-1", "google-drive", SuccessMeta{Operation: "upload"}))

	assert.Empty(t, env.notifier.recoveries)
}

func TestRequireReconnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	require.NoError(t, env.store.RecordSuccess(ctx, "user-1", "google-drive", SuccessMeta{Operation: "upload"}))
	require.NoError(t, env.store.RequireReconnection(ctx, "user-1", "google-drive", "recovery exhausted"))

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnhealthy, hs.Status)
	assert.True(t, hs.RequiresReconnection)
	assert.Len(t, env.notifier.reconnections, 1)

	// Re-flagging is a no-op, including notifications.
	require.NoError(t, env.store.RequireReconnection(ctx, "user-1", "google-drive", "again"))
	assert.Len(t, env.notifier.reconnections, 1)
}

func TestMarkUnhealthy_DefaultsToUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.creds.put(env.validCredential("user-1"))

	require.NoError(t, env.store.MarkUnhealthy(ctx, "user-1", "google-drive", "upload worker failed", ""))

	hs, err := env.repo.GetHealthStatus("user-1", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, string(classify.KindUnknown), hs.LastErrorKind)
	assert.Equal(t, 1, hs.ConsecutiveFailures)
}

func TestDetermineConsolidatedStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		hs   *models.HealthStatus
		cred *models.Credential
		want string
	}{
		{
			name: "no credential",
			hs:   &models.HealthStatus{Status: models.StatusHealthy},
			cred: nil,
			want: models.StatusNotConnected,
		},
		{
			name: "reconnection flag wins",
			hs:   &models.HealthStatus{Status: models.StatusDegraded, RequiresReconnection: true},
			cred: &models.Credential{RefreshToken: "r", ExpiresAt: &future},
			want: models.StatusAuthenticationRequired,
		},
		{
			name: "expired with no refresh token",
			hs:   &models.HealthStatus{Status: models.StatusHealthy},
			cred: &models.Credential{ExpiresAt: &past},
			want: models.StatusAuthenticationRequired,
		},
		{
			name: "expired but refreshable stays healthy",
			hs:   &models.HealthStatus{Status: models.StatusHealthy},
			cred: &models.Credential{RefreshToken: "r", ExpiresAt: &past},
			want: models.StatusHealthy,
		},
		{
			name: "healthy with valid credential",
			hs:   &models.HealthStatus{Status: models.StatusHealthy},
			cred: &models.Credential{RefreshToken: "r", ExpiresAt: &future},
			want: models.StatusHealthy,
		},
		{
			name: "stored not_connected lags behind credential",
			hs:   &models.HealthStatus{Status: models.StatusNotConnected},
			cred: &models.Credential{RefreshToken: "r", ExpiresAt: &future},
			want: models.StatusDegraded,
		},
		{
			name: "degraded passes through",
			hs:   &models.HealthStatus{Status: models.StatusDegraded},
			cred: &models.Credential{RefreshToken: "r", ExpiresAt: &future},
			want: models.StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineConsolidatedStatus(tt.hs, tt.cred, now))
		})
	}
}

func TestReconcileInconsistencies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Healthy record whose credential expired and cannot refresh.
	credA := env.validCredential("user-a")
	expired := env.clock.Now().Add(-time.Hour)
	credA.ExpiresAt = &expired
	credA.RefreshToken = ""
	env.creds.put(credA)
	require.NoError(t, env.repo.CreateHealthStatus(&models.HealthStatus{
		ID: "hs-a", UserID: "user-a", Provider: "google-drive",
		Status: models.StatusHealthy, ConsolidatedStatus: models.StatusHealthy,
	}))

	// Record claiming not_connected while a live credential exists.
	env.creds.put(env.validCredential("user-b"))
	require.NoError(t, env.repo.CreateHealthStatus(&models.HealthStatus{
		ID: "hs-b", UserID: "user-b", Provider: "google-drive",
		Status: models.StatusNotConnected, ConsolidatedStatus: models.StatusNotConnected,
	}))

	// Record flagged for reconnection with no credential at all.
	require.NoError(t, env.repo.CreateHealthStatus(&models.HealthStatus{
		ID: "hs-c", UserID: "user-c", Provider: "google-drive",
		Status: models.StatusUnhealthy, ConsolidatedStatus: models.StatusUnhealthy,
		RequiresReconnection: true, ConsecutiveFailures: 7,
	}))

	fixed, err := env.store.ReconcileInconsistencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, fixed)

	hs, err := env.repo.GetHealthStatus("user-a", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAuthenticationRequired, hs.Status)
	assert.True(t, hs.RequiresReconnection)

	hs, err = env.repo.GetHealthStatus("user-b", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, hs.Status)

	hs, err = env.repo.GetHealthStatus("user-c", "google-drive")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotConnected, hs.Status)
	assert.False(t, hs.RequiresReconnection)
	assert.Equal(t, models.StatusNotConnected, hs.ConsolidatedStatus)

	// A second pass over repaired records finds nothing to fix.
	fixed, err = env.store.ReconcileInconsistencies(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}

func TestCountByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.GetOrCreate(ctx, "user-1", "google-drive")
	require.NoError(t, err)
	_, err = env.store.GetOrCreate(ctx, "user-2", "google-drive")
	require.NoError(t, err)

	counts, err := env.store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusNotConnected])
}
