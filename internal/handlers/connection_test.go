package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/cache"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/health"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/metrics"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/pool"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/provider"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/ratelimit"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/recovery"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/refresh"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/services"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/store"
)

const testProvider = "google-drive"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*models.HealthStatus
}

func pairKey(userID, provider string) string { return userID + "|" + provider }

func (r *fakeRepo) GetHealthStatus(userID, provider string) (*models.HealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, ok := r.records[pairKey(userID, provider)]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := *hs
	return &cp, nil
}

func (r *fakeRepo) CreateHealthStatus(hs *models.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pairKey(hs.UserID, hs.Provider)
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
	key := pairKey(hs.UserID, hs.Provider)
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
	return nil, nil
}

func (r *fakeRepo) CountByStatus() (map[string]int64, error) {
	return map[string]int64{}, nil
}

type fakeCredStore struct {
	mu    sync.Mutex
	creds map[string]*models.Credential
}

func (s *fakeCredStore) put(cred *models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.creds[pairKey(cred.UserID, cred.Provider)] = &cp
}

func (s *fakeCredStore) GetCredential(ctx context.Context, userID, provider string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[pairKey(userID, provider)]
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
	return nil, nil
}

type fakeProviderClient struct {
	mu         sync.Mutex
	clock      *fakeClock
	refreshErr error
	probeErr   error
	calls      int
}

func (c *fakeProviderClient) RefreshToken(ctx context.Context, cred *models.Credential) (*core.RefreshedToken, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	return &core.RefreshedToken{
		AccessToken:  "rotated-access-token",
		RefreshToken: "rotated-refresh-token",
		ExpiresAt:    c.clock.Now().Add(48 * time.Hour),
	}, nil
}

func (c *fakeProviderClient) TestConnectivity(ctx context.Context) error { return c.probeErr }
func (c *fakeProviderClient) Provider() string                           { return testProvider }

type fakeFactory struct {
	client *fakeProviderClient
}

func (f *fakeFactory) NewClient(ctx context.Context, cred *models.Credential) (core.ProviderClient, error) {
	return f.client, nil
}

func (f *fakeFactory) Provider() string { return testProvider }

type handlerEnv struct {
	clock  *fakeClock
	creds  *fakeCredStore
	repo   *fakeRepo
	client *fakeProviderClient
	router *gin.Engine
}

func newHandlerEnv(t *testing.T, caps map[ratelimit.Operation]int) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.NewNoopMetrics()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	creds := &fakeCredStore{creds: make(map[string]*models.Credential)}
	repo := &fakeRepo{records: make(map[string]*models.HealthStatus)}
	h := health.New(repo, creds, nil, clock, m, health.DefaultMaxFailures)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryWindowStore(clock), time.Hour, caps, clock, m)
	checks := cache.NewCheckCache(cache.NewMemoryCache[cache.CheckResult](), map[cache.CheckType]cache.TTLPair{
		cache.CheckTokenValidity: {Success: 5 * time.Minute, Failure: 30 * time.Second},
		cache.CheckConnectivity:  {Success: 2 * time.Minute, Failure: 15 * time.Second},
	}, clock, m)
	client := &fakeProviderClient{clock: clock}
	registry := provider.NewRegistry()
	registry.Register(&fakeFactory{client: client})
	p := pool.New(10, time.Hour, clock, m)
	rec := recovery.New(h, clock, m, 30*time.Second, 30*time.Minute, 5)
	coordinator := refresh.NewCoordinator(creds, h, limiter, checks, p, registry, rec, clock, m, refresh.Config{
		Lookahead:       24 * time.Hour,
		ProviderTimeout: 5 * time.Second,
	})
	connections := services.NewConnectionService(h, coordinator, limiter, checks, p, creds, registry, clock, 5*time.Second)

	handler := NewConnectionHandler(connections)
	router := gin.New()
	api := router.Group("/api/connections/:userID/:provider")
	{
		api.GET("/health", handler.GetHealth)
		api.POST("/ensure-token", handler.EnsureToken)
		api.POST("/operations", handler.RecordOperation)
		api.POST("/unhealthy", handler.MarkUnhealthy)
		api.GET("/rate-limits", handler.GetRateLimits)
		api.POST("/connectivity-test", handler.TestConnectivity)
	}

	return &handlerEnv{clock: clock, creds: creds, repo: repo, client: client, router: router}
}

func (env *handlerEnv) putCredential(userID, providerName string, expiresIn time.Duration) {
	expiresAt := env.clock.Now().Add(expiresIn)
	env.creds.put(&models.Credential{
		ID:           "cred-" + userID,
		UserID:       userID,
		Provider:     providerName,
		AccessToken:  "secret-access-token",
		RefreshToken: "secret-refresh-token",
		ExpiresAt:    &expiresAt,
	})
}

func (env *handlerEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func TestGetHealth_CreatesLazily(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do(http.MethodGet, "/api/connections/user-1/google-drive/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var hs models.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hs))
	assert.Equal(t, models.StatusNotConnected, hs.Status)
	assert.Equal(t, "user-1", hs.UserID)
}

func TestEnsureToken_Refreshes(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/ensure-token", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["refreshed"])
	assert.Equal(t, false, resp["already_valid"])
	assert.NotEmpty(t, resp["token_expires_at"])

	// Tokens never leak through this surface.
	assert.NotContains(t, w.Body.String(), "rotated-access-token")
	assert.NotContains(t, w.Body.String(), "secret-refresh-token")
}

func TestEnsureToken_AlreadyValid(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, 48*time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/ensure-token", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["refreshed"])
	assert.Equal(t, true, resp["already_valid"])
	assert.Equal(t, 0, env.client.calls)
}

func TestEnsureToken_NotConnected(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/ensure-token", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_connected")
}

func TestEnsureToken_RateLimited(t *testing.T) {
	env := newHandlerEnv(t, map[ratelimit.Operation]int{ratelimit.OpTokenRefresh: 1})
	env.putCredential("user-1", testProvider, time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/ensure-token", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/connections/user-1/google-drive/ensure-token?force=true", "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")
}

func TestEnsureToken_ProviderFailure(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, time.Hour)
	env.client.refreshErr = errors.New(`oauth2: cannot fetch token: "invalid_grant"`)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/ensure-token", "")
	require.Equal(t, http.StatusBadGateway, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_refresh_token", resp["error"])
	assert.Equal(t, true, resp["requires_reconnection"])
	assert.Equal(t, false, resp["retryable"])
}

func TestRecordOperation(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, 48*time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/operations",
		`{"operation":"file_upload"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	hs, err := env.repo.GetHealthStatus("user-1", testProvider)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, hs.Status)
	require.NotNil(t, hs.LastSuccessfulOperationAt)
}

func TestRecordOperation_MissingField(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/operations", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestMarkUnhealthy(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, 48*time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/unhealthy",
		`{"message":"upload failed: 503","error_kind":"service_unavailable"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	hs, err := env.repo.GetHealthStatus("user-1", testProvider)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, hs.Status)
	assert.Equal(t, "service_unavailable", hs.LastErrorKind)
	assert.Equal(t, 1, hs.ConsecutiveFailures)
}

func TestGetRateLimits(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do(http.MethodGet, "/api/connections/user-1/google-drive/rate-limits", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]ratelimit.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, string(ratelimit.OpTokenRefresh))
	require.Contains(t, resp, string(ratelimit.OpConnectivityTest))
	assert.Equal(t, ratelimit.DefaultTokenRefreshCap, resp[string(ratelimit.OpTokenRefresh)].MaxAttempts)
	assert.True(t, resp[string(ratelimit.OpTokenRefresh)].CanAttempt)
}

func TestConnectivityTest_Healthy(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, 48*time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/connectivity-test", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result cache.CheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Healthy)

	hs, err := env.repo.GetHealthStatus("user-1", testProvider)
	require.NoError(t, err)
	assert.Equal(t, models.StatusHealthy, hs.Status)
}

func TestConnectivityTest_ProbeFailure(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", testProvider, 48*time.Hour)
	env.client.probeErr = errors.New("503 Service Unavailable")

	w := env.do(http.MethodPost, "/api/connections/user-1/google-drive/connectivity-test", "")
	require.Equal(t, http.StatusOK, w.Code)

	var result cache.CheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.Healthy)
	assert.Equal(t, "service_unavailable", result.Kind)

	hs, err := env.repo.GetHealthStatus("user-1", testProvider)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, hs.Status)
}

func TestConnectivityTest_UnknownProvider(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.putCredential("user-1", "dropbox", 48*time.Hour)

	w := env.do(http.MethodPost, "/api/connections/user-1/dropbox/connectivity-test", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_provider")
}
