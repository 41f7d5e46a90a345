package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedRouter(t *testing.T, rate string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mw, err := NewMemoryRateLimiter(rate)
	require.NoError(t, err)

	router := gin.New()
	router.Use(mw)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

func TestNewRateLimiter_InvalidRate(t *testing.T) {
	_, err := NewMemoryRateLimiter("not-a-rate")
	assert.Error(t, err)
}

func TestNewRateLimiter_RedisRequiresClient(t *testing.T) {
	_, err := NewRateLimiter(RateLimitConfig{
		Rate:      "10-M",
		StoreType: RateLimitStoreRedis,
	})
	assert.Error(t, err)
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	router := newLimitedRouter(t, "5-M")

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	router := newLimitedRouter(t, "2-M")

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
