package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterRedis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// RateLimitStoreType defines the type of rate limit store
type RateLimitStoreType string

const (
	// RateLimitStoreMemory uses in-memory storage (single instance only)
	RateLimitStoreMemory RateLimitStoreType = "memory"
	// RateLimitStoreRedis uses Redis storage (distributed, multi-pod support)
	RateLimitStoreRedis RateLimitStoreType = "redis"
)

// RateLimitConfig holds the configuration for the HTTP rate limit middleware
type RateLimitConfig struct {
	// Rate in ulule/limiter formatted notation, e.g. "30-M" for 30 per minute
	Rate string

	// Store settings
	StoreType RateLimitStoreType // "memory" or "redis"

	// Redis client, required when StoreType = "redis". The middleware does
	// not own the client and never closes it.
	RedisClient *redis.Client

	CleanupInterval time.Duration // How often to cleanup (only affects redis store)
}

// NewRateLimiter creates HTTP rate limit middleware with a configurable
// store backend. This guards the maintenance and batch endpoints, which
// fan out to the database and provider APIs.
func NewRateLimiter(config RateLimitConfig) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(config.Rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", config.Rate, err)
	}

	var store limiter.Store

	switch config.StoreType {
	case RateLimitStoreRedis:
		if config.RedisClient == nil {
			return nil, fmt.Errorf("redis rate limit store requires a redis client")
		}
		store, err = limiterRedis.NewStoreWithOptions(config.RedisClient, limiter.StoreOptions{
			Prefix:          "httpratelimit",
			CleanUpInterval: config.CleanupInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}

	case RateLimitStoreMemory:
		fallthrough
	default:
		store = memory.NewStore()
	}

	instance := limiter.New(store, rate)

	middleware := mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(func(c *gin.Context) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate_limit_exceeded",
			"error_description": "Too many requests. Please try again later.",
		})
		c.Abort()
	}))

	return middleware, nil
}

// NewMemoryRateLimiter creates an in-memory HTTP rate limiter (single instance)
func NewMemoryRateLimiter(rate string) (gin.HandlerFunc, error) {
	return NewRateLimiter(RateLimitConfig{
		Rate:      rate,
		StoreType: RateLimitStoreMemory,
	})
}

// NewRedisRateLimiter creates a Redis-backed HTTP rate limiter (distributed, multi-pod)
func NewRedisRateLimiter(rate string, client *redis.Client) (gin.HandlerFunc, error) {
	return NewRateLimiter(RateLimitConfig{
		Rate:            rate,
		StoreType:       RateLimitStoreRedis,
		RedisClient:     client,
		CleanupInterval: 5 * time.Minute,
	})
}
