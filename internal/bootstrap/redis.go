package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
)

// initializeRedisClient initializes the go-redis client shared by the
// attempt-window store and the HTTP rate limit middleware. Returns nil when
// every rate limit store is in-memory.
// Note: these must use go-redis because ulule/limiter depends on go-redis types.
func initializeRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RateLimitStore != config.RateLimitStoreRedis {
		return nil, nil //nolint:nilnil // redis client not needed in this configuration
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	// Test connection with timeout
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}

	log.Printf("Redis client initialized (address: %s, db: %d)", cfg.RedisAddr, cfg.RedisDB)
	return client, nil
}
