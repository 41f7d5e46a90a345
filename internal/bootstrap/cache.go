package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/cache"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/metrics"
)

// initializeMetrics initializes Prometheus metrics
func initializeMetrics(cfg *config.Config) core.Recorder {
	recorder := metrics.Init(cfg.MetricsEnabled)
	if cfg.MetricsEnabled {
		log.Println("Prometheus metrics initialized")
	} else {
		log.Println("Metrics disabled (using noop implementation)")
	}
	return recorder
}

// initializeCheckCacheBackend initializes the check cache backend based on
// configuration
func initializeCheckCacheBackend(
	ctx context.Context,
	cfg *config.Config,
) (core.Cache[cache.CheckResult], error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		backend, err := cache.NewRueidisCache[cache.CheckResult](
			ctx,
			cfg.RedisAddr,
			cfg.RedisPass,
			cfg.RedisDB,
			"connections:checks:",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis check cache: %w", err)
		}
		log.Printf("Check cache: redis (addr=%s, db=%d)", cfg.RedisAddr, cfg.RedisDB)
		return backend, nil

	default: // memory
		log.Println("Check cache: memory (single instance only)")
		return cache.NewMemoryCache[cache.CheckResult](), nil
	}
}
