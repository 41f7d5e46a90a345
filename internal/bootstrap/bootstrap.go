package bootstrap

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/cache"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/health"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/notify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/pool"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/provider"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/ratelimit"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/recovery"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/refresh"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/services"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/store"
)

// Application holds all initialized components
type Application struct {
	Config *config.Config

	// Core infrastructure
	DB                *store.Store
	MetricsRecorder   core.Recorder
	CheckCacheBackend core.Cache[cache.CheckResult]
	RedisClient       *redis.Client
	Clock             core.Clock

	// Business layer
	NotifyQueue       *notify.WorkerQueue
	HealthStore       *health.Store
	Limiter           *ratelimit.Limiter
	CheckCache        *cache.CheckCache
	Pool              *pool.ClientPool
	Providers         *provider.Registry
	Recovery          *recovery.Engine
	Coordinator       *refresh.Coordinator
	ConnectionService *services.ConnectionService

	// HTTP
	Router *gin.Engine
	Server *http.Server
}

// Run initializes and starts the application
func Run(ctx context.Context, cfg *config.Config) error {
	app := &Application{
		Config: cfg,
		Clock:  core.SystemClock(),
	}

	// Phase 1: Validate configuration
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Phase 2: Initialize infrastructure
	if err := app.initializeInfrastructure(ctx); err != nil {
		return err
	}

	// Phase 3: Initialize business layer
	app.initializeBusinessLayer()

	// Phase 4: Initialize HTTP layer
	app.initializeHTTPLayer()

	// Phase 5: Start server with graceful shutdown
	app.startWithGracefulShutdown()

	return nil
}

// initializeInfrastructure sets up database, metrics, cache, and Redis
func (app *Application) initializeInfrastructure(ctx context.Context) error {
	var err error

	// Database
	app.DB, err = initializeDatabase(app.Config)
	if err != nil {
		return err
	}

	// Metrics
	app.MetricsRecorder = initializeMetrics(app.Config)

	// Check cache backend
	app.CheckCacheBackend, err = initializeCheckCacheBackend(ctx, app.Config)
	if err != nil {
		return err
	}

	// Redis (shared by the attempt-window store and HTTP rate limiting)
	app.RedisClient, err = initializeRedisClient(ctx, app.Config)
	if err != nil {
		return err
	}

	return nil
}

// initializeBusinessLayer wires the engine components together
func (app *Application) initializeBusinessLayer() {
	cfg := app.Config

	// Notification pipeline (required by the health store)
	app.NotifyQueue = notify.NewWorkerQueue(
		cfg.NotifyBufferSize,
		cfg.NotifyWorkers,
		cfg.NotifyTaskTimeout,
	)
	dispatcher := notify.NewDispatcher(app.NotifyQueue, notify.LogSink{})

	app.HealthStore = health.New(
		app.DB,
		app.DB,
		dispatcher,
		app.Clock,
		app.MetricsRecorder,
		cfg.MaxConsecutiveFailures,
	)

	app.Limiter = ratelimit.NewLimiter(
		initializeWindowStore(app.Config, app.RedisClient, app.Clock),
		cfg.RateLimitWindow,
		map[ratelimit.Operation]int{
			ratelimit.OpTokenRefresh:     cfg.TokenRefreshCap,
			ratelimit.OpConnectivityTest: cfg.ConnectivityTestCap,
		},
		app.Clock,
		app.MetricsRecorder,
	)

	app.CheckCache = cache.NewCheckCache(
		app.CheckCacheBackend,
		map[cache.CheckType]cache.TTLPair{
			cache.CheckTokenValidity: {
				Success: cfg.TokenValiditySuccessTTL,
				Failure: cfg.TokenValidityFailureTTL,
			},
			cache.CheckConnectivity: {
				Success: cfg.ConnectivitySuccessTTL,
				Failure: cfg.ConnectivityFailureTTL,
			},
		},
		app.Clock,
		app.MetricsRecorder,
	)

	app.Pool = pool.New(
		cfg.MaxPoolSize,
		cfg.PoolIdleThreshold,
		app.Clock,
		app.MetricsRecorder,
	)

	app.Providers = initializeProviderRegistry(app.Config)

	app.Recovery = recovery.New(
		app.HealthStore,
		app.Clock,
		app.MetricsRecorder,
		cfg.RecoveryBaseDelay,
		cfg.RecoveryMaxDelay,
		cfg.MaxRecoveryAttempts,
	)

	app.Coordinator = refresh.NewCoordinator(
		app.DB,
		app.HealthStore,
		app.Limiter,
		app.CheckCache,
		app.Pool,
		app.Providers,
		app.Recovery,
		app.Clock,
		app.MetricsRecorder,
		refresh.Config{
			Lookahead:       cfg.RefreshLookahead,
			ProviderTimeout: cfg.ProviderTimeout,
			BatchSize:       cfg.BatchSize,
			Parallelism:     cfg.BatchParallelism,
		},
	)

	app.ConnectionService = services.NewConnectionService(
		app.HealthStore,
		app.Coordinator,
		app.Limiter,
		app.CheckCache,
		app.Pool,
		app.DB,
		app.Providers,
		app.Clock,
		cfg.ProviderTimeout,
	)
}

// initializeHTTPLayer sets up handlers, router, and server
func (app *Application) initializeHTTPLayer() {
	app.Router = setupRouter(
		app.Config,
		app.DB,
		app.ConnectionService,
		app.MetricsRecorder,
		app.RedisClient,
	)
	app.Server = createHTTPServer(app.Config, app.Router)
}

// initializeWindowStore picks the attempt-window backend for the engine's
// own rate limiter.
func initializeWindowStore(
	cfg *config.Config,
	redisClient *redis.Client,
	clock core.Clock,
) ratelimit.WindowStore {
	if cfg.RateLimitStore == config.RateLimitStoreRedis && redisClient != nil {
		log.Println("Rate limit windows: redis (shared across workers)")
		return ratelimit.NewRedisWindowStore(redisClient, clock)
	}
	log.Println("Rate limit windows: memory (single instance only)")
	return ratelimit.NewMemoryWindowStore(clock)
}
