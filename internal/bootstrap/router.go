package bootstrap

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/handlers"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/metrics"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/middleware"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/services"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/store"
)

// setupRouter configures the Gin router with all routes and middleware
func setupRouter(
	cfg *config.Config,
	db *store.Store,
	connections *services.ConnectionService,
	recorder core.Recorder,
	redisClient *redis.Client,
) *gin.Engine {
	r := gin.New()

	r.Use(metrics.HTTPMetricsMiddleware(recorder))
	r.Use(gin.Logger(), gin.Recovery())

	// Health check endpoint
	r.GET("/healthz", createHealthCheckHandler(db))

	// Metrics endpoint
	setupMetricsEndpoint(r, cfg)

	// Handlers
	connectionHandler := handlers.NewConnectionHandler(connections)
	maintenanceHandler := handlers.NewMaintenanceHandler(connections)

	// Per-connection API
	api := r.Group("/api/connections/:userID/:provider")
	{
		api.GET("/health", connectionHandler.GetHealth)
		api.POST("/ensure-token", connectionHandler.EnsureToken)
		api.POST("/operations", connectionHandler.RecordOperation)
		api.POST("/unhealthy", connectionHandler.MarkUnhealthy)
		api.GET("/rate-limits", connectionHandler.GetRateLimits)
		api.POST("/connectivity-test", connectionHandler.TestConnectivity)
	}

	// Maintenance endpoints fan out to the database and provider APIs, so
	// they sit behind the HTTP rate limit middleware.
	maintenance := r.Group("/api/maintenance")
	maintenance.Use(setupMaintenanceRateLimiter(cfg, redisClient))
	{
		maintenance.POST("/reconcile", maintenanceHandler.Reconcile)
		maintenance.POST("/batch-refresh", maintenanceHandler.BatchRefresh)
	}

	log.Printf("Connection health server starting on %s", cfg.ServerAddr)
	return r
}

// setupMaintenanceRateLimiter builds the HTTP rate limiter for maintenance
// routes, falling back to memory when Redis is not configured.
func setupMaintenanceRateLimiter(cfg *config.Config, redisClient *redis.Client) gin.HandlerFunc {
	var limiter gin.HandlerFunc
	var err error

	if redisClient != nil {
		limiter, err = middleware.NewRedisRateLimiter(cfg.HTTPRateLimit, redisClient)
	} else {
		limiter, err = middleware.NewMemoryRateLimiter(cfg.HTTPRateLimit)
	}
	if err != nil {
		log.Printf("HTTP rate limiter disabled: %v", err)
		return func(c *gin.Context) { c.Next() }
	}
	return limiter
}

// setupMetricsEndpoint configures the Prometheus metrics endpoint
func setupMetricsEndpoint(r *gin.Engine, cfg *config.Config) {
	if !cfg.MetricsEnabled {
		log.Printf("Prometheus metrics disabled")
		return
	}
	log.Printf("Prometheus metrics enabled at /metrics")
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// createHealthCheckHandler creates the health check endpoint handler
func createHealthCheckHandler(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch err := db.Health(); err {
		case nil:
			c.JSON(http.StatusOK, gin.H{
				"status":   "healthy",
				"database": "connected",
			})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "disconnected",
			})
		}
	}
}
