package bootstrap

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/redis/go-redis/v9"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/cache"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/models"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/notify"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/pool"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/services"
)

// createHTTPServer creates the HTTP server instance
func createHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// startWithGracefulShutdown starts the server and the periodic jobs, and
// handles graceful shutdown
func (app *Application) startWithGracefulShutdown() {
	m := graceful.NewManager()

	addServerRunningJob(m, app.Server)
	addServerShutdownJob(m, app.Server)
	addRedisClientShutdownJob(m, app.RedisClient)
	addNotifyQueueShutdownJob(m, app.NotifyQueue)
	addCheckCacheShutdownJob(m, app.CheckCacheBackend)
	addPoolOptimizeJob(m, app.Config, app.Pool)
	addReconcileJob(m, app.Config, app.ConnectionService)
	addMetricsGaugeUpdateJob(m, app.Config, app.ConnectionService, app.MetricsRecorder)

	<-m.Done()
}

// addServerRunningJob adds the HTTP server running job
func addServerRunningJob(m *graceful.Manager, srv *http.Server) {
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start server: %v", err)
			}
		}()
		<-ctx.Done()
		return nil
	})
}

// addServerShutdownJob adds HTTP server shutdown handler
func addServerShutdownJob(m *graceful.Manager, srv *http.Server) {
	m.AddShutdownJob(func() error {
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
			return err
		}

		log.Println("Server exited")
		return nil
	})
}

// addRedisClientShutdownJob adds Redis client shutdown handler
func addRedisClientShutdownJob(m *graceful.Manager, redisClient *redis.Client) {
	if redisClient == nil {
		return
	}

	m.AddShutdownJob(func() error {
		log.Println("Closing Redis connection...")
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
			return err
		}
		log.Println("Redis connection closed")
		return nil
	})
}

// addNotifyQueueShutdownJob drains the notification queue on shutdown
func addNotifyQueueShutdownJob(m *graceful.Manager, queue *notify.WorkerQueue) {
	m.AddShutdownJob(func() error {
		log.Println("Shutting down notification queue...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		queue.Shutdown(ctx)
		return nil
	})
}

// addCheckCacheShutdownJob closes the check cache backend on shutdown
func addCheckCacheShutdownJob(m *graceful.Manager, backend core.Cache[cache.CheckResult]) {
	m.AddShutdownJob(func() error {
		if err := backend.Close(); err != nil {
			log.Printf("Error closing check cache: %v", err)
			return err
		}
		log.Println("Check cache closed")
		return nil
	})
}

// addPoolOptimizeJob adds the periodic idle-client eviction sweep
func addPoolOptimizeJob(m *graceful.Manager, cfg *config.Config, p *pool.ClientPool) {
	if cfg.PoolOptimizeEvery <= 0 {
		return
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.PoolOptimizeEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.Optimize()
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addReconcileJob adds the scheduled self-healing pass
func addReconcileJob(
	m *graceful.Manager,
	cfg *config.Config,
	connections *services.ConnectionService,
) {
	if cfg.ReconcileEvery <= 0 {
		return
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.ReconcileEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := connections.ReconcileInconsistencies(ctx); err != nil {
					log.Printf("Scheduled reconcile failed: %v", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addMetricsGaugeUpdateJob adds periodic metrics gauge update job
func addMetricsGaugeUpdateJob(
	m *graceful.Manager,
	cfg *config.Config,
	connections *services.ConnectionService,
	recorder core.Recorder,
) {
	if !cfg.MetricsEnabled || cfg.GaugeUpdateEvery <= 0 {
		return
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.GaugeUpdateEvery)
		defer ticker.Stop()

		// Update immediately on startup
		updateConnectionGauges(connections, recorder)

		for {
			select {
			case <-ticker.C:
				updateConnectionGauges(connections, recorder)
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// updateConnectionGauges refreshes the per-status connection counts.
// Every known status is set, including zero, so stale series never linger.
func updateConnectionGauges(connections *services.ConnectionService, recorder core.Recorder) {
	counts, err := connections.ConnectionCounts()
	if err != nil {
		recorder.RecordDatabaseQueryError("count_by_status")
		log.Printf("Gauge update query failed: %v", err)
		return
	}

	for _, status := range models.Statuses {
		recorder.SetConnectionsByStatus(status, int(counts[status]))
	}
}
