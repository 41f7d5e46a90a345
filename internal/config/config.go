package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backend constants
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Rate limit store constants
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

type Config struct {
	// Server settings
	ServerAddr string

	// Database
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string // Database connection string (DSN or path)

	// Cache backend
	CacheBackend string // "memory" or "redis"
	RedisAddr    string
	RedisPass    string
	RedisDB      int

	// Check cache TTLs (asymmetric: failures re-check sooner)
	TokenValiditySuccessTTL time.Duration
	TokenValidityFailureTTL time.Duration
	ConnectivitySuccessTTL  time.Duration
	ConnectivityFailureTTL  time.Duration

	// Rate limiting (engine-internal attempt windows)
	RateLimitStore      string // "memory" or "redis"
	RateLimitWindow     time.Duration
	TokenRefreshCap     int
	ConnectivityTestCap int

	// HTTP rate limiting (middleware on maintenance endpoints)
	HTTPRateLimit string // ulule/limiter format, e.g. "30-M"

	// Connection pool
	MaxPoolSize       int
	PoolIdleThreshold time.Duration
	PoolOptimizeEvery time.Duration

	// Token refresh
	RefreshLookahead time.Duration
	ProviderTimeout  time.Duration
	BatchSize        int
	BatchParallelism int
	BatchWindow      time.Duration

	// Recovery
	RecoveryBaseDelay   time.Duration
	RecoveryMaxDelay    time.Duration
	MaxRecoveryAttempts int

	// Health state machine
	MaxConsecutiveFailures int

	// Periodic jobs
	ReconcileEvery   time.Duration
	GaugeUpdateEvery time.Duration

	// Notifications
	NotifyBufferSize  int
	NotifyWorkers     int
	NotifyTaskTimeout time.Duration

	// Providers (comma-separated names; each gets PROVIDER_<NAME>_* keys)
	Providers []string

	// Metrics
	MetricsEnabled bool
}

// ProviderConfig holds one provider's endpoint and client settings, loaded
// from PROVIDER_<NAME>_* env keys.
type ProviderConfig struct {
	Name         string
	TokenURL     string
	ProbeURL     string
	ClientID     string
	ClientSecret string
	MaxRetries   int
}

func Load() *Config {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Determine database driver and DSN
	driver := getEnv("DATABASE_DRIVER", "sqlite")
	var dsn string
	if driver == "sqlite" {
		dsn = getEnv("DATABASE_DSN", getEnv("DATABASE_PATH", "connections.db"))
	} else {
		dsn = getEnv("DATABASE_DSN", "")
	}

	return &Config{
		ServerAddr:     getEnv("SERVER_ADDR", ":8080"),
		DatabaseDriver: driver,
		DatabaseDSN:    dsn,

		// Cache backend
		CacheBackend: getEnv("CACHE_BACKEND", CacheBackendMemory),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:      getEnvInt("REDIS_DB", 0),

		// Check cache TTLs
		TokenValiditySuccessTTL: getEnvDuration("TOKEN_VALIDITY_SUCCESS_TTL", 5*time.Minute),
		TokenValidityFailureTTL: getEnvDuration("TOKEN_VALIDITY_FAILURE_TTL", 30*time.Second),
		ConnectivitySuccessTTL:  getEnvDuration("CONNECTIVITY_SUCCESS_TTL", 2*time.Minute),
		ConnectivityFailureTTL:  getEnvDuration("CONNECTIVITY_FAILURE_TTL", 15*time.Second),

		// Rate limiting
		RateLimitStore:      getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),
		RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		TokenRefreshCap:     getEnvInt("TOKEN_REFRESH_CAP", 10),
		ConnectivityTestCap: getEnvInt("CONNECTIVITY_TEST_CAP", 20),
		HTTPRateLimit:       getEnv("HTTP_RATE_LIMIT", "30-M"),

		// Connection pool
		MaxPoolSize:       getEnvInt("MAX_POOL_SIZE", 25),
		PoolIdleThreshold: getEnvDuration("POOL_IDLE_THRESHOLD", 30*time.Minute),
		PoolOptimizeEvery: getEnvDuration("POOL_OPTIMIZE_EVERY", 10*time.Minute),

		// Token refresh
		RefreshLookahead: getEnvDuration("REFRESH_LOOKAHEAD", 24*time.Hour),
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		BatchSize:        getEnvInt("BATCH_SIZE", 15),
		BatchParallelism: getEnvInt("BATCH_PARALLELISM", 25),
		BatchWindow:      getEnvDuration("BATCH_WINDOW", 24*time.Hour),

		// Recovery
		RecoveryBaseDelay:   getEnvDuration("RECOVERY_BASE_DELAY", 30*time.Second),
		RecoveryMaxDelay:    getEnvDuration("RECOVERY_MAX_DELAY", 30*time.Minute),
		MaxRecoveryAttempts: getEnvInt("MAX_RECOVERY_ATTEMPTS", 5),

		// Health state machine
		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 5),

		// Periodic jobs
		ReconcileEvery:   getEnvDuration("RECONCILE_EVERY", time.Hour),
		GaugeUpdateEvery: getEnvDuration("GAUGE_UPDATE_EVERY", time.Minute),

		// Notifications
		NotifyBufferSize:  getEnvInt("NOTIFY_BUFFER_SIZE", 256),
		NotifyWorkers:     getEnvInt("NOTIFY_WORKERS", 2),
		NotifyTaskTimeout: getEnvDuration("NOTIFY_TASK_TIMEOUT", 10*time.Second),

		// Providers
		Providers: getEnvSlice("PROVIDERS", []string{"google-drive"}),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}
}

// ProviderConfigs resolves per-provider settings for every configured
// provider name.
func (c *Config) ProviderConfigs() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, name := range c.Providers {
		prefix := "PROVIDER_" + envKey(name) + "_"
		out = append(out, ProviderConfig{
			Name:         name,
			TokenURL:     getEnv(prefix+"TOKEN_URL", ""),
			ProbeURL:     getEnv(prefix+"PROBE_URL", ""),
			ClientID:     getEnv(prefix+"CLIENT_ID", ""),
			ClientSecret: getEnv(prefix+"CLIENT_SECRET", ""),
			MaxRetries:   getEnvInt(prefix+"MAX_RETRIES", 2),
		})
	}
	return out
}

// Validate reports configuration that cannot possibly work, before any
// infrastructure is touched.
func (c *Config) Validate() error {
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required for driver %q", c.DatabaseDriver)
	}
	if c.CacheBackend != CacheBackendMemory && c.CacheBackend != CacheBackendRedis {
		return fmt.Errorf("unsupported cache backend %q", c.CacheBackend)
	}
	if c.RateLimitStore != RateLimitStoreMemory && c.RateLimitStore != RateLimitStoreRedis {
		return fmt.Errorf("unsupported rate limit store %q", c.RateLimitStore)
	}
	if (c.CacheBackend == CacheBackendRedis || c.RateLimitStore == RateLimitStoreRedis) && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when a redis backend is selected")
	}
	if c.TokenValidityFailureTTL > c.TokenValiditySuccessTTL {
		return fmt.Errorf("token validity failure TTL must not exceed success TTL")
	}
	if c.ConnectivityFailureTTL > c.ConnectivitySuccessTTL {
		return fmt.Errorf("connectivity failure TTL must not exceed success TTL")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	return nil
}

// envKey converts a provider name to its env key segment
// ("google-drive" -> "GOOGLE_DRIVE").
func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var parts []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
