package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Billing provider and plan catalog
	Billing BillingConfig

	// Credit ledger, admission and reconciliation
	Ledger LedgerConfig

	// Per-account API request limits
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// BillingConfig holds webhook verification and plan settings
type BillingConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
	// PlansFile optionally replaces the built-in plan catalog
	PlansFile string

	SeenCacheSize int
	SeenCacheTTL  time.Duration
}

// LedgerConfig holds account defaults and reservation settings
type LedgerConfig struct {
	SignupCredits     int64
	DefaultDailyLimit int
	FreeTierPeriod    time.Duration

	ReservationTimeout time.Duration
	// ReservationPrefix namespaces the Redis reservation keys
	ReservationPrefix string

	SweepEnabled   bool
	SweepInterval  time.Duration
	SweepSchedule  string
	SweepBatchSize int
	SweepWorkers   int
}

// RateLimitConfig holds per-account request limits for the admit endpoint
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingConfig(),
		Ledger:        loadLedgerConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CREDITD_HOST", "0.0.0.0"),
		Port:            getEnv("CREDITD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CREDITD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CREDITD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CREDITD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CREDITD_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CREDITD_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("CREDITD_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("CREDITD_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("CREDITD_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("CREDITD_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("CREDITD_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("CREDITD_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// SQLite config
	if path := getEnv("CREDITD_SQLITE_PATH", ""); path != "" {
		cfg.SQLitePath = path
	}

	// Redis config
	if redisURL := getEnv("CREDITD_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("CREDITD_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("CREDITD_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("CREDITD_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("CREDITD_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadBillingConfig loads webhook settings from environment
func loadBillingConfig() BillingConfig {
	return BillingConfig{
		WebhookSecret:    getEnv("CREDITD_STRIPE_WEBHOOK_SECRET", ""),
		WebhookTolerance: getEnvDuration("CREDITD_WEBHOOK_TOLERANCE", billing.DefaultSignatureTolerance),
		PlansFile:        getEnv("CREDITD_PLANS_FILE", ""),
		SeenCacheSize:    getEnvInt("CREDITD_WEBHOOK_SEEN_CACHE_SIZE", billing.DefaultSeenCacheSize),
		SeenCacheTTL:     getEnvDuration("CREDITD_WEBHOOK_SEEN_CACHE_TTL", billing.DefaultSeenCacheTTL),
	}
}

// loadLedgerConfig loads account defaults and sweep settings from environment
func loadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		SignupCredits:      getEnvInt64("CREDITD_SIGNUP_CREDITS", billing.DefaultSignupCredits),
		DefaultDailyLimit:  getEnvInt("CREDITD_DEFAULT_DAILY_LIMIT", billing.DefaultDailyLimit),
		FreeTierPeriod:     getEnvDuration("CREDITD_FREE_TIER_PERIOD", billing.DefaultFreeTierPeriod),
		ReservationTimeout: getEnvDuration("CREDITD_RESERVATION_TIMEOUT", 5*time.Minute),
		ReservationPrefix:  getEnv("CREDITD_RESERVATION_PREFIX", "creditd:reservations:"),
		SweepEnabled:       getEnvBool("CREDITD_SWEEP_ENABLED", true),
		SweepInterval:      getEnvDuration("CREDITD_SWEEP_INTERVAL", time.Minute),
		SweepSchedule:      getEnv("CREDITD_SWEEP_SCHEDULE", "@every 1m"),
		SweepBatchSize:     getEnvInt("CREDITD_SWEEP_BATCH_SIZE", 500),
		SweepWorkers:       getEnvInt("CREDITD_SWEEP_WORKERS", 8),
	}
}

// loadRateLimitConfig loads request rate limits from environment
func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("CREDITD_RATE_LIMIT_ENABLED", true),
		RequestsPerMinute: getEnvInt("CREDITD_RATE_LIMIT_PER_MINUTE", 60),
		BurstSize:         getEnvInt("CREDITD_RATE_LIMIT_BURST", 10),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("CREDITD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CREDITD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CREDITD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CREDITD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CREDITD_OTEL_SERVICE_NAME", "creditd"),
		OTelServiceVersion: getEnv("CREDITD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CREDITD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CREDITD_OTEL_SAMPLE_RATIO", 1),
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or sqlite)", c.Storage.Type)
	}

	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("webhook signing secret is required")
	}
	if c.Billing.WebhookTolerance <= 0 {
		return fmt.Errorf("webhook tolerance must be positive")
	}

	if c.Ledger.SignupCredits < 0 {
		return fmt.Errorf("signup credits must not be negative")
	}
	if c.Ledger.ReservationTimeout <= 0 {
		return fmt.Errorf("reservation timeout must be positive")
	}
	if c.Ledger.SweepEnabled && c.Ledger.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive when the sweep is enabled")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive when enabled")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Catalog returns the plan catalog: the YAML file when configured, the
// built-in plans otherwise
func (c *Config) Catalog() (*billing.Catalog, error) {
	if c.Billing.PlansFile == "" {
		return billing.DefaultCatalog(), nil
	}
	return billing.LoadCatalogFile(c.Billing.PlansFile)
}

// splitList splits a comma separated list, dropping empty entries
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// OTel returns the OpenTelemetry settings in the form InitOTel takes
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}
