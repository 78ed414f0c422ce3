package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/strata/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Stores    StoresConfig
	Snapshots SnapshotConfig
	Tier      TierConfig
	Usage     UsageConfig
	Lifecycle LifecycleConfig

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

// StoresConfig holds connection settings for the backing stores.
type StoresConfig struct {
	PostgresURL      string
	PostgresMaxConns int

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	DocumentPath string
	BranchDir    string
}

// SnapshotConfig holds cold snapshot storage settings.
type SnapshotConfig struct {
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	KeyPrefix   string
	HotSize     int
	HotTTL      time.Duration
}

// TierConfig holds tier resolution settings.
type TierConfig struct {
	CacheTTL   time.Duration
	CacheSize  int
	LimitsFile string
}

// UsageConfig holds usage metering and calibration settings.
type UsageConfig struct {
	BufferSize          int
	BatchSize           int
	FlushInterval       time.Duration
	CalibrationSchedule string
	DriftThreshold      float64
}

// LifecycleConfig holds tenant lifecycle tuning.
type LifecycleConfig struct {
	SweepInterval         time.Duration
	WarmupAttempts        int
	ThrottleHighWatermark float64
	ThrottleLowWatermark  float64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	// WebhookURLs receive admission and lifecycle events.
	WebhookURLs []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("STRATA_HOST", "0.0.0.0"),
			Port:            getEnv("STRATA_PORT", "8080"),
			ReadTimeout:     getEnvDuration("STRATA_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("STRATA_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("STRATA_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("STRATA_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("STRATA_HEALTH_PORT", "9090"),
		},
		Stores: StoresConfig{
			PostgresURL:      getEnv("STRATA_POSTGRES_URL", ""),
			PostgresMaxConns: getEnvInt("STRATA_POSTGRES_MAX_CONNS", 50),
			RedisURL:         getEnv("STRATA_REDIS_URL", ""),
			RedisPassword:    getEnv("STRATA_REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("STRATA_REDIS_DB", 0),
			RedisPoolSize:    getEnvInt("STRATA_REDIS_POOL_SIZE", 10),
			DocumentPath:     getEnv("STRATA_DOCUMENT_PATH", "/var/strata/documents.db"),
			BranchDir:        getEnv("STRATA_BRANCH_DIR", "/var/strata/branches"),
		},
		Snapshots: SnapshotConfig{
			S3Bucket:    getEnv("STRATA_S3_BUCKET", ""),
			S3Region:    getEnv("STRATA_S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("STRATA_S3_ENDPOINT", ""),
			S3AccessKey: getEnv("STRATA_S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("STRATA_S3_SECRET_KEY", ""),
			KeyPrefix:   getEnv("STRATA_SNAPSHOT_PREFIX", "snapshots"),
			HotSize:     getEnvInt("STRATA_SNAPSHOT_HOT_SIZE", 1024),
			HotTTL:      getEnvDuration("STRATA_SNAPSHOT_HOT_TTL", time.Hour),
		},
		Tier: TierConfig{
			CacheTTL:   getEnvDuration("STRATA_TIER_CACHE_TTL", 5*time.Minute),
			CacheSize:  getEnvInt("STRATA_TIER_CACHE_SIZE", 10000),
			LimitsFile: getEnv("STRATA_LIMITS_FILE", ""),
		},
		Usage: UsageConfig{
			BufferSize:          getEnvInt("STRATA_USAGE_BUFFER", 4096),
			BatchSize:           getEnvInt("STRATA_USAGE_BATCH", 128),
			FlushInterval:       getEnvDuration("STRATA_USAGE_FLUSH_INTERVAL", 5*time.Second),
			CalibrationSchedule: getEnv("STRATA_CALIBRATION_SCHEDULE", "0 * * * *"),
			DriftThreshold:      getEnvFloat("STRATA_DRIFT_THRESHOLD", 0.2),
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:         getEnvDuration("STRATA_SWEEP_INTERVAL", 30*time.Second),
			WarmupAttempts:        getEnvInt("STRATA_WARMUP_ATTEMPTS", 3),
			ThrottleHighWatermark: getEnvFloat("STRATA_THROTTLE_HIGH", 0.9),
			ThrottleLowWatermark:  getEnvFloat("STRATA_THROTTLE_LOW", 0.6),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("STRATA_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("STRATA_METRICS_ENABLED", true),
			WebhookURLs:    splitList(getEnv("STRATA_WEBHOOK_URLS", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Stores.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Usage.DriftThreshold <= 0 {
		return fmt.Errorf("drift threshold must be positive")
	}
	if c.Lifecycle.ThrottleLowWatermark >= c.Lifecycle.ThrottleHighWatermark {
		return fmt.Errorf("throttle low watermark must be below the high watermark")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
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
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
