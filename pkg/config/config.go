package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Audit store configuration
	Store StoreConfig

	// Audit pipeline behavior
	Audit AuditConfig

	// Anomaly detection thresholds
	Anomaly AnomalyConfig

	// Redis configuration for live activity tracking
	Redis RedisConfig

	// S3 archive configuration for pre-purge archiving
	Archive ArchiveConfig

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

// StoreConfig holds audit store configuration
type StoreConfig struct {
	// Type selects the backend: postgres or sqlite
	Type string

	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	SQLitePath string
}

// AuditConfig holds audit pipeline behavior settings
type AuditConfig struct {
	// AppendMode selects async (default) or sync appends. Sync appends
	// surface store errors to the mutation caller instead of failing open.
	AppendMode string

	// AppendTimeout bounds a single background append attempt
	AppendTimeout time.Duration

	// RetentionDays is how long entries are kept before purge eligibility
	RetentionDays int

	// RedactedFields are snapshot field names scrubbed before persistence
	RedactedFields []string

	// SinkDir enables the JSONL file sink when non-empty
	SinkDir string

	// SinkMaxBytes triggers file sink rotation
	SinkMaxBytes int64

	// HistoryCacheSize is the LRU capacity for record history lookups
	HistoryCacheSize int

	// PolicyFile enables live policy reload when non-empty
	PolicyFile string
}

// AnomalyConfig holds suspicious activity detection thresholds
type AnomalyConfig struct {
	MaxDeletesPerHour    int
	MaxOperationsPerHour int
	Window               time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
}

// ArchiveConfig holds S3 archive settings
type ArchiveConfig struct {
	Enabled      bool
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// DefaultRedactedFields are scrubbed from snapshots unless overridden.
var DefaultRedactedFields = []string{
	"password", "password_hash", "token", "api_key", "secret",
	"tax_id", "bank_account", "routing_number",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Store:         loadStoreConfig(),
		Audit:         loadAuditConfig(),
		Anomaly:       loadAnomalyConfig(),
		Redis:         loadRedisConfig(),
		Archive:       loadArchiveConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CELLARTRAIL_HOST", "0.0.0.0"),
		Port:            getEnv("CELLARTRAIL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CELLARTRAIL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CELLARTRAIL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CELLARTRAIL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CELLARTRAIL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CELLARTRAIL_HEALTH_PORT", "9090"),
	}
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Type:             getEnv("CELLARTRAIL_STORE_TYPE", "postgres"),
		PostgresURL:      getEnv("CELLARTRAIL_POSTGRES_URL", ""),
		PostgresMaxConns: getEnvInt("CELLARTRAIL_POSTGRES_MAX_CONNS", 25),
		PostgresMinConns: getEnvInt("CELLARTRAIL_POSTGRES_MIN_CONNS", 5),
		PostgresTimeout:  getEnvDuration("CELLARTRAIL_POSTGRES_TIMEOUT", 30*time.Second),
		SQLitePath:       getEnv("CELLARTRAIL_SQLITE_PATH", "cellartrail.db"),
	}
}

func loadAuditConfig() AuditConfig {
	cfg := AuditConfig{
		AppendMode:       getEnv("CELLARTRAIL_APPEND_MODE", "async"),
		AppendTimeout:    getEnvDuration("CELLARTRAIL_APPEND_TIMEOUT", 5*time.Second),
		RetentionDays:    getEnvInt("CELLARTRAIL_RETENTION_DAYS", 365),
		SinkDir:          getEnv("CELLARTRAIL_SINK_DIR", ""),
		SinkMaxBytes:     getEnvInt64("CELLARTRAIL_SINK_MAX_BYTES", 64<<20),
		HistoryCacheSize: getEnvInt("CELLARTRAIL_HISTORY_CACHE_SIZE", 1024),
		PolicyFile:       getEnv("CELLARTRAIL_POLICY_FILE", ""),
	}

	if fields := getEnv("CELLARTRAIL_REDACTED_FIELDS", ""); fields != "" {
		for _, f := range strings.Split(fields, ",") {
			if trimmed := strings.TrimSpace(f); trimmed != "" {
				cfg.RedactedFields = append(cfg.RedactedFields, trimmed)
			}
		}
	} else {
		cfg.RedactedFields = append(cfg.RedactedFields, DefaultRedactedFields...)
	}

	return cfg
}

func loadAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		MaxDeletesPerHour:    getEnvInt("CELLARTRAIL_MAX_DELETES_PER_HOUR", 20),
		MaxOperationsPerHour: getEnvInt("CELLARTRAIL_MAX_OPERATIONS_PER_HOUR", 500),
		Window:               getEnvDuration("CELLARTRAIL_ANOMALY_WINDOW", time.Hour),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  getEnvBool("CELLARTRAIL_REDIS_ENABLED", false),
		URL:      getEnv("CELLARTRAIL_REDIS_URL", "localhost:6379"),
		Password: getEnv("CELLARTRAIL_REDIS_PASSWORD", ""),
		DB:       getEnvInt("CELLARTRAIL_REDIS_DB", 0),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:      getEnvBool("CELLARTRAIL_ARCHIVE_ENABLED", false),
		Endpoint:     getEnv("CELLARTRAIL_S3_ENDPOINT", ""),
		Region:       getEnv("CELLARTRAIL_S3_REGION", "us-east-1"),
		Bucket:       getEnv("CELLARTRAIL_S3_BUCKET", ""),
		Prefix:       getEnv("CELLARTRAIL_S3_PREFIX", "audit-archive"),
		AccessKey:    getEnv("CELLARTRAIL_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("CELLARTRAIL_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("CELLARTRAIL_S3_USE_PATH_STYLE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("CELLARTRAIL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CELLARTRAIL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CELLARTRAIL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CELLARTRAIL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CELLARTRAIL_OTEL_SERVICE_NAME", "cellartrail"),
		OTelServiceVersion: getEnv("CELLARTRAIL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CELLARTRAIL_OTEL_INSECURE", true),
	}
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

	switch c.Store.Type {
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be postgres or sqlite)", c.Store.Type)
	}

	switch c.Audit.AppendMode {
	case "async", "sync":
	default:
		return fmt.Errorf("invalid append mode: %s (must be async or sync)", c.Audit.AppendMode)
	}

	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}

	if c.Anomaly.MaxDeletesPerHour < 1 || c.Anomaly.MaxOperationsPerHour < 1 {
		return fmt.Errorf("anomaly thresholds must be positive")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("S3 bucket is required when archiving is enabled")
		}
	}

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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
