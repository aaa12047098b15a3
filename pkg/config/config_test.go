package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       "8080",
			HealthPort: "9090",
		},
		Store: StoreConfig{
			Type:        "postgres",
			PostgresURL: "postgres://localhost/cellartrail",
		},
		Audit: AuditConfig{
			AppendMode:    "async",
			RetentionDays: 365,
		},
		Anomaly: AnomalyConfig{
			MaxDeletesPerHour:    20,
			MaxOperationsPerHour: 500,
			Window:               time.Hour,
		},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CELLARTRAIL_POSTGRES_URL", "postgres://localhost/cellartrail")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "postgres", cfg.Store.Type)
	assert.Equal(t, "async", cfg.Audit.AppendMode)
	assert.Equal(t, 365, cfg.Audit.RetentionDays)
	assert.Equal(t, DefaultRedactedFields, cfg.Audit.RedactedFields)
	assert.Equal(t, 20, cfg.Anomaly.MaxDeletesPerHour)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CELLARTRAIL_STORE_TYPE", "sqlite")
	t.Setenv("CELLARTRAIL_SQLITE_PATH", "/tmp/audit.db")
	t.Setenv("CELLARTRAIL_APPEND_MODE", "sync")
	t.Setenv("CELLARTRAIL_RETENTION_DAYS", "90")
	t.Setenv("CELLARTRAIL_REDACTED_FIELDS", "password, ssn ,tax_id")
	t.Setenv("CELLARTRAIL_READ_TIMEOUT", "45s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/audit.db", cfg.Store.SQLitePath)
	assert.Equal(t, "sync", cfg.Audit.AppendMode)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Equal(t, []string{"password", "ssn", "tax_id"}, cfg.Audit.RedactedFields)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing postgres URL",
			mutate:  func(c *Config) { c.Store.PostgresURL = "" },
			wantErr: "postgres URL is required",
		},
		{
			name:    "unknown store type",
			mutate:  func(c *Config) { c.Store.Type = "oracle" },
			wantErr: "invalid store type",
		},
		{
			name:    "same ports",
			mutate:  func(c *Config) { c.Server.HealthPort = "8080" },
			wantErr: "must be different",
		},
		{
			name:    "bad append mode",
			mutate:  func(c *Config) { c.Audit.AppendMode = "eventually" },
			wantErr: "invalid append mode",
		},
		{
			name:    "zero retention",
			mutate:  func(c *Config) { c.Audit.RetentionDays = 0 },
			wantErr: "retention days",
		},
		{
			name:    "archive without bucket",
			mutate:  func(c *Config) { c.Archive.Enabled = true },
			wantErr: "S3 bucket is required",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "OpenTelemetry endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
