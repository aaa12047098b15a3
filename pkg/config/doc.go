// Package config provides environment-based configuration and live policy reload.
//
// # Overview
//
// Configuration loads from CELLARTRAIL_* environment variables with sensible
// defaults and fail-fast validation. The audit policy (redacted fields and
// anomaly thresholds) can additionally be served from a YAML file that is
// reloaded on change without a restart.
//
// # Loading Configuration
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Key Environment Variables
//
//	CELLARTRAIL_PORT                    HTTP port (default 8080)
//	CELLARTRAIL_STORE_TYPE              postgres or sqlite (default postgres)
//	CELLARTRAIL_POSTGRES_URL            PostgreSQL connection string
//	CELLARTRAIL_APPEND_MODE             async or sync (default async)
//	CELLARTRAIL_RETENTION_DAYS          audit entry retention (default 365)
//	CELLARTRAIL_REDACTED_FIELDS         comma-separated snapshot fields to scrub
//	CELLARTRAIL_MAX_DELETES_PER_HOUR    anomaly threshold (default 20)
//	CELLARTRAIL_POLICY_FILE             YAML policy file for live reload
//
// # Live Policy Reload
//
//	watcher, err := config.NewPolicyWatcher(cfg.Audit.PolicyFile, log)
//	watcher.OnChange(func(p config.Policy) { detector.SetThresholds(p) })
//	go watcher.Watch(ctx)
//
// # Related Packages
//
//   - pkg/audit: Consumes redaction fields and anomaly thresholds
//   - pkg/observability: Log level and OTel settings
package config
