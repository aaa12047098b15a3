// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure for the audit pipeline:
// JSON logging, metrics collection, health checks, and distributed tracing.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Info("audit store ready")
//
// Context-aware logging:
//
//	observability.FromContext(ctx).WithError(err).Error("audit append failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.AuditAppendsTotal.WithLabelValues("batches", "update", "success").Inc()
//	metrics.AuditAppendFailuresTotal.WithLabelValues("batches", "update").Inc()
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
// Initialize tracing:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		ServiceName:    "cellartrail",
//		ServiceVersion: version,
//		Endpoint:       "otel-collector:4317",
//		Enabled:        true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/audit: Recorder and query service emitting these metrics
package observability
