package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/orchardworks/cellartrail/pkg/audit"
	"github.com/orchardworks/cellartrail/pkg/config"
	"github.com/orchardworks/cellartrail/pkg/httputil"
	"github.com/orchardworks/cellartrail/pkg/observability"
)

const version = "1.0.0"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("version", version).Info("starting cellartrail audit service")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		fatal(logger, "failed to initialize OpenTelemetry", err)
	}

	store, db, err := openStore(cfg, logger)
	if err != nil {
		fatal(logger, "failed to open audit store", err)
	}

	var redisClient *redis.Client
	var tracker *audit.ActivityTracker
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		tracker = audit.NewActivityTracker(redisClient, logger)
		logger.WithField("addr", cfg.Redis.URL).Info("live activity tracking enabled")
	}

	engine := audit.NewEngine(cfg.Audit.RedactedFields)

	service, err := audit.NewService(store, cfg.Audit.HistoryCacheSize, metrics)
	if err != nil {
		fatal(logger, "failed to create query service", err)
	}

	detector := audit.NewDetector(store,
		cfg.Anomaly.MaxDeletesPerHour, cfg.Anomaly.MaxOperationsPerHour,
		cfg.Anomaly.Window, metrics)

	recorderOpts := []audit.RecorderOption{
		audit.WithAppendTimeout(cfg.Audit.AppendTimeout),
		audit.WithActivityTracker(tracker),
		audit.WithHistoryInvalidator(service.InvalidateHistory),
	}
	if cfg.Audit.AppendMode == "sync" {
		recorderOpts = append(recorderOpts, audit.WithAppendMode(audit.AppendSync))
	}

	var sink *audit.FileSink
	if cfg.Audit.SinkDir != "" {
		sink, err = audit.NewFileSink(cfg.Audit.SinkDir, cfg.Audit.SinkMaxBytes)
		if err != nil {
			fatal(logger, "failed to open audit file sink", err)
		}
		recorderOpts = append(recorderOpts, audit.WithSink(sink))
		logger.WithField("dir", cfg.Audit.SinkDir).Info("secondary JSONL sink enabled")
	}

	recorder := audit.NewRecorder(engine, store, metrics, logger, recorderOpts...)

	// Live policy reload: redaction fields and anomaly thresholds
	// follow the policy file without a restart
	if cfg.Audit.PolicyFile != "" {
		watcher, err := config.NewPolicyWatcher(cfg.Audit.PolicyFile, logrus.StandardLogger())
		if err != nil {
			fatal(logger, "failed to load policy file", err)
		}
		watcher.OnChange(func(p config.Policy) {
			if len(p.RedactedFields) > 0 {
				engine.SetRedactedFields(p.RedactedFields)
			}
			detector.SetThresholds(p.MaxDeletesPerHour, p.MaxOperationsPerHour)
		})
		go watcher.Watch(ctx)
		logger.WithField("file", cfg.Audit.PolicyFile).Info("policy watcher started")
	}

	handler := audit.NewHandler(service, detector, audit.NewExporter(store), recorder, logger)

	router := mux.NewRouter()
	router.Use(httputil.RecoveryMiddleware)
	router.Use(httputil.RequestIDMiddleware)
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), logger)))
		})
	})
	router.Use(func(next http.Handler) http.Handler {
		return audit.ActorMiddleware(next)
	})
	handler.RegisterRoutes(router)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(router, "cellartrail"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for k8s probes
	healthChecker := observability.NewHealthChecker(db, redisClient, version)
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, healthChecker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health/metrics server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go reportDBStats(ctx, db, metrics)

	go func() {
		logger.WithField("addr", addr).Info("audit API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("audit store", func(context.Context) error {
		return store.Close()
	})
	if sink != nil {
		shutdown.RegisterShutdownFunc("file sink", func(context.Context) error {
			return sink.Close()
		})
	}
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

// openStore builds the configured backend and returns the raw DB
// handle for health checks and pool stats.
func openStore(cfg *config.Config, logger *observability.Logger) (audit.Store, *sql.DB, error) {
	switch cfg.Store.Type {
	case "sqlite":
		store, err := audit.OpenSQLiteStore(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("path", cfg.Store.SQLitePath).Info("using sqlite audit store")
		return store, store.DB(), nil

	default:
		db, err := sql.Open("postgres", cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		db.SetMaxOpenConns(cfg.Store.PostgresMaxConns)
		db.SetMaxIdleConns(cfg.Store.PostgresMinConns)
		db.SetConnMaxLifetime(time.Hour)

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Store.PostgresTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}

		store, err := audit.NewPostgresStore(db, logger)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("using postgres audit store")
		return store, db, nil
	}
}

func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.CollectDBStats(stats.OpenConnections, stats.Idle)
		}
	}
}

// fatal logs the error and exits. Startup failures have no caller to
// propagate to.
func fatal(logger *observability.Logger, msg string, err error) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}
