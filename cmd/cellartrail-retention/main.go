package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/orchardworks/cellartrail/pkg/archive"
	"github.com/orchardworks/cellartrail/pkg/audit"
	"github.com/orchardworks/cellartrail/pkg/config"
	"github.com/orchardworks/cellartrail/pkg/observability"
)

var (
	purgeSchedule    = flag.String("purge-schedule", "30 2 * * *", "Cron schedule for archive-then-purge (default: 02:30 UTC)")
	coverageSchedule = flag.String("coverage-schedule", "15 * * * *", "Cron schedule for coverage recomputation (default: hourly)")
	coverageWindow   = flag.Duration("coverage-window", 24*time.Hour, "Trailing window covered by each coverage run")
	runOnce          = flag.Bool("run-once", false, "Run purge and coverage once and exit (for testing or backfilling)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("retention_days", cfg.Audit.RetentionDays).Info("starting cellartrail retention daemon")

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open audit store")
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(ctx, cfg.Archive, metrics, logger)
		if err != nil {
			logger.WithError(err).Error("failed to build archiver")
			os.Exit(1)
		}
		logger.WithField("bucket", cfg.Archive.Bucket).Info("pre-purge archiving enabled")
	}

	job := &retentionJob{
		store:          store,
		archiver:       archiver,
		metrics:        metrics,
		logger:         logger,
		retention:      time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		coverageWindow: *coverageWindow,
	}

	// Run once mode (for testing or manual backfills). Purge and
	// coverage touch disjoint windows, so they can run in parallel.
	if *runOnce {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return job.runPurge(gctx) })
		g.Go(func() error { return job.runCoverage(gctx) })
		if err := g.Wait(); err != nil {
			logger.WithError(err).Error("retention run failed")
			os.Exit(1)
		}
		logger.Info("retention run completed")
		return
	}

	// Scheduled mode
	c := cron.New()

	if _, err := c.AddFunc(*purgeSchedule, func() {
		if err := job.runPurge(context.Background()); err != nil {
			logger.WithError(err).Error("scheduled purge failed")
		}
	}); err != nil {
		logger.WithError(err).Error("failed to schedule purge job")
		os.Exit(1)
	}

	if _, err := c.AddFunc(*coverageSchedule, func() {
		if err := job.runCoverage(context.Background()); err != nil {
			logger.WithError(err).Error("scheduled coverage recomputation failed")
		}
	}); err != nil {
		logger.WithError(err).Error("failed to schedule coverage job")
		os.Exit(1)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"purge_schedule":    *purgeSchedule,
		"coverage_schedule": *coverageSchedule,
	}).Info("retention daemon started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down, waiting for running jobs")
	<-c.Stop().Done()
	logger.Info("retention daemon stopped")
}

// openStore builds the configured backend. The retention daemon talks
// to the same store as the API server, just out of band.
func openStore(cfg *config.Config, logger *observability.Logger) (audit.Store, error) {
	switch cfg.Store.Type {
	case "sqlite":
		return audit.OpenSQLiteStore(cfg.Store.SQLitePath, logger)

	default:
		db, err := sql.Open("postgres", cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres connection: %w", err)
		}
		db.SetMaxOpenConns(cfg.Store.PostgresMaxConns)
		db.SetMaxIdleConns(cfg.Store.PostgresMinConns)

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Store.PostgresTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}

		store, err := audit.NewPostgresStore(db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
}

// retentionJob bundles the two scheduled maintenance tasks: the daily
// archive-then-purge pass and the hourly coverage recomputation.
type retentionJob struct {
	store          audit.Store
	archiver       *archive.Archiver
	metrics        *observability.Metrics
	logger         *observability.Logger
	retention      time.Duration
	coverageWindow time.Duration
}

// runPurge archives entries past retention (when archiving is enabled)
// and then deletes them. The purge is skipped if archiving fails, so a
// broken bucket never loses audit history.
func (j *retentionJob) runPurge(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.retention)
	logger := j.logger.WithField("cutoff", cutoff.Format(time.RFC3339))

	if j.archiver != nil {
		archived, err := j.archiver.ArchiveExpiring(ctx, j.store, cutoff)
		if err != nil {
			return fmt.Errorf("failed to archive expiring entries: %w", err)
		}
		logger.WithField("archived", archived).Info("expiring entries archived")
	}

	purged, err := j.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge expired entries: %w", err)
	}

	j.metrics.PurgedEntriesTotal.Add(float64(purged))
	logger.WithField("purged", purged).Info("expired entries purged")
	return nil
}

// runCoverage recomputes coverage over the trailing window. Attempted
// counts are not tracked out of band here, so the store falls back to
// attempted = audited and the ratio flags only hard gaps.
func (j *retentionJob) runCoverage(ctx context.Context) error {
	to := time.Now().UTC()
	from := to.Add(-j.coverageWindow)

	report, err := j.store.ComputeCoverage(ctx, from, to, nil)
	if err != nil {
		return fmt.Errorf("failed to recompute coverage: %w", err)
	}

	for _, table := range report.Tables {
		j.metrics.CoverageRatio.WithLabelValues(table.Table).Set(table.Ratio)
	}
	j.logger.WithFields(map[string]interface{}{
		"tables":        len(report.Tables),
		"total_audited": report.TotalAudited,
		"overall_ratio": report.OverallRatio,
	}).Info("coverage recomputed")
	return nil
}
