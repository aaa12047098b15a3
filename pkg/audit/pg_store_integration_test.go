//go:build integration

package audit

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

// setupPostgres starts a postgres testcontainer and returns a store
// backed by it.
func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("cellartrail_test"),
		tcpostgres.WithUsername("cellartrail"),
		tcpostgres.WithPassword("cellartrail"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var db *sql.DB
	require.Eventually(t, func() bool {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return false
		}
		return db.Ping() == nil
	}, 30*time.Second, time.Second, "postgres never became ready")

	logger := observability.NewLogger(observability.ParseLogLevel("error"), io.Discard)
	store, err := NewPostgresStore(db, logger)
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("warning: failed to terminate postgres container: %v", err)
		}
	}
	return store, cleanup
}

func TestPostgresStore_Integration_RoundTrip(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	appendTestEntry(t, store, TableBatches, "batch-1", "user-1", OpCreate, base)
	appendTestEntry(t, store, TableBatches, "batch-1", "user-1", OpUpdate, base.Add(time.Minute))
	// Non-zero nanoseconds: timestamptz rounds these to microseconds,
	// and the checksum must survive that
	appendTestEntry(t, store, TableVessels, "vessel-1", "user-2", OpDelete,
		base.Add(2*time.Minute+123456789*time.Nanosecond))

	t.Run("query newest first", func(t *testing.T) {
		entries, err := store.Query(ctx, Filter{Limit: 10})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, OpDelete, entries[0].Operation)
	})

	t.Run("history oldest first", func(t *testing.T) {
		history, err := store.RecordHistory(ctx, TableBatches, "batch-1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, OpCreate, history[0].Operation)
	})

	t.Run("checksums survive the JSONB round trip", func(t *testing.T) {
		entries, err := store.Query(ctx, Filter{Limit: 10})
		require.NoError(t, err)
		for _, e := range entries {
			ok, err := store.VerifyIntegrity(ctx, e.ID)
			require.NoError(t, err)
			assert.True(t, ok, "entry %s failed verification after round trip", e.ID)
		}
	})

	t.Run("actor counts", func(t *testing.T) {
		counts, err := store.ActorOperationCounts(ctx, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, counts, 2)
	})

	t.Run("coverage rewrite", func(t *testing.T) {
		report, err := store.ComputeCoverage(ctx, base, base.Add(time.Hour), map[string]int64{
			TableBatches: 2,
			TableVessels: 2,
		})
		require.NoError(t, err)
		require.Len(t, report.Tables, 2)

		latest, err := store.LatestCoverage(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, report.TotalAudited, latest.TotalAudited)
	})

	t.Run("purge", func(t *testing.T) {
		purged, err := store.PurgeOlderThan(ctx, base.Add(90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(2), purged)
	})
}
