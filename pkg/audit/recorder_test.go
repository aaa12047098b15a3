package audit

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchardworks/cellartrail/pkg/contextkeys"
	"github.com/orchardworks/cellartrail/pkg/observability"
)

func newTestRecorder(t *testing.T, store Store, opts ...RecorderOption) (*Recorder, *observability.Metrics) {
	t.Helper()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ParseLogLevel("error"), io.Discard)
	engine := NewEngine([]string{"password", "tax_id"})

	opts = append([]RecorderOption{WithAppendMode(AppendSync)}, opts...)
	return NewRecorder(engine, store, metrics, logger, opts...), metrics
}

func actorContext(actorID string) context.Context {
	return contextkeys.WithActorID(context.Background(), actorID)
}

func TestRecorder_Lifecycle(t *testing.T) {
	store := newMemStore()
	recorder, _ := newTestRecorder(t, store)
	ctx := actorContext("user-1")

	// Create
	created, err := recorder.Record(ctx, MutationInfo{
		TableName: TableBatches,
		Operation: OpCreate,
		RecordID:  "batch-1",
	}, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "draft"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "draft", created["status"])

	// Update
	_, err = recorder.Record(ctx, MutationInfo{
		TableName: TableBatches,
		Operation: OpUpdate,
		RecordID:  "batch-1",
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "draft"}, nil
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "active", "volume": 10}, nil
	})
	require.NoError(t, err)

	// Delete
	_, err = recorder.Record(ctx, MutationInfo{
		TableName: TableBatches,
		Operation: OpDelete,
		RecordID:  "batch-1",
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "active", "volume": 10}, nil
	}, func(ctx context.Context) (Snapshot, error) {
		return nil, nil
	})
	require.NoError(t, err)

	history, err := store.RecordHistory(ctx, TableBatches, "batch-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	create := history[0]
	assert.Equal(t, OpCreate, create.Operation)
	assert.Nil(t, create.BeforeState)
	assert.Equal(t, "draft", create.AfterState["status"])
	assert.Empty(t, create.Diff)
	assert.Equal(t, "user-1", create.ActorID)
	assert.NotEmpty(t, create.Checksum)

	update := history[1]
	assert.Equal(t, OpUpdate, update.Operation)
	require.Len(t, update.Diff, 2)
	assert.Equal(t, "status", update.Diff[0].Field)
	assert.Equal(t, "draft", update.Diff[0].OldValue)
	assert.Equal(t, "active", update.Diff[0].NewValue)
	assert.Equal(t, "volume", update.Diff[1].Field)
	assert.Nil(t, update.Diff[1].OldValue)
	assert.Equal(t, 10, update.Diff[1].NewValue)

	deleted := history[2]
	assert.Equal(t, OpDelete, deleted.Operation)
	assert.Equal(t, "active", deleted.BeforeState["status"])
	assert.Nil(t, deleted.AfterState)
}

func TestRecorder_MutationErrorNothingAudited(t *testing.T) {
	store := newMemStore()
	recorder, _ := newTestRecorder(t, store)

	boom := errors.New("constraint violation")
	result, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableBatches,
		Operation: OpUpdate,
		RecordID:  "batch-1",
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "draft"}, nil
	}, func(ctx context.Context) (Snapshot, error) {
		return nil, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Nil(t, result)
	assert.Zero(t, store.count())
}

func TestRecorder_AppendFailureLeavesResultIntact(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("disk full")
	recorder, metrics := newTestRecorder(t, store)

	result, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableBatches,
		Operation: OpUpdate,
		RecordID:  "batch-1",
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "draft"}, nil
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "active"}, nil
	})

	// Sync mode surfaces the append error but the mutation result is
	// still the caller's to keep
	require.Error(t, err)
	var writeErr *StoreWriteError
	assert.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "active", result["status"])

	failures := testutil.ToFloat64(
		metrics.AuditAppendFailuresTotal.WithLabelValues(TableBatches, string(OpUpdate)))
	assert.Equal(t, float64(1), failures)
}

func TestRecorder_AsyncAppendFailsOpen(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("store down")

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ParseLogLevel("error"), io.Discard)
	recorder := NewRecorder(NewEngine(nil), store, metrics, logger)

	result, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableVessels,
		Operation: OpCreate,
		RecordID:  "vessel-1",
	}, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"state": "empty"}, nil
	})

	// Async mode never propagates the failure to the caller
	require.NoError(t, err)
	assert.Equal(t, "empty", result["state"])

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(
			metrics.AuditAppendFailuresTotal.WithLabelValues(TableVessels, string(OpCreate))) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, store.count())
}

func TestRecorder_AsyncAppendPersists(t *testing.T) {
	store := newMemStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ParseLogLevel("error"), io.Discard)
	recorder := NewRecorder(NewEngine(nil), store, metrics, logger)

	_, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableVessels,
		Operation: OpCreate,
		RecordID:  "vessel-1",
	}, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"state": "empty"}, nil
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecorder_RedactsSnapshots(t *testing.T) {
	store := newMemStore()
	recorder, _ := newTestRecorder(t, store)

	_, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableVendors,
		Operation: OpUpdate,
		RecordID:  "vendor-1",
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"name": "Hill Orchard", "tax_id": "12-111"}, nil
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"name": "Hill Orchard", "tax_id": "12-222"}, nil
	})
	require.NoError(t, err)

	history, err := store.RecordHistory(context.Background(), TableVendors, "vendor-1")
	require.NoError(t, err)
	require.Len(t, history, 1)

	entry := history[0]
	assert.Equal(t, RedactionMarker, entry.BeforeState["tax_id"])
	assert.Equal(t, RedactionMarker, entry.AfterState["tax_id"])
	// Both sides redact to the same marker, so the secret change
	// disappears from the diff as well
	assert.Empty(t, entry.Diff)
}

func TestRecorder_ResolveRecordID(t *testing.T) {
	store := newMemStore()
	recorder, _ := newTestRecorder(t, store)

	_, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableBatches,
		Operation: OpCreate,
		ResolveRecordID: func(after Snapshot) string {
			id, _ := after["id"].(string)
			return id
		},
	}, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"id": "batch-42", "status": "draft"}, nil
	})
	require.NoError(t, err)

	history, err := store.RecordHistory(context.Background(), TableBatches, "batch-42")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRecorder_BeforeFetchFailureStillAudits(t *testing.T) {
	store := newMemStore()
	recorder, _ := newTestRecorder(t, store)

	_, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableBatches,
		Operation: OpUpdate,
		RecordID:  "batch-1",
	}, func(ctx context.Context) (Snapshot, error) {
		return nil, errors.New("read timeout")
	}, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "active"}, nil
	})
	require.NoError(t, err)

	history, err := store.RecordHistory(context.Background(), TableBatches, "batch-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].BeforeState)
	assert.Equal(t, "active", history[0].AfterState["status"])
}

func TestRecorder_HistoryInvalidator(t *testing.T) {
	store := newMemStore()
	var invalidated []string
	recorder, _ := newTestRecorder(t, store, WithHistoryInvalidator(func(table, recordID string) {
		invalidated = append(invalidated, table+"/"+recordID)
	}))

	_, err := recorder.Record(actorContext("user-1"), MutationInfo{
		TableName: TableBatches,
		Operation: OpCreate,
		RecordID:  "batch-1",
	}, nil, func(ctx context.Context) (Snapshot, error) {
		return Snapshot{"status": "draft"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"batches/batch-1"}, invalidated)
}
