package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sinkEntry(id string) *Entry {
	return &Entry{
		ID:         id,
		TableName:  TableBatches,
		RecordID:   "batch-1",
		Operation:  OpUpdate,
		Diff:       []FieldChange{},
		Checksum:   "sha256:0000",
		ActorID:    "user-1",
		OccurredAt: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 0)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), sinkEntry("e-1")))
	require.NoError(t, sink.Write(context.Background(), sinkEntry("e-2")))
	require.NoError(t, sink.Close())

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		ids = append(ids, entry.ID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"e-1", "e-2"}, ids)
}

func TestFileSink_RotatesAtSizeLimit(t *testing.T) {
	dir := t.TempDir()

	// Small enough that every entry forces a rotation
	sink, err := NewFileSink(dir, 64)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), sinkEntry("e-1")))
	require.NoError(t, sink.Write(context.Background(), sinkEntry("e-2")))
	require.NoError(t, sink.Close())

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(files), 2)
}

func TestMultiSink(t *testing.T) {
	dir := t.TempDir()
	primary, err := NewFileSink(filepath.Join(dir, "a"), 0)
	require.NoError(t, err)
	secondary, err := NewFileSink(filepath.Join(dir, "b"), 0)
	require.NoError(t, err)

	multi := NewMultiSink(primary, nil, secondary)
	require.NoError(t, multi.Write(context.Background(), sinkEntry("e-1")))
	require.NoError(t, multi.Close())

	for _, sub := range []string{"a", "b"} {
		files, err := filepath.Glob(filepath.Join(dir, sub, "audit-*.jsonl"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
	}
}
