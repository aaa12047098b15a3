package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExporter(t *testing.T) (*Exporter, *memStore) {
	t.Helper()

	store := newMemStore()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	appendTestEntry(t, store, TableBatches, "batch-1", "user-1", OpCreate, base)
	appendTestEntry(t, store, TableBatches, "batch-1", "user-1", OpUpdate, base.Add(time.Minute))
	appendTestEntry(t, store, TableVessels, "vessel-1", "user-2", OpDelete, base.Add(2*time.Minute))
	return NewExporter(store), store
}

func TestExporter_NDJSON(t *testing.T) {
	exporter, _ := newTestExporter(t)

	var buf bytes.Buffer
	written, err := exporter.Export(context.Background(), &buf, Filter{}, ExportNDJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var entry Entry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.NotEmpty(t, entry.Checksum)
	}
}

func TestExporter_JSONArray(t *testing.T) {
	exporter, _ := newTestExporter(t)

	var buf bytes.Buffer
	written, err := exporter.Export(context.Background(), &buf, Filter{
		TableNames: []string{TableVessels},
	}, ExportJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	var entries []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, OpDelete, entries[0].Operation)
}

func TestExporter_JSONArray_Empty(t *testing.T) {
	exporter := NewExporter(newMemStore())

	var buf bytes.Buffer
	written, err := exporter.Export(context.Background(), &buf, Filter{}, ExportJSON)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.JSONEq(t, "[]", buf.String())
}

func TestExporter_CSV(t *testing.T) {
	exporter, _ := newTestExporter(t)

	var buf bytes.Buffer
	written, err := exporter.Export(context.Background(), &buf, Filter{}, ExportCSV)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, "summary", records[0][len(records[0])-1])
	// Newest first in the body
	assert.Equal(t, TableVessels, records[1][1])
}

func TestExporter_RejectsBadInput(t *testing.T) {
	exporter, _ := newTestExporter(t)

	var buf bytes.Buffer
	var invalid *InvalidQueryError

	_, err := exporter.Export(context.Background(), &buf, Filter{}, ExportFormat("xml"))
	require.ErrorAs(t, err, &invalid)

	from := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	_, err = exporter.Export(context.Background(), &buf, Filter{DateFrom: &from, DateTo: &to}, ExportNDJSON)
	require.ErrorAs(t, err, &invalid)
}
