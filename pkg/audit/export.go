package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// ExportFormat selects the export serialization.
type ExportFormat string

const (
	ExportJSON   ExportFormat = "json"
	ExportNDJSON ExportFormat = "ndjson"
	ExportCSV    ExportFormat = "csv"
)

// ValidExportFormat reports whether the format is supported.
func ValidExportFormat(f ExportFormat) bool {
	switch f {
	case ExportJSON, ExportNDJSON, ExportCSV:
		return true
	}
	return false
}

// Exporter streams filtered audit entries to a writer for compliance
// handoffs. It pages through the store with the same bounded filters
// as the query service.
type Exporter struct {
	store Store
}

// NewExporter creates an exporter over the store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// Export writes all entries matching the filter in the given format,
// paging internally until the result set is exhausted. Returns the
// number of entries written.
func (e *Exporter) Export(ctx context.Context, w io.Writer, filter Filter, format ExportFormat) (int, error) {
	if !ValidExportFormat(format) {
		return 0, &InvalidQueryError{Field: "format", Reason: "must be json, ndjson, or csv"}
	}
	if err := validateFilter(&filter); err != nil {
		return 0, err
	}

	var writeEntry func(*Entry) error
	var finish func() error

	switch format {
	case ExportJSON:
		writeEntry, finish = jsonArrayWriter(w)
	case ExportNDJSON:
		enc := json.NewEncoder(w)
		writeEntry = func(entry *Entry) error { return enc.Encode(entry) }
		finish = func() error { return nil }
	case ExportCSV:
		var err error
		writeEntry, finish, err = csvWriter(w)
		if err != nil {
			return 0, err
		}
	}

	written := 0
	filter.Limit = MaxQueryLimit
	for {
		entries, err := e.store.Query(ctx, filter)
		if err != nil {
			return written, fmt.Errorf("export query failed: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			if err := writeEntry(entry); err != nil {
				return written, fmt.Errorf("export write failed: %w", err)
			}
			written++
		}

		if len(entries) < filter.Limit {
			break
		}
		last := entries[len(entries)-1]
		filter.Cursor = EncodeCursor(last.OccurredAt, last.ID)
	}

	return written, finish()
}

func jsonArrayWriter(w io.Writer) (func(*Entry) error, func() error) {
	first := true
	write := func(entry *Entry) error {
		prefix := ","
		if first {
			prefix = "["
			first = false
		}
		if _, err := io.WriteString(w, prefix); err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	}
	finish := func() error {
		if first {
			_, err := io.WriteString(w, "[]")
			return err
		}
		_, err := io.WriteString(w, "]")
		return err
	}
	return write, finish
}

func csvWriter(w io.Writer) (func(*Entry) error, func() error, error) {
	cw := csv.NewWriter(w)
	header := []string{
		"id", "table_name", "record_id", "operation",
		"actor_id", "actor_email", "occurred_at", "checksum",
		"change_count", "summary",
	}
	if err := cw.Write(header); err != nil {
		return nil, nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	write := func(entry *Entry) error {
		return cw.Write([]string{
			entry.ID,
			entry.TableName,
			entry.RecordID,
			string(entry.Operation),
			entry.ActorID,
			entry.ActorEmail,
			entry.OccurredAt.Format("2006-01-02T15:04:05.000000000Z07:00"),
			entry.Checksum,
			strconv.Itoa(len(entry.Diff)),
			Summarize(entry.Diff),
		})
	}
	finish := func() error {
		cw.Flush()
		return cw.Error()
	}
	return write, finish, nil
}
