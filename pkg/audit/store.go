package audit

import (
	"context"
	"errors"
	"time"
)

// ErrEntryNotFound is returned when no audit entry matches the given ID.
var ErrEntryNotFound = errors.New("audit entry not found")

// ActorCounts aggregates an actor's mutations inside a scan window.
type ActorCounts struct {
	ActorID string
	Total   int
	Deletes int
}

// Filter narrows an audit log query. Zero values mean "any".
type Filter struct {
	TableNames []string
	RecordID   string
	ActorID    string
	Operations []Operation
	DateFrom   *time.Time
	DateTo     *time.Time

	// Search matches free text against record IDs, actor emails, and
	// diff content.
	Search string

	// Limit caps the page size. The query service bounds and defaults it.
	Limit int

	// Cursor resumes a previous page. Opaque to callers.
	Cursor string
}

// Store is the append-only persistence layer for audit entries.
//
// Append is the only write during normal operation. PurgeOlderThan is
// the single sanctioned mutation of the log, driven by the out-of-band
// retention job.
type Store interface {
	// Append durably writes one entry and returns its ID. The write is
	// atomic; readers never observe a partial entry. Failures are
	// returned as *StoreWriteError.
	Append(ctx context.Context, entry *Entry) (string, error)

	// Get fetches one entry by ID, or ErrEntryNotFound.
	Get(ctx context.Context, id string) (*Entry, error)

	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]*Entry, error)

	// RecordHistory returns all entries for one record, oldest first.
	RecordHistory(ctx context.Context, tableName, recordID string) ([]*Entry, error)

	// ActorActivity returns entries attributed to one actor within the
	// window, newest first.
	ActorActivity(ctx context.Context, actorID string, from, to time.Time, limit int) ([]*Entry, error)

	// ActorOperationCounts aggregates per-actor mutation counts in the
	// window, for anomaly scanning.
	ActorOperationCounts(ctx context.Context, from, to time.Time) ([]ActorCounts, error)

	// VerifyIntegrity recomputes the checksum over the stored entry and
	// compares it with the stored value.
	VerifyIntegrity(ctx context.Context, id string) (bool, error)

	// ComputeCoverage scans entries in the window and rewrites the
	// coverage metadata wholesale. Attempted mutation counts per table
	// are supplied by the caller from an external source.
	ComputeCoverage(ctx context.Context, from, to time.Time, attempted map[string]int64) (*CoverageReport, error)

	// LatestCoverage returns the most recently computed coverage report,
	// or nil when none has been computed yet.
	LatestCoverage(ctx context.Context) (*CoverageReport, error)

	// PurgeOlderThan deletes entries older than the cutoff and returns
	// how many were removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// validateForAppend rejects entries that must never reach storage.
func validateForAppend(entry *Entry) error {
	if entry == nil {
		return &InvalidSnapshotError{Reason: "entry is nil"}
	}
	if entry.TableName == "" {
		return &InvalidSnapshotError{Field: "table_name", Reason: "required"}
	}
	if entry.RecordID == "" {
		return &InvalidSnapshotError{Field: "record_id", Reason: "required"}
	}
	if !entry.Operation.Valid() {
		return &InvalidSnapshotError{Field: "operation", Reason: "unknown operation " + string(entry.Operation)}
	}
	if entry.ActorID == "" {
		return &InvalidSnapshotError{Field: "actor_id", Reason: "required"}
	}
	if entry.Checksum == "" {
		return &InvalidSnapshotError{Field: "checksum", Reason: "required"}
	}
	if entry.OccurredAt.IsZero() {
		return &InvalidSnapshotError{Field: "occurred_at", Reason: "required"}
	}
	if entry.BeforeState != nil {
		if err := ValidateSnapshot(entry.BeforeState); err != nil {
			return err
		}
	}
	if entry.AfterState != nil {
		if err := ValidateSnapshot(entry.AfterState); err != nil {
			return err
		}
	}
	return nil
}
