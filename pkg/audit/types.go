package audit

import (
	"fmt"
	"time"
)

// Operation identifies the kind of mutation an audit entry records.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpSoftDelete Operation = "soft_delete"
	OpRestore    Operation = "restore"
)

// Valid reports whether the operation is a known mutation kind.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpSoftDelete, OpRestore:
		return true
	}
	return false
}

// HasBeforeState reports whether entries for this operation carry a
// before snapshot.
func (o Operation) HasBeforeState() bool {
	switch o {
	case OpUpdate, OpDelete, OpSoftDelete, OpRestore:
		return true
	}
	return false
}

// HasAfterState reports whether entries for this operation carry an
// after snapshot. Hard deletes leave nothing behind.
func (o Operation) HasAfterState() bool {
	return o != OpDelete
}

// IsDelete reports whether the operation removes a record, including
// soft deletes.
func (o Operation) IsDelete() bool {
	return o == OpDelete || o == OpSoftDelete
}

// Audited production tables.
const (
	TableVendors        = "vendors"
	TablePurchases      = "purchases"
	TablePressRuns      = "press_runs"
	TableBatches        = "batches"
	TableVessels        = "vessels"
	TablePackagingRuns  = "packaging_runs"
	TableInventoryItems = "inventory_items"
	TableUsers          = "users"
)

// AuditedTables returns the tables covered by mutation auditing.
func AuditedTables() []string {
	return []string{
		TableVendors,
		TablePurchases,
		TablePressRuns,
		TableBatches,
		TableVessels,
		TablePackagingRuns,
		TableInventoryItems,
		TableUsers,
	}
}

// Snapshot is a captured copy of a record's field values at a point in
// time. Values are arbitrary JSON-shaped data.
type Snapshot map[string]interface{}

// FieldChange is one field-level difference between two snapshots.
// A field present on only one side reports the missing side as nil.
type FieldChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
}

// RequestContext carries ambient request metadata attributed to an entry.
type RequestContext struct {
	IPAddress string `json:"ip_address,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Entry is one immutable audit record per mutation. Once written it is
// never updated; corrections are new entries for the same record.
type Entry struct {
	ID             string          `json:"id"`
	TableName      string          `json:"table_name"`
	RecordID       string          `json:"record_id"`
	Operation      Operation       `json:"operation"`
	BeforeState    Snapshot        `json:"before_state,omitempty"`
	AfterState     Snapshot        `json:"after_state,omitempty"`
	Diff           []FieldChange   `json:"diff"`
	Checksum       string          `json:"checksum"`
	ActorID        string          `json:"actor_id"`
	ActorEmail     string          `json:"actor_email,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RequestContext *RequestContext `json:"request_context,omitempty"`
}

// TableCoverage is the audited-mutation ratio for one table.
type TableCoverage struct {
	Table     string  `json:"table"`
	Audited   int64   `json:"audited"`
	Attempted int64   `json:"attempted"`
	Ratio     float64 `json:"ratio"`
}

// CoverageReport is the aggregate coverage metadata, recomputed
// wholesale by the store on each run.
type CoverageReport struct {
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
	ComputedAt     time.Time       `json:"computed_at"`
	Tables         []TableCoverage `json:"tables"`
	TotalAudited   int64           `json:"total_audited"`
	TotalAttempted int64           `json:"total_attempted"`
	OverallRatio   float64         `json:"overall_ratio"`
}

// InvalidSnapshotError indicates a malformed before or after payload.
// The offending entry must not be stored.
type InvalidSnapshotError struct {
	Field  string
	Reason string
}

func (e *InvalidSnapshotError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid snapshot: %s", e.Reason)
	}
	return fmt.Sprintf("invalid snapshot: field %q: %s", e.Field, e.Reason)
}

// StoreWriteError indicates a persistence failure during append. It is
// non-fatal to the business mutation but must be counted and logged.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("audit store write failed during %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// InvalidQueryError indicates a caller-supplied filter that violates
// bounds. It is rejected before any storage access.
type InvalidQueryError struct {
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid query: %s", e.Reason)
	}
	return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Reason)
}

// IntegrityMismatchError indicates a stored entry whose recomputed
// checksum disagrees with its stored checksum. Surfaced to operators,
// never auto-corrected.
type IntegrityMismatchError struct {
	EntryID          string
	StoredChecksum   string
	ComputedChecksum string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for entry %s: stored %s, computed %s",
		e.EntryID, e.StoredChecksum, e.ComputedChecksum)
}
