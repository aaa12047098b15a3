package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

// PostgresStore persists audit entries in PostgreSQL with JSONB
// snapshot columns.
type PostgresStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewPostgresStore creates the store and ensures its schema exists.
func NewPostgresStore(db *sql.DB, logger *observability.Logger) (*PostgresStore, error) {
	s := &PostgresStore{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id UUID PRIMARY KEY,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			before_state JSONB,
			after_state JSONB,
			diff JSONB NOT NULL DEFAULT '[]'::jsonb,
			checksum TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_email TEXT,
			occurred_at TIMESTAMPTZ NOT NULL,
			request_context JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_record ON audit_log(table_name, record_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_occurred ON audit_log(occurred_at)`,
		`CREATE TABLE IF NOT EXISTS audit_coverage (
			table_name TEXT PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			window_end TIMESTAMPTZ NOT NULL,
			computed_at TIMESTAMPTZ NOT NULL,
			audited BIGINT NOT NULL,
			attempted BIGINT NOT NULL,
			ratio DOUBLE PRECISION NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append durably writes one entry. The single-row INSERT is atomic, so
// readers never observe a partial entry.
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) (string, error) {
	if err := validateForAppend(entry); err != nil {
		return "", err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	beforeJSON, err := marshalNullable(entry.BeforeState)
	if err != nil {
		return "", &StoreWriteError{Op: "append", Err: err}
	}
	afterJSON, err := marshalNullable(entry.AfterState)
	if err != nil {
		return "", &StoreWriteError{Op: "append", Err: err}
	}
	diffJSON, err := json.Marshal(entry.Diff)
	if err != nil {
		return "", &StoreWriteError{Op: "append", Err: err}
	}
	ctxJSON, err := marshalNullableContext(entry.RequestContext)
	if err != nil {
		return "", &StoreWriteError{Op: "append", Err: err}
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (
			id, table_name, record_id, operation,
			before_state, after_state, diff, checksum,
			actor_id, actor_email, occurred_at, request_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		entry.ID, entry.TableName, entry.RecordID, string(entry.Operation),
		beforeJSON, afterJSON, diffJSON, entry.Checksum,
		entry.ActorID, nullableString(entry.ActorEmail), entry.OccurredAt.UTC(), ctxJSON,
	).Scan(&id)
	if err != nil {
		return "", &StoreWriteError{Op: "append", Err: err}
	}

	return id, nil
}

const pgEntryColumns = `id, table_name, record_id, operation,
	before_state, after_state, diff, checksum,
	actor_id, actor_email, occurred_at, request_context`

// Get fetches one entry by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgEntryColumns+` FROM audit_log WHERE id = $1`, id)

	entry, err := scanPGEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit entry: %w", err)
	}
	return entry, nil
}

// Query returns matching entries, newest first.
func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `SELECT ` + pgEntryColumns + ` FROM audit_log WHERE 1=1`
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.TableNames) > 0 {
		query += ` AND table_name = ANY(` + arg(pq.Array(filter.TableNames)) + `)`
	}
	if filter.RecordID != "" {
		query += ` AND record_id = ` + arg(filter.RecordID)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ` + arg(filter.ActorID)
	}
	if len(filter.Operations) > 0 {
		ops := make([]string, len(filter.Operations))
		for i, op := range filter.Operations {
			ops[i] = string(op)
		}
		query += ` AND operation = ANY(` + arg(pq.Array(ops)) + `)`
	}
	if filter.DateFrom != nil {
		query += ` AND occurred_at >= ` + arg(filter.DateFrom.UTC())
	}
	if filter.DateTo != nil {
		query += ` AND occurred_at <= ` + arg(filter.DateTo.UTC())
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query += ` AND (record_id ILIKE ` + arg(pattern) +
			` OR actor_email ILIKE ` + arg(pattern) +
			` OR diff::text ILIKE ` + arg(pattern) + `)`
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (occurred_at, id::text) < (` + arg(ts) + `, ` + arg(id) + `)`
	}

	query += ` ORDER BY occurred_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	return collectPGEntries(rows)
}

// RecordHistory returns all entries for one record, oldest first.
func (s *PostgresStore) RecordHistory(ctx context.Context, tableName, recordID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgEntryColumns+` FROM audit_log
		 WHERE table_name = $1 AND record_id = $2
		 ORDER BY occurred_at ASC, id ASC`,
		tableName, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query record history: %w", err)
	}
	defer rows.Close()

	return collectPGEntries(rows)
}

// ActorActivity returns entries for one actor within the window, newest first.
func (s *PostgresStore) ActorActivity(ctx context.Context, actorID string, from, to time.Time, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgEntryColumns+` FROM audit_log
		 WHERE actor_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $4`,
		actorID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actor activity: %w", err)
	}
	defer rows.Close()

	return collectPGEntries(rows)
}

// ActorOperationCounts aggregates per-actor mutation counts in the window.
func (s *PostgresStore) ActorOperationCounts(ctx context.Context, from, to time.Time) ([]ActorCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE operation IN ('delete', 'soft_delete')) AS deletes
		 FROM audit_log
		 WHERE occurred_at >= $1 AND occurred_at <= $2
		 GROUP BY actor_id`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate actor activity: %w", err)
	}
	defer rows.Close()

	var counts []ActorCounts
	for rows.Next() {
		var c ActorCounts
		if err := rows.Scan(&c.ActorID, &c.Total, &c.Deletes); err != nil {
			return nil, fmt.Errorf("failed to scan actor counts: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// VerifyIntegrity recomputes the stored entry's checksum and compares.
func (s *PostgresStore) VerifyIntegrity(ctx context.Context, id string) (bool, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	computed, err := Checksum(entry)
	if err != nil {
		return false, fmt.Errorf("failed to recompute checksum: %w", err)
	}

	return computed == entry.Checksum, nil
}

// ComputeCoverage scans the window and rewrites coverage metadata wholesale.
func (s *PostgresStore) ComputeCoverage(ctx context.Context, from, to time.Time, attempted map[string]int64) (*CoverageReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, COUNT(*)
		 FROM audit_log
		 WHERE occurred_at >= $1 AND occurred_at <= $2
		 GROUP BY table_name`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to scan coverage window: %w", err)
	}
	defer rows.Close()

	audited := make(map[string]int64)
	for rows.Next() {
		var table string
		var count int64
		if err := rows.Scan(&table, &count); err != nil {
			return nil, fmt.Errorf("failed to scan coverage row: %w", err)
		}
		audited[table] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := buildCoverageReport(from, to, audited, attempted)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin coverage rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_coverage`); err != nil {
		return nil, fmt.Errorf("failed to clear coverage metadata: %w", err)
	}
	for _, tc := range report.Tables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_coverage (table_name, window_start, window_end, computed_at, audited, attempted, ratio)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tc.Table, report.WindowStart, report.WindowEnd, report.ComputedAt,
			tc.Audited, tc.Attempted, tc.Ratio); err != nil {
			return nil, fmt.Errorf("failed to write coverage for %s: %w", tc.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit coverage rewrite: %w", err)
	}

	return report, nil
}

// LatestCoverage reads the most recently computed coverage report.
func (s *PostgresStore) LatestCoverage(ctx context.Context) (*CoverageReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, window_start, window_end, computed_at, audited, attempted, ratio
		 FROM audit_coverage ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage metadata: %w", err)
	}
	defer rows.Close()

	return collectCoverageRows(rows)
}

// PurgeOlderThan removes entries older than the cutoff.
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if purged > 0 {
		s.logger.WithFields(map[string]interface{}{
			"purged": purged,
			"cutoff": cutoff.UTC().Format(time.RFC3339),
		}).Info("purged audit entries past retention")
	}
	return purged, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks and pool stats.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPGEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var operation string
	var before, after, diff, reqCtx []byte
	var actorEmail sql.NullString

	err := row.Scan(
		&entry.ID, &entry.TableName, &entry.RecordID, &operation,
		&before, &after, &diff, &entry.Checksum,
		&entry.ActorID, &actorEmail, &entry.OccurredAt, &reqCtx,
	)
	if err != nil {
		return nil, err
	}

	entry.Operation = Operation(operation)
	entry.ActorEmail = actorEmail.String
	entry.OccurredAt = entry.OccurredAt.UTC()

	if err := unmarshalEntryJSON(&entry, before, after, diff, reqCtx); err != nil {
		return nil, err
	}
	return &entry, nil
}

func collectPGEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		entry, err := scanPGEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func collectCoverageRows(rows *sql.Rows) (*CoverageReport, error) {
	var report *CoverageReport
	for rows.Next() {
		var tc TableCoverage
		var windowStart, windowEnd, computedAt time.Time
		if err := rows.Scan(&tc.Table, &windowStart, &windowEnd, &computedAt,
			&tc.Audited, &tc.Attempted, &tc.Ratio); err != nil {
			return nil, fmt.Errorf("failed to scan coverage metadata: %w", err)
		}
		if report == nil {
			report = &CoverageReport{
				WindowStart: windowStart.UTC(),
				WindowEnd:   windowEnd.UTC(),
				ComputedAt:  computedAt.UTC(),
			}
		}
		report.Tables = append(report.Tables, tc)
		report.TotalAudited += tc.Audited
		report.TotalAttempted += tc.Attempted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if report != nil && report.TotalAttempted > 0 {
		report.OverallRatio = float64(report.TotalAudited) / float64(report.TotalAttempted)
	} else if report != nil {
		report.OverallRatio = 1.0
	}
	return report, nil
}

// buildCoverageReport merges audited counts with externally supplied
// attempted counts. A table with audited entries but no attempted
// count falls back to attempted = audited.
func buildCoverageReport(from, to time.Time, audited, attempted map[string]int64) *CoverageReport {
	tables := make(map[string]struct{}, len(audited)+len(attempted))
	for t := range audited {
		tables[t] = struct{}{}
	}
	for t := range attempted {
		tables[t] = struct{}{}
	}

	report := &CoverageReport{
		WindowStart: from.UTC(),
		WindowEnd:   to.UTC(),
		ComputedAt:  time.Now().UTC(),
	}

	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	sort.Strings(names)

	for _, table := range names {
		a := audited[table]
		att, ok := attempted[table]
		if !ok || att < a {
			att = a
		}

		ratio := 1.0
		if att > 0 {
			ratio = float64(a) / float64(att)
		}

		report.Tables = append(report.Tables, TableCoverage{
			Table:     table,
			Audited:   a,
			Attempted: att,
			Ratio:     ratio,
		})
		report.TotalAudited += a
		report.TotalAttempted += att
	}

	if report.TotalAttempted > 0 {
		report.OverallRatio = float64(report.TotalAudited) / float64(report.TotalAttempted)
	} else {
		report.OverallRatio = 1.0
	}
	return report
}

func marshalNullable(snapshot Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	return json.Marshal(snapshot)
}

func marshalNullableContext(rc *RequestContext) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	return json.Marshal(rc)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unmarshalEntryJSON(entry *Entry, before, after, diff, reqCtx []byte) error {
	if len(before) > 0 {
		if err := json.Unmarshal(before, &entry.BeforeState); err != nil {
			return fmt.Errorf("failed to decode before state: %w", err)
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &entry.AfterState); err != nil {
			return fmt.Errorf("failed to decode after state: %w", err)
		}
	}
	if len(diff) > 0 {
		if err := json.Unmarshal(diff, &entry.Diff); err != nil {
			return fmt.Errorf("failed to decode diff: %w", err)
		}
	}
	if entry.Diff == nil {
		entry.Diff = []FieldChange{}
	}
	if len(reqCtx) > 0 {
		var rc RequestContext
		if err := json.Unmarshal(reqCtx, &rc); err != nil {
			return fmt.Errorf("failed to decode request context: %w", err)
		}
		entry.RequestContext = &rc
	}
	return nil
}
