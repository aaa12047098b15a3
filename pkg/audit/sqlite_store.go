package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

// sqliteTimeFormat is fixed-width so stored timestamps compare
// correctly as text.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists audit entries in SQLite. Used for single-node
// deployments and local development.
type SQLiteStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// OpenSQLiteStore opens (or creates) the database file and ensures the
// audit schema exists.
func OpenSQLiteStore(path string, logger *observability.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			record_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			before_state TEXT,
			after_state TEXT,
			diff TEXT NOT NULL DEFAULT '[]',
			checksum TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_email TEXT,
			occurred_at TEXT NOT NULL,
			request_context TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_record ON audit_log(table_name, record_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_occurred ON audit_log(occurred_at)`,
		`CREATE TABLE IF NOT EXISTS audit_coverage (
			table_name TEXT PRIMARY KEY,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			computed_at TEXT NOT NULL,
			audited INTEGER NOT NULL,
			attempted INTEGER NOT NULL,
			ratio REAL NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append durably writes one entry.
func (s *SQLiteStore) Append(ctx context.Context, entry *Entry) (string, error) {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, table_name, record_id, operation,
			before_state, after_state, diff, checksum,
			actor_id, actor_email, occurred_at, request_context
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TableName, entry.RecordID, string(entry.Operation),
		nullableBytes(beforeJSON), nullableBytes(afterJSON), string(diffJSON), entry.Checksum,
		entry.ActorID, nullableString(entry.ActorEmail),
		entry.OccurredAt.UTC().Format(sqliteTimeFormat), nullableBytes(ctxJSON),
	)
	if err != nil {
		return "", &StoreWriteError{Op: "append", Err: err}
	}

	return entry.ID, nil
}

const sqliteEntryColumns = `id, table_name, record_id, operation,
	before_state, after_state, diff, checksum,
	actor_id, actor_email, occurred_at, request_context`

// Get fetches one entry by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM audit_log WHERE id = ?`, id)

	entry, err := scanSQLiteEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit entry: %w", err)
	}
	return entry, nil
}

// Query returns matching entries, newest first.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := `SELECT ` + sqliteEntryColumns + ` FROM audit_log WHERE 1=1`
	var args []interface{}

	if len(filter.TableNames) > 0 {
		query += ` AND table_name IN (` + placeholders(len(filter.TableNames)) + `)`
		for _, t := range filter.TableNames {
			args = append(args, t)
		}
	}
	if filter.RecordID != "" {
		query += ` AND record_id = ?`
		args = append(args, filter.RecordID)
	}
	if filter.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, filter.ActorID)
	}
	if len(filter.Operations) > 0 {
		query += ` AND operation IN (` + placeholders(len(filter.Operations)) + `)`
		for _, op := range filter.Operations {
			args = append(args, string(op))
		}
	}
	if filter.DateFrom != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.DateFrom.UTC().Format(sqliteTimeFormat))
	}
	if filter.DateTo != nil {
		query += ` AND occurred_at <= ?`
		args = append(args, filter.DateTo.UTC().Format(sqliteTimeFormat))
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query += ` AND (record_id LIKE ? OR actor_email LIKE ? OR diff LIKE ?)`
		args = append(args, pattern, pattern, pattern)
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (occurred_at < ? OR (occurred_at = ? AND id < ?))`
		cursorTS := ts.UTC().Format(sqliteTimeFormat)
		args = append(args, cursorTS, cursorTS, id)
	}

	query += ` ORDER BY occurred_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	return collectSQLiteEntries(rows)
}

// RecordHistory returns all entries for one record, oldest first.
func (s *SQLiteStore) RecordHistory(ctx context.Context, tableName, recordID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM audit_log
		 WHERE table_name = ? AND record_id = ?
		 ORDER BY occurred_at ASC, id ASC`,
		tableName, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query record history: %w", err)
	}
	defer rows.Close()

	return collectSQLiteEntries(rows)
}

// ActorActivity returns entries for one actor within the window, newest first.
func (s *SQLiteStore) ActorActivity(ctx context.Context, actorID string, from, to time.Time, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM audit_log
		 WHERE actor_id = ? AND occurred_at >= ? AND occurred_at <= ?
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		actorID, from.UTC().Format(sqliteTimeFormat), to.UTC().Format(sqliteTimeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actor activity: %w", err)
	}
	defer rows.Close()

	return collectSQLiteEntries(rows)
}

// ActorOperationCounts aggregates per-actor mutation counts in the window.
func (s *SQLiteStore) ActorOperationCounts(ctx context.Context, from, to time.Time) ([]ActorCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor_id,
			COUNT(*) AS total,
			SUM(CASE WHEN operation IN ('delete', 'soft_delete') THEN 1 ELSE 0 END) AS deletes
		 FROM audit_log
		 WHERE occurred_at >= ? AND occurred_at <= ?
		 GROUP BY actor_id`,
		from.UTC().Format(sqliteTimeFormat), to.UTC().Format(sqliteTimeFormat))
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
func (s *SQLiteStore) VerifyIntegrity(ctx context.Context, id string) (bool, error) {
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
func (s *SQLiteStore) ComputeCoverage(ctx context.Context, from, to time.Time, attempted map[string]int64) (*CoverageReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, COUNT(*)
		 FROM audit_log
		 WHERE occurred_at >= ? AND occurred_at <= ?
		 GROUP BY table_name`,
		from.UTC().Format(sqliteTimeFormat), to.UTC().Format(sqliteTimeFormat))
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
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tc.Table,
			report.WindowStart.Format(sqliteTimeFormat),
			report.WindowEnd.Format(sqliteTimeFormat),
			report.ComputedAt.Format(sqliteTimeFormat),
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
func (s *SQLiteStore) LatestCoverage(ctx context.Context) (*CoverageReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, window_start, window_end, computed_at, audited, attempted, ratio
		 FROM audit_coverage ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to read coverage metadata: %w", err)
	}
	defer rows.Close()

	var report *CoverageReport
	for rows.Next() {
		var tc TableCoverage
		var windowStart, windowEnd, computedAt string
		if err := rows.Scan(&tc.Table, &windowStart, &windowEnd, &computedAt,
			&tc.Audited, &tc.Attempted, &tc.Ratio); err != nil {
			return nil, fmt.Errorf("failed to scan coverage metadata: %w", err)
		}
		if report == nil {
			report = &CoverageReport{}
			if report.WindowStart, err = time.Parse(sqliteTimeFormat, windowStart); err != nil {
				return nil, fmt.Errorf("failed to parse coverage window: %w", err)
			}
			if report.WindowEnd, err = time.Parse(sqliteTimeFormat, windowEnd); err != nil {
				return nil, fmt.Errorf("failed to parse coverage window: %w", err)
			}
			if report.ComputedAt, err = time.Parse(sqliteTimeFormat, computedAt); err != nil {
				return nil, fmt.Errorf("failed to parse coverage timestamp: %w", err)
			}
		}
		report.Tables = append(report.Tables, tc)
		report.TotalAudited += tc.Audited
		report.TotalAttempted += tc.Attempted
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if report != nil {
		if report.TotalAttempted > 0 {
			report.OverallRatio = float64(report.TotalAudited) / float64(report.TotalAttempted)
		} else {
			report.OverallRatio = 1.0
		}
	}
	return report, nil
}

// PurgeOlderThan removes entries older than the cutoff.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE occurred_at < ?`,
		cutoff.UTC().Format(sqliteTimeFormat))
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func scanSQLiteEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var operation, occurredAt string
	var before, after, diff, reqCtx []byte
	var actorEmail sql.NullString

	err := row.Scan(
		&entry.ID, &entry.TableName, &entry.RecordID, &operation,
		&before, &after, &diff, &entry.Checksum,
		&entry.ActorID, &actorEmail, &occurredAt, &reqCtx,
	)
	if err != nil {
		return nil, err
	}

	entry.Operation = Operation(operation)
	entry.ActorEmail = actorEmail.String

	if entry.OccurredAt, err = time.Parse(sqliteTimeFormat, occurredAt); err != nil {
		return nil, fmt.Errorf("failed to parse occurred_at: %w", err)
	}

	if err := unmarshalEntryJSON(&entry, before, after, diff, reqCtx); err != nil {
		return nil, err
	}
	return &entry, nil
}

func collectSQLiteEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullableBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
