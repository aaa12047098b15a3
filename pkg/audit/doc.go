// Package audit implements the mutation audit pipeline: snapshot
// capture, diffing, checksums, append-only persistence, and queries.
//
// # Overview
//
// Every state-changing operation against a production table (vendors,
// purchases, press runs, batches, vessels, packaging runs, inventory,
// users) produces one immutable Entry holding the redacted before and
// after snapshots, a field-level diff, and a tamper-detection checksum.
//
// # Recording Mutations
//
// The Recorder wraps each mutation so call sites never audit manually:
//
//	result, err := recorder.Record(ctx, audit.MutationInfo{
//		TableName: audit.TableBatches,
//		Operation: audit.OpUpdate,
//		RecordID:  batchID,
//	}, fetchBefore, applyUpdate)
//
// The mutation's result and error pass through unchanged. Audit
// appends run asynchronously by default and fail open: a broken audit
// store never breaks the business operation, but every lost entry is
// counted in cellartrail_append_failures_total and logged.
//
// # Querying the Log
//
// The Service provides validated, paginated reads:
//
//	page, err := service.QueryLogs(ctx, audit.Filter{
//		TableNames: []string{audit.TableVessels},
//		Limit:      100,
//	})
//	history, err := service.GetRecordHistory(ctx, audit.TableBatches, batchID)
//
// Filters are rejected with InvalidQueryError before touching storage.
// Record lifelines come back oldest first; under concurrent mutations
// their order reflects completion order, not request-issue order.
//
// # Integrity and Coverage
//
// Checksums cover the canonicalized entry content; VerifyEntry
// recomputes and compares, surfacing IntegrityMismatchError on
// tampering. ComputeCoverage periodically rewrites per-table
// audited-vs-attempted ratios so silent coverage gaps become visible.
//
// # Storage Backends
//
//   - PostgresStore: JSONB columns, production default
//   - SQLiteStore: single-node deployments and local development
//   - FileSink: secondary JSONL copy with size-based rotation
//
// # Related Packages
//
//   - pkg/config: redaction fields, thresholds, retention settings
//   - pkg/observability: metrics and structured logging
//   - pkg/archive: S3 archiving before retention purges
package audit
