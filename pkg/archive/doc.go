// Package archive ships expiring audit entries to S3-compatible object
// storage before the retention purge removes them. Batches are written
// as gzip-compressed NDJSON under a date-partitioned key layout, so
// archived history stays queryable with standard object-store tooling.
package archive
