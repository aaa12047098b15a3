package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/orchardworks/cellartrail/pkg/observability"
)

const (
	// DefaultQueryLimit applies when a filter omits the limit.
	DefaultQueryLimit = 100
	// MaxQueryLimit bounds any single page.
	MaxQueryLimit = 500
	// MaxActivityWindow bounds user activity lookups.
	MaxActivityWindow = 90 * 24 * time.Hour
)

// Page is one page of query results with an opaque continuation cursor.
type Page struct {
	Entries    []*Entry `json:"entries"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Service provides validated, paginated read access over the store.
// Stateless apart from a small LRU cache for record history lookups.
type Service struct {
	store   Store
	history *lru.Cache[string, []*Entry]
	metrics *observability.Metrics
}

// NewService creates a query service. cacheSize <= 0 disables the
// history cache.
func NewService(store Store, cacheSize int, metrics *observability.Metrics) (*Service, error) {
	s := &Service{store: store, metrics: metrics}

	if cacheSize > 0 {
		cache, err := lru.New[string, []*Entry](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create history cache: %w", err)
		}
		s.history = cache
	}

	return s, nil
}

// QueryLogs returns a validated, paginated slice of the audit log,
// newest first. Invalid filters fail with InvalidQueryError before any
// storage access.
func (s *Service) QueryLogs(ctx context.Context, filter Filter) (*Page, error) {
	if err := validateFilter(&filter); err != nil {
		s.countQueryError("query_logs", err)
		return nil, err
	}

	start := time.Now()
	// Fetch one extra row to decide whether another page exists
	probe := filter
	probe.Limit = filter.Limit + 1

	entries, err := s.store.Query(ctx, probe)
	if err != nil {
		s.countQueryError("query_logs", err)
		return nil, err
	}
	s.observeQuery("query_logs", start)

	page := &Page{Entries: entries}
	if len(entries) > filter.Limit {
		page.Entries = entries[:filter.Limit]
		last := page.Entries[len(page.Entries)-1]
		page.NextCursor = EncodeCursor(last.OccurredAt, last.ID)
	}

	return page, nil
}

// GetRecordHistory returns all entries for one record, oldest first,
// reconstructing the record's lifeline.
func (s *Service) GetRecordHistory(ctx context.Context, tableName, recordID string) ([]*Entry, error) {
	if tableName == "" {
		return nil, &InvalidQueryError{Field: "table_name", Reason: "required"}
	}
	if recordID == "" {
		return nil, &InvalidQueryError{Field: "record_id", Reason: "required"}
	}

	key := historyKey(tableName, recordID)
	if s.history != nil {
		if cached, ok := s.history.Get(key); ok {
			if s.metrics != nil {
				s.metrics.HistoryCacheHits.Inc()
			}
			return cached, nil
		}
		if s.metrics != nil {
			s.metrics.HistoryCacheMisses.Inc()
		}
	}

	start := time.Now()
	entries, err := s.store.RecordHistory(ctx, tableName, recordID)
	if err != nil {
		s.countQueryError("record_history", err)
		return nil, err
	}
	s.observeQuery("record_history", start)

	if s.history != nil {
		s.history.Add(key, entries)
	}
	return entries, nil
}

// InvalidateHistory drops the cached lifeline for one record. The
// recorder calls this after each append.
func (s *Service) InvalidateHistory(tableName, recordID string) {
	if s.history != nil {
		s.history.Remove(historyKey(tableName, recordID))
	}
}

// GetUserActivity returns entries attributed to one actor within a
// bounded trailing window.
func (s *Service) GetUserActivity(ctx context.Context, actorID string, window time.Duration, limit int) ([]*Entry, error) {
	if actorID == "" {
		return nil, &InvalidQueryError{Field: "actor_id", Reason: "required"}
	}
	if window <= 0 {
		return nil, &InvalidQueryError{Field: "window", Reason: "must be positive"}
	}
	if window > MaxActivityWindow {
		return nil, &InvalidQueryError{Field: "window", Reason: fmt.Sprintf("exceeds maximum of %s", MaxActivityWindow)}
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return nil, &InvalidQueryError{Field: "limit", Reason: fmt.Sprintf("exceeds maximum of %d", MaxQueryLimit)}
	}

	now := time.Now().UTC()
	start := time.Now()
	entries, err := s.store.ActorActivity(ctx, actorID, now.Add(-window), now, limit)
	if err != nil {
		s.countQueryError("user_activity", err)
		return nil, err
	}
	s.observeQuery("user_activity", start)

	return entries, nil
}

// GetCoverageReport returns the latest coverage metadata from the store.
func (s *Service) GetCoverageReport(ctx context.Context) (*CoverageReport, error) {
	return s.store.LatestCoverage(ctx)
}

// VerifyEntry recomputes an entry's checksum against its stored value.
// A mismatch surfaces as IntegrityMismatchError, never auto-corrected.
func (s *Service) VerifyEntry(ctx context.Context, id string) error {
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	computed, err := Checksum(entry)
	if err != nil {
		return fmt.Errorf("failed to recompute checksum: %w", err)
	}

	if s.metrics != nil {
		if computed == entry.Checksum {
			s.metrics.IntegrityChecksTotal.WithLabelValues("ok").Inc()
		} else {
			s.metrics.IntegrityChecksTotal.WithLabelValues("mismatch").Inc()
			s.metrics.IntegrityFailuresTotal.Inc()
		}
	}

	if computed != entry.Checksum {
		return &IntegrityMismatchError{
			EntryID:          entry.ID,
			StoredChecksum:   entry.Checksum,
			ComputedChecksum: computed,
		}
	}
	return nil
}

func (s *Service) observeQuery(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) countQueryError(operation string, err error) {
	if s.metrics == nil {
		return
	}
	errType := "store"
	if _, ok := err.(*InvalidQueryError); ok {
		errType = "validation"
	}
	s.metrics.QueryErrorsTotal.WithLabelValues(operation, errType).Inc()
}

func validateFilter(filter *Filter) error {
	if filter.Limit < 0 {
		return &InvalidQueryError{Field: "limit", Reason: "must not be negative"}
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultQueryLimit
	}
	if filter.Limit > MaxQueryLimit {
		return &InvalidQueryError{Field: "limit", Reason: fmt.Sprintf("exceeds maximum of %d", MaxQueryLimit)}
	}

	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return &InvalidQueryError{Field: "date_from", Reason: "must not be after date_to"}
	}

	for _, op := range filter.Operations {
		if !op.Valid() {
			return &InvalidQueryError{Field: "operations", Reason: "unknown operation " + string(op)}
		}
	}

	if filter.Cursor != "" {
		if _, _, err := decodeCursor(filter.Cursor); err != nil {
			return err
		}
	}

	return nil
}

func historyKey(tableName, recordID string) string {
	return tableName + "/" + recordID
}

// EncodeCursor packs the keyset position (occurred_at, id) into an
// opaque token. External pagers over Store.Query use it to resume
// where the previous page ended.
func EncodeCursor(t time.Time, id string) string {
	raw := t.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", &InvalidQueryError{Field: "cursor", Reason: "malformed cursor"}
	}

	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", &InvalidQueryError{Field: "cursor", Reason: "malformed cursor"}
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", &InvalidQueryError{Field: "cursor", Reason: "malformed cursor timestamp"}
	}

	return t, parts[1], nil
}
