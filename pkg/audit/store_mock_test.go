package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store used across the package tests.
type memStore struct {
	mu        sync.Mutex
	entries   []*Entry
	appendErr error
	coverage  *CoverageReport
}

func newMemStore() *memStore {
	return &memStore{}
}

func (m *memStore) Append(_ context.Context, entry *Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return "", &StoreWriteError{Op: "append", Err: m.appendErr}
	}
	if err := validateForAppend(entry); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	stored := *entry
	m.entries = append(m.entries, &stored)
	return entry.ID, nil
}

func (m *memStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.ID == id {
			copied := *e
			return &copied, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *memStore) Query(_ context.Context, filter Filter) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cursorTS time.Time
	var cursorID string
	if filter.Cursor != "" {
		var err error
		cursorTS, cursorID, err = decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
	}

	matched := make([]*Entry, 0)
	for _, e := range m.entries {
		if !matchesFilter(e, filter) {
			continue
		}
		if filter.Cursor != "" {
			if e.OccurredAt.After(cursorTS) ||
				(e.OccurredAt.Equal(cursorTS) && e.ID >= cursorID) {
				continue
			}
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.After(matched[j].OccurredAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matchesFilter(e *Entry, filter Filter) bool {
	if len(filter.TableNames) > 0 && !containsString(filter.TableNames, e.TableName) {
		return false
	}
	if filter.RecordID != "" && e.RecordID != filter.RecordID {
		return false
	}
	if filter.ActorID != "" && e.ActorID != filter.ActorID {
		return false
	}
	if len(filter.Operations) > 0 {
		found := false
		for _, op := range filter.Operations {
			if e.Operation == op {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if filter.DateFrom != nil && e.OccurredAt.Before(*filter.DateFrom) {
		return false
	}
	if filter.DateTo != nil && e.OccurredAt.After(*filter.DateTo) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (m *memStore) RecordHistory(_ context.Context, tableName, recordID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.TableName == tableName && e.RecordID == recordID {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.Before(matched[j].OccurredAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

func (m *memStore) ActorActivity(_ context.Context, actorID string, from, to time.Time, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]*Entry, 0)
	for _, e := range m.entries {
		if e.ActorID == actorID && !e.OccurredAt.Before(from) && !e.OccurredAt.After(to) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *memStore) ActorOperationCounts(_ context.Context, from, to time.Time) ([]ActorCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byActor := make(map[string]*ActorCounts)
	for _, e := range m.entries {
		if e.OccurredAt.Before(from) || e.OccurredAt.After(to) {
			continue
		}
		c, ok := byActor[e.ActorID]
		if !ok {
			c = &ActorCounts{ActorID: e.ActorID}
			byActor[e.ActorID] = c
		}
		c.Total++
		if e.Operation.IsDelete() {
			c.Deletes++
		}
	}

	counts := make([]ActorCounts, 0, len(byActor))
	for _, c := range byActor {
		counts = append(counts, *c)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].ActorID < counts[j].ActorID })
	return counts, nil
}

func (m *memStore) VerifyIntegrity(ctx context.Context, id string) (bool, error) {
	entry, err := m.Get(ctx, id)
	if err != nil {
		return false, err
	}
	computed, err := Checksum(entry)
	if err != nil {
		return false, err
	}
	return computed == entry.Checksum, nil
}

func (m *memStore) ComputeCoverage(_ context.Context, from, to time.Time, attempted map[string]int64) (*CoverageReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	audited := make(map[string]int64)
	for _, e := range m.entries {
		if e.OccurredAt.Before(from) || e.OccurredAt.After(to) {
			continue
		}
		audited[e.TableName]++
	}

	m.coverage = buildCoverageReport(from, to, audited, attempted)
	return m.coverage, nil
}

func (m *memStore) LatestCoverage(_ context.Context) (*CoverageReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coverage, nil
}

func (m *memStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var purged int64
	for _, e := range m.entries {
		if e.OccurredAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// tamper rewrites a stored field directly, bypassing append-only
// protections, to simulate corruption.
func (m *memStore) tamper(id string, mutate func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			mutate(e)
		}
	}
}
