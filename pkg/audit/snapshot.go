package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// RedactionMarker replaces the value of sensitive fields before
// diffing and storage.
const RedactionMarker = "[REDACTED]"

// maxSnapshotDepth bounds snapshot nesting. Deeper payloads fail
// validation instead of being silently truncated.
const maxSnapshotDepth = 32

// Engine performs the pure snapshot transformations: redaction,
// diffing, checksums, and validation. Safe for concurrent use; the
// redacted field set can be swapped at runtime by the policy watcher.
type Engine struct {
	mu       sync.RWMutex
	redacted map[string]struct{}
}

// NewEngine creates an engine that redacts the given field names at
// any nesting depth.
func NewEngine(redactedFields []string) *Engine {
	e := &Engine{}
	e.SetRedactedFields(redactedFields)
	return e
}

// SetRedactedFields replaces the sensitive field set.
func (e *Engine) SetRedactedFields(fields []string) {
	redacted := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		redacted[strings.ToLower(f)] = struct{}{}
	}
	e.mu.Lock()
	e.redacted = redacted
	e.mu.Unlock()
}

// Redact returns a deep copy of the snapshot with every configured
// sensitive field replaced by the redaction marker, at any depth.
// A nil snapshot stays nil.
func (e *Engine) Redact(snapshot Snapshot) Snapshot {
	if snapshot == nil {
		return nil
	}

	e.mu.RLock()
	redacted := e.redacted
	e.mu.RUnlock()

	return redactMap(snapshot, redacted)
}

func redactMap(m map[string]interface{}, redacted map[string]struct{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, sensitive := redacted[strings.ToLower(k)]; sensitive {
			out[k] = RedactionMarker
			continue
		}
		out[k] = redactValue(v, redacted)
	}
	return out
}

func redactValue(v interface{}, redacted map[string]struct{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return redactMap(val, redacted)
	case Snapshot:
		return redactMap(val, redacted)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item, redacted)
		}
		return out
	default:
		return v
	}
}

// Diff returns the field-level changes between two redacted snapshots,
// ordered alphabetically by field name for reproducibility. Fields
// present on only one side report the missing side as nil. Either
// snapshot may be nil; diffing a snapshot against nil yields no
// changes, matching create and hard delete semantics.
func Diff(before, after Snapshot) []FieldChange {
	if before == nil || after == nil {
		return []FieldChange{}
	}

	fields := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		fields[k] = struct{}{}
	}
	for k := range after {
		fields[k] = struct{}{}
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	changes := make([]FieldChange, 0)
	for _, name := range names {
		oldVal, hadOld := before[name]
		newVal, hasNew := after[name]

		if hadOld && hasNew && valuesEqual(oldVal, newVal) {
			continue
		}

		changes = append(changes, FieldChange{
			Field:    name,
			OldValue: oldVal,
			NewValue: newVal,
		})
	}

	return changes
}

// valuesEqual compares two snapshot values, treating numerically equal
// numbers of different Go types as equal at any nesting depth.
// Snapshots round-trip through JSON, so an int before and a float64
// after must not register a change, including inside nested maps and
// slices.
func valuesEqual(a, b interface{}) bool {
	if an, aok := asFloat(a); aok {
		bn, bok := asFloat(b)
		return bok && an == bn
	}
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	if as, ok := a.([]interface{}); ok {
		bs, ok := b.([]interface{})
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Snapshot:
		return m, true
	}
	return nil, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Checksum canonicalizes the entry content and returns its SHA-256
// digest as "sha256:<hex>". The digest covers the mutation content,
// not storage metadata, so recomputation over a stored entry matches
// the original. Any change to the covered fields changes the digest.
//
// occurred_at is canonicalized at microsecond precision. Postgres
// timestamptz rounds sub-microsecond digits on write, and a digest
// over nanoseconds the store cannot return would flag every stored
// entry as tampered.
func Checksum(entry *Entry) (string, error) {
	payload := map[string]interface{}{
		"table_name":   entry.TableName,
		"record_id":    entry.RecordID,
		"operation":    string(entry.Operation),
		"before_state": entry.BeforeState,
		"after_state":  entry.AfterState,
		"diff":         entry.Diff,
		"actor_id":     entry.ActorID,
		"occurred_at":  entry.OccurredAt.UTC().Round(time.Microsecond).Format(time.RFC3339Nano),
	}

	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serializes with stable key ordering and normalized
// number types. The round-trip through interface{} collapses Go
// numeric types to float64 so an entry hashed before storage matches
// the same entry re-read from a JSON column.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}

	return json.Marshal(normalized)
}

// ValidateSnapshot checks a snapshot structurally: it must be a
// non-nil object whose values are JSON-serializable within the depth
// bound and free of circular references. Fails with
// InvalidSnapshotError naming the offending field.
func ValidateSnapshot(snapshot Snapshot) error {
	if snapshot == nil {
		return &InvalidSnapshotError{Reason: "snapshot is nil"}
	}

	for field, value := range snapshot {
		if err := validateValue(field, value, 1, make(map[uintptr]struct{})); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, v interface{}, depth int, seen map[uintptr]struct{}) error {
	if depth > maxSnapshotDepth {
		return &InvalidSnapshotError{Field: field, Reason: fmt.Sprintf("exceeds maximum nesting depth %d", maxSnapshotDepth)}
	}

	switch val := v.(type) {
	case nil, bool, string,
		float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number, time.Time:
		return nil
	case map[string]interface{}:
		if err := checkCycle(field, val, seen); err != nil {
			return err
		}
		for k, item := range val {
			if err := validateValue(field+"."+k, item, depth+1, seen); err != nil {
				return err
			}
		}
		releaseCycle(val, seen)
		return nil
	case Snapshot:
		return validateValue(field, map[string]interface{}(val), depth, seen)
	case []interface{}:
		if err := checkCycle(field, val, seen); err != nil {
			return err
		}
		for i, item := range val {
			if err := validateValue(fmt.Sprintf("%s[%d]", field, i), item, depth+1, seen); err != nil {
				return err
			}
		}
		releaseCycle(val, seen)
		return nil
	default:
		// Unknown shapes must still be JSON-serializable
		if _, err := json.Marshal(val); err != nil {
			return &InvalidSnapshotError{Field: field, Reason: fmt.Sprintf("value of type %T is not serializable", val)}
		}
		return nil
	}
}

func checkCycle(field string, v interface{}, seen map[uintptr]struct{}) error {
	ptr := reflect.ValueOf(v).Pointer()
	if _, ok := seen[ptr]; ok {
		return &InvalidSnapshotError{Field: field, Reason: "circular reference"}
	}
	seen[ptr] = struct{}{}
	return nil
}

func releaseCycle(v interface{}, seen map[uintptr]struct{}) {
	delete(seen, reflect.ValueOf(v).Pointer())
}

// Summarize renders a diff as a short human-readable string, e.g.
// "changed status: draft → active; added volume: 10". Best effort,
// never used for integrity.
func Summarize(diff []FieldChange) string {
	if len(diff) == 0 {
		return "no changes"
	}

	parts := make([]string, 0, len(diff))
	for _, change := range diff {
		switch {
		case change.OldValue == nil && change.NewValue != nil:
			parts = append(parts, fmt.Sprintf("added %s: %v", change.Field, change.NewValue))
		case change.OldValue != nil && change.NewValue == nil:
			parts = append(parts, fmt.Sprintf("removed %s: %v", change.Field, change.OldValue))
		default:
			parts = append(parts, fmt.Sprintf("changed %s: %v → %v", change.Field, change.OldValue, change.NewValue))
		}
	}

	return strings.Join(parts, "; ")
}
