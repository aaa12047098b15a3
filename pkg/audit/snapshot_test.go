package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Redact(t *testing.T) {
	engine := NewEngine([]string{"password", "api_key"})

	t.Run("top level", func(t *testing.T) {
		out := engine.Redact(Snapshot{
			"name":     "Orchard Gold",
			"password": "hunter2",
		})

		assert.Equal(t, RedactionMarker, out["password"])
		assert.Equal(t, "Orchard Gold", out["name"])
	})

	t.Run("nested at any depth", func(t *testing.T) {
		out := engine.Redact(Snapshot{
			"vendor": map[string]interface{}{
				"contact": map[string]interface{}{
					"api_key": "sk-secret",
					"email":   "orders@example.com",
				},
			},
			"credentials": []interface{}{
				map[string]interface{}{"password": "p1"},
				map[string]interface{}{"password": "p2"},
			},
		})

		contact := out["vendor"].(map[string]interface{})["contact"].(map[string]interface{})
		assert.Equal(t, RedactionMarker, contact["api_key"])
		assert.Equal(t, "orders@example.com", contact["email"])

		creds := out["credentials"].([]interface{})
		for _, c := range creds {
			assert.Equal(t, RedactionMarker, c.(map[string]interface{})["password"])
		}
	})

	t.Run("case insensitive field match", func(t *testing.T) {
		out := engine.Redact(Snapshot{"Password": "x"})
		assert.Equal(t, RedactionMarker, out["Password"])
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := Snapshot{"password": "original"}
		engine.Redact(in)
		assert.Equal(t, "original", in["password"])
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, engine.Redact(nil))
	})
}

func TestEngine_SetRedactedFields(t *testing.T) {
	engine := NewEngine([]string{"password"})
	engine.SetRedactedFields([]string{"tax_id"})

	out := engine.Redact(Snapshot{"password": "x", "tax_id": "12-345"})
	assert.Equal(t, "x", out["password"])
	assert.Equal(t, RedactionMarker, out["tax_id"])
}

func TestDiff(t *testing.T) {
	t.Run("identical snapshots yield empty diff", func(t *testing.T) {
		snap := Snapshot{"status": "active", "volume": 100}
		assert.Empty(t, Diff(snap, snap))
	})

	t.Run("changed added and removed fields", func(t *testing.T) {
		before := Snapshot{"status": "draft", "notes": "first pressing"}
		after := Snapshot{"status": "active", "volume": 10}

		diff := Diff(before, after)
		require.Len(t, diff, 3)

		// Alphabetical by field name
		assert.Equal(t, "notes", diff[0].Field)
		assert.Equal(t, "first pressing", diff[0].OldValue)
		assert.Nil(t, diff[0].NewValue)

		assert.Equal(t, "status", diff[1].Field)
		assert.Equal(t, "draft", diff[1].OldValue)
		assert.Equal(t, "active", diff[1].NewValue)

		assert.Equal(t, "volume", diff[2].Field)
		assert.Nil(t, diff[2].OldValue)
		assert.Equal(t, 10, diff[2].NewValue)
	})

	t.Run("nil side yields empty diff", func(t *testing.T) {
		assert.Empty(t, Diff(nil, Snapshot{"status": "draft"}))
		assert.Empty(t, Diff(Snapshot{"status": "draft"}, nil))
	})

	t.Run("numeric types compare by value", func(t *testing.T) {
		// JSON round-trips turn ints into float64s
		before := Snapshot{"volume": 100}
		after := Snapshot{"volume": float64(100)}
		assert.Empty(t, Diff(before, after))
	})

	t.Run("nested value change", func(t *testing.T) {
		before := Snapshot{"specs": map[string]interface{}{"abv": 6.5}}
		after := Snapshot{"specs": map[string]interface{}{"abv": 6.8}}

		diff := Diff(before, after)
		require.Len(t, diff, 1)
		assert.Equal(t, "specs", diff[0].Field)
	})

	t.Run("nested numeric types compare by value", func(t *testing.T) {
		// A before-state re-read from a JSON column carries float64s
		// where the in-process after-state has ints
		before := Snapshot{
			"specs":   map[string]interface{}{"volume": float64(10), "abv": 6.5},
			"vessels": []interface{}{map[string]interface{}{"capacity": float64(500)}},
		}
		after := Snapshot{
			"specs":   map[string]interface{}{"volume": 10, "abv": 6.5},
			"vessels": []interface{}{map[string]interface{}{"capacity": 500}},
		}
		assert.Empty(t, Diff(before, after))
	})

	t.Run("nested change still registers after normalization", func(t *testing.T) {
		before := Snapshot{"specs": map[string]interface{}{"volume": float64(10)}}
		after := Snapshot{"specs": map[string]interface{}{"volume": 12}}

		diff := Diff(before, after)
		require.Len(t, diff, 1)
		assert.Equal(t, "specs", diff[0].Field)
	})
}

func TestChecksum(t *testing.T) {
	entry := &Entry{
		TableName:   TableBatches,
		RecordID:    "batch-1",
		Operation:   OpUpdate,
		BeforeState: Snapshot{"status": "draft"},
		AfterState:  Snapshot{"status": "active"},
		Diff: []FieldChange{
			{Field: "status", OldValue: "draft", NewValue: "active"},
		},
		ActorID:    "user-1",
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("deterministic", func(t *testing.T) {
		first, err := Checksum(entry)
		require.NoError(t, err)
		second, err := Checksum(entry)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, first)
	})

	t.Run("sensitive to any covered field", func(t *testing.T) {
		base, err := Checksum(entry)
		require.NoError(t, err)

		mutations := map[string]func(*Entry){
			"table":       func(e *Entry) { e.TableName = TableVessels },
			"record":      func(e *Entry) { e.RecordID = "batch-2" },
			"operation":   func(e *Entry) { e.Operation = OpSoftDelete },
			"before":      func(e *Entry) { e.BeforeState = Snapshot{"status": "final"} },
			"after":       func(e *Entry) { e.AfterState = Snapshot{"status": "closed"} },
			"actor":       func(e *Entry) { e.ActorID = "user-2" },
			"occurred at": func(e *Entry) { e.OccurredAt = e.OccurredAt.Add(time.Microsecond) },
		}

		for name, mutate := range mutations {
			t.Run(name, func(t *testing.T) {
				modified := *entry
				mutate(&modified)

				sum, err := Checksum(&modified)
				require.NoError(t, err)
				assert.NotEqual(t, base, sum)
			})
		}
	})

	t.Run("survives timestamp microsecond rounding", func(t *testing.T) {
		// Postgres timestamptz keeps microseconds; a stored entry comes
		// back with its sub-microsecond digits rounded away
		stamped := *entry
		stamped.OccurredAt = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

		original, err := Checksum(&stamped)
		require.NoError(t, err)

		roundTripped := stamped
		roundTripped.OccurredAt = stamped.OccurredAt.Round(time.Microsecond)
		recomputed, err := Checksum(&roundTripped)
		require.NoError(t, err)

		assert.Equal(t, original, recomputed)
	})

	t.Run("stable across numeric type normalization", func(t *testing.T) {
		asInt := *entry
		asInt.AfterState = Snapshot{"volume": 10}
		asFloat := *entry
		asFloat.AfterState = Snapshot{"volume": float64(10)}

		a, err := Checksum(&asInt)
		require.NoError(t, err)
		b, err := Checksum(&asFloat)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestValidateSnapshot(t *testing.T) {
	t.Run("nil snapshot", func(t *testing.T) {
		err := ValidateSnapshot(nil)
		var invalid *InvalidSnapshotError
		require.ErrorAs(t, err, &invalid)
	})

	t.Run("well formed", func(t *testing.T) {
		assert.NoError(t, ValidateSnapshot(Snapshot{
			"name":   "Keeved Demi-Sec",
			"volume": 500.0,
			"tags":   []interface{}{"keeved", "2026"},
			"specs":  map[string]interface{}{"abv": 4.2},
		}))
	})

	t.Run("circular reference names the field", func(t *testing.T) {
		inner := map[string]interface{}{}
		inner["self"] = inner

		err := ValidateSnapshot(Snapshot{"specs": inner})
		var invalid *InvalidSnapshotError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Field, "specs")
		assert.Contains(t, invalid.Reason, "circular")
	})

	t.Run("excessive depth", func(t *testing.T) {
		leaf := map[string]interface{}{"v": 1}
		for i := 0; i < maxSnapshotDepth+1; i++ {
			leaf = map[string]interface{}{"next": leaf}
		}

		err := ValidateSnapshot(Snapshot{"root": leaf})
		var invalid *InvalidSnapshotError
		require.ErrorAs(t, err, &invalid)
		assert.Contains(t, invalid.Reason, "depth")
	})

	t.Run("non-serializable value", func(t *testing.T) {
		err := ValidateSnapshot(Snapshot{"callback": func() {}})
		var invalid *InvalidSnapshotError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "callback", invalid.Field)
	})
}

func TestSummarize(t *testing.T) {
	t.Run("empty diff", func(t *testing.T) {
		assert.Equal(t, "no changes", Summarize(nil))
	})

	t.Run("mixed changes", func(t *testing.T) {
		got := Summarize([]FieldChange{
			{Field: "status", OldValue: "active", NewValue: "closed"},
			{Field: "volume", OldValue: nil, NewValue: 95},
			{Field: "notes", OldValue: "temp", NewValue: nil},
		})

		assert.Equal(t, "changed status: active → closed; added volume: 95; removed notes: temp", got)
	})
}
