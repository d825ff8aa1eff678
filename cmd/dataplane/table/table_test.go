package table

import (
	"testing"
	"time"
)

// TestFromRows_TypeInference verifies per-column type inference with
// normalization of integral floats.
func TestFromRows_TypeInference(t *testing.T) {
	tbl, err := FromRows(
		[]string{"id", "score", "name", "active"},
		[][]any{
			{1, 9.5, "alice", true},
			{float64(2), 8.0, "bob", false},
			{int64(3), nil, "carol", true},
		},
	)
	if err != nil {
		t.Fatalf("FromRows failed: %v", err)
	}

	want := map[string]string{
		"id":     "int64",
		"score":  "float64",
		"name":   "string",
		"active": "bool",
	}
	got := tbl.DTypes()
	for name, typ := range want {
		if got[name] != typ {
			t.Errorf("Column %s: expected dtype %s, got %s", name, typ, got[name])
		}
	}

	// Integral float64(2) should normalize to int64
	if _, ok := tbl.Rows[1][0].(int64); !ok {
		t.Errorf("Expected int64 after normalization, got %T", tbl.Rows[1][0])
	}
}

// TestFromRows_MixedTypesWidenToString verifies mixed columns fall back
// to string dtype without mutating the cells.
func TestFromRows_MixedTypesWidenToString(t *testing.T) {
	tbl, err := FromRows([]string{"v"}, [][]any{{1}, {"two"}, {true}})
	if err != nil {
		t.Fatalf("FromRows failed: %v", err)
	}
	if tbl.Columns[0].Type != TypeString {
		t.Errorf("Expected string dtype, got %s", tbl.Columns[0].Type)
	}
}

func TestFromRows_WidthMismatch(t *testing.T) {
	_, err := FromRows([]string{"a", "b"}, [][]any{{1}})
	if err == nil {
		t.Fatal("Expected error on row width mismatch")
	}
}

// TestFromRecords_DeterministicColumns verifies records with uneven keys
// produce a stable, sorted column set.
func TestFromRecords_DeterministicColumns(t *testing.T) {
	records := []map[string]any{
		{"b": 1, "a": 2},
		{"c": 3},
	}
	tbl := FromRecords(records)
	want := []string{"a", "b", "c"}
	got := tbl.ColumnNames()
	if len(got) != 3 {
		t.Fatalf("Expected 3 columns, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Column %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if !IsNull(tbl.Rows[1][0]) || !IsNull(tbl.Rows[1][1]) {
		t.Errorf("Missing keys should be null: %v", tbl.Rows[1])
	}
}

func TestSelect(t *testing.T) {
	tbl, _ := FromRows([]string{"id", "name", "age"}, [][]any{{1, "x", 30}, {2, "y", 40}})

	selected, err := tbl.Select([]string{"name"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if selected.NumCols() != 1 || selected.NumRows() != 2 {
		t.Errorf("Expected 2x1, got %dx%d", selected.NumRows(), selected.NumCols())
	}
	if selected.Rows[0][0] != "x" {
		t.Errorf("Expected x, got %v", selected.Rows[0][0])
	}

	if _, err := tbl.Select([]string{"missing"}); err == nil {
		t.Error("Select of a missing column should fail")
	}
}

func TestDrop_IgnoresMissing(t *testing.T) {
	tbl, _ := FromRows([]string{"id", "name"}, [][]any{{1, "x"}})
	dropped := tbl.Drop([]string{"name", "ghost"})
	if dropped.NumCols() != 1 {
		t.Errorf("Expected 1 column, got %d", dropped.NumCols())
	}
	if dropped.ColumnNames()[0] != "id" {
		t.Errorf("Expected id to remain, got %v", dropped.ColumnNames())
	}
}

// TestClone_Isolated verifies mutations of a clone never reach the original
func TestClone_Isolated(t *testing.T) {
	tbl, _ := FromRows([]string{"v"}, [][]any{{int64(1)}})
	clone := tbl.Clone()
	clone.Rows[0][0] = int64(99)
	if tbl.Rows[0][0] != int64(1) {
		t.Errorf("Clone mutation leaked into original: %v", tbl.Rows[0][0])
	}
}

func TestCoerce(t *testing.T) {
	ts := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  any
		target ColType
		want   any
		fails  bool
	}{
		{"string to int", "42", TypeInt, int64(42), false},
		{"float to int", 7.0, TypeInt, int64(7), false},
		{"string to float", "3.25", TypeFloat, 3.25, false},
		{"int to string", int64(5), TypeString, "5", false},
		{"string to bool", "true", TypeBool, true, false},
		{"rfc3339 to time", "2024-03-15T10:30:00Z", TypeTime, ts, false},
		{"garbage to int", "abc", TypeInt, nil, true},
		{"nil passes through", nil, TypeInt, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, tt.target)
			if tt.fails {
				if err == nil {
					t.Fatalf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce failed: %v", err)
			}
			if tm, ok := tt.want.(time.Time); ok {
				if !got.(time.Time).Equal(tm) {
					t.Errorf("Expected %v, got %v", tm, got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"nil before value", nil, 1, -1},
		{"int vs int", int64(1), int64(2), -1},
		{"int vs float", int64(3), 2.5, 1},
		{"equal numbers", int64(2), 2.0, 0},
		{"string order", "a", "b", -1},
		{"bool order", false, true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareValues(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareValues(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	a, _ := FromRows([]string{"x"}, [][]any{{1}, {2}})
	b, _ := FromRows([]string{"x"}, [][]any{{1}, {2}})
	c, _ := FromRows([]string{"x"}, [][]any{{1}, {3}})

	if !a.Equal(b) {
		t.Error("Identical tables should be equal")
	}
	if a.Equal(c) {
		t.Error("Different tables should not be equal")
	}
}
