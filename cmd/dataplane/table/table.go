// Package table implements the tabular value that flows on every edge of a
// data pipeline: an ordered list of typed columns over an ordered list of
// row tuples. Transforms never mutate in place; they build replacement
// tables, so a cached executor can serve concurrent requests safely.
package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColType is the declared type of one column
type ColType string

const (
	TypeInt    ColType = "int64"
	TypeFloat  ColType = "float64"
	TypeBool   ColType = "bool"
	TypeString ColType = "string"
	TypeTime   ColType = "timestamp"
)

// Column describes one column: name plus declared type
type Column struct {
	Name string
	Type ColType
}

// Table is the in-flight tabular value. Cells hold int64, float64, bool,
// string, time.Time, or nil.
type Table struct {
	Columns []Column
	Rows    [][]any
}

// New creates an empty table with the given columns
func New(columns ...Column) *Table {
	return &Table{Columns: columns, Rows: [][]any{}}
}

// FromRows builds a table from column names and raw row values, inferring
// a type for each column from its non-null cells.
func FromRows(names []string, rows [][]any) (*Table, error) {
	t := &Table{
		Columns: make([]Column, len(names)),
		Rows:    make([][]any, 0, len(rows)),
	}
	for i, name := range names {
		t.Columns[i] = Column{Name: name, Type: TypeString}
	}

	for ri, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %d has %d values, want %d", ri, len(row), len(names))
		}
		normalized := make([]any, len(row))
		for ci, v := range row {
			normalized[ci] = Normalize(v)
		}
		t.Rows = append(t.Rows, normalized)
	}

	t.inferColumnTypes()
	return t, nil
}

// FromRecords builds a table from row objects. Column order follows first
// appearance across the records; missing keys become nulls.
func FromRecords(records []map[string]any) *Table {
	var names []string
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	// Map iteration order is random; keep the result stable
	sortStrings(names)

	t := &Table{Columns: make([]Column, len(names))}
	for i, name := range names {
		t.Columns[i] = Column{Name: name, Type: TypeString}
	}
	for _, rec := range records {
		row := make([]any, len(names))
		for i, name := range names {
			row[i] = Normalize(rec[name])
		}
		t.Rows = append(t.Rows, row)
	}
	t.inferColumnTypes()
	return t
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Normalize coerces a decoded JSON value into the canonical cell domain.
// Integral float64 values become int64 so JSON-sourced tables keep integer
// columns typed as integers.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case float32:
		return Normalize(float64(x))
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1e15 {
			return int64(x)
		}
		return x
	case bool, string, time.Time:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// InferType returns the cell type of a single value
func InferType(v any) ColType {
	switch v.(type) {
	case int64:
		return TypeInt
	case float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTime
	default:
		return TypeString
	}
}

// inferColumnTypes assigns each column the widest type among its non-null
// cells (int widening to float; anything mixed beyond numeric is string).
func (t *Table) inferColumnTypes() {
	for ci := range t.Columns {
		var inferred ColType
		for _, row := range t.Rows {
			v := row[ci]
			if v == nil {
				continue
			}
			ct := InferType(v)
			switch {
			case inferred == "" || inferred == ct:
				inferred = ct
			case (inferred == TypeInt && ct == TypeFloat) || (inferred == TypeFloat && ct == TypeInt):
				inferred = TypeFloat
			default:
				inferred = TypeString
			}
		}
		if inferred == "" {
			inferred = TypeString
		}
		t.Columns[ci].Type = inferred
		if inferred == TypeFloat {
			for _, row := range t.Rows {
				if iv, ok := row[ci].(int64); ok {
					row[ci] = float64(iv)
				}
			}
		}
	}
}

// NumRows returns the row count
func (t *Table) NumRows() int { return len(t.Rows) }

// NumCols returns the column count
func (t *Table) NumCols() int { return len(t.Columns) }

// ColumnNames returns the column names in order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnIndex returns the index of a column by name, or -1
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the column exists
func (t *Table) HasColumn(name string) bool {
	return t.ColumnIndex(name) >= 0
}

// DTypes returns a name -> type-name map
func (t *Table) DTypes() map[string]string {
	out := make(map[string]string, len(t.Columns))
	for _, c := range t.Columns {
		out[c.Name] = string(c.Type)
	}
	return out
}

// Clone returns a deep copy
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: make([]Column, len(t.Columns)),
		Rows:    make([][]any, len(t.Rows)),
	}
	copy(out.Columns, t.Columns)
	for i, row := range t.Rows {
		nr := make([]any, len(row))
		copy(nr, row)
		out.Rows[i] = nr
	}
	return out
}

// WithRows returns a new table sharing column descriptors but holding the
// given rows.
func (t *Table) WithRows(rows [][]any) *Table {
	cols := make([]Column, len(t.Columns))
	copy(cols, t.Columns)
	return &Table{Columns: cols, Rows: rows}
}

// Empty returns a zero-row table with the same columns
func (t *Table) Empty() *Table {
	return t.WithRows([][]any{})
}

// AppendRow appends one row, normalizing cell values
func (t *Table) AppendRow(row []any) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("row has %d values, want %d", len(row), len(t.Columns))
	}
	normalized := make([]any, len(row))
	for i, v := range row {
		normalized[i] = Normalize(v)
	}
	t.Rows = append(t.Rows, normalized)
	return nil
}

// RowMap returns one row as a name -> value map
func (t *Table) RowMap(i int) map[string]any {
	out := make(map[string]any, len(t.Columns))
	for ci, c := range t.Columns {
		out[c.Name] = t.Rows[i][ci]
	}
	return out
}

// Records returns all rows as name -> value maps, in row order
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for i := range t.Rows {
		out[i] = t.RowMap(i)
	}
	return out
}

// Select returns a new table with only the named columns, in the given
// order. Missing columns fail.
func (t *Table) Select(names []string) (*Table, error) {
	indices := make([]int, len(names))
	for i, name := range names {
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found", name)
		}
		indices[i] = idx
	}

	out := &Table{Columns: make([]Column, len(indices)), Rows: make([][]any, len(t.Rows))}
	for i, idx := range indices {
		out.Columns[i] = t.Columns[idx]
	}
	for ri, row := range t.Rows {
		nr := make([]any, len(indices))
		for i, idx := range indices {
			nr[i] = row[idx]
		}
		out.Rows[ri] = nr
	}
	return out, nil
}

// Drop returns a new table without the named columns; unknown names are
// ignored.
func (t *Table) Drop(names []string) *Table {
	dropped := make(map[string]bool, len(names))
	for _, n := range names {
		dropped[n] = true
	}
	var keep []string
	for _, c := range t.Columns {
		if !dropped[c.Name] {
			keep = append(keep, c.Name)
		}
	}
	out, _ := t.Select(keep)
	if out == nil {
		out = &Table{Columns: []Column{}, Rows: make([][]any, len(t.Rows))}
		for i := range out.Rows {
			out.Rows[i] = []any{}
		}
	}
	return out
}

// Head returns the first n rows
func (t *Table) Head(n int) *Table {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	rows := make([][]any, n)
	copy(rows, t.Rows[:n])
	return t.WithRows(rows)
}

// Tail returns the last n rows
func (t *Table) Tail(n int) *Table {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	rows := make([][]any, n)
	copy(rows, t.Rows[len(t.Rows)-n:])
	return t.WithRows(rows)
}

// Equal reports deep value equality: columns, types, row order, cells
func (t *Table) Equal(other *Table) bool {
	if other == nil || len(t.Columns) != len(other.Columns) || len(t.Rows) != len(other.Rows) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != other.Columns[i] {
			return false
		}
	}
	for ri := range t.Rows {
		for ci := range t.Rows[ri] {
			if CompareValues(t.Rows[ri][ci], other.Rows[ri][ci]) != 0 {
				return false
			}
		}
	}
	return true
}

// ToFloat converts a numeric cell to float64
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// CompareValues orders two cells. Nulls sort first; numerics compare
// numerically; everything else compares as strings.
func CompareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	af, aok := ToFloat(a)
	bf, bok := ToFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime && bIsTime {
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(FormatValue(a), FormatValue(b))
}

// FormatValue renders a cell as a string
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Coerce converts a cell to the target type, erroring when the value
// cannot represent it.
func Coerce(v any, target ColType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch target {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				// Allow "3.0" style strings
				f, ferr := strconv.ParseFloat(strings.TrimSpace(x), 64)
				if ferr != nil {
					return nil, fmt.Errorf("cannot convert %q to int64", x)
				}
				return int64(f), nil
			}
			return i, nil
		}
	case TypeFloat:
		if f, ok := ToFloat(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to float64", s)
			}
			return f, nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to bool", x)
			}
			return b, nil
		}
	case TypeString:
		return FormatValue(v), nil
	case TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
				if ts, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
					return ts, nil
				}
			}
			return nil, fmt.Errorf("cannot parse %q as timestamp", x)
		case int64:
			return time.Unix(x, 0).UTC(), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, target)
}

// IsNull reports whether a cell counts as missing (nil or NaN)
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := v.(float64); ok {
		return math.IsNaN(f)
	}
	return false
}
