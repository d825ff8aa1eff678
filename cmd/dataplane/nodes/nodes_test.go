package nodes

import (
	"context"
	"testing"

	"github.com/maxdp/dataplane/cmd/dataplane/condition"
	"github.com/maxdp/dataplane/cmd/dataplane/rowexpr"
	"github.com/maxdp/dataplane/cmd/dataplane/table"
	"github.com/maxdp/dataplane/common/logger"
)

func testState(t *testing.T) *ExecState {
	t.Helper()
	conditions, err := condition.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	return &ExecState{
		FlowID:          "flow-test",
		ExecutionID:     "exec_test",
		UserContext:     map[string]any{},
		GlobalVariables: map[string]any{},
		Deps: &Deps{
			Authorizer: AllowAll{},
			Conditions: conditions,
			Exprs:      rowexpr.NewCompiler(),
			Log:        logger.New("error", "json"),
		},
	}
}

func invokeNode(t *testing.T, nodeType string, cfg map[string]any, input *table.Table) any {
	t.Helper()
	n, err := New("n1", nodeType, cfg)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", nodeType, err)
	}
	in := NewInputs()
	if input != nil {
		in.Set("src", input)
	}
	out, err := n.Invoke(context.Background(), in, testState(t))
	if err != nil {
		t.Fatalf("Invoke(%s) failed: %v", nodeType, err)
	}
	return out
}

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.FromRows(
		[]string{"id", "city", "amount"},
		[][]any{
			{1, "berlin", 10.0},
			{2, "paris", 20.0},
			{3, "berlin", 30.0},
			{4, "paris", 4.5},
		},
	)
	if err != nil {
		t.Fatalf("sample table: %v", err)
	}
	return tbl
}

func TestStaticData_Array(t *testing.T) {
	out := invokeNode(t, TypeStaticData, map[string]any{
		"data_source": "array",
		"columns":     []any{"id", "name"},
		"array_data":  []any{[]any{1, "x"}, []any{2, "y"}},
	}, nil)

	tbl := out.(*table.Table)
	if tbl.NumRows() != 2 || tbl.NumCols() != 2 {
		t.Fatalf("Expected 2x2, got %dx%d", tbl.NumRows(), tbl.NumCols())
	}
	if tbl.Rows[0][1] != "x" {
		t.Errorf("Expected x, got %v", tbl.Rows[0][1])
	}
}

func TestStaticData_Text(t *testing.T) {
	out := invokeNode(t, TypeStaticData, map[string]any{
		"data_source": "text",
		"text_data":   "id,name\n1,alice\n2,bob",
	}, nil)

	tbl := out.(*table.Table)
	if tbl.NumRows() != 2 {
		t.Fatalf("Expected 2 rows, got %d", tbl.NumRows())
	}
	if tbl.Rows[0][0] != int64(1) {
		t.Errorf("Expected numeric cell inference, got %v (%T)", tbl.Rows[0][0], tbl.Rows[0][0])
	}
	if tbl.Rows[1][1] != "bob" {
		t.Errorf("Expected bob, got %v", tbl.Rows[1][1])
	}
}

func TestSelectColumns(t *testing.T) {
	out := invokeNode(t, TypeSelectColumns, map[string]any{
		"operation": "select",
		"columns":   []any{"city"},
	}, sampleTable(t))

	tbl := out.(*table.Table)
	if tbl.NumCols() != 1 || tbl.ColumnNames()[0] != "city" {
		t.Errorf("Expected single city column, got %v", tbl.ColumnNames())
	}

	out = invokeNode(t, TypeSelectColumns, map[string]any{
		"operation": "drop",
		"columns":   []any{"amount", "ghost"},
	}, sampleTable(t))
	tbl = out.(*table.Table)
	if tbl.NumCols() != 2 {
		t.Errorf("Drop should ignore missing columns: %v", tbl.ColumnNames())
	}
}

func TestFilterRows(t *testing.T) {
	out := invokeNode(t, TypeFilterRows, map[string]any{
		"filter_expression": `city == "berlin" && amount > 15`,
	}, sampleTable(t))

	tbl := out.(*table.Table)
	if tbl.NumRows() != 1 {
		t.Fatalf("Expected 1 row, got %d", tbl.NumRows())
	}
	if tbl.Rows[0][0] != int64(3) {
		t.Errorf("Expected id 3, got %v", tbl.Rows[0][0])
	}
}

func TestFilterRows_PassThroughPreservesInput(t *testing.T) {
	src := sampleTable(t)
	out := invokeNode(t, TypeFilterRows, map[string]any{
		"filter_expression": "amount < 5",
	}, src)

	// Transforms return new tables; the input must stay intact
	if src.NumRows() != 4 {
		t.Errorf("Input table mutated: %d rows", src.NumRows())
	}
	if out.(*table.Table).NumRows() != 1 {
		t.Errorf("Expected 1 filtered row, got %d", out.(*table.Table).NumRows())
	}
}

func TestAddModifyColumn_Expression(t *testing.T) {
	out := invokeNode(t, TypeAddModifyColumn, map[string]any{
		"column_definitions": map[string]any{
			"double": "amount * 2",
		},
	}, sampleTable(t))

	tbl := out.(*table.Table)
	ci := tbl.ColumnIndex("double")
	if ci < 0 {
		t.Fatalf("Expected new column, got %v", tbl.ColumnNames())
	}
	if tbl.Rows[0][ci] != int64(20) && tbl.Rows[0][ci] != 20.0 {
		t.Errorf("Expected 20, got %v", tbl.Rows[0][ci])
	}
}

func TestChangeDataType(t *testing.T) {
	out := invokeNode(t, TypeChangeDataType, map[string]any{
		"type_mapping": map[string]any{"id": "str", "amount": "int"},
	}, sampleTable(t))

	tbl := out.(*table.Table)
	dtypes := tbl.DTypes()
	if dtypes["id"] != "string" {
		t.Errorf("Expected id as string, got %s", dtypes["id"])
	}
	if dtypes["amount"] != "int64" {
		t.Errorf("Expected amount as int64, got %s", dtypes["amount"])
	}
}

func TestGroupAggregate(t *testing.T) {
	out := invokeNode(t, TypeGroupAggregate, map[string]any{
		"group_by":     []any{"city"},
		"aggregations": map[string]any{"amount": []any{"sum", "count"}},
	}, sampleTable(t))

	tbl := out.(*table.Table)
	if tbl.NumRows() != 2 {
		t.Fatalf("Expected 2 groups, got %d", tbl.NumRows())
	}
	// Groups keep first-occurrence order: berlin then paris
	if tbl.Rows[0][0] != "berlin" {
		t.Errorf("Expected berlin first, got %v", tbl.Rows[0][0])
	}
	si := tbl.ColumnIndex("amount_sum")
	if si < 0 {
		t.Fatalf("Expected amount_sum column, got %v", tbl.ColumnNames())
	}
	if got, _ := table.ToFloat(tbl.Rows[0][si]); got != 40.0 {
		t.Errorf("berlin sum: expected 40, got %v", tbl.Rows[0][si])
	}
	ci := tbl.ColumnIndex("amount_count")
	if got, _ := table.ToFloat(tbl.Rows[1][ci]); got != 2 {
		t.Errorf("paris count: expected 2, got %v", tbl.Rows[1][ci])
	}
}

func TestJoinMerge_Inner(t *testing.T) {
	left, _ := table.FromRows([]string{"id", "name"}, [][]any{{1, "a"}, {2, "b"}, {3, "c"}})
	right, _ := table.FromRows([]string{"id", "score"}, [][]any{{2, 20}, {3, 30}, {4, 40}})

	n, err := New("j", TypeJoinMerge, map[string]any{"join_type": "inner", "on": []any{"id"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	in := NewInputs()
	in.Set("left", left)
	in.Set("right", right)
	out, err := n.Invoke(context.Background(), in, testState(t))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	tbl := out.(*table.Table)
	if tbl.NumRows() != 2 {
		t.Fatalf("Expected 2 matched rows, got %d", tbl.NumRows())
	}
	if !tbl.HasColumn("name") || !tbl.HasColumn("score") {
		t.Errorf("Expected joined columns, got %v", tbl.ColumnNames())
	}
}

func TestSortData_MultiKey(t *testing.T) {
	out := invokeNode(t, TypeSortData, map[string]any{
		"sort_by":   []any{"city", "amount"},
		"ascending": []any{true, false},
	}, sampleTable(t))

	tbl := out.(*table.Table)
	// berlin desc by amount: 30 then 10; paris: 20 then 4.5
	want := []any{int64(3), int64(1), int64(2), int64(4)}
	for i, id := range want {
		if tbl.Rows[i][0] != id {
			t.Errorf("Row %d: expected id %v, got %v", i, id, tbl.Rows[i][0])
		}
	}
}

func TestDeduplicate(t *testing.T) {
	dup, _ := table.FromRows([]string{"k", "v"}, [][]any{{"a", 1}, {"a", 2}, {"b", 3}})
	out := invokeNode(t, TypeDeduplicate, map[string]any{
		"columns": []any{"k"},
		"keep":    "last",
	}, dup)

	tbl := out.(*table.Table)
	if tbl.NumRows() != 2 {
		t.Fatalf("Expected 2 rows, got %d", tbl.NumRows())
	}
	if tbl.Rows[0][1] != int64(2) {
		t.Errorf("keep=last should keep the second a-row, got %v", tbl.Rows[0][1])
	}
}

func TestConditionalBranch_RowCount(t *testing.T) {
	out := invokeNode(t, TypeConditionalBranch, map[string]any{
		"condition_type": "row_count",
		"operator":       "gt",
		"threshold":      10,
	}, sampleTable(t))
	if out != false {
		t.Errorf("4 rows > 10 should be false, got %v", out)
	}

	out = invokeNode(t, TypeConditionalBranch, map[string]any{
		"condition_type": "row_count",
		"operator":       "lte",
		"threshold":      4,
	}, sampleTable(t))
	if out != true {
		t.Errorf("4 rows <= 4 should be true, got %v", out)
	}
}

func TestConditionalBranch_Expression(t *testing.T) {
	out := invokeNode(t, TypeConditionalBranch, map[string]any{
		"condition_type":       "expression",
		"condition_expression": "row_count > 2 && column_count == 3",
	}, sampleTable(t))
	if out != true {
		t.Errorf("Expected true, got %v", out)
	}

	out = invokeNode(t, TypeConditionalBranch, map[string]any{
		"condition_type":       "expression",
		"condition_expression": `sum(cols["amount"]) > 100.0`,
	}, sampleTable(t))
	if out != false {
		t.Errorf("sum(amount)=64.5 > 100 should be false, got %v", out)
	}
}

func TestConditionalBranch_ColumnExists(t *testing.T) {
	out := invokeNode(t, TypeConditionalBranch, map[string]any{
		"condition_type": "column_exists",
		"column_name":    "city",
	}, sampleTable(t))
	if out != true {
		t.Errorf("city exists, got %v", out)
	}
}

func TestConditionalBranch_DataQualityCompleteness(t *testing.T) {
	sparse, _ := table.FromRows([]string{"v"}, [][]any{{1}, {nil}, {3}, {4}})
	out := invokeNode(t, TypeConditionalBranch, map[string]any{
		"condition_type": "data_quality",
		"check":          "completeness",
		"threshold":      0.9,
	}, sparse)
	if out != false {
		t.Errorf("75%% complete < 90%% threshold, got %v", out)
	}
}

func TestTryCatch_Fallbacks(t *testing.T) {
	src := sampleTable(t)

	n, err := New("tc", TypeTryCatch, map[string]any{"fallback_strategy": "return_input"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tc := n.(*TryCatch)
	fb, err := tc.Fallback(src)
	if err != nil {
		t.Fatalf("Fallback failed: %v", err)
	}
	if !fb.Equal(src) {
		t.Error("return_input should hand back the entry table")
	}

	n, _ = New("tc2", TypeTryCatch, map[string]any{"fallback_strategy": "return_empty"})
	fb, err = n.(*TryCatch).Fallback(src)
	if err != nil {
		t.Fatalf("Fallback failed: %v", err)
	}
	if fb.NumRows() != 0 || fb.NumCols() != src.NumCols() {
		t.Errorf("return_empty should keep the schema with zero rows, got %dx%d", fb.NumRows(), fb.NumCols())
	}

	n, _ = New("tc3", TypeTryCatch, map[string]any{
		"fallback_strategy":    "custom",
		"custom_fallback_data": []any{map[string]any{"status": "degraded"}},
	})
	fb, err = n.(*TryCatch).Fallback(src)
	if err != nil {
		t.Fatalf("Fallback failed: %v", err)
	}
	if fb.NumRows() != 1 || !fb.HasColumn("status") {
		t.Errorf("custom fallback rows expected, got %v", fb.ColumnNames())
	}
}

func TestMerge_Strategies(t *testing.T) {
	empty, _ := table.FromRows([]string{"v"}, nil)
	one, _ := table.FromRows([]string{"v"}, [][]any{{1}})
	two, _ := table.FromRows([]string{"v"}, [][]any{{1}, {2}})

	run := func(strategy string, cfg map[string]any, tables ...*table.Table) *table.Table {
		if cfg == nil {
			cfg = map[string]any{}
		}
		cfg["merge_strategy"] = strategy
		n, err := New("m", TypeMerge, cfg)
		if err != nil {
			t.Fatalf("New(merge %s) failed: %v", strategy, err)
		}
		in := NewInputs()
		for i, tbl := range tables {
			in.Set(string(rune('a'+i)), tbl)
		}
		out, err := n.Invoke(context.Background(), in, testState(t))
		if err != nil {
			t.Fatalf("Invoke(merge %s) failed: %v", strategy, err)
		}
		return out.(*table.Table)
	}

	if got := run("first_available", nil, empty, one); got.NumRows() != 1 {
		t.Errorf("first_available should skip empty tables, got %d rows", got.NumRows())
	}
	if got := run("concat", nil, one, two); got.NumRows() != 3 {
		t.Errorf("concat: expected 3 rows, got %d", got.NumRows())
	}
	if got := run("union", nil, one, two); got.NumRows() != 2 {
		t.Errorf("union should dedupe to 2 rows, got %d", got.NumRows())
	}
	if got := run("custom", map[string]any{"custom_logic": "largest"}, one, two); got.NumRows() != 2 {
		t.Errorf("custom largest: expected 2 rows, got %d", got.NumRows())
	}
}

// TestDisplayResults_PassThrough covers the sink invariant: output equals
// input by value.
func TestDisplayResults_PassThrough(t *testing.T) {
	src := sampleTable(t)
	out := invokeNode(t, TypeDisplayResults, map[string]any{}, src)
	tbl := out.(*table.Table)
	if !tbl.Equal(src) {
		t.Error("display_results must pass its input through unchanged")
	}
}

func TestApplyFunction_Lambda(t *testing.T) {
	out := invokeNode(t, TypeApplyFunction, map[string]any{
		"function_type":  "lambda",
		"function_code":  "x * 10",
		"target_columns": []any{"amount"},
	}, sampleTable(t))

	tbl := out.(*table.Table)
	ci := tbl.ColumnIndex("amount_applied")
	if ci < 0 {
		t.Fatalf("Expected amount_applied, got %v", tbl.ColumnNames())
	}
	if got, _ := table.ToFloat(tbl.Rows[0][ci]); got != 100 {
		t.Errorf("Expected 100, got %v", tbl.Rows[0][ci])
	}
}

func TestRunScript_Sandbox(t *testing.T) {
	out := invokeNode(t, TypeRunScript, map[string]any{
		"script_code": `filter(rows, .amount > 15)`,
	}, sampleTable(t))

	tbl := out.(*table.Table)
	if tbl.NumRows() != 2 {
		t.Errorf("Expected 2 rows over 15, got %d", tbl.NumRows())
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := New("x", "quantum_entangle", nil)
	if err == nil {
		t.Fatal("Expected unknown node type error")
	}
	if IsRegistered("quantum_entangle") {
		t.Error("quantum_entangle should not be registered")
	}
	if !IsUtility(TypeComment) || IsRegistered(TypeComment) {
		t.Error("comment is utility, not executable")
	}
}
