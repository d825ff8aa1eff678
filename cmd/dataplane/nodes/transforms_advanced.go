package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// ---------------------------------------------------------------------------
// handle_missing_values

type handleMissing struct {
	base
	method    string
	columns   []string
	fillValue any
}

func newHandleMissingValues(id string, cfg map[string]any) (Node, error) {
	method := cfgString(cfg, "method", "drop")
	switch method {
	case "drop", "fill", "forward_fill", "backward_fill":
	default:
		return nil, fmt.Errorf("method must be drop, fill, forward_fill, or backward_fill (got %q)", method)
	}
	return &handleMissing{
		base:      newBase(id, TypeHandleMissingValues, cfg),
		method:    method,
		columns:   cfgStringSlice(cfg, "columns"),
		fillValue: cfg["fill_value"],
	}, nil
}

func (n *handleMissing) targets(t *table.Table) []int {
	if len(n.columns) == 0 {
		all := make([]int, t.NumCols())
		for i := range all {
			all[i] = i
		}
		return all
	}
	var out []int
	for _, name := range n.columns {
		if ci := t.ColumnIndex(name); ci >= 0 {
			out = append(out, ci)
		}
	}
	return out
}

func (n *handleMissing) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	targets := n.targets(out)

	switch n.method {
	case "drop":
		var kept [][]any
		for _, row := range out.Rows {
			hasNull := false
			for _, ci := range targets {
				if table.IsNull(row[ci]) {
					hasNull = true
					break
				}
			}
			if !hasNull {
				kept = append(kept, row)
			}
		}
		return out.WithRows(kept), nil

	case "fill":
		fill := table.Normalize(n.fillValue)
		for _, row := range out.Rows {
			for _, ci := range targets {
				if table.IsNull(row[ci]) {
					row[ci] = fill
				}
			}
		}

	case "forward_fill":
		for _, ci := range targets {
			var last any
			for _, row := range out.Rows {
				if table.IsNull(row[ci]) {
					row[ci] = last
				} else {
					last = row[ci]
				}
			}
		}

	case "backward_fill":
		for _, ci := range targets {
			var next any
			for ri := len(out.Rows) - 1; ri >= 0; ri-- {
				if table.IsNull(out.Rows[ri][ci]) {
					out.Rows[ri][ci] = next
				} else {
					next = out.Rows[ri][ci]
				}
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// deduplicate

type deduplicate struct {
	base
	columns []string
	keep    string
}

func newDeduplicate(id string, cfg map[string]any) (Node, error) {
	keep := cfgString(cfg, "keep", "first")
	switch keep {
	case "first", "last", "none", "false":
		if keep == "false" {
			keep = "none"
		}
	default:
		return nil, fmt.Errorf("keep must be first, last, or none (got %q)", keep)
	}
	return &deduplicate{
		base:    newBase(id, TypeDeduplicate, cfg),
		columns: cfgStringSlice(cfg, "columns"),
		keep:    keep,
	}, nil
}

func (n *deduplicate) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(n.columns))
	if len(n.columns) == 0 {
		for i := range t.Columns {
			indices = append(indices, i)
		}
	} else {
		for _, name := range n.columns {
			ci := t.ColumnIndex(name)
			if ci < 0 {
				return nil, fmt.Errorf("column %q not found", name)
			}
			indices = append(indices, ci)
		}
	}

	key := func(row []any) string {
		parts := make([]string, len(indices))
		for i, ci := range indices {
			parts[i] = table.FormatValue(row[ci])
		}
		return strings.Join(parts, "\x00")
	}

	counts := make(map[string]int)
	for _, row := range t.Rows {
		counts[key(row)]++
	}

	var kept [][]any
	seen := make(map[string]int)
	for _, row := range t.Rows {
		k := key(row)
		seen[k]++
		switch n.keep {
		case "first":
			if seen[k] == 1 {
				kept = append(kept, row)
			}
		case "last":
			if seen[k] == counts[k] {
				kept = append(kept, row)
			}
		case "none":
			if counts[k] == 1 {
				kept = append(kept, row)
			}
		}
	}
	return t.WithRows(kept), nil
}

// ---------------------------------------------------------------------------
// sort_data

type sortData struct {
	base
	sortBy    []string
	ascending []bool
}

func newSortData(id string, cfg map[string]any) (Node, error) {
	sortBy := cfgStringSlice(cfg, "sort_by")
	if len(sortBy) == 0 {
		return nil, fmt.Errorf("config %q is required", "sort_by")
	}

	ascending := make([]bool, len(sortBy))
	for i := range ascending {
		ascending[i] = true
	}
	switch v := cfg["ascending"].(type) {
	case bool:
		for i := range ascending {
			ascending[i] = v
		}
	case []any:
		for i := range ascending {
			if i < len(v) {
				if b, ok := v[i].(bool); ok {
					ascending[i] = b
				}
			}
		}
	}

	return &sortData{base: newBase(id, TypeSortData, cfg), sortBy: sortBy, ascending: ascending}, nil
}

func (n *sortData) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	indices := make([]int, len(n.sortBy))
	for i, name := range n.sortBy {
		ci := t.ColumnIndex(name)
		if ci < 0 {
			return nil, fmt.Errorf("column %q not found", name)
		}
		indices[i] = ci
	}

	out := t.Clone()
	sort.SliceStable(out.Rows, func(a, b int) bool {
		for i, ci := range indices {
			cmp := table.CompareValues(out.Rows[a][ci], out.Rows[b][ci])
			if cmp == 0 {
				continue
			}
			if n.ascending[i] {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// pivot_table

type pivotTable struct {
	base
	values    string
	index     []string
	columns   string
	aggFunc   string
	fillValue any
}

func newPivotTable(id string, cfg map[string]any) (Node, error) {
	values, err := cfgRequireString(cfg, "values")
	if err != nil {
		return nil, err
	}
	index := cfgStringSlice(cfg, "index")
	if len(index) == 0 {
		return nil, fmt.Errorf("config %q is required", "index")
	}
	columns, err := cfgRequireString(cfg, "columns")
	if err != nil {
		return nil, err
	}
	aggFunc := cfgString(cfg, "aggfunc", "mean")
	if !validAggregation(aggFunc) {
		return nil, fmt.Errorf("unsupported aggfunc %q", aggFunc)
	}
	return &pivotTable{
		base:      newBase(id, TypePivotTable, cfg),
		values:    values,
		index:     index,
		columns:   columns,
		aggFunc:   aggFunc,
		fillValue: cfg["fill_value"],
	}, nil
}

func (n *pivotTable) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	vi := t.ColumnIndex(n.values)
	pi := t.ColumnIndex(n.columns)
	if vi < 0 || pi < 0 {
		return nil, fmt.Errorf("pivot columns not found")
	}
	indexIdx := make([]int, len(n.index))
	for i, name := range n.index {
		ci := t.ColumnIndex(name)
		if ci < 0 {
			return nil, fmt.Errorf("index column %q not found", name)
		}
		indexIdx[i] = ci
	}

	// Bucket cell values per (index key, pivot value)
	type bucket struct {
		indexCells []any
		cells      map[string][]any
	}
	groups := make(map[string]*bucket)
	var groupOrder []string
	pivotSet := make(map[string]bool)

	for _, row := range t.Rows {
		parts := make([]string, len(indexIdx))
		indexCells := make([]any, len(indexIdx))
		for i, ci := range indexIdx {
			parts[i] = table.FormatValue(row[ci])
			indexCells[i] = row[ci]
		}
		gk := strings.Join(parts, "\x00")

		g, ok := groups[gk]
		if !ok {
			g = &bucket{indexCells: indexCells, cells: make(map[string][]any)}
			groups[gk] = g
			groupOrder = append(groupOrder, gk)
		}
		pv := table.FormatValue(row[pi])
		pivotSet[pv] = true
		g.cells[pv] = append(g.cells[pv], row[vi])
	}

	pivotValues := make([]string, 0, len(pivotSet))
	for pv := range pivotSet {
		pivotValues = append(pivotValues, pv)
	}
	sort.Strings(pivotValues)

	names := append(append([]string{}, n.index...), pivotValues...)
	rows := make([][]any, 0, len(groupOrder))
	fill := table.Normalize(n.fillValue)
	for _, gk := range groupOrder {
		g := groups[gk]
		row := append([]any{}, g.indexCells...)
		for _, pv := range pivotValues {
			cells, ok := g.cells[pv]
			if !ok {
				row = append(row, fill)
				continue
			}
			agg, err := aggregate(n.aggFunc, cells)
			if err != nil {
				return nil, err
			}
			row = append(row, agg)
		}
		rows = append(rows, row)
	}
	return table.FromRows(names, rows)
}

// ---------------------------------------------------------------------------
// melt

type melt struct {
	base
	idVars    []string
	valueVars []string
	varName   string
	valueName string
}

func newMelt(id string, cfg map[string]any) (Node, error) {
	idVars := cfgStringSlice(cfg, "id_vars")
	if len(idVars) == 0 {
		return nil, fmt.Errorf("config %q is required", "id_vars")
	}
	return &melt{
		base:      newBase(id, TypeMelt, cfg),
		idVars:    idVars,
		valueVars: cfgStringSlice(cfg, "value_vars"),
		varName:   cfgString(cfg, "var_name", "variable"),
		valueName: cfgString(cfg, "value_name", "value"),
	}, nil
}

func (n *melt) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	idIdx := make([]int, len(n.idVars))
	for i, name := range n.idVars {
		ci := t.ColumnIndex(name)
		if ci < 0 {
			return nil, fmt.Errorf("id column %q not found", name)
		}
		idIdx[i] = ci
	}

	valueVars := n.valueVars
	if len(valueVars) == 0 {
		idSet := make(map[string]bool, len(n.idVars))
		for _, name := range n.idVars {
			idSet[name] = true
		}
		for _, c := range t.Columns {
			if !idSet[c.Name] {
				valueVars = append(valueVars, c.Name)
			}
		}
	}

	names := append(append([]string{}, n.idVars...), n.varName, n.valueName)
	var rows [][]any
	for _, vv := range valueVars {
		ci := t.ColumnIndex(vv)
		if ci < 0 {
			return nil, fmt.Errorf("value column %q not found", vv)
		}
		for _, row := range t.Rows {
			melted := make([]any, 0, len(names))
			for _, ii := range idIdx {
				melted = append(melted, row[ii])
			}
			melted = append(melted, vv, row[ci])
			rows = append(rows, melted)
		}
	}
	return table.FromRows(names, rows)
}

// ---------------------------------------------------------------------------
// group_aggregate

type groupAggregate struct {
	base
	groupBy      []string
	aggregations map[string][]string
	aggColumns   []string
}

func newGroupAggregate(id string, cfg map[string]any) (Node, error) {
	groupBy := cfgStringSlice(cfg, "group_by")
	if len(groupBy) == 0 {
		return nil, fmt.Errorf("config %q is required", "group_by")
	}
	raw := cfgMap(cfg, "aggregations")
	if len(raw) == 0 {
		return nil, fmt.Errorf("config %q is required", "aggregations")
	}

	aggs := make(map[string][]string, len(raw))
	var aggColumns []string
	for col, spec := range raw {
		var fns []string
		switch s := spec.(type) {
		case string:
			fns = []string{s}
		case []any:
			for _, item := range s {
				if fn, ok := item.(string); ok {
					fns = append(fns, fn)
				}
			}
		}
		if len(fns) == 0 {
			return nil, fmt.Errorf("no aggregation functions for column %q", col)
		}
		for _, fn := range fns {
			if !validAggregation(fn) {
				return nil, fmt.Errorf("unsupported aggregation %q for column %q", fn, col)
			}
		}
		aggs[col] = fns
		aggColumns = append(aggColumns, col)
	}
	sort.Strings(aggColumns)

	return &groupAggregate{
		base:         newBase(id, TypeGroupAggregate, cfg),
		groupBy:      groupBy,
		aggregations: aggs,
		aggColumns:   aggColumns,
	}, nil
}

func (n *groupAggregate) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	groupIdx := make([]int, len(n.groupBy))
	for i, name := range n.groupBy {
		ci := t.ColumnIndex(name)
		if ci < 0 {
			return nil, fmt.Errorf("group column %q not found", name)
		}
		groupIdx[i] = ci
	}
	aggIdx := make(map[string]int, len(n.aggColumns))
	for _, col := range n.aggColumns {
		ci := t.ColumnIndex(col)
		if ci < 0 {
			return nil, fmt.Errorf("aggregation column %q not found", col)
		}
		aggIdx[col] = ci
	}

	type group struct {
		cells [][]any // per aggColumn, in aggColumns order
		key   []any
	}
	groups := make(map[string]*group)
	var order []string
	for _, row := range t.Rows {
		parts := make([]string, len(groupIdx))
		keyCells := make([]any, len(groupIdx))
		for i, ci := range groupIdx {
			parts[i] = table.FormatValue(row[ci])
			keyCells[i] = row[ci]
		}
		gk := strings.Join(parts, "\x00")
		g, ok := groups[gk]
		if !ok {
			g = &group{key: keyCells, cells: make([][]any, len(n.aggColumns))}
			groups[gk] = g
			order = append(order, gk)
		}
		for i, col := range n.aggColumns {
			g.cells[i] = append(g.cells[i], row[aggIdx[col]])
		}
	}

	// Flattened output names: col_fn
	names := append([]string{}, n.groupBy...)
	for _, col := range n.aggColumns {
		for _, fn := range n.aggregations[col] {
			names = append(names, fmt.Sprintf("%s_%s", col, fn))
		}
	}

	rows := make([][]any, 0, len(order))
	for _, gk := range order {
		g := groups[gk]
		row := append([]any{}, g.key...)
		for i, col := range n.aggColumns {
			for _, fn := range n.aggregations[col] {
				v, err := aggregate(fn, g.cells[i])
				if err != nil {
					return nil, err
				}
				row = append(row, v)
			}
		}
		rows = append(rows, row)
	}
	return table.FromRows(names, rows)
}

// ---------------------------------------------------------------------------
// window_functions

type windowFunctions struct {
	base
	windowType string
	columns    []string
	functions  []string
	windowSize int
	groupBy    []string
}

func newWindowFunctions(id string, cfg map[string]any) (Node, error) {
	windowType := cfgString(cfg, "window_type", "rolling")
	switch windowType {
	case "rolling", "expanding", "groupby":
	default:
		return nil, fmt.Errorf("window_type must be rolling, expanding, or groupby (got %q)", windowType)
	}
	columns := cfgStringSlice(cfg, "columns")
	if len(columns) == 0 {
		return nil, fmt.Errorf("config %q is required", "columns")
	}
	functions := cfgStringSlice(cfg, "functions")
	if len(functions) == 0 {
		functions = []string{"mean"}
	}
	for _, fn := range functions {
		if !validAggregation(fn) {
			return nil, fmt.Errorf("unsupported window function %q", fn)
		}
	}
	n := &windowFunctions{
		base:       newBase(id, TypeWindowFunctions, cfg),
		windowType: windowType,
		columns:    columns,
		functions:  functions,
		windowSize: cfgInt(cfg, "window_size", 3),
		groupBy:    cfgStringSlice(cfg, "group_by"),
	}
	if windowType == "groupby" && len(n.groupBy) == 0 {
		return nil, fmt.Errorf("groupby windows require %q", "group_by")
	}
	return n, nil
}

func (n *windowFunctions) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	out := t.Clone()

	for _, col := range n.columns {
		ci := out.ColumnIndex(col)
		if ci < 0 {
			return nil, fmt.Errorf("column %q not found", col)
		}
		for _, fn := range n.functions {
			values := make([]any, out.NumRows())

			switch n.windowType {
			case "rolling":
				for ri := range out.Rows {
					if ri+1 < n.windowSize {
						continue // window not yet filled
					}
					window := make([]any, 0, n.windowSize)
					for wi := ri + 1 - n.windowSize; wi <= ri; wi++ {
						window = append(window, out.Rows[wi][ci])
					}
					v, err := aggregate(fn, window)
					if err != nil {
						return nil, err
					}
					values[ri] = v
				}
				setColumn(out, fmt.Sprintf("%s_%s_%d", col, fn, n.windowSize), values)

			case "expanding":
				window := make([]any, 0, out.NumRows())
				for ri := range out.Rows {
					window = append(window, out.Rows[ri][ci])
					v, err := aggregate(fn, window)
					if err != nil {
						return nil, err
					}
					values[ri] = v
				}
				setColumn(out, fmt.Sprintf("%s_%s_expanding", col, fn), values)

			case "groupby":
				groupIdx := make([]int, len(n.groupBy))
				for i, name := range n.groupBy {
					gi := out.ColumnIndex(name)
					if gi < 0 {
						return nil, fmt.Errorf("group column %q not found", name)
					}
					groupIdx[i] = gi
				}
				cells := make(map[string][]any)
				for _, row := range out.Rows {
					gk := groupKey(row, groupIdx)
					cells[gk] = append(cells[gk], row[ci])
				}
				for ri, row := range out.Rows {
					v, err := aggregate(fn, cells[groupKey(row, groupIdx)])
					if err != nil {
						return nil, err
					}
					values[ri] = v
				}
				setColumn(out, fmt.Sprintf("%s_%s_by_groups", col, fn), values)
			}
		}
	}
	return out, nil
}

func groupKey(row []any, indices []int) string {
	parts := make([]string, len(indices))
	for i, ci := range indices {
		parts[i] = table.FormatValue(row[ci])
	}
	return strings.Join(parts, "\x00")
}

// ---------------------------------------------------------------------------
// join_merge

type joinMerge struct {
	base
	joinType string
	on       []string
	leftOn   []string
	rightOn  []string
}

func newJoinMerge(id string, cfg map[string]any) (Node, error) {
	joinType := cfgString(cfg, "join_type", "inner")
	switch joinType {
	case "inner", "outer", "left", "right":
	default:
		return nil, fmt.Errorf("join_type must be inner, outer, left, or right (got %q)", joinType)
	}
	n := &joinMerge{
		base:     newBase(id, TypeJoinMerge, cfg),
		joinType: joinType,
		on:       cfgStringSlice(cfg, "on"),
		leftOn:   cfgStringSlice(cfg, "left_on"),
		rightOn:  cfgStringSlice(cfg, "right_on"),
	}
	if len(n.on) == 0 && (len(n.leftOn) == 0 || len(n.rightOn) == 0) {
		return nil, fmt.Errorf("either %q or %q + %q is required", "on", "left_on", "right_on")
	}
	if len(n.on) > 0 {
		n.leftOn = n.on
		n.rightOn = n.on
	}
	if len(n.leftOn) != len(n.rightOn) {
		return nil, fmt.Errorf("left_on and right_on must have the same length")
	}
	return n, nil
}

func (n *joinMerge) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	tables := in.Tables()
	if len(tables) < 2 {
		return nil, fmt.Errorf("join requires two table inputs (got %d)", len(tables))
	}
	left, right := tables[0], tables[1]

	leftIdx := make([]int, len(n.leftOn))
	for i, name := range n.leftOn {
		ci := left.ColumnIndex(name)
		if ci < 0 {
			return nil, fmt.Errorf("left key %q not found", name)
		}
		leftIdx[i] = ci
	}
	rightIdx := make([]int, len(n.rightOn))
	for i, name := range n.rightOn {
		ci := right.ColumnIndex(name)
		if ci < 0 {
			return nil, fmt.Errorf("right key %q not found", name)
		}
		rightIdx[i] = ci
	}

	// Right columns excluding join keys when keys are shared via "on"
	sharedKeys := len(n.on) > 0
	rightKeep := make([]int, 0, right.NumCols())
	for ci := range right.Columns {
		if sharedKeys && containsInt(rightIdx, ci) {
			continue
		}
		rightKeep = append(rightKeep, ci)
	}

	// Disambiguate clashing column names the pandas way: _x / _y
	leftNames := left.ColumnNames()
	names := append([]string{}, leftNames...)
	leftSet := make(map[string]bool, len(leftNames))
	for _, name := range leftNames {
		leftSet[name] = true
	}
	for i, ci := range rightKeep {
		name := right.Columns[ci].Name
		if leftSet[name] {
			names[indexOf(leftNames, name)] = name + "_x"
			name += "_y"
		}
		names = append(names, name)
		_ = i
	}

	index := make(map[string][]int)
	for ri, row := range right.Rows {
		index[groupKey(row, rightIdx)] = append(index[groupKey(row, rightIdx)], ri)
	}

	var rows [][]any
	matchedRight := make(map[int]bool)
	for _, lrow := range left.Rows {
		matches := index[groupKey(lrow, leftIdx)]
		if len(matches) == 0 {
			if n.joinType == "left" || n.joinType == "outer" {
				rows = append(rows, padRow(lrow, len(rightKeep)))
			}
			continue
		}
		for _, rri := range matches {
			matchedRight[rri] = true
			joined := append([]any{}, lrow...)
			for _, ci := range rightKeep {
				joined = append(joined, right.Rows[rri][ci])
			}
			rows = append(rows, joined)
		}
	}
	if n.joinType == "right" || n.joinType == "outer" {
		for rri, rrow := range right.Rows {
			if matchedRight[rri] {
				continue
			}
			joined := make([]any, left.NumCols())
			// Carry shared join keys into the left key columns
			if sharedKeys {
				for i, ci := range leftIdx {
					joined[ci] = rrow[rightIdx[i]]
				}
			}
			for _, ci := range rightKeep {
				joined = append(joined, rrow[ci])
			}
			rows = append(rows, joined)
		}
	}

	return table.FromRows(names, rows)
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func padRow(row []any, extra int) []any {
	out := append([]any{}, row...)
	for i := 0; i < extra; i++ {
		out = append(out, nil)
	}
	return out
}

// ---------------------------------------------------------------------------
// union_concatenate

type unionConcatenate struct {
	base
	axis        int
	join        string
	ignoreIndex bool
}

func newUnionConcatenate(id string, cfg map[string]any) (Node, error) {
	axis := cfgInt(cfg, "axis", 0)
	if axis != 0 && axis != 1 {
		return nil, fmt.Errorf("axis must be 0 or 1 (got %d)", axis)
	}
	join := cfgString(cfg, "join", "outer")
	if join != "outer" && join != "inner" {
		return nil, fmt.Errorf("join must be outer or inner (got %q)", join)
	}
	return &unionConcatenate{
		base:        newBase(id, TypeUnionConcatenate, cfg),
		axis:        axis,
		join:        join,
		ignoreIndex: cfgBool(cfg, "ignore_index", true),
	}, nil
}

func (n *unionConcatenate) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	tables := in.Tables()
	if len(tables) < 2 {
		return nil, fmt.Errorf("concatenate requires at least two table inputs (got %d)", len(tables))
	}

	if n.axis == 1 {
		// Side-by-side: pad shorter tables with nulls
		maxRows := 0
		for _, t := range tables {
			if t.NumRows() > maxRows {
				maxRows = t.NumRows()
			}
		}
		var names []string
		seen := make(map[string]int)
		for _, t := range tables {
			for _, c := range t.Columns {
				name := c.Name
				if seen[name] > 0 {
					name = fmt.Sprintf("%s_%d", name, seen[c.Name])
				}
				seen[c.Name]++
				names = append(names, name)
			}
		}
		rows := make([][]any, maxRows)
		for ri := 0; ri < maxRows; ri++ {
			var row []any
			for _, t := range tables {
				for ci := range t.Columns {
					if ri < t.NumRows() {
						row = append(row, t.Rows[ri][ci])
					} else {
						row = append(row, nil)
					}
				}
			}
			rows[ri] = row
		}
		return table.FromRows(names, rows)
	}

	// Row-wise concat: outer keeps the union of columns, inner the
	// intersection, both in first-table order.
	var names []string
	if n.join == "outer" {
		seen := make(map[string]bool)
		for _, t := range tables {
			for _, c := range t.Columns {
				if !seen[c.Name] {
					seen[c.Name] = true
					names = append(names, c.Name)
				}
			}
		}
	} else {
		for _, c := range tables[0].Columns {
			inAll := true
			for _, t := range tables[1:] {
				if !t.HasColumn(c.Name) {
					inAll = false
					break
				}
			}
			if inAll {
				names = append(names, c.Name)
			}
		}
	}

	var rows [][]any
	for _, t := range tables {
		for ri := range t.Rows {
			rec := t.RowMap(ri)
			row := make([]any, len(names))
			for i, name := range names {
				row[i] = rec[name]
			}
			rows = append(rows, row)
		}
	}
	return table.FromRows(names, rows)
}

// ---------------------------------------------------------------------------
// apply_function

type applyFunction struct {
	base
	functionType string
	functionCode string
	targets      []string
}

func newApplyFunction(id string, cfg map[string]any) (Node, error) {
	functionType := cfgString(cfg, "function_type", "lambda")
	switch functionType {
	case "lambda", "builtin":
	default:
		return nil, fmt.Errorf("function_type must be lambda or builtin (got %q)", functionType)
	}
	code, err := cfgRequireString(cfg, "function_code")
	if err != nil {
		return nil, err
	}
	if functionType == "builtin" && !validAggregation(code) {
		return nil, fmt.Errorf("unsupported builtin %q", code)
	}
	return &applyFunction{
		base:         newBase(id, TypeApplyFunction, cfg),
		functionType: functionType,
		functionCode: code,
		targets:      cfgStringSlice(cfg, "target_columns"),
	}, nil
}

func (n *applyFunction) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	targets := n.targets
	if len(targets) == 0 {
		targets = t.ColumnNames()
	}

	out := t.Clone()
	for _, col := range targets {
		ci := out.ColumnIndex(col)
		if ci < 0 {
			return nil, fmt.Errorf("column %q not found", col)
		}
		values := make([]any, out.NumRows())

		if n.functionType == "builtin" {
			// Aggregate the column and broadcast the result
			cells := make([]any, out.NumRows())
			for ri, row := range out.Rows {
				cells[ri] = row[ci]
			}
			v, err := aggregate(n.functionCode, cells)
			if err != nil {
				return nil, err
			}
			for ri := range values {
				values[ri] = v
			}
		} else {
			if ec.Deps == nil || ec.Deps.Exprs == nil {
				return nil, fmt.Errorf("no expression compiler available")
			}
			for ri, row := range out.Rows {
				v, err := ec.Deps.Exprs.Eval(n.functionCode, map[string]any{"x": row[ci]})
				if err != nil {
					return nil, fmt.Errorf("apply to column %q: %w", col, err)
				}
				values[ri] = table.Normalize(v)
			}
		}
		setColumn(out, col+"_applied", values)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// run_python_script (wire-compatible type string; the script runs in the
// expr sandbox over {rows, columns, row_count} and must yield rows)

type runScript struct {
	base
	script string
}

func newRunScript(id string, cfg map[string]any) (Node, error) {
	script, err := cfgRequireString(cfg, "script_code")
	if err != nil {
		return nil, err
	}
	return &runScript{base: newBase(id, TypeRunScript, cfg), script: script}, nil
}

func (n *runScript) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	if ec.Deps == nil || ec.Deps.Exprs == nil {
		return nil, fmt.Errorf("no expression compiler available")
	}

	env := map[string]any{
		"rows":      t.Records(),
		"columns":   t.ColumnNames(),
		"row_count": t.NumRows(),
	}
	out, err := ec.Deps.Exprs.Eval(n.script, env)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}

	result, err := tabulate(out)
	if err != nil {
		return nil, fmt.Errorf("script must produce tabular data: %w", err)
	}
	return result, nil
}
