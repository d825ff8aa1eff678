package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// ---------------------------------------------------------------------------
// select_columns

type selectColumns struct {
	base
	operation string
	columns   []string
}

func newSelectColumns(id string, cfg map[string]any) (Node, error) {
	op := cfgString(cfg, "operation", "select")
	if op != "select" && op != "drop" {
		return nil, fmt.Errorf("operation must be select or drop (got %q)", op)
	}
	cols := cfgStringSlice(cfg, "columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("config %q is required", "columns")
	}
	return &selectColumns{base: newBase(id, TypeSelectColumns, cfg), operation: op, columns: cols}, nil
}

func (n *selectColumns) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	if n.operation == "drop" {
		// Missing columns are silently ignored on drop
		return t.Drop(n.columns), nil
	}
	return t.Select(n.columns)
}

// ---------------------------------------------------------------------------
// filter_rows

type filterRows struct {
	base
	expression string
}

func newFilterRows(id string, cfg map[string]any) (Node, error) {
	expression, err := cfgRequireString(cfg, "filter_expression")
	if err != nil {
		if expression, err = cfgRequireString(cfg, "expression"); err != nil {
			return nil, err
		}
	}
	return &filterRows{base: newBase(id, TypeFilterRows, cfg), expression: expression}, nil
}

func (n *filterRows) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	if ec.Deps == nil || ec.Deps.Exprs == nil {
		return nil, fmt.Errorf("no expression compiler available")
	}

	var kept [][]any
	for i := range t.Rows {
		keep, err := ec.Deps.Exprs.EvalBool(n.expression, t.RowMap(i))
		if err != nil {
			return nil, fmt.Errorf("filter expression: %w", err)
		}
		if keep {
			kept = append(kept, t.Rows[i])
		}
	}
	return t.WithRows(kept), nil
}

// ---------------------------------------------------------------------------
// sample_rows

type sampleRows struct {
	base
	method string
	n      int
	seed   int64
	seeded bool
}

func newSampleRows(id string, cfg map[string]any) (Node, error) {
	method := cfgString(cfg, "method", "head")
	switch method {
	case "head", "tail", "sample", "random":
	default:
		return nil, fmt.Errorf("method must be head, tail, or random (got %q)", method)
	}
	node := &sampleRows{
		base:   newBase(id, TypeSampleRows, cfg),
		method: method,
		n:      cfgInt(cfg, "n_rows", cfgInt(cfg, "n", 10)),
	}
	if _, ok := cfg["random_seed"]; ok {
		node.seed = int64(cfgInt(cfg, "random_seed", 0))
		node.seeded = true
	}
	return node, nil
}

func (n *sampleRows) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	switch n.method {
	case "head":
		return t.Head(n.n), nil
	case "tail":
		return t.Tail(n.n), nil
	}

	count := n.n
	if count > t.NumRows() {
		count = t.NumRows()
	}
	var rng *rand.Rand
	if n.seeded {
		rng = rand.New(rand.NewSource(n.seed))
	} else {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	indices := rng.Perm(t.NumRows())[:count]

	rows := make([][]any, 0, count)
	for _, idx := range indices {
		rows = append(rows, t.Rows[idx])
	}
	return t.WithRows(rows), nil
}

// ---------------------------------------------------------------------------
// rename_columns

type renameColumns struct {
	base
	mapping map[string]string
}

func newRenameColumns(id string, cfg map[string]any) (Node, error) {
	mapping := cfgStringMap(cfg, "column_mapping")
	if len(mapping) == 0 {
		return nil, fmt.Errorf("config %q is required", "column_mapping")
	}
	return &renameColumns{base: newBase(id, TypeRenameColumns, cfg), mapping: mapping}, nil
}

func (n *renameColumns) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	applied := 0
	for i := range out.Columns {
		if renamed, ok := n.mapping[out.Columns[i].Name]; ok {
			out.Columns[i].Name = renamed
			applied++
		}
	}
	ec.Log().WithNodeID(n.id).Debug("renamed columns", "applied", applied)
	return out, nil
}

// ---------------------------------------------------------------------------
// change_data_type

type changeDataType struct {
	base
	mapping map[string]table.ColType
}

func newChangeDataType(id string, cfg map[string]any) (Node, error) {
	raw := cfgStringMap(cfg, "type_mapping")
	if len(raw) == 0 {
		return nil, fmt.Errorf("config %q is required", "type_mapping")
	}
	mapping := make(map[string]table.ColType, len(raw))
	for col, typeName := range raw {
		switch typeName {
		case "int", "int64", "integer":
			mapping[col] = table.TypeInt
		case "float", "float64", "double":
			mapping[col] = table.TypeFloat
		case "str", "string":
			mapping[col] = table.TypeString
		case "bool", "boolean":
			mapping[col] = table.TypeBool
		case "datetime", "timestamp":
			mapping[col] = table.TypeTime
		default:
			return nil, fmt.Errorf("unsupported target type %q for column %q", typeName, col)
		}
	}
	return &changeDataType{base: newBase(id, TypeChangeDataType, cfg), mapping: mapping}, nil
}

func (n *changeDataType) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	applied := 0
	for col, target := range n.mapping {
		ci := out.ColumnIndex(col)
		if ci < 0 {
			continue
		}
		converted := make([]any, len(out.Rows))
		ok := true
		for ri, row := range out.Rows {
			v, err := table.Coerce(row[ci], target)
			if err != nil {
				ec.Log().WithNodeID(n.id).Warn("type conversion skipped",
					"column", col, "target", string(target), "error", err)
				ok = false
				break
			}
			converted[ri] = v
		}
		if !ok {
			continue
		}
		for ri := range out.Rows {
			out.Rows[ri][ci] = converted[ri]
		}
		out.Columns[ci].Type = target
		applied++
	}
	ec.Log().WithNodeID(n.id).Debug("changed column types", "applied", applied)
	return out, nil
}

// ---------------------------------------------------------------------------
// add_modify_column

type addModifyColumn struct {
	base
	definitions map[string]any
	order       []string
}

func newAddModifyColumn(id string, cfg map[string]any) (Node, error) {
	defs := cfgMap(cfg, "column_definitions")
	if len(defs) == 0 {
		return nil, fmt.Errorf("config %q is required", "column_definitions")
	}
	order := make([]string, 0, len(defs))
	for col := range defs {
		order = append(order, col)
	}
	sortStable(order)
	return &addModifyColumn{base: newBase(id, TypeAddModifyColumn, cfg), definitions: defs, order: order}, nil
}

func sortStable(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (n *addModifyColumn) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	out := t.Clone()

	for _, col := range n.order {
		def := n.definitions[col]
		values := make([]any, out.NumRows())

		switch spec := def.(type) {
		case string:
			// Expression over existing columns, one evaluation per row
			if ec.Deps == nil || ec.Deps.Exprs == nil {
				return nil, fmt.Errorf("no expression compiler available")
			}
			for ri := range out.Rows {
				v, err := ec.Deps.Exprs.Eval(spec, out.RowMap(ri))
				if err != nil {
					return nil, fmt.Errorf("column %q expression: %w", col, err)
				}
				values[ri] = table.Normalize(v)
			}
		case map[string]any:
			op := cfgString(spec, "operation", "constant")
			switch op {
			case "constant":
				constant := table.Normalize(spec["value"])
				for ri := range values {
					values[ri] = constant
				}
			case "copy":
				source, err := cfgRequireString(spec, "source_column")
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", col, err)
				}
				si := out.ColumnIndex(source)
				if si < 0 {
					return nil, fmt.Errorf("column %q: source column %q not found", col, source)
				}
				for ri, row := range out.Rows {
					values[ri] = row[si]
				}
			default:
				return nil, fmt.Errorf("column %q: unknown operation %q", col, op)
			}
		default:
			literal := table.Normalize(def)
			for ri := range values {
				values[ri] = literal
			}
		}

		setColumn(out, col, values)
	}
	return out, nil
}

// setColumn writes a full column, appending it when absent
func setColumn(t *table.Table, name string, values []any) {
	ci := t.ColumnIndex(name)
	if ci < 0 {
		t.Columns = append(t.Columns, table.Column{Name: name, Type: table.TypeString})
		ci = len(t.Columns) - 1
		for ri := range t.Rows {
			t.Rows[ri] = append(t.Rows[ri], nil)
		}
	}
	inferred := table.ColType("")
	for ri := range t.Rows {
		t.Rows[ri][ci] = values[ri]
		if values[ri] != nil {
			ct := table.InferType(values[ri])
			if inferred == "" {
				inferred = ct
			} else if inferred != ct {
				inferred = table.TypeString
			}
		}
	}
	if inferred == "" {
		inferred = table.TypeString
	}
	t.Columns[ci].Type = inferred
}

// ---------------------------------------------------------------------------
// split_column

type splitColumn struct {
	base
	column    string
	delimiter string
	expand    bool
	names     []string
}

func newSplitColumn(id string, cfg map[string]any) (Node, error) {
	column, err := cfgRequireString(cfg, "column_to_split")
	if err != nil {
		if column, err = cfgRequireString(cfg, "column"); err != nil {
			return nil, err
		}
	}
	return &splitColumn{
		base:      newBase(id, TypeSplitColumn, cfg),
		column:    column,
		delimiter: cfgString(cfg, "delimiter", ","),
		expand:    cfgBool(cfg, "expand", true),
		names:     cfgStringSlice(cfg, "new_column_names"),
	}, nil
}

func (n *splitColumn) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	ci := t.ColumnIndex(n.column)
	if ci < 0 {
		return nil, fmt.Errorf("column %q not found", n.column)
	}

	parts := make([][]string, t.NumRows())
	width := 0
	for ri, row := range t.Rows {
		parts[ri] = strings.Split(table.FormatValue(row[ci]), n.delimiter)
		if len(parts[ri]) > width {
			width = len(parts[ri])
		}
	}

	out := t.Clone()
	if !n.expand {
		// Without expansion the column becomes a JSON array of parts
		for ri := range out.Rows {
			encoded, _ := json.Marshal(parts[ri])
			out.Rows[ri][ci] = string(encoded)
		}
		return out, nil
	}

	names := n.names
	for len(names) < width {
		names = append(names, fmt.Sprintf("%s_split_%d", n.column, len(names)))
	}
	for w := 0; w < width; w++ {
		values := make([]any, out.NumRows())
		for ri := range out.Rows {
			if w < len(parts[ri]) {
				values[ri] = parts[ri][w]
			}
		}
		setColumn(out, names[w], values)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// map_values

type mapValues struct {
	base
	column    string
	mapping   map[string]any
	newColumn bool
	newName   string
}

func newMapValues(id string, cfg map[string]any) (Node, error) {
	column, err := cfgRequireString(cfg, "column_to_map")
	if err != nil {
		if column, err = cfgRequireString(cfg, "column"); err != nil {
			return nil, err
		}
	}
	mapping := cfgMap(cfg, "value_mapping")
	if len(mapping) == 0 {
		return nil, fmt.Errorf("config %q is required", "value_mapping")
	}
	return &mapValues{
		base:      newBase(id, TypeMapValues, cfg),
		column:    column,
		mapping:   mapping,
		newColumn: cfgBool(cfg, "create_new_column", false),
		newName:   cfgString(cfg, "new_column_name", column+"_mapped"),
	}, nil
}

func (n *mapValues) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}
	ci := t.ColumnIndex(n.column)
	if ci < 0 {
		return nil, fmt.Errorf("column %q not found", n.column)
	}

	out := t.Clone()
	values := make([]any, out.NumRows())
	for ri, row := range out.Rows {
		key := table.FormatValue(row[ci])
		if mapped, ok := n.mapping[key]; ok {
			values[ri] = table.Normalize(mapped)
		} else {
			values[ri] = row[ci]
		}
	}

	if n.newColumn {
		setColumn(out, n.newName, values)
	} else {
		setColumn(out, n.column, values)
	}
	return out, nil
}
