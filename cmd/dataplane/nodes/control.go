package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// ---------------------------------------------------------------------------
// conditional_branch

type conditionalBranch struct {
	base
	conditionType string
}

func newConditionalBranch(id string, cfg map[string]any) (Node, error) {
	conditionType := cfgString(cfg, "condition_type", "expression")
	switch conditionType {
	case "expression", "row_count", "column_exists", "data_quality":
	default:
		return nil, fmt.Errorf("unknown condition_type %q", conditionType)
	}
	return &conditionalBranch{base: newBase(id, TypeConditionalBranch, cfg), conditionType: conditionType}, nil
}

// Invoke evaluates the branch predicate and returns a bool. Downstream
// routing on the true/false handles is the executor's job.
func (n *conditionalBranch) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	t, err := in.FirstTable()
	if err != nil {
		return nil, err
	}

	switch n.conditionType {
	case "expression":
		src, err := cfgRequireString(n.config, "condition_expression")
		if err != nil {
			if src, err = cfgRequireString(n.config, "expression"); err != nil {
				return nil, err
			}
		}
		if ec.Deps == nil || ec.Deps.Conditions == nil {
			return nil, fmt.Errorf("no condition evaluator available")
		}
		result, err := ec.Deps.Conditions.EvalBool(src, t)
		if err != nil {
			return nil, fmt.Errorf("evaluate condition: %w", err)
		}
		return result, nil

	case "row_count":
		operator := cfgString(n.config, "operator", "gt")
		threshold := cfgInt(n.config, "threshold", 0)
		count := t.NumRows()
		switch operator {
		case "gt":
			return count > threshold, nil
		case "lt":
			return count < threshold, nil
		case "eq":
			return count == threshold, nil
		case "gte":
			return count >= threshold, nil
		case "lte":
			return count <= threshold, nil
		default:
			return nil, fmt.Errorf("unknown operator %q", operator)
		}

	case "column_exists":
		col, err := cfgRequireString(n.config, "column_name")
		if err != nil {
			return nil, err
		}
		return t.HasColumn(col), nil

	default: // data_quality
		return n.evalDataQuality(t, ec)
	}
}

// evalDataQuality passes when the measured quality ratio meets the
// configured threshold across the selected columns.
func (n *conditionalBranch) evalDataQuality(t *table.Table, ec *ExecState) (bool, error) {
	check := cfgString(n.config, "check", "completeness")
	threshold := cfgFloat(n.config, "threshold", 0.95)

	cols := cfgStringSlice(n.config, "columns")
	if len(cols) == 0 {
		cols = t.ColumnNames()
	}
	for _, c := range cols {
		if !t.HasColumn(c) {
			return false, fmt.Errorf("column %q not found", c)
		}
	}
	if t.NumRows() == 0 {
		return true, nil
	}

	switch check {
	case "completeness":
		// Fraction of non-null cells across the selected columns
		total, filled := 0, 0
		for _, name := range cols {
			ci := t.ColumnIndex(name)
			for _, row := range t.Rows {
				total++
				if !table.IsNull(row[ci]) {
					filled++
				}
			}
		}
		return float64(filled)/float64(total) >= threshold, nil

	case "uniqueness":
		// Fraction of distinct rows over the selected columns
		seen := make(map[string]bool)
		for ri := range t.Rows {
			key := ""
			for _, name := range cols {
				key += table.FormatValue(t.Rows[ri][t.ColumnIndex(name)]) + "\x1f"
			}
			seen[key] = true
		}
		return float64(len(seen))/float64(t.NumRows()) >= threshold, nil

	case "validity":
		rule, err := cfgRequireString(n.config, "rule")
		if err != nil {
			return false, err
		}
		if ec.Deps == nil || ec.Deps.Exprs == nil {
			return false, fmt.Errorf("no expression compiler available")
		}
		valid := 0
		for ri := range t.Rows {
			ok, err := ec.Deps.Exprs.EvalBool(rule, t.RowMap(ri))
			if err != nil {
				return false, fmt.Errorf("evaluate rule: %w", err)
			}
			if ok {
				valid++
			}
		}
		return float64(valid)/float64(t.NumRows()) >= threshold, nil

	default:
		return false, fmt.Errorf("unknown data quality check %q", check)
	}
}

// ---------------------------------------------------------------------------
// try_catch

// TryCatch passes its input through unchanged; its value is the fallback it
// supplies when a node inside its protection scope fails. The executor
// discovers the scope from the graph and calls Fallback directly.
type TryCatch struct {
	base
	strategy string
}

func newTryCatch(id string, cfg map[string]any) (Node, error) {
	strategy := cfgString(cfg, "fallback_strategy", "return_empty")
	switch strategy {
	case "return_empty", "return_input", "custom":
	default:
		return nil, fmt.Errorf("unknown fallback_strategy %q", strategy)
	}
	return &TryCatch{base: newBase(id, TypeTryCatch, cfg), strategy: strategy}, nil
}

func (n *TryCatch) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	return in.FirstTable()
}

// Fallback produces the substitute output used when a protected node fails.
// input is the table that entered the try_catch node.
func (n *TryCatch) Fallback(input *table.Table) (*table.Table, error) {
	switch n.strategy {
	case "return_input":
		return input, nil
	case "custom":
		raw, ok := n.config["custom_fallback_data"]
		if !ok {
			return nil, fmt.Errorf("config %q is required", "custom_fallback_data")
		}
		if s, isStr := raw.(string); isStr {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, fmt.Errorf("decode custom_fallback_data: %w", err)
			}
			raw = decoded
		}
		return tabulate(raw)
	default: // return_empty
		if input != nil {
			return input.Empty(), nil
		}
		return &table.Table{}, nil
	}
}

// ---------------------------------------------------------------------------
// merge

type mergeNode struct {
	base
	strategy    string
	customLogic string
}

func newMerge(id string, cfg map[string]any) (Node, error) {
	strategy := cfgString(cfg, "merge_strategy", "first_available")
	switch strategy {
	case "first_available", "concat", "union", "custom":
	default:
		return nil, fmt.Errorf("unknown merge_strategy %q", strategy)
	}
	customLogic := cfgString(cfg, "custom_logic", "largest")
	if strategy == "custom" && customLogic != "largest" && customLogic != "smallest" {
		return nil, fmt.Errorf("custom_logic must be largest or smallest (got %q)", customLogic)
	}
	return &mergeNode{base: newBase(id, TypeMerge, cfg), strategy: strategy, customLogic: customLogic}, nil
}

// Invoke reconciles whichever upstream branches actually produced output.
// Suppressed branches never appear in the inputs, so a merge after a
// conditional sees only the surviving side.
func (n *mergeNode) Invoke(ctx context.Context, in *Inputs, ec *ExecState) (any, error) {
	tables := in.Tables()
	if len(tables) == 0 {
		return nil, fmt.Errorf("merge received no table inputs")
	}

	switch n.strategy {
	case "first_available":
		for _, t := range tables {
			if t.NumRows() > 0 {
				return t, nil
			}
		}
		return tables[0], nil

	case "concat", "union":
		merged, err := concatRows(tables)
		if err != nil {
			return nil, err
		}
		if n.strategy == "union" {
			merged = dedupeRows(merged)
		}
		return merged, nil

	default: // custom
		best := tables[0]
		for _, t := range tables[1:] {
			if n.customLogic == "largest" && t.NumRows() > best.NumRows() {
				best = t
			}
			if n.customLogic == "smallest" && t.NumRows() < best.NumRows() {
				best = t
			}
		}
		return best, nil
	}
}

// concatRows stacks tables row-wise over the union of their columns, in
// first-appearance order.
func concatRows(tables []*table.Table) (*table.Table, error) {
	var names []string
	seen := make(map[string]bool)
	for _, t := range tables {
		for _, c := range t.Columns {
			if !seen[c.Name] {
				seen[c.Name] = true
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

// dedupeRows drops exact duplicate rows, keeping the first occurrence.
func dedupeRows(t *table.Table) *table.Table {
	seen := make(map[string]bool)
	var kept [][]any
	for _, row := range t.Rows {
		key := ""
		for _, cell := range row {
			key += table.FormatValue(cell) + "\x1f"
		}
		if !seen[key] {
			seen[key] = true
			kept = append(kept, row)
		}
	}
	return t.WithRows(kept)
}
