// Package condition evaluates branch conditions with CEL (Common
// Expression Language). Expressions see the shape of the incoming table
// plus a small set of reductions; they cannot reach I/O or ambient state.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// Evaluator compiles and caches CEL programs keyed by expression text
type Evaluator struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("row_count", cel.IntType),
		cel.Variable("column_count", cel.IntType),
		cel.Variable("columns", cel.ListType(cel.StringType)),
		cel.Variable("cols", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("sum",
			cel.Overload("sum_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(reduceBinding("sum")))),
		cel.Function("mean",
			cel.Overload("mean_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(reduceBinding("mean")))),
		cel.Function("min",
			cel.Overload("min_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(reduceBinding("min")))),
		cel.Function("max",
			cel.Overload("max_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(reduceBinding("max")))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvalBool evaluates a boolean condition against a table
func (e *Evaluator) EvalBool(expr string, tbl *table.Table) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	cols := make(map[string]any, tbl.NumCols())
	for ci, c := range tbl.Columns {
		values := make([]any, tbl.NumRows())
		for ri, row := range tbl.Rows {
			values[ri] = row[ci]
		}
		cols[c.Name] = values
	}

	out, _, err := prg.Eval(map[string]any{
		"row_count":    int64(tbl.NumRows()),
		"column_count": int64(tbl.NumCols()),
		"columns":      tbl.ColumnNames(),
		"cols":         cols,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// program returns a cached compiled program, compiling on first use
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if exists {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation error: %w", issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// reduceBinding builds a numeric reduction over a CEL list value
func reduceBinding(kind string) func(ref.Val) ref.Val {
	return func(val ref.Val) ref.Val {
		lister, ok := val.(traits.Lister)
		if !ok {
			return types.NewErr("%s: expected a list, got %T", kind, val)
		}

		var acc float64
		var count int
		it := lister.Iterator()
		for it.HasNext() == types.True {
			elem := it.Next()
			f, ok := table.ToFloat(elem.Value())
			if !ok {
				if elem.Value() == nil {
					continue
				}
				return types.NewErr("%s: non-numeric value %v", kind, elem.Value())
			}
			switch kind {
			case "sum", "mean":
				acc += f
			case "min":
				if count == 0 || f < acc {
					acc = f
				}
			case "max":
				if count == 0 || f > acc {
					acc = f
				}
			}
			count++
		}

		if kind == "mean" {
			if count == 0 {
				return types.NewErr("mean of empty list")
			}
			acc /= float64(count)
		}
		return types.Double(acc)
	}
}
