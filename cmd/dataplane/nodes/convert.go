package nodes

import (
	"fmt"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// tabulate converts a decoded JSON value into a table: arrays of objects
// become rows, a single object becomes a one-row table.
func tabulate(v any) (*table.Table, error) {
	switch x := v.(type) {
	case *table.Table:
		return x, nil
	case []any:
		records := make([]map[string]any, 0, len(x))
		for i, item := range x {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d is not an object (got %T)", i, item)
			}
			records = append(records, rec)
		}
		return table.FromRecords(records), nil
	case []map[string]any:
		return table.FromRecords(x), nil
	case map[string]any:
		return table.FromRecords([]map[string]any{x}), nil
	case nil:
		return table.New(), nil
	default:
		return nil, fmt.Errorf("cannot tabulate %T", v)
	}
}
