package nodes

import (
	"fmt"
	"math"

	"github.com/maxdp/dataplane/cmd/dataplane/table"
)

// aggregate reduces a slice of cells with a named function. Nulls are
// skipped; count counts non-null cells.
func aggregate(fn string, values []any) (any, error) {
	var nums []float64
	for _, v := range values {
		if table.IsNull(v) {
			continue
		}
		if f, ok := table.ToFloat(v); ok {
			nums = append(nums, f)
		}
	}

	switch fn {
	case "count":
		count := 0
		for _, v := range values {
			if !table.IsNull(v) {
				count++
			}
		}
		return int64(count), nil
	case "first":
		for _, v := range values {
			if !table.IsNull(v) {
				return v, nil
			}
		}
		return nil, nil
	case "last":
		for i := len(values) - 1; i >= 0; i-- {
			if !table.IsNull(values[i]) {
				return values[i], nil
			}
		}
		return nil, nil
	}

	if len(nums) == 0 {
		return nil, nil
	}

	switch fn {
	case "sum":
		total := 0.0
		for _, f := range nums {
			total += f
		}
		return table.Normalize(total), nil
	case "mean", "avg":
		total := 0.0
		for _, f := range nums {
			total += f
		}
		return total / float64(len(nums)), nil
	case "min":
		m := nums[0]
		for _, f := range nums[1:] {
			if f < m {
				m = f
			}
		}
		return table.Normalize(m), nil
	case "max":
		m := nums[0]
		for _, f := range nums[1:] {
			if f > m {
				m = f
			}
		}
		return table.Normalize(m), nil
	case "std":
		if len(nums) < 2 {
			return nil, nil
		}
		mean := 0.0
		for _, f := range nums {
			mean += f
		}
		mean /= float64(len(nums))
		variance := 0.0
		for _, f := range nums {
			variance += (f - mean) * (f - mean)
		}
		// Sample standard deviation
		return math.Sqrt(variance / float64(len(nums)-1)), nil
	default:
		return nil, fmt.Errorf("unsupported aggregation %q", fn)
	}
}

func validAggregation(fn string) bool {
	switch fn {
	case "sum", "mean", "avg", "count", "min", "max", "std", "first", "last":
		return true
	}
	return false
}
