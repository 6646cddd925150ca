package validation

import (
	"fmt"
	"strings"

	"objectflow/internal/metadata"
)

// evaluateCondition applies a single field/operator/value predicate to a
// record. Operators mirror the query filter operator names.
func evaluateCondition(cond metadata.Condition, record map[string]any) bool {
	val, exists := record[cond.Field]

	switch cond.Operator {
	case "null":
		wantNull, _ := cond.Value.(bool)
		isNull := !exists || val == nil
		return isNull == wantNull
	case "eq", "":
		return exists && fmt.Sprintf("%v", val) == fmt.Sprintf("%v", cond.Value)
	case "ne":
		return !exists || fmt.Sprintf("%v", val) != fmt.Sprintf("%v", cond.Value)
	case "in":
		return exists && valueInList(val, cond.Value)
	case "nin":
		return !exists || !valueInList(val, cond.Value)
	case "gt":
		return exists && compareNumeric(val, cond.Value) > 0
	case "gte":
		return exists && compareNumeric(val, cond.Value) >= 0
	case "lt":
		return exists && compareNumeric(val, cond.Value) < 0
	case "lte":
		return exists && compareNumeric(val, cond.Value) <= 0
	case "contains":
		return exists && strings.Contains(fmt.Sprintf("%v", val), fmt.Sprintf("%v", cond.Value))
	case "startswith":
		return exists && strings.HasPrefix(fmt.Sprintf("%v", val), fmt.Sprintf("%v", cond.Value))
	case "endswith":
		return exists && strings.HasSuffix(fmt.Sprintf("%v", val), fmt.Sprintf("%v", cond.Value))
	default:
		return false
	}
}

func valueInList(val, list any) bool {
	valStr := fmt.Sprintf("%v", val)
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if fmt.Sprintf("%v", item) == valStr {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == valStr {
				return true
			}
		}
	}
	return false
}

func compareNumeric(a, b any) int {
	fa, _ := toFloat64(a)
	fb, _ := toFloat64(b)
	if fa < fb {
		return -1
	}
	if fa > fb {
		return 1
	}
	return 0
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
