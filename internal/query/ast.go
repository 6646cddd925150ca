// Package query turns structured filter expressions into a storage-neutral
// query AST. The normalized filter form is a flat infix array: condition
// triples [field, op, value] interleaved with "and"/"or" tokens, e.g.
// [["status","=","active"], "and", ["age",">=",18]]. Drivers lower this
// form to their own syntax; no SQL or store-specific tokens appear here.
package query

// Logical tokens used between conditions in the normalized filter form.
const (
	And = "and"
	Or  = "or"
)

// Comparison operators emitted into condition triples.
const (
	OpEq         = "="
	OpNe         = "!="
	OpGt         = ">"
	OpGte        = ">="
	OpLt         = "<"
	OpLte        = "<="
	OpIn         = "in"
	OpNin        = "nin"
	OpContains   = "contains"
	OpStartsWith = "startswith"
	OpEndsWith   = "endswith"
	OpNull       = "null"
)

// Sort is a single ordering rule.
type Sort struct {
	Field string
	Dir   string // "asc" or "desc"; empty means asc
}

// Aggregation is a single aggregate directive (count/sum/avg/min/max).
type Aggregation struct {
	Func  string
	Field string
	Alias string
}

// Options is the caller-facing query description handed to Translate.
type Options struct {
	Fields       []string
	Filters      any // map form or already-normalized []any
	Sort         []Sort
	Top          int
	Skip         int
	Aggregations []Aggregation
	GroupBy      []string
}

// Query is the driver-agnostic AST for one storage call.
type Query struct {
	Object       string
	Fields       []string
	Filters      []any
	Sort         []Sort
	Top          int
	Skip         int
	Aggregations []Aggregation
	GroupBy      []string
}

// Condition reports whether the group is a [field, op, value] triple and
// unpacks it. Drivers use this to tell conditions from nested groups while
// walking the normalized filter form.
func Condition(group []any) (field, op string, value any, ok bool) {
	if len(group) != 2 && len(group) != 3 {
		return "", "", nil, false
	}
	field, fok := group[0].(string)
	op, ook := group[1].(string)
	if !fok || !ook {
		return "", "", nil, false
	}
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin,
		OpContains, OpStartsWith, OpEndsWith, OpNull:
	default:
		return "", "", nil, false
	}
	if len(group) == 3 {
		value = group[2]
	}
	return field, op, value, true
}

// WrapFilters injects a restriction into an existing normalized filter,
// preserving the original operator precedence by nesting the existing form
// as a single group: [[existing], "and", restriction]. Appending to the
// flat array instead would rebind any "or" in the original.
func WrapFilters(existing []any, restriction []any) []any {
	if len(restriction) == 0 {
		return existing
	}
	if len(existing) == 0 {
		return []any{restriction}
	}
	return []any{existing, And, restriction}
}
