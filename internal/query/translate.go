package query

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"objectflow/internal/metadata"
)

// ErrUnsupportedOperator marks filter operators the translator refuses to
// lower. Unsupported operators fail fast; silently dropping one would
// change which rows a query matches.
var ErrUnsupportedOperator = errors.New("unsupported filter operator")

var filterOperators = map[string]string{
	"$eq":         OpEq,
	"$ne":         OpNe,
	"$gt":         OpGt,
	"$gte":        OpGte,
	"$lt":         OpLt,
	"$lte":        OpLte,
	"$in":         OpIn,
	"$nin":        OpNin,
	"$contains":   OpContains,
	"$startswith": OpStartsWith,
	"$endswith":   OpEndsWith,
	"$null":       OpNull,
}

// Translator builds Query ASTs for one object. When the object is known,
// filter and sort fields are checked against its schema.
type Translator struct {
	Object *metadata.Object
}

func NewTranslator(obj *metadata.Object) *Translator {
	return &Translator{Object: obj}
}

// Translate converts caller options into a driver-agnostic Query.
func (t *Translator) Translate(opts Options) (*Query, error) {
	q := &Query{
		Fields:       opts.Fields,
		Sort:         opts.Sort,
		Top:          opts.Top,
		Skip:         opts.Skip,
		Aggregations: opts.Aggregations,
		GroupBy:      opts.GroupBy,
	}
	if t.Object != nil {
		q.Object = t.Object.Name
	}

	filters, err := NormalizeFilter(opts.Filters)
	if err != nil {
		return nil, err
	}
	q.Filters = filters

	if t.Object != nil {
		if err := t.checkFields(q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (t *Translator) checkFields(q *Query) error {
	for _, f := range q.Fields {
		if !t.Object.HasField(f) {
			return fmt.Errorf("unknown field %s on object %s", f, t.Object.Name)
		}
	}
	for _, s := range q.Sort {
		if !t.Object.HasField(s.Field) {
			return fmt.Errorf("unknown sort field %s on object %s", s.Field, t.Object.Name)
		}
	}
	for _, f := range q.GroupBy {
		if !t.Object.HasField(f) {
			return fmt.Errorf("unknown group-by field %s on object %s", f, t.Object.Name)
		}
	}
	// Aggregation parts reach SQL drivers as raw identifiers, so anything
	// that is not a schema field or a plain identifier is rejected here.
	for _, a := range q.Aggregations {
		if !aggregateFuncs[a.Func] {
			return fmt.Errorf("unsupported aggregation function %s", a.Func)
		}
		if !t.Object.HasField(a.Field) && !(a.Func == "count" && a.Field == "*") {
			return fmt.Errorf("unknown aggregation field %s on object %s", a.Field, t.Object.Name)
		}
		if a.Alias != "" && !identName.MatchString(a.Alias) {
			return fmt.Errorf("invalid aggregation alias %q", a.Alias)
		}
	}
	return checkFilterFields(t.Object, q.Filters)
}

var aggregateFuncs = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
}

var identName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkFilterFields(obj *metadata.Object, filters []any) error {
	for _, item := range filters {
		group, ok := item.([]any)
		if !ok {
			continue // logical token
		}
		if field, _, _, ok2 := Condition(group); ok2 {
			if !obj.HasField(field) {
				return fmt.Errorf("unknown filter field %s on object %s", field, obj.Name)
			}
			continue
		}
		if err := checkFilterFields(obj, group); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeFilter lowers a structured filter into the flat infix array
// form. Already-normalized input ([]any) is returned unchanged, so the
// function is idempotent. Map keys are processed in sorted order to keep
// the output deterministic; conjunction order carries no semantics.
func NormalizeFilter(filter any) ([]any, error) {
	switch f := filter.(type) {
	case nil:
		return nil, nil
	case []any:
		return f, nil
	case map[string]any:
		return normalizeMap(f)
	default:
		return nil, fmt.Errorf("unsupported filter type %T", filter)
	}
}

func normalizeMap(filter map[string]any) ([]any, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result []any
	appendGroup := func(group []any) {
		if len(result) > 0 {
			result = append(result, And)
		}
		result = append(result, group)
	}

	for _, key := range keys {
		value := filter[key]
		switch key {
		case "$and", "$or":
			logic := And
			if key == "$or" {
				logic = Or
			}
			children, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("%s expects a list of filters", key)
			}
			group, err := normalizeGroup(children, logic)
			if err != nil {
				return nil, err
			}
			if len(group) > 0 {
				appendGroup(group)
			}
		case "$not":
			return nil, fmt.Errorf("%w: $not", ErrUnsupportedOperator)
		default:
			if len(key) > 0 && key[0] == '$' {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, key)
			}
			conds, err := normalizeFieldValue(key, value)
			if err != nil {
				return nil, err
			}
			for _, c := range conds {
				appendGroup(c)
			}
		}
	}
	return result, nil
}

// normalizeGroup lowers the children of a $and/$or, interleaving the
// logical token between them rather than nesting binary trees.
func normalizeGroup(children []any, logic string) ([]any, error) {
	var group []any
	for _, child := range children {
		sub, err := NormalizeFilter(child)
		if err != nil {
			return nil, err
		}
		if len(sub) == 0 {
			continue
		}
		if len(group) > 0 {
			group = append(group, logic)
		}
		// A single condition needs no extra nesting.
		if len(sub) == 1 {
			group = append(group, sub[0])
		} else {
			group = append(group, sub)
		}
	}
	return group, nil
}

// normalizeFieldValue lowers `field: value` and `field: {$op: value, ...}`.
// Multiple operators on the same field AND-chain.
func normalizeFieldValue(field string, value any) ([][]any, error) {
	ops, isOps := operatorMap(value)
	if !isOps {
		return [][]any{{field, OpEq, value}}, nil
	}

	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds [][]any
	for _, opKey := range keys {
		if opKey == "$not" {
			return nil, fmt.Errorf("%w: $not", ErrUnsupportedOperator)
		}
		op, ok := filterOperators[opKey]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, opKey)
		}
		conds = append(conds, []any{field, op, ops[opKey]})
	}
	return conds, nil
}

// operatorMap reports whether the value is an operator map ({$gte: 18}).
// A map mixing $-keys with plain keys is treated as malformed by the
// caller when the plain key is later rejected as an operator.
func operatorMap(value any) (map[string]any, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return nil, false
		}
	}
	return m, true
}
