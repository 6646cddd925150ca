package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"objectflow/internal/query"
)

// Memory is an in-process driver evaluating the query AST directly.
// Used as the zero-config default and by tests. Transactions snapshot the
// full table map; version counts writes so a commit over a stale snapshot
// fails with ErrTxConflict instead of silently discarding them.
type Memory struct {
	mu      sync.RWMutex
	tables  map[string][]Record
	version uint64
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Record)}
}

func (m *Memory) Find(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findIn(m.tables, object, q)
}

func (m *Memory) FindOne(ctx context.Context, object string, id any) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findOneIn(m.tables, object, id)
}

func (m *Memory) Insert(ctx context.Context, object string, doc Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	return insertIn(m.tables, object, doc)
}

func (m *Memory) Update(ctx context.Context, object string, id any, doc Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	return updateIn(m.tables, object, id, doc)
}

func (m *Memory) Delete(ctx context.Context, object string, id any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	return deleteIn(m.tables, object, id)
}

func (m *Memory) Count(ctx context.Context, object string, filters []any) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countIn(m.tables, object, filters)
}

// FindOneAndUpdate is atomic under the table lock.
func (m *Memory) FindOneAndUpdate(ctx context.Context, object string, id any, doc Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	return updateIn(m.tables, object, id, doc)
}

func (m *Memory) Aggregate(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return aggregateIn(m.tables, object, q)
}

func (m *Memory) Distinct(ctx context.Context, object, field string, filters []any) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, err := findIn(m.tables, object, &query.Query{Filters: filters})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[field]
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			seen[key] = true
			values = append(values, v)
		}
	}
	return values, nil
}

// Begin snapshots the current state. Writes inside the transaction apply
// to the snapshot; Commit swaps it in, Rollback discards it.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.RLock()
	snapshot := make(map[string][]Record, len(m.tables))
	for name, rows := range m.tables {
		copied := make([]Record, len(rows))
		for i, row := range rows {
			copied[i] = cloneRecord(row)
		}
		snapshot[name] = copied
	}
	version := m.version
	m.mu.RUnlock()
	return &memoryTx{parent: m, tables: snapshot, base: version}, nil
}

type memoryTx struct {
	mu     sync.Mutex
	parent *Memory
	tables map[string][]Record
	base   uint64 // parent version at snapshot time
	done   bool
}

func (t *memoryTx) Find(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return findIn(t.tables, object, q)
}

func (t *memoryTx) FindOne(ctx context.Context, object string, id any) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return findOneIn(t.tables, object, id)
}

func (t *memoryTx) Insert(ctx context.Context, object string, doc Record) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return insertIn(t.tables, object, doc)
}

func (t *memoryTx) Update(ctx context.Context, object string, id any, doc Record) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return updateIn(t.tables, object, id, doc)
}

func (t *memoryTx) Delete(ctx context.Context, object string, id any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deleteIn(t.tables, object, id)
}

func (t *memoryTx) Count(ctx context.Context, object string, filters []any) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countIn(t.tables, object, filters)
}

func (t *memoryTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.version != t.base {
		return fmt.Errorf("%w: store changed since snapshot", ErrTxConflict)
	}
	t.parent.tables = t.tables
	t.parent.version++
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	return nil
}

// --- shared table operations ---

func findIn(tables map[string][]Record, object string, q *query.Query) ([]Record, error) {
	var results []Record
	for _, row := range tables[object] {
		ok, err := evalFilters(q.Filters, row)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, cloneRecord(row))
		}
	}

	sortRecords(results, q.Sort)

	if q.Skip > 0 {
		if q.Skip >= len(results) {
			results = nil
		} else {
			results = results[q.Skip:]
		}
	}
	if q.Top > 0 && q.Top < len(results) {
		results = results[:q.Top]
	}

	if len(q.Fields) > 0 {
		for i, row := range results {
			projected := make(Record, len(q.Fields))
			for _, f := range q.Fields {
				if v, ok := row[f]; ok {
					projected[f] = v
				}
			}
			results[i] = projected
		}
	}
	return results, nil
}

func findOneIn(tables map[string][]Record, object string, id any) (Record, error) {
	for _, row := range tables[object] {
		if fmt.Sprintf("%v", row["id"]) == fmt.Sprintf("%v", id) {
			return cloneRecord(row), nil
		}
	}
	return nil, ErrNotFound
}

func insertIn(tables map[string][]Record, object string, doc Record) (Record, error) {
	tables[object] = append(tables[object], cloneRecord(doc))
	return cloneRecord(doc), nil
}

func updateIn(tables map[string][]Record, object string, id any, doc Record) (Record, error) {
	for _, row := range tables[object] {
		if fmt.Sprintf("%v", row["id"]) == fmt.Sprintf("%v", id) {
			for k, v := range doc {
				row[k] = v
			}
			return cloneRecord(row), nil
		}
	}
	return nil, ErrNotFound
}

func deleteIn(tables map[string][]Record, object string, id any) error {
	rows := tables[object]
	for i, row := range rows {
		if fmt.Sprintf("%v", row["id"]) == fmt.Sprintf("%v", id) {
			tables[object] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func countIn(tables map[string][]Record, object string, filters []any) (int64, error) {
	var n int64
	for _, row := range tables[object] {
		ok, err := evalFilters(filters, row)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func aggregateIn(tables map[string][]Record, object string, q *query.Query) ([]Record, error) {
	rows, err := findIn(tables, object, &query.Query{Filters: q.Filters})
	if err != nil {
		return nil, err
	}

	groups := map[string][]Record{"": rows}
	var keys []string
	if len(q.GroupBy) > 0 {
		groups = make(map[string][]Record)
		for _, row := range rows {
			parts := make([]string, len(q.GroupBy))
			for i, f := range q.GroupBy {
				parts[i] = fmt.Sprintf("%v", row[f])
			}
			key := strings.Join(parts, "\x00")
			if _, ok := groups[key]; !ok {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], row)
		}
		sort.Strings(keys)
	} else {
		keys = []string{""}
	}

	var results []Record
	for _, key := range keys {
		group := groups[key]
		out := make(Record)
		if len(q.GroupBy) > 0 && len(group) > 0 {
			for _, f := range q.GroupBy {
				out[f] = group[0][f]
			}
		}
		for _, agg := range q.Aggregations {
			alias := agg.Alias
			if alias == "" {
				alias = agg.Func + "_" + agg.Field
			}
			val, err := applyAggregation(agg, group)
			if err != nil {
				return nil, err
			}
			out[alias] = val
		}
		results = append(results, out)
	}
	return results, nil
}

func applyAggregation(agg query.Aggregation, rows []Record) (any, error) {
	if agg.Func == "count" {
		return int64(len(rows)), nil
	}
	var nums []float64
	for _, row := range rows {
		if n, ok := numeric(row[agg.Field]); ok {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return nil, nil
	}
	switch agg.Func {
	case "sum", "avg":
		total := 0.0
		for _, n := range nums {
			total += n
		}
		if agg.Func == "avg" {
			return total / float64(len(nums)), nil
		}
		return total, nil
	case "min":
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return min, nil
	case "max":
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return max, nil
	default:
		return nil, fmt.Errorf("%w: aggregation %s", ErrUnsupported, agg.Func)
	}
}

// evalFilters evaluates the normalized infix filter form left to right.
func evalFilters(filters []any, row Record) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	result := false
	logic := query.And
	first := true

	for _, item := range filters {
		if token, ok := item.(string); ok && !first {
			if token != query.And && token != query.Or {
				return false, fmt.Errorf("unexpected token %q in filter", token)
			}
			logic = token
			continue
		}

		group, ok := item.([]any)
		if !ok {
			return false, fmt.Errorf("unexpected filter element %v", item)
		}
		var matched bool
		if field, op, value, isCond := query.Condition(group); isCond {
			matched = evalCondition(row, field, op, value)
		} else {
			var err error
			matched, err = evalFilters(group, row)
			if err != nil {
				return false, err
			}
		}

		switch {
		case first:
			result = matched
			first = false
		case logic == query.And:
			result = result && matched
		default:
			result = result || matched
		}
	}
	return result, nil
}

func evalCondition(row Record, field, op string, value any) bool {
	val, exists := row[field]
	switch op {
	case query.OpEq:
		return exists && fmt.Sprintf("%v", val) == fmt.Sprintf("%v", value)
	case query.OpNe:
		return !exists || fmt.Sprintf("%v", val) != fmt.Sprintf("%v", value)
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		a, aok := numeric(val)
		b, bok := numeric(value)
		if !aok || !bok {
			return false
		}
		switch op {
		case query.OpGt:
			return a > b
		case query.OpGte:
			return a >= b
		case query.OpLt:
			return a < b
		default:
			return a <= b
		}
	case query.OpIn:
		return exists && inList(val, value)
	case query.OpNin:
		return !exists || !inList(val, value)
	case query.OpContains:
		return exists && strings.Contains(fmt.Sprintf("%v", val), fmt.Sprintf("%v", value))
	case query.OpStartsWith:
		return exists && strings.HasPrefix(fmt.Sprintf("%v", val), fmt.Sprintf("%v", value))
	case query.OpEndsWith:
		return exists && strings.HasSuffix(fmt.Sprintf("%v", val), fmt.Sprintf("%v", value))
	case query.OpNull:
		wantNull := true
		if b, ok := value.(bool); ok {
			wantNull = b
		}
		return (!exists || val == nil) == wantNull
	default:
		return false
	}
}

func inList(val, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	s := fmt.Sprintf("%v", val)
	for _, item := range items {
		if fmt.Sprintf("%v", item) == s {
			return true
		}
	}
	return false
}

func numeric(v any) (float64, bool) {
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

func sortRecords(rows []Record, sorts []query.Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorts {
			a, b := rows[i][s.Field], rows[j][s.Field]
			cmp := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if s.Dir == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	if an, aok := numeric(a); aok {
		if bn, bok := numeric(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func cloneRecord(r Record) Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
