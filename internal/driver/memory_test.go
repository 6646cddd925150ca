package driver

import (
	"context"
	"errors"
	"testing"

	"objectflow/internal/query"
)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	rows := []Record{
		{"id": "1", "name": "Ada", "status": "active", "age": 32, "dept": "eng"},
		{"id": "2", "name": "Ben", "status": "inactive", "age": 45, "dept": "eng"},
		{"id": "3", "name": "Cleo", "status": "active", "age": 28, "dept": "sales"},
		{"id": "4", "name": "Dov", "status": "active", "age": 51, "dept": "sales"},
	}
	for _, r := range rows {
		if _, err := m.Insert(ctx, "employee", r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return m
}

func TestMemoryFind_FilterSortLimit(t *testing.T) {
	m := seedMemory(t)
	q := &query.Query{
		Filters: []any{[]any{"status", query.OpEq, "active"}},
		Sort:    []query.Sort{{Field: "age", Dir: "desc"}},
		Top:     2,
	}
	rows, err := m.Find(context.Background(), "employee", q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["name"] != "Dov" || rows[1]["name"] != "Ada" {
		t.Errorf("wrong order: %v, %v", rows[0]["name"], rows[1]["name"])
	}
}

func TestMemoryFind_NestedGroupPrecedence(t *testing.T) {
	m := seedMemory(t)
	// status = inactive or (dept = sales and age > 50)
	q := &query.Query{
		Filters: []any{
			[]any{"status", query.OpEq, "inactive"},
			query.Or,
			[]any{
				[]any{"dept", query.OpEq, "sales"},
				query.And,
				[]any{"age", query.OpGt, 50},
			},
		},
	}
	rows, err := m.Find(context.Background(), "employee", q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestMemoryFind_Projection(t *testing.T) {
	m := seedMemory(t)
	q := &query.Query{
		Filters: []any{[]any{"id", query.OpEq, "1"}},
		Fields:  []string{"name"},
	}
	rows, err := m.Find(context.Background(), "employee", q)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if _, ok := rows[0]["status"]; ok {
		t.Error("projection should drop status")
	}
	if rows[0]["name"] != "Ada" {
		t.Errorf("name = %v", rows[0]["name"])
	}
}

func TestMemoryFindOne_NotFound(t *testing.T) {
	m := seedMemory(t)
	if _, err := m.FindOne(context.Background(), "employee", "99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateDelete(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	updated, err := m.Update(ctx, "employee", "2", Record{"status": "active"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["status"] != "active" || updated["name"] != "Ben" {
		t.Errorf("update result: %v", updated)
	}

	if err := m.Delete(ctx, "employee", "2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "employee", "2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCount_InOperator(t *testing.T) {
	m := seedMemory(t)
	filters := []any{[]any{"dept", query.OpIn, []any{"sales"}}}
	n, err := m.Count(context.Background(), "employee", filters)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestMemoryAggregate_GroupBy(t *testing.T) {
	m := seedMemory(t)
	q := &query.Query{
		GroupBy: []string{"dept"},
		Aggregations: []query.Aggregation{
			{Func: "count", Field: "id", Alias: "n"},
			{Func: "avg", Field: "age", Alias: "avg_age"},
		},
	}
	rows, err := m.Aggregate(context.Background(), "employee", q)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(rows))
	}
	byDept := map[any]Record{}
	for _, r := range rows {
		byDept[r["dept"]] = r
	}
	if n, _ := numeric(byDept["eng"]["n"]); n != 2 {
		t.Errorf("eng count = %v", byDept["eng"]["n"])
	}
	if avg, _ := numeric(byDept["sales"]["avg_age"]); avg != 39.5 {
		t.Errorf("sales avg_age = %v", byDept["sales"]["avg_age"])
	}
}

func TestMemoryDistinct(t *testing.T) {
	m := seedMemory(t)
	values, err := m.Distinct(context.Background(), "employee", "dept", nil)
	if err != nil {
		t.Fatalf("distinct: %v", err)
	}
	if len(values) != 2 {
		t.Errorf("distinct depts = %v", values)
	}
}

func TestMemoryTransaction_Rollback(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Insert(ctx, "employee", Record{"id": "5", "name": "Eve"}); err != nil {
		t.Fatalf("tx insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := m.FindOne(ctx, "employee", "5"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back insert visible: %v", err)
	}
}

func TestMemoryTransaction_Commit(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Update(ctx, "employee", "1", Record{"age": 33}); err != nil {
		t.Fatalf("tx update: %v", err)
	}
	// Not visible outside before commit.
	before, err := m.FindOne(ctx, "employee", "1")
	if err != nil {
		t.Fatalf("find before commit: %v", err)
	}
	if before["age"] != 32 {
		t.Errorf("uncommitted write visible: age = %v", before["age"])
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	after, err := m.FindOne(ctx, "employee", "1")
	if err != nil {
		t.Fatalf("find after commit: %v", err)
	}
	if after["age"] != 33 {
		t.Errorf("committed write lost: age = %v", after["age"])
	}
}

func TestMemoryTransaction_ConflictOnStaleSnapshot(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.Update(ctx, "employee", "1", Record{"age": 40}); err != nil {
		t.Fatalf("tx update: %v", err)
	}
	// A direct write lands after the snapshot was taken.
	if _, err := m.Update(ctx, "employee", "2", Record{"age": 50}); err != nil {
		t.Fatalf("direct update: %v", err)
	}

	if err := tx.Commit(ctx); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
	// The direct write survives; the transaction's write does not.
	row, err := m.FindOne(ctx, "employee", "2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row["age"] != 50 {
		t.Errorf("direct write lost: age = %v", row["age"])
	}
	row, err = m.FindOne(ctx, "employee", "1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row["age"] == 40 {
		t.Error("conflicted transaction write applied")
	}
}

func TestCapabilityHelpers_Unsupported(t *testing.T) {
	var d Driver = bareDriver{}
	if _, err := Begin(context.Background(), d); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Begin on bare driver: %v", err)
	}
	if _, err := Aggregate(context.Background(), d, "x", &query.Query{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Aggregate on bare driver: %v", err)
	}
	if _, err := Distinct(context.Background(), d, "x", "f", nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Distinct on bare driver: %v", err)
	}
}

// bareDriver implements only the core contract.
type bareDriver struct{}

func (bareDriver) Find(context.Context, string, *query.Query) ([]Record, error) { return nil, nil }
func (bareDriver) FindOne(context.Context, string, any) (Record, error)         { return nil, ErrNotFound }
func (bareDriver) Insert(context.Context, string, Record) (Record, error)       { return nil, nil }
func (bareDriver) Update(context.Context, string, any, Record) (Record, error)  { return nil, nil }
func (bareDriver) Delete(context.Context, string, any) error                    { return nil }
func (bareDriver) Count(context.Context, string, []any) (int64, error)          { return 0, nil }
