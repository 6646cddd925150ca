package driver

import (
	"errors"
	"testing"

	"objectflow/internal/query"
)

func TestCompileFilters_Postgres(t *testing.T) {
	d := NewDialect("postgres")
	pb := d.NewParamBuilder()
	filters := []any{
		[]any{"status", query.OpEq, "active"},
		query.And,
		[]any{"age", query.OpGte, 18},
	}
	where, err := compileFilters(filters, pb, d)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "status = $1 AND age >= $2"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	params := pb.Params()
	if len(params) != 2 || params[0] != "active" || params[1] != 18 {
		t.Errorf("params = %v", params)
	}
}

func TestCompileFilters_NestedGroup(t *testing.T) {
	d := NewDialect("postgres")
	pb := d.NewParamBuilder()
	filters := []any{
		[]any{"status", query.OpEq, "active"},
		query.Or,
		[]any{
			[]any{"dept", query.OpEq, "sales"},
			query.And,
			[]any{"age", query.OpGt, 50},
		},
	}
	where, err := compileFilters(filters, pb, d)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "status = $1 OR (dept = $2 AND age > $3)"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
}

func TestCompileFilters_InExpansion(t *testing.T) {
	filters := []any{[]any{"dept", query.OpIn, []any{"eng", "sales"}}}

	pg := NewDialect("postgres")
	pgb := pg.NewParamBuilder()
	where, err := compileFilters(filters, pgb, pg)
	if err != nil {
		t.Fatalf("compile pg: %v", err)
	}
	if where != "dept = ANY($1)" {
		t.Errorf("postgres where = %q", where)
	}
	if len(pgb.Params()) != 1 {
		t.Errorf("postgres params = %v", pgb.Params())
	}

	lite := NewDialect("sqlite")
	lb := lite.NewParamBuilder()
	where, err = compileFilters(filters, lb, lite)
	if err != nil {
		t.Fatalf("compile sqlite: %v", err)
	}
	if where != "dept IN (?1, ?2)" {
		t.Errorf("sqlite where = %q", where)
	}
	if len(lb.Params()) != 2 {
		t.Errorf("sqlite params = %v", lb.Params())
	}
}

func TestCompileFilters_TextAndNull(t *testing.T) {
	d := NewDialect("sqlite")
	pb := d.NewParamBuilder()
	filters := []any{
		[]any{"name", query.OpStartsWith, "A"},
		query.And,
		[]any{"deleted_at", query.OpNull, true},
		query.And,
		[]any{"email", query.OpNull, false},
	}
	where, err := compileFilters(filters, pb, d)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := "name LIKE ?1 AND deleted_at IS NULL AND email IS NOT NULL"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if pb.Params()[0] != "A%" {
		t.Errorf("like param = %v", pb.Params()[0])
	}
}

func TestCompileFilters_BadOperator(t *testing.T) {
	d := NewDialect("postgres")
	pb := d.NewParamBuilder()
	_, err := compileFilters([]any{[]any{"a", "regex", "x"}}, pb, d)
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestCompileFilters_BadToken(t *testing.T) {
	d := NewDialect("postgres")
	pb := d.NewParamBuilder()
	_, err := compileFilters([]any{[]any{"a", query.OpEq, 1}, "xor", []any{"b", query.OpEq, 2}}, pb, d)
	if err == nil {
		t.Fatal("expected error for unknown logical token")
	}
}

func TestSQLiteDialect_MapError(t *testing.T) {
	d := NewDialect("sqlite")
	err := d.MapError(errors.New("constraint failed: UNIQUE constraint failed: employee.email"))
	if !errors.Is(err, ErrUniqueViolation) {
		t.Errorf("expected ErrUniqueViolation, got %v", err)
	}
	plain := errors.New("disk I/O error")
	if !errors.Is(d.MapError(plain), plain) {
		t.Error("unrelated error should pass through")
	}
}
