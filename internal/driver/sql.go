package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver
	_ "modernc.org/sqlite"             // register sqlite as database/sql driver

	"objectflow/internal/metadata"
	"objectflow/internal/query"
)

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQL executes the query AST against PostgreSQL or SQLite through
// database/sql. Table and column layout comes from the schema registry.
type SQL struct {
	db *sql.DB
	sqlCore
}

type sqlCore struct {
	q        querier
	dialect  Dialect
	registry *metadata.Registry
}

// OpenSQL connects to the database named by driver ("postgres"/"sqlite")
// and dsn.
func OpenSQL(ctx context.Context, driverName, dsn string, registry *metadata.Registry) (*SQL, error) {
	dialect := NewDialect(driverName)
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driverName == "sqlite" {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &SQL{
		db:      db,
		sqlCore: sqlCore{q: db, dialect: dialect, registry: registry},
	}, nil
}

func (s *SQL) Close() error { return s.db.Close() }

// Begin starts a database transaction; the returned handle runs every
// operation on the same connection until Commit or Rollback.
func (s *SQL) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqlTx{
		tx:      tx,
		sqlCore: sqlCore{q: tx, dialect: s.dialect, registry: s.registry},
	}, nil
}

type sqlTx struct {
	tx *sql.Tx
	sqlCore
}

func (t *sqlTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// --- core operations (shared by SQL and sqlTx) ---

func (c sqlCore) tableName(object string) string {
	if obj := c.registry.Get(object); obj != nil {
		return obj.TableName()
	}
	return object
}

func (c sqlCore) columns(object string, fields []string) string {
	if len(fields) > 0 {
		return strings.Join(fields, ", ")
	}
	if obj := c.registry.Get(object); obj != nil {
		names := make([]string, 0, len(obj.Fields))
		for _, f := range obj.StoredFields() {
			names = append(names, f.Name)
		}
		return strings.Join(names, ", ")
	}
	return "*"
}

func (c sqlCore) Find(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	pb := c.dialect.NewParamBuilder()

	sqlStr := fmt.Sprintf("SELECT %s FROM %s", c.columns(object, q.Fields), c.tableName(object))
	where, err := compileFilters(q.Filters, pb, c.dialect)
	if err != nil {
		return nil, err
	}
	if where != "" {
		sqlStr += " WHERE " + where
	}
	if len(q.Sort) > 0 {
		var parts []string
		for _, s := range q.Sort {
			dir := "ASC"
			if s.Dir == "desc" {
				dir = "DESC"
			}
			parts = append(parts, fmt.Sprintf("%s %s", s.Field, dir))
		}
		sqlStr += " ORDER BY " + strings.Join(parts, ", ")
	}
	if q.Top > 0 {
		sqlStr += " LIMIT " + pb.Add(q.Top)
	}
	if q.Skip > 0 {
		sqlStr += " OFFSET " + pb.Add(q.Skip)
	}

	rows, err := queryRows(ctx, c.q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, c.dialect.MapError(err)
	}
	return rows, nil
}

func (c sqlCore) FindOne(ctx context.Context, object string, id any) (Record, error) {
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		c.columns(object, nil), c.tableName(object), pb.Add(id))
	rows, err := queryRows(ctx, c.q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, c.dialect.MapError(err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (c sqlCore) Insert(ctx context.Context, object string, doc Record) (Record, error) {
	pb := c.dialect.NewParamBuilder()
	var cols, placeholders []string
	for _, col := range c.docColumns(object, doc) {
		cols = append(cols, col)
		placeholders = append(placeholders, pb.Add(doc[col]))
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.tableName(object), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := c.q.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		return nil, c.dialect.MapError(err)
	}
	if id, ok := doc["id"]; ok {
		return c.FindOne(ctx, object, id)
	}
	return doc, nil
}

func (c sqlCore) Update(ctx context.Context, object string, id any, doc Record) (Record, error) {
	pb := c.dialect.NewParamBuilder()
	var sets []string
	for _, col := range c.docColumns(object, doc) {
		if col == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, pb.Add(doc[col])))
	}
	if len(sets) == 0 {
		return c.FindOne(ctx, object, id)
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		c.tableName(object), strings.Join(sets, ", "), pb.Add(id))
	result, err := c.q.ExecContext(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return nil, c.dialect.MapError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return c.FindOne(ctx, object, id)
}

func (c sqlCore) Delete(ctx context.Context, object string, id any) error {
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE id = %s", c.tableName(object), pb.Add(id))
	result, err := c.q.ExecContext(ctx, sqlStr, pb.Params()...)
	if err != nil {
		return c.dialect.MapError(err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c sqlCore) Count(ctx context.Context, object string, filters []any) (int64, error) {
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS n FROM %s", c.tableName(object))
	where, err := compileFilters(filters, pb, c.dialect)
	if err != nil {
		return 0, err
	}
	if where != "" {
		sqlStr += " WHERE " + where
	}
	rows, err := queryRows(ctx, c.q, sqlStr, pb.Params()...)
	if err != nil {
		return 0, c.dialect.MapError(err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if n, ok := numeric(rows[0]["n"]); ok {
		return int64(n), nil
	}
	return 0, nil
}

func (c sqlCore) Aggregate(ctx context.Context, object string, q *query.Query) ([]Record, error) {
	pb := c.dialect.NewParamBuilder()

	var selects []string
	selects = append(selects, q.GroupBy...)
	for _, agg := range q.Aggregations {
		alias := agg.Alias
		if alias == "" {
			alias = agg.Func + "_" + agg.Field
			if agg.Field == "*" {
				alias = agg.Func
			}
		}
		var expr string
		switch agg.Func {
		case "count":
			expr = "COUNT(*)"
		case "sum", "avg", "min", "max":
			expr = fmt.Sprintf("%s(%s)", strings.ToUpper(agg.Func), agg.Field)
		default:
			return nil, fmt.Errorf("%w: aggregation %s", ErrUnsupported, agg.Func)
		}
		selects = append(selects, fmt.Sprintf("%s AS %s", expr, alias))
	}

	sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), c.tableName(object))
	where, err := compileFilters(q.Filters, pb, c.dialect)
	if err != nil {
		return nil, err
	}
	if where != "" {
		sqlStr += " WHERE " + where
	}
	if len(q.GroupBy) > 0 {
		sqlStr += " GROUP BY " + strings.Join(q.GroupBy, ", ")
	}

	rows, err := queryRows(ctx, c.q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, c.dialect.MapError(err)
	}
	return rows, nil
}

func (c sqlCore) docColumns(object string, doc Record) []string {
	obj := c.registry.Get(object)
	if obj == nil {
		cols := make([]string, 0, len(doc))
		for k := range doc {
			cols = append(cols, k)
		}
		return cols
	}
	var cols []string
	for _, f := range obj.StoredFields() {
		if _, ok := doc[f.Name]; ok {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

// compileFilters lowers the normalized infix filter form to a SQL WHERE
// fragment, parenthesizing nested groups to preserve precedence.
func compileFilters(filters []any, pb ParamBuilder, dialect Dialect) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}

	var parts []string
	for _, item := range filters {
		if token, ok := item.(string); ok {
			switch token {
			case query.And:
				parts = append(parts, "AND")
			case query.Or:
				parts = append(parts, "OR")
			default:
				return "", fmt.Errorf("unexpected token %q in filter", token)
			}
			continue
		}

		group, ok := item.([]any)
		if !ok {
			return "", fmt.Errorf("unexpected filter element %v", item)
		}
		if field, op, value, isCond := query.Condition(group); isCond {
			clause, err := compileCondition(field, op, value, pb, dialect)
			if err != nil {
				return "", err
			}
			parts = append(parts, clause)
			continue
		}
		nested, err := compileFilters(group, pb, dialect)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+nested+")")
	}
	return strings.Join(parts, " "), nil
}

func compileCondition(field, op string, value any, pb ParamBuilder, dialect Dialect) (string, error) {
	switch op {
	case query.OpEq:
		return fmt.Sprintf("%s = %s", field, pb.Add(value)), nil
	case query.OpNe:
		return fmt.Sprintf("%s != %s", field, pb.Add(value)), nil
	case query.OpGt:
		return fmt.Sprintf("%s > %s", field, pb.Add(value)), nil
	case query.OpGte:
		return fmt.Sprintf("%s >= %s", field, pb.Add(value)), nil
	case query.OpLt:
		return fmt.Sprintf("%s < %s", field, pb.Add(value)), nil
	case query.OpLte:
		return fmt.Sprintf("%s <= %s", field, pb.Add(value)), nil
	case query.OpIn:
		values, ok := value.([]any)
		if !ok {
			return "", fmt.Errorf("in operator expects a list, got %T", value)
		}
		return dialect.InExpr(field, pb, values), nil
	case query.OpNin:
		values, ok := value.([]any)
		if !ok {
			return "", fmt.Errorf("nin operator expects a list, got %T", value)
		}
		return dialect.NotInExpr(field, pb, values), nil
	case query.OpContains:
		return fmt.Sprintf("%s LIKE %s", field, pb.Add(fmt.Sprintf("%%%v%%", value))), nil
	case query.OpStartsWith:
		return fmt.Sprintf("%s LIKE %s", field, pb.Add(fmt.Sprintf("%v%%", value))), nil
	case query.OpEndsWith:
		return fmt.Sprintf("%s LIKE %s", field, pb.Add(fmt.Sprintf("%%%v", value))), nil
	case query.OpNull:
		wantNull := true
		if b, ok := value.(bool); ok {
			wantNull = b
		}
		if wantNull {
			return fmt.Sprintf("%s IS NULL", field), nil
		}
		return fmt.Sprintf("%s IS NOT NULL", field), nil
	default:
		return "", fmt.Errorf("%w: operator %s", ErrUnsupported, op)
	}
}

// queryRows executes a query and returns results as records.
func queryRows(ctx context.Context, q querier, sqlStr string, args ...any) ([]Record, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var results []Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(Record, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// normalizeValue converts database-specific types to JSON-serializable Go
// types. database/sql often returns []byte for TEXT columns, and SQLite
// stores timestamps as text.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
			return t
		}
		return s
	default:
		return v
	}
}
