package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect abstracts the database-specific corners of SQL generation.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// InExpr builds the SQL for an IN condition.
	// PostgreSQL: "field = ANY($n)" with one array param.
	// SQLite: "field IN (?1, ?2, ...)" expanding the slice.
	InExpr(field string, pb ParamBuilder, values []any) string

	// NotInExpr builds the SQL for a NOT IN condition.
	NotInExpr(field string, pb ParamBuilder, values []any) string

	// MapError maps a driver error to a well-known sentinel where possible.
	MapError(err error) error
}

// ParamBuilder accumulates parameters and produces placeholders.
type ParamBuilder interface {
	Add(v any) string
	Params() []any
}

// NewDialect returns the dialect for the given driver name.
func NewDialect(driver string) Dialect {
	if driver == "sqlite" {
		return sqliteDialect{}
	}
	return postgresDialect{}
}

// --- PostgreSQL ---

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) NewParamBuilder() ParamBuilder { return &pgParamBuilder{} }

func (postgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	return fmt.Sprintf("%s = ANY(%s)", field, pb.Add(values))
}

func (postgresDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	return fmt.Sprintf("%s != ALL(%s)", field, pb.Add(values))
}

func (postgresDialect) MapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.Detail)
	}
	return err
}

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }

// --- SQLite ---

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) NewParamBuilder() ParamBuilder { return &sqliteParamBuilder{} }

func (sqliteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", "))
}

func (sqliteDialect) NotInExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s NOT IN (%s)", field, strings.Join(placeholders, ", "))
}

func (sqliteDialect) MapError(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
