// Package formula evaluates declarative computed-field expressions using
// expr-lang. Evaluation is synchronous and expression-scoped: record
// fields, system variables and the current user are bound as local names,
// plus a registered allow-list of pure helper functions. There is no
// ambient access to process state.
package formula

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"objectflow/internal/metadata"
)

// Distinct formula error kinds. Callers treat these as per-field failures,
// not operation failures.
var (
	ErrDivisionByZero     = errors.New("division by zero")
	ErrNonFinite          = errors.New("non-finite numeric result")
	ErrBadDate            = errors.New("value is not a valid date")
	ErrTimeoutUnsupported = errors.New("formula timeout enforcement is not supported; keep expressions bounded by construction")
)

// SystemVars lists the variable names bound by the engine in addition to
// record fields. These win over record fields of the same name.
var SystemVars = []string{
	"today", "now", "year", "month", "day", "hour", "minute", "second",
	"user", "isNew",
}

// Context is the per-evaluation input: the record, the current user and
// whether the record is new. Constructed fresh for every evaluation.
type Context struct {
	Record   map[string]any
	UserID   string
	UserName string
	SpaceID  string
	IsNew    bool
}

// Options control one evaluation. A positive Timeout is rejected rather
// than silently ignored: the evaluator runs synchronously and cannot
// pre-empt a runaway expression.
type Options struct {
	Timeout time.Duration
}

// Engine compiles and caches expression programs by source string.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
	funcs map[string]any
}

func NewEngine() *Engine {
	e := &Engine{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]any),
	}
	// Pure string helpers beyond the expr builtins.
	e.RegisterFunction("upper", strings.ToUpper)
	e.RegisterFunction("lower", strings.ToLower)
	e.RegisterFunction("trim", strings.TrimSpace)
	e.RegisterFunction("round", math.Round)
	return e
}

// RegisterFunction adds a pure helper function to the evaluation
// allow-list. Handlers must be side-effect-free.
func (e *Engine) RegisterFunction(name string, fn any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// Evaluate runs the expression against the context and coerces the result
// to the declared type (number/boolean/date/datetime/text). The zero
// Options value applies no timeout.
func (e *Engine) Evaluate(expression string, fc Context, resultType string, opts Options) (any, error) {
	if opts.Timeout > 0 {
		return nil, ErrTimeoutUnsupported
	}

	prog, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	result, err := expr.Run(prog, e.buildEnv(fc))
	if err != nil {
		if strings.Contains(err.Error(), "divide by zero") {
			return nil, fmt.Errorf("%w: %s", ErrDivisionByZero, expression)
		}
		return nil, fmt.Errorf("evaluate formula: %w", err)
	}

	return coerce(result, resultType)
}

// EvaluateBool runs a boolean condition expression, as used by cross-field
// validation rules. A non-boolean result is an error.
func (e *Engine) EvaluateBool(expression string, env map[string]any) (bool, error) {
	prog, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	merged := make(map[string]any, len(env)+len(e.funcs))
	e.mu.RLock()
	for k, v := range e.funcs {
		merged[k] = v
	}
	e.mu.RUnlock()
	for k, v := range env {
		merged[k] = v
	}
	result, err := expr.Run(prog, merged)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool: %s", expression)
	}
	return b, nil
}

func (e *Engine) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	// Compile against a map environment with builtins disabled. Without
	// this, identifiers like count or max resolve to expr builtin
	// functions instead of record fields and the compile fails.
	prog, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile formula: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// buildEnv binds record fields, helper functions, system variables and the
// user object as evaluation-local names. System variables shadow record
// fields of the same name.
func (e *Engine) buildEnv(fc Context) map[string]any {
	now := time.Now()
	env := make(map[string]any, len(fc.Record)+len(SystemVars)+len(e.funcs))

	e.mu.RLock()
	for k, v := range e.funcs {
		env[k] = v
	}
	e.mu.RUnlock()

	for k, v := range fc.Record {
		env[k] = v
	}

	env["now"] = now
	env["today"] = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	env["year"] = now.Year()
	env["month"] = int(now.Month())
	env["day"] = now.Day()
	env["hour"] = now.Hour()
	env["minute"] = now.Minute()
	env["second"] = now.Second()
	env["isNew"] = fc.IsNew
	env["user"] = map[string]any{
		"id":    fc.UserID,
		"name":  fc.UserName,
		"space": fc.SpaceID,
	}
	return env
}

// coerce applies type-driven result coercion. Numbers must be finite;
// dates accept time.Time, strings and epoch numbers; boolean and text are
// permissive.
func coerce(value any, resultType string) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch resultType {
	case metadata.TypeNumber:
		n, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("formula result %v (%T) is not a number", value, value)
		}
		if math.IsInf(n, 0) {
			return nil, ErrDivisionByZero
		}
		if math.IsNaN(n) {
			return nil, ErrNonFinite
		}
		return n, nil
	case metadata.TypeDate, metadata.TypeDatetime:
		return toTime(value)
	case metadata.TypeBoolean:
		return toBool(value), nil
	case metadata.TypeText, metadata.TypeTextarea, "":
		return fmt.Sprintf("%v", value), nil
	default:
		return value, nil
	}
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
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toTime(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, d); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, d)
	case float64:
		return time.Unix(int64(d), 0).UTC(), nil
	case int64:
		return time.Unix(d, 0).UTC(), nil
	case int:
		return time.Unix(int64(d), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %T", ErrBadDate, v)
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != ""
	case nil:
		return false
	default:
		if n, ok := toFloat64(v); ok {
			return n != 0
		}
		return true
	}
}
