// Package validation evaluates field constraints and object-level rule
// variants against a record. Every rule result is collected; only
// error-severity failures make the record invalid.
package validation

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"objectflow/internal/formula"
	"objectflow/internal/metadata"
	"objectflow/internal/query"
)

// Operations rules can trigger on.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Counter is the minimal storage capability uniqueness checks need.
// It is the only validation path with an I/O dependency.
type Counter interface {
	Count(ctx context.Context, object string, filters []any) (int64, error)
}

// Context carries everything one validation run needs: the object schema,
// the operation, the incoming changes, the previous record (updates) and
// storage access for uniqueness checks.
type Context struct {
	Ctx       context.Context
	Object    *metadata.Object
	Operation string
	Record    map[string]any // incoming changes
	Previous  map[string]any // nil on create
	RecordID  any
	Counter   Counter
}

// IsCreate reports whether the run validates a new record.
func (c *Context) IsCreate() bool {
	return c.Operation == OpCreate
}

// Merged returns previous overlaid with the incoming changes. Rules always
// see the full post-write record, not just the delta.
func (c *Context) Merged() map[string]any {
	merged := make(map[string]any, len(c.Previous)+len(c.Record))
	for k, v := range c.Previous {
		merged[k] = v
	}
	for k, v := range c.Record {
		merged[k] = v
	}
	return merged
}

// ChangedFields returns the incoming fields whose value differs from the
// previous record, using shallow equality. Changes inside nested maps or
// slices are not detected; rule authors scoping rules to such fields must
// account for that.
func (c *Context) ChangedFields() []string {
	changed := make([]string, 0, len(c.Record))
	for k, v := range c.Record {
		if c.Previous == nil || !shallowEqual(c.Previous[k], v) {
			changed = append(changed, k)
		}
	}
	return changed
}

func shallowEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	// Nested structures are treated as unchanged.
	return true
}

// CustomFunc is a pluggable rule implementation registered by name.
type CustomFunc func(vc *Context, rule *metadata.ValidationRule) RuleResult

// Engine evaluates field checks and object-level rules.
type Engine struct {
	formulas *formula.Engine
	custom   map[string]CustomFunc
}

func NewEngine(formulas *formula.Engine) *Engine {
	return &Engine{
		formulas: formulas,
		custom:   make(map[string]CustomFunc),
	}
}

// RegisterCustom installs a named custom rule handler.
func (e *Engine) RegisterCustom(name string, fn CustomFunc) {
	e.custom[name] = fn
}

// ValidateRecord runs field checks plus all applicable object rules and
// aggregates every outcome. The returned error is reserved for storage
// failures (uniqueness count queries); rule failures land in the Result.
func (e *Engine) ValidateRecord(vc *Context) (*Result, error) {
	result := newResult()

	if vc.Operation != OpDelete {
		for _, f := range vc.Object.Fields {
			value, present := vc.Record[f.Name]
			// On update, untouched fields are not re-validated.
			if !present && !vc.IsCreate() {
				continue
			}
			for _, rr := range ValidateField(f, value) {
				rr.Valid = false
				result.add(rr)
			}
		}
	}

	rules, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		return nil, err
	}
	result.Merge(rules)
	return result, nil
}

// Validate evaluates the given object-level rules. A shared pre-check
// filters by operation trigger and by intersection of the rule's scoped
// fields with the actually-changed fields.
func (e *Engine) Validate(rules []metadata.ValidationRule, vc *Context) (*Result, error) {
	result := newResult()
	changed := vc.ChangedFields()

	for i := range rules {
		rule := &rules[i]
		if !rule.AppliesTo(vc.Operation) {
			continue
		}
		if len(rule.Fields) > 0 && !intersects(rule.Fields, changed) {
			continue
		}

		var rr RuleResult
		switch rule.Type {
		case metadata.RuleCrossField:
			rr = e.evaluateCrossField(rule, vc)
		case metadata.RuleStateMachine:
			rr = evaluateStateMachine(rule, vc)
		case metadata.RuleUniqueness:
			var err error
			rr, err = e.evaluateUniqueness(rule, vc)
			if err != nil {
				return nil, fmt.Errorf("uniqueness rule %s: %w", rule.Name, err)
			}
		case metadata.RuleBusinessRule:
			rr = evaluateBusinessRule(rule, vc)
		case metadata.RuleCustom:
			fn, ok := e.custom[rule.Custom.Handler]
			if !ok {
				return nil, fmt.Errorf("rule %s: unknown custom validator %q", rule.Name, rule.Custom.Handler)
			}
			rr = fn(vc, rule)
		default:
			return nil, fmt.Errorf("rule %s: unknown type %q", rule.Name, rule.Type)
		}

		rr.Rule = rule.Name
		if rr.Severity == "" {
			rr.Severity = rule.EffectiveSeverity()
		}
		result.add(rr)
	}
	return result, nil
}

// evaluateCrossField checks a boolean condition over the merged record.
// The record is valid when the condition holds.
func (e *Engine) evaluateCrossField(rule *metadata.ValidationRule, vc *Context) RuleResult {
	env := map[string]any{
		"record": vc.Merged(),
		"old":    vc.Previous,
		"action": vc.Operation,
	}
	ok, err := e.formulas.EvaluateBool(rule.CrossField.Condition, env)
	if err != nil {
		return RuleResult{Valid: false, Message: fmt.Sprintf("rule evaluation error: %v", err), Fields: rule.Fields}
	}
	if !ok {
		return RuleResult{Valid: false, Message: ruleMessage(rule, "condition not satisfied"), Fields: rule.Fields}
	}
	return RuleResult{Valid: true}
}

// evaluateStateMachine checks a field transition against the allowed-next
// map. Unchanged fields are a no-op; a current value with no entry
// permits no transition at all.
func evaluateStateMachine(rule *metadata.ValidationRule, vc *Context) RuleResult {
	sm := rule.StateMachine
	newVal, present := vc.Record[sm.Field]
	if !present || vc.Previous == nil {
		return RuleResult{Valid: true}
	}
	from := fmt.Sprintf("%v", vc.Previous[sm.Field])
	to := fmt.Sprintf("%v", newVal)
	if from == to {
		return RuleResult{Valid: true}
	}
	if !sm.Allows(from, to) {
		msg := ruleMessage(rule, fmt.Sprintf("%s cannot change from %s to %s", sm.Field, from, to))
		return RuleResult{Valid: false, Message: msg, Fields: []string{sm.Field}}
	}
	return RuleResult{Valid: true}
}

// evaluateUniqueness issues a count query for the rule's field values,
// excluding the current record on update. A nil checked value skips the
// rule: there is nothing to collide with. Storage errors surface to the
// caller, distinct from rule failures.
func (e *Engine) evaluateUniqueness(rule *metadata.ValidationRule, vc *Context) (RuleResult, error) {
	u := rule.Uniqueness
	merged := vc.Merged()

	var filters []any
	appendCond := func(cond []any) {
		if len(filters) > 0 {
			filters = append(filters, query.And)
		}
		filters = append(filters, cond)
	}

	for _, f := range u.Fields {
		val, ok := merged[f]
		if !ok || val == nil {
			return RuleResult{Valid: true}, nil
		}
		if u.CaseInsensitive {
			if s, isStr := val.(string); isStr {
				val = strings.ToLower(s)
			}
		}
		appendCond([]any{f, query.OpEq, val})
	}
	for _, f := range u.Scope {
		appendCond([]any{f, query.OpEq, merged[f]})
	}
	if !vc.IsCreate() && vc.RecordID != nil {
		appendCond([]any{"id", query.OpNe, vc.RecordID})
	}

	if vc.Counter == nil {
		return RuleResult{}, fmt.Errorf("no storage access for count query")
	}
	count, err := vc.Counter.Count(vc.Ctx, vc.Object.Name, filters)
	if err != nil {
		return RuleResult{}, err
	}
	if count > 0 {
		msg := ruleMessage(rule, fmt.Sprintf("value for %s already exists", strings.Join(u.Fields, ", ")))
		return RuleResult{Valid: false, Message: msg, Fields: u.Fields}, nil
	}
	return RuleResult{Valid: true}, nil
}

// evaluateBusinessRule checks all_of / any_of / then_require clauses
// independently; any failing clause fails the whole rule.
func evaluateBusinessRule(rule *metadata.ValidationRule, vc *Context) RuleResult {
	spec := rule.Business
	merged := vc.Merged()

	for _, cond := range spec.AllOf {
		if !evaluateCondition(cond, merged) {
			return failedClause(rule, "all_of", cond)
		}
	}

	if len(spec.AnyOf) > 0 {
		any := false
		for _, cond := range spec.AnyOf {
			if evaluateCondition(cond, merged) {
				any = true
				break
			}
		}
		if !any {
			msg := ruleMessage(rule, "none of the alternative conditions hold")
			return RuleResult{Valid: false, Message: msg, Fields: rule.Fields}
		}
	}

	for _, cond := range spec.ThenRequire {
		if !evaluateCondition(cond, merged) {
			return failedClause(rule, "then_require", cond)
		}
	}
	return RuleResult{Valid: true}
}

func failedClause(rule *metadata.ValidationRule, clause string, cond metadata.Condition) RuleResult {
	msg := ruleMessage(rule, fmt.Sprintf("%s condition on %s failed", clause, cond.Field))
	return RuleResult{Valid: false, Message: msg, Fields: []string{cond.Field}}
}

func ruleMessage(rule *metadata.ValidationRule, fallback string) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fallback
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
