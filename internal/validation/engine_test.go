package validation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"objectflow/internal/formula"
	"objectflow/internal/metadata"
)

type fakeCounter struct {
	count   int64
	err     error
	filters []any
}

func (f *fakeCounter) Count(ctx context.Context, object string, filters []any) (int64, error) {
	f.filters = filters
	return f.count, f.err
}

func newTestEngine() *Engine {
	return NewEngine(formula.NewEngine())
}

func taskObject(rules ...metadata.ValidationRule) *metadata.Object {
	return &metadata.Object{
		Name: "task",
		Fields: metadata.FieldList{
			{Name: "id", Type: metadata.TypeText},
			{Name: "name", Type: metadata.TypeText, Required: true},
			{Name: "code", Type: metadata.TypeText, Pattern: `^[A-Z]{3}-\d+$`},
			{Name: "status", Type: metadata.TypeText},
			{Name: "email", Type: metadata.TypeEmail},
			{Name: "priority", Type: metadata.TypeNumber, Min: ptr(0), Max: ptr(10)},
		},
		Rules: rules,
	}
}

func ptr(f float64) *float64 { return &f }

func TestValidateRecord_AggregatesAllFailures(t *testing.T) {
	e := newTestEngine()
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(),
		Operation: OpCreate,
		Record:    map[string]any{"code": "bad-code", "priority": float64(99)},
	}

	result, err := e.ValidateRecord(vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	// Missing required name, bad pattern and out-of-range priority must all
	// be reported together, never just the first.
	if len(result.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(result.Errors), result.Errors)
	}
	rulesSeen := map[string]bool{}
	for _, rr := range result.Errors {
		rulesSeen[rr.Rule] = true
	}
	for _, want := range []string{"required", "pattern", "max"} {
		if !rulesSeen[want] {
			t.Errorf("expected a %s failure, got %v", want, result.Errors)
		}
	}
}

func TestValidateRecord_UpdateSkipsUntouchedFields(t *testing.T) {
	e := newTestEngine()
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(),
		Operation: OpUpdate,
		Record:    map[string]any{"status": "active"},
		Previous:  map[string]any{"id": "t1", "status": "draft"},
	}

	result, err := e.ValidateRecord(vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid result, got %v", result.Errors)
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:    "status_flow",
		Type:    metadata.RuleStateMachine,
		Message: "invalid status transition",
		StateMachine: &metadata.StateMachineRule{
			Field: "status",
			AllowedNext: map[string][]string{
				"draft":  {"active"},
				"active": {"archived"},
			},
		},
	}
	e := newTestEngine()

	// draft -> archived must fail with the configured message.
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpUpdate,
		Record:    map[string]any{"status": "archived"},
		Previous:  map[string]any{"status": "draft"},
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected draft -> archived to fail")
	}
	if result.Errors[0].Message != "invalid status transition" {
		t.Fatalf("expected configured message, got %q", result.Errors[0].Message)
	}

	// draft -> active must pass.
	vc.Record = map[string]any{"status": "active"}
	result, err = e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected draft -> active to pass, got %v", result.Errors)
	}

	// Unchanged field is a no-op.
	vc.Record = map[string]any{"status": "draft"}
	result, _ = e.Validate(vc.Object.Rules, vc)
	if !result.Valid {
		t.Fatalf("expected unchanged status to pass, got %v", result.Errors)
	}

	// A value with no entry permits nothing.
	vc.Record = map[string]any{"status": "draft"}
	vc.Previous = map[string]any{"status": "archived"}
	result, _ = e.Validate(vc.Object.Rules, vc)
	if result.Valid {
		t.Fatal("expected archived -> draft to fail (no entry for archived)")
	}
}

func TestStateMachine_TransitionObjects(t *testing.T) {
	rule := metadata.ValidationRule{
		Name: "status_flow",
		Type: metadata.RuleStateMachine,
		StateMachine: &metadata.StateMachineRule{
			Field: "status",
			Transitions: []metadata.Transition{
				{From: []string{"draft", "active"}, To: "void"},
			},
		},
	}
	e := newTestEngine()
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpUpdate,
		Record:    map[string]any{"status": "void"},
		Previous:  map[string]any{"status": "active"},
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected active -> void to pass, got %v", result.Errors)
	}
}

func TestUniqueness_ExcludesCurrentRecordOnUpdate(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:       "unique_email",
		Type:       metadata.RuleUniqueness,
		Uniqueness: &metadata.UniquenessRule{Fields: []string{"email"}},
	}
	e := newTestEngine()
	counter := &fakeCounter{count: 0}

	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpUpdate,
		Record:    map[string]any{"email": "x@y.com"},
		Previous:  map[string]any{"id": "r1", "email": "x@y.com"},
		RecordID:  "r1",
		Counter:   counter,
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected self-match to be excluded, got %v", result.Errors)
	}

	// The count query must exclude the current record id.
	found := false
	for _, item := range counter.filters {
		if cond, ok := item.([]any); ok && len(cond) == 3 && cond[0] == "id" && cond[1] == "!=" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected id != r1 in count filters, got %v", counter.filters)
	}
}

func TestUniqueness_FailsOnCollision(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:       "unique_email",
		Type:       metadata.RuleUniqueness,
		Uniqueness: &metadata.UniquenessRule{Fields: []string{"email"}},
	}
	e := newTestEngine()
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpCreate,
		Record:    map[string]any{"email": "x@y.com"},
		Counter:   &fakeCounter{count: 1},
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected collision to fail validation")
	}
}

func TestUniqueness_NullValueSkips(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:       "unique_email",
		Type:       metadata.RuleUniqueness,
		Uniqueness: &metadata.UniquenessRule{Fields: []string{"email"}},
	}
	e := newTestEngine()
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpCreate,
		Record:    map[string]any{"email": nil},
		Counter:   &fakeCounter{count: 5},
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected null value to skip uniqueness, got %v", result.Errors)
	}
}

func TestUniqueness_StorageErrorSurfaces(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:       "unique_email",
		Type:       metadata.RuleUniqueness,
		Uniqueness: &metadata.UniquenessRule{Fields: []string{"email"}},
	}
	e := newTestEngine()
	boom := errors.New("connection lost")
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpCreate,
		Record:    map[string]any{"email": "x@y.com"},
		Counter:   &fakeCounter{err: boom},
	}
	_, err := e.Validate(vc.Object.Rules, vc)
	if !errors.Is(err, boom) {
		t.Fatalf("expected storage error to surface, got %v", err)
	}
}

func TestCrossField_MergedRecord(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:    "paid_needs_date",
		Type:    metadata.RuleCrossField,
		Message: "payment date is required when status is paid",
		CrossField: &metadata.CrossFieldRule{
			Condition: "record.status != 'paid' || record.paid_at != nil",
		},
	}
	e := newTestEngine()

	// The condition sees previous + incoming merged: status comes from the
	// update, paid_at from the previous record.
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpUpdate,
		Record:    map[string]any{"status": "paid"},
		Previous:  map[string]any{"status": "open", "paid_at": "2026-01-01"},
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected merged record to satisfy condition, got %v", result.Errors)
	}

	vc.Previous = map[string]any{"status": "open", "paid_at": nil}
	result, _ = e.Validate(vc.Object.Rules, vc)
	if result.Valid {
		t.Fatal("expected failure when paid_at is nil")
	}
	if result.Errors[0].Message != rule.Message {
		t.Fatalf("expected configured message, got %q", result.Errors[0].Message)
	}
}

func TestBusinessRule_Clauses(t *testing.T) {
	rule := metadata.ValidationRule{
		Name: "discount_policy",
		Type: metadata.RuleBusinessRule,
		Business: &metadata.BusinessRuleSpec{
			AllOf:       []metadata.Condition{{Field: "status", Operator: "eq", Value: "active"}},
			AnyOf:       []metadata.Condition{{Field: "tier", Operator: "eq", Value: "gold"}, {Field: "tier", Operator: "eq", Value: "silver"}},
			ThenRequire: []metadata.Condition{{Field: "approved_by", Operator: "null", Value: false}},
		},
	}
	e := newTestEngine()
	obj := &metadata.Object{
		Name: "deal",
		Fields: metadata.FieldList{
			{Name: "status", Type: metadata.TypeText},
			{Name: "tier", Type: metadata.TypeText},
			{Name: "approved_by", Type: metadata.TypeText},
		},
		Rules: []metadata.ValidationRule{rule},
	}

	vc := &Context{
		Ctx:       context.Background(),
		Object:    obj,
		Operation: OpCreate,
		Record:    map[string]any{"status": "active", "tier": "gold", "approved_by": "u1"},
	}
	result, err := e.Validate(obj.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected pass, got %v", result.Errors)
	}

	// then_require violated
	vc.Record = map[string]any{"status": "active", "tier": "gold"}
	result, _ = e.Validate(obj.Rules, vc)
	if result.Valid {
		t.Fatal("expected then_require failure when approved_by is missing")
	}

	// any_of violated
	vc.Record = map[string]any{"status": "active", "tier": "bronze", "approved_by": "u1"}
	result, _ = e.Validate(obj.Rules, vc)
	if result.Valid {
		t.Fatal("expected any_of failure for bronze tier")
	}
}

func TestValidate_FieldScopePrecheck(t *testing.T) {
	calls := 0
	rule := metadata.ValidationRule{
		Name:   "scoped",
		Type:   metadata.RuleCustom,
		Fields: []string{"status"},
		Custom: &metadata.CustomRule{Handler: "probe"},
	}
	e := newTestEngine()
	e.RegisterCustom("probe", func(vc *Context, r *metadata.ValidationRule) RuleResult {
		calls++
		return RuleResult{Valid: true}
	})

	obj := taskObject(rule)

	// status unchanged: rule must not run.
	vc := &Context{
		Ctx:       context.Background(),
		Object:    obj,
		Operation: OpUpdate,
		Record:    map[string]any{"status": "draft", "name": "renamed"},
		Previous:  map[string]any{"status": "draft", "name": "old"},
	}
	if _, err := e.Validate(obj.Rules, vc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected scoped rule to be skipped, ran %d times", calls)
	}

	// status changed: rule runs.
	vc.Record = map[string]any{"status": "active"}
	if _, err := e.Validate(obj.Rules, vc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected scoped rule to run once, ran %d times", calls)
	}
}

func TestValidate_TriggerOnPrecheck(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:       "create_only",
		Type:       metadata.RuleUniqueness,
		TriggerOn:  []string{OpCreate},
		Uniqueness: &metadata.UniquenessRule{Fields: []string{"email"}},
	}
	e := newTestEngine()
	counter := &fakeCounter{count: 1}
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpUpdate,
		Record:    map[string]any{"email": "x@y.com"},
		Previous:  map[string]any{"email": "old@y.com"},
		Counter:   counter,
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected update to skip create-only rule, got %v", result.Errors)
	}
}

func TestWarningSeverityDoesNotInvalidate(t *testing.T) {
	rule := metadata.ValidationRule{
		Name:     "advisory",
		Type:     metadata.RuleCrossField,
		Severity: metadata.SeverityWarning,
		CrossField: &metadata.CrossFieldRule{
			Condition: "record.priority < 5",
		},
	}
	e := newTestEngine()
	vc := &Context{
		Ctx:       context.Background(),
		Object:    taskObject(rule),
		Operation: OpCreate,
		Record:    map[string]any{"priority": float64(9)},
	}
	result, err := e.Validate(vc.Object.Rules, vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Valid {
		t.Fatal("warning-severity failure must not invalidate the record")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
}

func TestChangedFields_ShallowEquality(t *testing.T) {
	vc := &Context{
		Record: map[string]any{
			"name":   "same",
			"status": "new",
			"tags":   map[string]any{"a": 1},
		},
		Previous: map[string]any{
			"name":   "same",
			"status": "old",
			"tags":   map[string]any{"a": 2},
		},
	}
	changed := vc.ChangedFields()
	got := fmt.Sprintf("%v", changed)
	for _, want := range []string{"status"} {
		found := false
		for _, c := range changed {
			if c == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s in changed fields, got %s", want, got)
		}
	}
	for _, c := range changed {
		// Nested map changes are not detected; name is unchanged.
		if c == "tags" || c == "name" {
			t.Errorf("did not expect %s in changed fields (%s)", c, got)
		}
	}
}
