package metadata

import "fmt"

// Rule variants.
const (
	RuleCrossField   = "cross_field"
	RuleStateMachine = "state_machine"
	RuleUniqueness   = "uniqueness"
	RuleBusinessRule = "business_rule"
	RuleCustom       = "custom"
)

// Rule severities. Only error-severity failures make a record invalid.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Condition is a single field/operator/value predicate used by business
// rules. Operators match the query filter operator set.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// CrossFieldRule holds a boolean expression over the merged record.
// The record is valid when the condition evaluates to true.
type CrossFieldRule struct {
	Condition string `json:"condition" yaml:"condition"`
}

// Transition is the general per-transition form of a state machine rule.
type Transition struct {
	From    []string `json:"from" yaml:"from"`
	To      string   `json:"to" yaml:"to"`
	Message string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// StateMachineRule restricts how a field's value may change. AllowedNext
// is the flat shorthand (current value -> allowed next values);
// Transitions is the general form. Both may be combined.
type StateMachineRule struct {
	Field       string              `json:"field" yaml:"field"`
	AllowedNext map[string][]string `json:"allowed_next,omitempty" yaml:"allowed_next,omitempty"`
	Transitions []Transition        `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Allows reports whether the machine permits from -> to. A current value
// with no entry at all permits nothing.
func (sm *StateMachineRule) Allows(from, to string) bool {
	if next, ok := sm.AllowedNext[from]; ok {
		for _, v := range next {
			if v == to {
				return true
			}
		}
	}
	for _, tr := range sm.Transitions {
		if tr.To != to {
			continue
		}
		for _, f := range tr.From {
			if f == from {
				return true
			}
		}
	}
	return false
}

// UniquenessRule requires the combination of Fields to be unique,
// optionally scoped by additional fields (e.g. tenant).
type UniquenessRule struct {
	Fields          []string `json:"fields" yaml:"fields"`
	Scope           []string `json:"scope,omitempty" yaml:"scope,omitempty"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
}

// BusinessRuleSpec combines condition clauses: AllOf must all hold, at
// least one of AnyOf must hold, and every ThenRequire condition must hold.
// Each clause is evaluated independently; any failing clause fails the rule.
type BusinessRuleSpec struct {
	AllOf       []Condition `json:"all_of,omitempty" yaml:"all_of,omitempty"`
	AnyOf       []Condition `json:"any_of,omitempty" yaml:"any_of,omitempty"`
	ThenRequire []Condition `json:"then_require,omitempty" yaml:"then_require,omitempty"`
}

// CustomRule names a handler registered with the validation engine.
type CustomRule struct {
	Handler string         `json:"handler" yaml:"handler"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ValidationRule is an object-level rule. Type selects the variant; the
// matching variant config must be set. TriggerOn limits the operations the
// rule runs for (create/update/delete, empty = all), and Fields scopes the
// rule to runs where one of the listed fields actually changed.
type ValidationRule struct {
	Name      string   `json:"name" yaml:"name"`
	Type      string   `json:"type" yaml:"type"`
	Severity  string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message   string   `json:"message,omitempty" yaml:"message,omitempty"`
	TriggerOn []string `json:"trigger_on,omitempty" yaml:"trigger_on,omitempty"`
	Fields    []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	CrossField   *CrossFieldRule   `json:"cross_field,omitempty" yaml:"cross_field,omitempty"`
	StateMachine *StateMachineRule `json:"state_machine,omitempty" yaml:"state_machine,omitempty"`
	Uniqueness   *UniquenessRule   `json:"uniqueness,omitempty" yaml:"uniqueness,omitempty"`
	Business     *BusinessRuleSpec `json:"business_rule,omitempty" yaml:"business_rule,omitempty"`
	Custom       *CustomRule       `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// EffectiveSeverity returns the rule severity, defaulting to error.
func (r *ValidationRule) EffectiveSeverity() string {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}

// AppliesTo reports whether the rule runs for the given operation.
func (r *ValidationRule) AppliesTo(operation string) bool {
	if len(r.TriggerOn) == 0 {
		return true
	}
	for _, op := range r.TriggerOn {
		if op == operation {
			return true
		}
	}
	return false
}

// Validate checks that the discriminator matches the configured variant.
func (r *ValidationRule) Validate() error {
	switch r.Type {
	case RuleCrossField:
		if r.CrossField == nil || r.CrossField.Condition == "" {
			return fmt.Errorf("rule %s: cross_field requires a condition", r.Name)
		}
	case RuleStateMachine:
		if r.StateMachine == nil || r.StateMachine.Field == "" {
			return fmt.Errorf("rule %s: state_machine requires a field", r.Name)
		}
	case RuleUniqueness:
		if r.Uniqueness == nil || len(r.Uniqueness.Fields) == 0 {
			return fmt.Errorf("rule %s: uniqueness requires at least one field", r.Name)
		}
	case RuleBusinessRule:
		if r.Business == nil {
			return fmt.Errorf("rule %s: business_rule requires a spec", r.Name)
		}
	case RuleCustom:
		if r.Custom == nil || r.Custom.Handler == "" {
			return fmt.Errorf("rule %s: custom requires a handler name", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.Name, r.Type)
	}
	switch r.Severity {
	case "", SeverityError, SeverityWarning, SeverityInfo:
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	}
	return nil
}
