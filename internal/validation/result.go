package validation

import "objectflow/internal/metadata"

// RuleResult is the outcome of one rule or field check.
type RuleResult struct {
	Rule     string   `json:"rule"`
	Valid    bool     `json:"valid"`
	Severity string   `json:"severity"`
	Message  string   `json:"message,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

// Result aggregates every rule outcome for one record. Only error-severity
// failures make the record invalid; warnings and infos are reported but do
// not block the operation.
type Result struct {
	Valid    bool         `json:"valid"`
	Results  []RuleResult `json:"results,omitempty"`
	Errors   []RuleResult `json:"errors,omitempty"`
	Warnings []RuleResult `json:"warnings,omitempty"`
	Infos    []RuleResult `json:"infos,omitempty"`
}

func newResult() *Result {
	return &Result{Valid: true}
}

// add records an outcome and updates the categorized failure lists.
func (r *Result) add(rr RuleResult) {
	r.Results = append(r.Results, rr)
	if rr.Valid {
		return
	}
	switch rr.Severity {
	case metadata.SeverityWarning:
		r.Warnings = append(r.Warnings, rr)
	case metadata.SeverityInfo:
		r.Infos = append(r.Infos, rr)
	default:
		r.Errors = append(r.Errors, rr)
		r.Valid = false
	}
}

// Merge folds another result into this one.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	for _, rr := range other.Results {
		r.add(rr)
	}
}
