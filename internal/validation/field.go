package validation

import (
	"fmt"
	"net/url"
	"regexp"

	"objectflow/internal/metadata"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidateField runs the field-level checks for one value: required first
// (short-circuiting when the value is empty), then format, pattern and
// bounds. Formula fields are computed, never validated as input.
func ValidateField(f metadata.Field, value any) []RuleResult {
	if f.IsFormula() {
		return nil
	}

	if isEmpty(value) {
		if f.Required {
			return []RuleResult{{
				Rule:     "required",
				Severity: metadata.SeverityError,
				Message:  fmt.Sprintf("%s is required", f.Name),
				Fields:   []string{f.Name},
			}}
		}
		return nil
	}

	var results []RuleResult
	fail := func(rule, msg string) {
		results = append(results, RuleResult{
			Rule:     rule,
			Severity: metadata.SeverityError,
			Message:  msg,
			Fields:   []string{f.Name},
		})
	}

	switch f.Type {
	case metadata.TypeEmail:
		if s, ok := value.(string); !ok || !emailPattern.MatchString(s) {
			fail("format", fmt.Sprintf("%s must be a valid email address", f.Name))
		}
	case metadata.TypeURL:
		s, ok := value.(string)
		if !ok {
			fail("format", fmt.Sprintf("%s must be a valid URL", f.Name))
			break
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			fail("format", fmt.Sprintf("%s must be a valid URL", f.Name))
		}
	case metadata.TypeSelect:
		if len(f.Options) > 0 {
			s := fmt.Sprintf("%v", value)
			found := false
			for _, opt := range f.Options {
				if opt == s {
					found = true
					break
				}
			}
			if !found {
				fail("options", fmt.Sprintf("%s must be one of %v", f.Name, f.Options))
			}
		}
	}

	if f.Pattern != "" {
		if s, ok := value.(string); ok {
			matched, err := regexp.MatchString(f.Pattern, s)
			if err != nil || !matched {
				fail("pattern", fmt.Sprintf("%s does not match the required pattern", f.Name))
			}
		}
	}

	if n, ok := toFloat64(value); ok {
		if f.Min != nil && n < *f.Min {
			fail("min", fmt.Sprintf("%s must be at least %v", f.Name, *f.Min))
		}
		if f.Max != nil && n > *f.Max {
			fail("max", fmt.Sprintf("%s must be at most %v", f.Name, *f.Max))
		}
	}

	if s, ok := value.(string); ok {
		if f.MinLength > 0 && len(s) < f.MinLength {
			fail("min_length", fmt.Sprintf("%s must be at least %d characters", f.Name, f.MinLength))
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			fail("max_length", fmt.Sprintf("%s must be at most %d characters", f.Name, f.MaxLength))
		}
	}

	return results
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && s == ""
}
