package metadata

import "fmt"

// Field types understood by the pipeline.
const (
	TypeText     = "text"
	TypeTextarea = "textarea"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeDate     = "date"
	TypeDatetime = "datetime"
	TypeSelect   = "select"
	TypeLookup   = "lookup"
	TypeEmail    = "email"
	TypeURL      = "url"
	TypeJSON     = "json"
	TypeFormula  = "formula"
)

type Field struct {
	Name      string   `json:"name" yaml:"name"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Type      string   `json:"type" yaml:"type"`
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Unique    bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength int      `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Options   []string `json:"options,omitempty" yaml:"options,omitempty"`
	Default   any      `json:"default,omitempty" yaml:"default,omitempty"`

	// Lookup fields reference another object.
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`

	// Formula fields carry an expression and a declared result type.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	ResultType string `json:"result_type,omitempty" yaml:"result_type,omitempty"`
}

// IsFormula returns true if the field is computed at read time.
func (f Field) IsFormula() bool {
	return f.Type == TypeFormula
}

// IsNumeric returns true for number-valued fields.
func (f Field) IsNumeric() bool {
	return f.Type == TypeNumber || (f.Type == TypeFormula && f.ResultType == TypeNumber)
}

// Validate checks that the field definition is internally consistent.
func (f Field) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("field has no name")
	}
	if f.Type == "" {
		return fmt.Errorf("field %s has no type", f.Name)
	}
	if f.Type == TypeFormula && f.Expression == "" {
		return fmt.Errorf("formula field %s has no expression", f.Name)
	}
	if f.Type == TypeLookup && f.Reference == "" {
		return fmt.Errorf("lookup field %s has no reference object", f.Name)
	}
	return nil
}
