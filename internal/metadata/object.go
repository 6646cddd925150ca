package metadata

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type Index struct {
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []string `json:"fields" yaml:"fields"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Object is the declarative definition of an entity: its fields,
// validation rules, indexes and owning datasource. Immutable once
// registered; replaced wholesale by re-registration.
type Object struct {
	Name       string           `json:"name" yaml:"name"`
	Label      string           `json:"label,omitempty" yaml:"label,omitempty"`
	Datasource string           `json:"datasource,omitempty" yaml:"datasource,omitempty"`
	Table      string           `json:"table,omitempty" yaml:"table,omitempty"`
	Fields     FieldList        `json:"fields" yaml:"fields"`
	Rules      []ValidationRule `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
	Indexes    []Index          `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// FieldList decodes from either a YAML sequence of field definitions or a
// mapping keyed by field name. Mapping keys become the field name when the
// definition omits one, preserving declaration order.
type FieldList []Field

func (fl *FieldList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var fields []Field
		if err := node.Decode(&fields); err != nil {
			return err
		}
		*fl = fields
		return nil
	case yaml.MappingNode:
		fields := make([]Field, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var f Field
			if err := node.Content[i+1].Decode(&f); err != nil {
				return fmt.Errorf("field %s: %w", node.Content[i].Value, err)
			}
			if f.Name == "" {
				f.Name = node.Content[i].Value
			}
			fields = append(fields, f)
		}
		*fl = fields
		return nil
	default:
		return fmt.Errorf("fields must be a sequence or mapping")
	}
}

// GetField returns a pointer to the field with the given name, or nil.
func (o *Object) GetField(name string) *Field {
	for i := range o.Fields {
		if o.Fields[i].Name == name {
			return &o.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the object has a field with the given name.
func (o *Object) HasField(name string) bool {
	return o.GetField(name) != nil
}

// FieldNames returns all field names in declaration order.
func (o *Object) FieldNames() []string {
	names := make([]string, len(o.Fields))
	for i, f := range o.Fields {
		names[i] = f.Name
	}
	return names
}

// FormulaFields returns the computed fields of the object.
func (o *Object) FormulaFields() []Field {
	var fields []Field
	for _, f := range o.Fields {
		if f.IsFormula() {
			fields = append(fields, f)
		}
	}
	return fields
}

// StoredFields returns fields persisted by the driver. Formula fields are
// computed at read time and never written.
func (o *Object) StoredFields() []Field {
	var fields []Field
	for _, f := range o.Fields {
		if !f.IsFormula() {
			fields = append(fields, f)
		}
	}
	return fields
}

// TableName returns the physical collection/table name, defaulting to the
// object name.
func (o *Object) TableName() string {
	if o.Table != "" {
		return o.Table
	}
	return o.Name
}

// Validate checks the object definition: a name, at least one field, valid
// field definitions and well-formed rules.
func (o *Object) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("object has no name")
	}
	if len(o.Fields) == 0 {
		return fmt.Errorf("object %s has no fields", o.Name)
	}
	seen := make(map[string]bool, len(o.Fields))
	for _, f := range o.Fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("object %s: %w", o.Name, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("object %s: duplicate field %s", o.Name, f.Name)
		}
		seen[f.Name] = true
	}
	for i := range o.Rules {
		if err := o.Rules[i].Validate(); err != nil {
			return fmt.Errorf("object %s: %w", o.Name, err)
		}
	}
	return nil
}
