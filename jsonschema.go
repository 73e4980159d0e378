package parquedb

import (
	"fmt"

	jsonschema "github.com/google/jsonschema-go/jsonschema"
)

// FieldSchema describes one attribute of a collection schema.
type FieldSchema struct {
	Name     string
	Type     string // "string", "integer", "number", "boolean", "array", "object", "null"
	Required bool
	Items    *FieldSchema
	Relation *RelationField // non-nil when this field holds a reference (§3 "Relationship edge")
}

// RelationField marks a field as a relationship edge to another collection.
type RelationField struct {
	TargetCollection string
	Array            bool // true when the field holds an array of references
}

// Schema is the versioned shape of a collection, embedded in commit snapshots
// (§4.9). Validate checks a document against it; no create/update path in
// this module calls Validate.
type Schema struct {
	Collection string
	Version    int
	Fields     map[string]*FieldSchema

	resolved *jsonschema.Resolved
}

// Compile builds the validator backing Validate. Called once per Schema
// (cached by the schema attribute cache, see internal/schemacache).
func (s *Schema) Compile() error {
	js := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema),
	}
	for name, f := range s.Fields {
		js.Properties[name] = fieldToJSONSchema(f)
		if f.Required {
			js.Required = append(js.Required, name)
		}
	}
	resolved, err := js.Resolve(nil)
	if err != nil {
		return NewInvariantError(fmt.Sprintf("compile schema %s: %v", s.Collection, err))
	}
	s.resolved = resolved
	return nil
}

func fieldToJSONSchema(f *FieldSchema) *jsonschema.Schema {
	js := &jsonschema.Schema{Type: f.Type}
	if f.Type == "array" && f.Items != nil {
		js.Items = fieldToJSONSchema(f.Items)
	}
	return js
}

// Validate checks doc against the compiled schema, returning a *Error of type
// ErrorTypeInvariant describing the first violation.
func (s *Schema) Validate(doc map[string]any) error {
	if s.resolved == nil {
		if err := s.Compile(); err != nil {
			return err
		}
	}
	if err := s.resolved.Validate(doc); err != nil {
		return NewInvariantError(fmt.Sprintf("document violates schema %s v%d: %v", s.Collection, s.Version, err))
	}
	return nil
}

// SchemaDiff is DiffSchema's comparison of two schema versions and whether
// the change is breaking (§4.9 schema diffing): removing a field, changing a
// field's type, or adding a new required field are breaking changes.
type SchemaDiff struct {
	Breaking     bool
	Added        []string
	Removed      []string
	TypeChanged  []string
}

func DiffSchema(oldSchema, newSchema *Schema) SchemaDiff {
	var d SchemaDiff
	for name, oldF := range oldSchema.Fields {
		newF, ok := newSchema.Fields[name]
		if !ok {
			d.Removed = append(d.Removed, name)
			d.Breaking = true
			continue
		}
		if newF.Type != oldF.Type {
			d.TypeChanged = append(d.TypeChanged, name)
			d.Breaking = true
		}
	}
	for name, newF := range newSchema.Fields {
		if _, ok := oldSchema.Fields[name]; !ok {
			d.Added = append(d.Added, name)
			if newF.Required {
				d.Breaking = true
			}
		}
	}
	return d
}
