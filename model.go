package main

// Declared field types understood by every dialect.
const (
	typeID       = "id"
	typeString   = "string"
	typeText     = "text"
	typeInteger  = "integer"
	typeBoolean  = "boolean"
	typeDouble   = "double"
	typeDate     = "date"
	typeTime     = "time"
	typeDatetime = "datetime"
	typeJSON     = "json"
	typeBlob     = "blob"
	typeGeometry = "geometry"
)

const defaultStringLength = 512

// ForeignRef describes the table a field references and its ON DELETE action.
type ForeignRef struct {
	Table    string `toml:"table" yaml:"table"`
	Field    string `toml:"field,omitempty" yaml:"field"`
	OnDelete string `toml:"ondelete,omitempty" yaml:"ondelete"`
}

// Field is a single column of a TableDescriptor.
type Field struct {
	Name    string      `toml:"name" yaml:"name"`
	Type    string      `toml:"type" yaml:"type"`
	Length  int         `toml:"length,omitempty" yaml:"length"`
	NotNull bool        `toml:"notnull,omitempty" yaml:"notnull"`
	Unique  bool        `toml:"unique,omitempty" yaml:"unique"`
	Default *string     `toml:"default,omitempty" yaml:"default"`
	Ref     *ForeignRef `toml:"references,omitempty" yaml:"references"`
}

// TableDescriptor holds a table's ordered fields. It is treated as an
// immutable value: edits return a new descriptor.
type TableDescriptor struct {
	Name   string  `toml:"name" yaml:"name"`
	Fields []Field `toml:"fields" yaml:"fields"`
}

// Schema holds every known table.
type Schema struct {
	Tables []TableDescriptor
}

func (t TableDescriptor) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (t TableDescriptor) HasField(name string) bool {
	_, ok := t.Field(name)
	return ok
}

func (t TableDescriptor) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// PrimaryKey returns the name of the first id-typed field, or "id".
func (t TableDescriptor) PrimaryKey() string {
	for _, f := range t.Fields {
		if f.Type == typeID {
			return f.Name
		}
	}
	return "id"
}

// WithoutField returns a copy of t with the named field removed.
func (t TableDescriptor) WithoutField(name string) TableDescriptor {
	out := TableDescriptor{Name: t.Name, Fields: make([]Field, 0, len(t.Fields))}
	for _, f := range t.Fields {
		if f.Name == name {
			continue
		}
		out.Fields = append(out.Fields, f.clone())
	}
	return out
}

// ReplaceField returns a copy of t with f substituted for the field of the
// same name, or appended when t has no such field.
func (t TableDescriptor) ReplaceField(f Field) TableDescriptor {
	out := t.clone()
	for i := range out.Fields {
		if out.Fields[i].Name == f.Name {
			out.Fields[i] = f.clone()
			return out
		}
	}
	out.Fields = append(out.Fields, f.clone())
	return out
}

// RenameField returns a copy of t with the field named old called name,
// keeping its position and every other property.
func (t TableDescriptor) RenameField(old, name string) TableDescriptor {
	out := t.clone()
	for i := range out.Fields {
		if out.Fields[i].Name == old {
			out.Fields[i].Name = name
		}
	}
	return out
}

// references lists the distinct tables t points at, excluding itself.
func (t TableDescriptor) references() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, f := range t.Fields {
		if f.Ref == nil || f.Ref.Table == t.Name || seen[f.Ref.Table] {
			continue
		}
		seen[f.Ref.Table] = true
		refs = append(refs, f.Ref.Table)
	}
	return refs
}

func (t TableDescriptor) clone() TableDescriptor {
	out := TableDescriptor{Name: t.Name, Fields: make([]Field, len(t.Fields))}
	for i, f := range t.Fields {
		out.Fields[i] = f.clone()
	}
	return out
}

func (f Field) clone() Field {
	out := f
	if f.Default != nil {
		d := *f.Default
		out.Default = &d
	}
	if f.Ref != nil {
		r := *f.Ref
		out.Ref = &r
	}
	return out
}

func (f Field) isBoolean() bool { return f.Type == typeBoolean }

func (f Field) isNumeric() bool {
	switch f.Type {
	case typeID, typeInteger, typeDouble:
		return true
	}
	return false
}
