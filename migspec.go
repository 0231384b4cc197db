package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MigrationSpec is the declarative description of one migration run. It is
// loaded once and not modified afterwards.
type MigrationSpec struct {
	Moves          []MoveSpec
	News           []ConsolidationTarget
	OnDeletes      []OnDeleteSpec
	StrBools       []TableField
	StrInts        []TableField
	AddNotNulls    []TableField
	RemoveNotNulls []TableField
	RemoveForeigns []TableField
	RemoveUniques  []TableField
	RenameFields   []FieldRename
	RenameTables   []TableRename
}

// FieldRename renames Field of Table to NewField. Table may be "all".
type FieldRename struct {
	Table    string
	Field    string
	NewField string
}

// TableRename renames Table to NewTable.
type TableRename struct {
	Table    string
	NewTable string
}

// TableField names one field of one table. Table may be "all" where the
// list allows it.
type TableField struct {
	Table string
	Field string
}

func (tf TableField) String() string { return tf.Table + "." + tf.Field }

// MoveSpec relocates Field of Table onto the DestTable rows whose
// DestLinkField equals the source row's LinkField.
type MoveSpec struct {
	Table         string `toml:"table" yaml:"table"`
	Field         string `toml:"field" yaml:"field"`
	NewField      string `toml:"new_field" yaml:"new_field"`
	DestTable     string `toml:"dest_table" yaml:"dest_table"`
	LinkField     string `toml:"link_field" yaml:"link_field"`
	DestLinkField string `toml:"dest_link_field" yaml:"dest_link_field"`
}

// ConsolidationTarget synthesizes rows of a new table from legacy tables and
// supertype tables that share LookupField.
type ConsolidationTarget struct {
	Table       string        `toml:"table" yaml:"table"`
	LookupField string        `toml:"lookup_field" yaml:"lookup_field"`
	Sources     []FieldSource `toml:"sources" yaml:"sources"`
	Supers      []FieldSource `toml:"supers" yaml:"supers"`
}

// FieldSource lists the fields a table contributes. A field written as
// "old:new" is read as old and written as new.
type FieldSource struct {
	Table  string   `toml:"table" yaml:"table"`
	Fields []string `toml:"fields" yaml:"fields"`
}

type fieldMapping struct {
	From, To string
}

func (s FieldSource) mappings() []fieldMapping {
	out := make([]fieldMapping, len(s.Fields))
	for i, f := range s.Fields {
		from, to, ok := strings.Cut(f, ":")
		if !ok {
			to = from
		}
		out[i] = fieldMapping{From: strings.TrimSpace(from), To: strings.TrimSpace(to)}
	}
	return out
}

// OnDeleteSpec changes the ON DELETE action of Table.Field referencing RefTable.
type OnDeleteSpec struct {
	Table    string
	Field    string
	RefTable string
	Action   string
}

var onDeleteActions = map[string]bool{
	"CASCADE":     true,
	"SET NULL":    true,
	"SET DEFAULT": true,
	"RESTRICT":    true,
	"NO ACTION":   true,
}

// migrationSpecFile is the on-disk shape; pair lists are plain string arrays.
type migrationSpecFile struct {
	Moves          []MoveSpec            `toml:"moves" yaml:"moves"`
	News           []ConsolidationTarget `toml:"news" yaml:"news"`
	OnDeletes      [][]string            `toml:"ondeletes" yaml:"ondeletes"`
	StrBools       [][]string            `toml:"strbools" yaml:"strbools"`
	StrInts        [][]string            `toml:"strints" yaml:"strints"`
	AddNotNulls    [][]string            `toml:"add_notnulls" yaml:"add_notnulls"`
	RemoveNotNulls [][]string            `toml:"remove_notnulls" yaml:"remove_notnulls"`
	RemoveForeigns [][]string            `toml:"remove_foreigns" yaml:"remove_foreigns"`
	RemoveUniques  [][]string            `toml:"remove_uniques" yaml:"remove_uniques"`
	RenameFields   [][]string            `toml:"rename_fields" yaml:"rename_fields"`
	RenameTables   [][]string            `toml:"rename_tables" yaml:"rename_tables"`
}

// loadMigrationSpec reads a MigrationSpec from a TOML file, or from YAML when
// the extension is .yaml or .yml.
func loadMigrationSpec(path string) (*MigrationSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}

	var raw migrationSpecFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse spec: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &raw)
		if err != nil {
			return nil, fmt.Errorf("parse spec: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown spec keys: %s", strings.Join(keys, ", "))
		}
	}
	return raw.build()
}

func (raw migrationSpecFile) build() (*MigrationSpec, error) {
	spec := &MigrationSpec{Moves: raw.Moves, News: raw.News}

	for i := range spec.Moves {
		m := &spec.Moves[i]
		if m.NewField == "" {
			m.NewField = m.Field
		}
		if m.DestLinkField == "" {
			m.DestLinkField = m.LinkField
		}
		for _, id := range []string{m.Table, m.Field, m.NewField, m.DestTable, m.LinkField, m.DestLinkField} {
			if !validIdent(id) {
				return nil, fmt.Errorf("moves[%d]: invalid identifier %q", i, id)
			}
		}
	}

	for i, n := range spec.News {
		if !validIdent(n.Table) || !validIdent(n.LookupField) {
			return nil, fmt.Errorf("news[%d]: table and lookup_field must be identifiers", i)
		}
		if len(n.Sources)+len(n.Supers) == 0 {
			return nil, fmt.Errorf("news[%d] (%s): at least one source or super is required", i, n.Table)
		}
		for _, src := range append(append([]FieldSource{}, n.Sources...), n.Supers...) {
			if !validIdent(src.Table) {
				return nil, fmt.Errorf("news[%d] (%s): invalid table %q", i, n.Table, src.Table)
			}
			for _, m := range src.mappings() {
				if !validIdent(m.From) || !validIdent(m.To) {
					return nil, fmt.Errorf("news[%d] (%s): invalid field %q in %s", i, n.Table, m.From+":"+m.To, src.Table)
				}
			}
		}
	}

	for i, row := range raw.OnDeletes {
		if len(row) != 4 {
			return nil, fmt.Errorf("ondeletes[%d]: want [table, field, ref_table, action], got %d values", i, len(row))
		}
		od := OnDeleteSpec{Table: row[0], Field: row[1], RefTable: row[2], Action: strings.ToUpper(strings.TrimSpace(row[3]))}
		if !validIdent(od.Table) || !validIdent(od.Field) || !validIdent(od.RefTable) {
			return nil, fmt.Errorf("ondeletes[%d]: invalid identifier in %v", i, row)
		}
		if !onDeleteActions[od.Action] {
			return nil, fmt.Errorf("ondeletes[%d]: unsupported action %q (must be CASCADE, SET NULL, SET DEFAULT, RESTRICT or NO ACTION)", i, row[3])
		}
		spec.OnDeletes = append(spec.OnDeletes, od)
	}

	for i, row := range raw.RenameFields {
		if len(row) != 3 {
			return nil, fmt.Errorf("rename_fields[%d]: want [table, field, new_field], got %d values", i, len(row))
		}
		if !validIdent(row[0]) || !validIdent(row[1]) || !validIdent(row[2]) {
			return nil, fmt.Errorf("rename_fields[%d]: invalid identifier in %v", i, row)
		}
		spec.RenameFields = append(spec.RenameFields, FieldRename{Table: row[0], Field: row[1], NewField: row[2]})
	}

	for i, row := range raw.RenameTables {
		if len(row) != 2 {
			return nil, fmt.Errorf("rename_tables[%d]: want [table, new_table], got %d values", i, len(row))
		}
		if row[0] == allTables || row[1] == allTables || !validIdent(row[0]) || !validIdent(row[1]) {
			return nil, fmt.Errorf("rename_tables[%d]: invalid table in %v", i, row)
		}
		spec.RenameTables = append(spec.RenameTables, TableRename{Table: row[0], NewTable: row[1]})
	}

	lists := []struct {
		name     string
		in       [][]string
		out      *[]TableField
		allowAll bool
	}{
		{"strbools", raw.StrBools, &spec.StrBools, false},
		{"strints", raw.StrInts, &spec.StrInts, false},
		{"add_notnulls", raw.AddNotNulls, &spec.AddNotNulls, true},
		{"remove_notnulls", raw.RemoveNotNulls, &spec.RemoveNotNulls, true},
		{"remove_foreigns", raw.RemoveForeigns, &spec.RemoveForeigns, true},
		{"remove_uniques", raw.RemoveUniques, &spec.RemoveUniques, true},
	}
	for _, l := range lists {
		for i, row := range l.in {
			if len(row) != 2 {
				return nil, fmt.Errorf("%s[%d]: want [table, field], got %d values", l.name, i, len(row))
			}
			tf := TableField{Table: row[0], Field: row[1]}
			if tf.Table == allTables && !l.allowAll {
				return nil, fmt.Errorf("%s[%d]: %q is not allowed here", l.name, i, allTables)
			}
			if !validIdent(tf.Table) || !validIdent(tf.Field) {
				return nil, fmt.Errorf("%s[%d]: invalid identifier in %v", l.name, i, row)
			}
			*l.out = append(*l.out, tf)
		}
	}
	return spec, nil
}

// hasTransforms reports whether post has anything to read from a snapshot.
func (s *MigrationSpec) hasTransforms() bool {
	return len(s.Moves)+len(s.News)+len(s.StrBools)+len(s.StrInts) > 0
}

// snapshotTables lists, in first-seen order, the tables the transforms read
// from the snapshot. Supertype instance tables are resolved by the snapshot
// manager since they depend on live data.
func (s *MigrationSpec) snapshotTables() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, m := range s.Moves {
		add(m.Table)
	}
	for _, n := range s.News {
		for _, src := range n.Sources {
			add(src.Table)
		}
		for _, sup := range n.Supers {
			add(sup.Table)
		}
	}
	for _, tf := range s.StrBools {
		add(tf.Table)
	}
	for _, tf := range s.StrInts {
		add(tf.Table)
	}
	return out
}

// retypedFields are dropped during prepare so migrate re-creates them.
func (s *MigrationSpec) retypedFields() []TableField {
	out := make([]TableField, 0, len(s.StrBools)+len(s.StrInts))
	out = append(out, s.StrBools...)
	return append(out, s.StrInts...)
}
