package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const tomlSpec = `
strbools = [["org_office", "obsolete"]]
strints = [["org_office", "staff"]]
add_notnulls = [["org_organisation", "name"]]
remove_foreigns = [["all", "location_id"]]
remove_uniques = [["org_office", "code"]]
ondeletes = [["org_office", "organisation_id", "org_organisation", "set null"]]
rename_fields = [["all", "comments", "remarks"]]
rename_tables = [["org_office", "org_branch"]]

[[moves]]
table = "org_office"
field = "phone"
new_field = "phone1"
dest_table = "org_organisation"
link_field = "organisation_id"
dest_link_field = "id"

[[news]]
table = "org_facility"
lookup_field = "site_id"

  [[news.sources]]
  table = "org_office"
  fields = ["name", "comments:remarks"]

  [[news.supers]]
  table = "org_site"
  fields = ["fax"]
`

func TestLoadMigrationSpecTOML(t *testing.T) {
	spec, err := loadMigrationSpec(writeFile(t, t.TempDir(), "spec.toml", tomlSpec))
	if err != nil {
		t.Fatalf("loadMigrationSpec() error: %v", err)
	}

	if len(spec.Moves) != 1 || spec.Moves[0].NewField != "phone1" || spec.Moves[0].DestLinkField != "id" {
		t.Errorf("Moves = %+v", spec.Moves)
	}
	if len(spec.News) != 1 {
		t.Fatalf("News = %+v", spec.News)
	}
	want := []fieldMapping{{"name", "name"}, {"comments", "remarks"}}
	if got := spec.News[0].Sources[0].mappings(); !reflect.DeepEqual(got, want) {
		t.Errorf("mappings() = %v, want %v", got, want)
	}
	if od := spec.OnDeletes[0]; od.Action != "SET NULL" || od.RefTable != "org_organisation" {
		t.Errorf("OnDeletes[0] = %+v", od)
	}
	if want := []FieldRename{{"all", "comments", "remarks"}}; !reflect.DeepEqual(spec.RenameFields, want) {
		t.Errorf("RenameFields = %+v", spec.RenameFields)
	}
	if want := []TableRename{{"org_office", "org_branch"}}; !reflect.DeepEqual(spec.RenameTables, want) {
		t.Errorf("RenameTables = %+v", spec.RenameTables)
	}
	if spec.RemoveForeigns[0].Table != allTables {
		t.Errorf("RemoveForeigns = %+v", spec.RemoveForeigns)
	}
	if want := []string{"org_office", "org_site"}; !reflect.DeepEqual(spec.snapshotTables(), want) {
		t.Errorf("snapshotTables() = %v, want %v", spec.snapshotTables(), want)
	}
	if want := []TableField{{"org_office", "obsolete"}, {"org_office", "staff"}}; !reflect.DeepEqual(spec.retypedFields(), want) {
		t.Errorf("retypedFields() = %v, want %v", spec.retypedFields(), want)
	}
	if !spec.hasTransforms() {
		t.Error("hasTransforms() = false")
	}
}

func TestLoadMigrationSpecYAML(t *testing.T) {
	content := `
moves:
  - table: org_office
    field: phone
    dest_table: org_organisation
    link_field: organisation_id
strints:
  - [org_office, staff]
`
	spec, err := loadMigrationSpec(writeFile(t, t.TempDir(), "spec.yaml", content))
	if err != nil {
		t.Fatalf("loadMigrationSpec() error: %v", err)
	}
	m := spec.Moves[0]
	if m.NewField != "phone" || m.DestLinkField != "organisation_id" {
		t.Errorf("defaults not applied: %+v", m)
	}
	if len(spec.StrInts) != 1 || spec.StrInts[0].Field != "staff" {
		t.Errorf("StrInts = %+v", spec.StrInts)
	}
}

func TestLoadMigrationSpecEmpty(t *testing.T) {
	for _, name := range []string{"empty.toml", "empty.yml"} {
		spec, err := loadMigrationSpec(writeFile(t, t.TempDir(), name, ""))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if spec.hasTransforms() || len(spec.snapshotTables()) != 0 {
			t.Errorf("%s: empty spec has transforms", name)
		}
	}
}

func TestLoadMigrationSpecErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unknown toml key", "s.toml", `aliases = []`, "unknown spec keys"},
		{"unknown yaml key", "s.yaml", "aliases: []", "field aliases not found"},
		{"short rename", "s.toml", `rename_fields = [["org_office", "code"]]`, "want [table, field, new_field]"},
		{"bad new field", "s.toml", `rename_fields = [["org_office", "code", "new code"]]`, "invalid identifier"},
		{"rename all tables", "s.toml", `rename_tables = [["all", "org_branch"]]`, "invalid table"},
		{"bad action", "s.toml", `ondeletes = [["a", "b", "c", "EXPLODE"]]`, "unsupported action"},
		{"short ondelete", "s.toml", `ondeletes = [["a", "b", "c"]]`, "want [table, field, ref_table, action]"},
		{"all in strints", "s.toml", `strints = [["all", "staff"]]`, "not allowed"},
		{"bad identifier", "s.toml", `remove_uniques = [["org office", "code"]]`, "invalid identifier"},
		{"news without sources", "s.toml", "[[news]]\ntable = \"x\"\nlookup_field = \"y\"", "at least one source"},
		{"bad mapping", "s.toml", "[[news]]\ntable = \"x\"\nlookup_field = \"y\"\n[[news.sources]]\ntable = \"a\"\nfields = [\"b:c d\"]", "invalid field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrationSpec(writeFile(t, t.TempDir(), tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
