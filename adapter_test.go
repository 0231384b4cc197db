package main

import (
	"context"
	"errors"
	"os"
	"testing"
)

// permissiveDialect claims every operation and emits a statement the store
// rejects, to exercise the failure path.
type permissiveDialect struct {
	*sqliteDialect
}

func (permissiveDialect) Supports(structuralOp) bool { return true }

func (permissiveDialect) DropUniqueSQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{"ALTER TABLE " + t.Name + " DROP CONSTRAINT " + field + "_key"}, nil
}

func (permissiveDialect) DropForeignKeySQL(context.Context, queryer, TableDescriptor, string) ([]string, error) {
	return nil, errors.New("no foreign key found")
}

func (permissiveDialect) SetOnDeleteSQL(_ context.Context, _ queryer, t TableDescriptor, field string, ref ForeignRef) ([]string, error) {
	return []string{"ALTER TABLE " + t.Name + " ALTER " + field + " ON DELETE " + ref.OnDelete}, nil
}

func adapterFixture(t *testing.T) (*DialectAdapter, *SchemaCache, queryer) {
	t.Helper()
	dir := t.TempDir()
	db := newTestSQLite(t, dir,
		`CREATE TABLE org_organisation (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, obsolete TEXT)`,
		`CREATE TABLE org_office (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code CHAR(10) UNIQUE,
			organisation_id INTEGER REFERENCES org_organisation(id),
			obsolete TEXT
		)`,
		`CREATE TABLE gis_location (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`,
	)
	cache := newTestCache(t, dir, db)
	return newDialectAdapter(&sqliteDialect{}, db, cache), cache, db
}

func TestAddNotNullUnsupportedOnSQLite(t *testing.T) {
	ctx := context.Background()
	a, cache, _ := adapterFixture(t)
	before, _ := cache.Table("org_office")

	for _, tf := range []TableField{{"org_office", "code"}, {"org_office", "missing"}, {"no_such_table", "x"}, {allTables, "obsolete"}} {
		err := a.AddNotNull(ctx, tf.Table, tf.Field)
		var unsupported *UnsupportedOperationError
		if !errors.As(err, &unsupported) {
			t.Errorf("AddNotNull(%s) error = %v, want UnsupportedOperationError", tf, err)
			continue
		}
		if unsupported.Op != opAddNotNull || unsupported.Engine != "SQLite" {
			t.Errorf("AddNotNull(%s) error = %+v", tf, unsupported)
		}
	}
	if err := a.SetOnDelete(ctx, "org_office", "organisation_id", "org_organisation", "CASCADE"); err == nil {
		t.Error("SetOnDelete() on SQLite succeeded")
	}
	if after, _ := cache.Table("org_office"); len(after.Fields) != len(before.Fields) {
		t.Error("descriptor changed by unsupported operation")
	}
}

func TestDropFieldIdempotent(t *testing.T) {
	ctx := context.Background()
	a, cache, _ := adapterFixture(t)

	for i := 0; i < 2; i++ {
		resetWarnings()
		if err := a.DropField(ctx, "org_office", "obsolete"); err != nil {
			t.Fatalf("DropField() call %d error: %v", i+1, err)
		}
		if n := resetWarnings(); n != 0 {
			t.Errorf("DropField() call %d logged %d warning(s)", i+1, n)
		}
		office, _ := cache.Table("org_office")
		if office.HasField("obsolete") {
			t.Fatalf("obsolete present after call %d", i+1)
		}
		if want := 3; len(office.Fields) != want {
			t.Errorf("after call %d: %d fields, want %d", i+1, len(office.Fields), want)
		}
	}
}

func TestDropFieldAllExpansion(t *testing.T) {
	ctx := context.Background()
	a, cache, _ := adapterFixture(t)

	if err := a.DropField(ctx, allTables, "obsolete"); err != nil {
		t.Fatalf("DropField(all) error: %v", err)
	}
	if got := cache.TablesWithField("obsolete"); len(got) != 0 {
		t.Errorf("tables still carrying obsolete: %v", got)
	}
	loc, _ := cache.Table("gis_location")
	if len(loc.Fields) != 2 {
		t.Errorf("gis_location touched: %+v", loc)
	}
	if err := a.DropField(ctx, allTables, "obsolete"); err != nil {
		t.Errorf("DropField(all) with no carriers: %v", err)
	}
}

func TestFailedStatementStillUpdatesDescriptor(t *testing.T) {
	ctx := context.Background()
	_, cache, db := adapterFixture(t)
	a := newDialectAdapter(permissiveDialect{&sqliteDialect{}}, db, cache)

	resetWarnings()
	if err := a.DropUnique(ctx, "org_office", "code"); err != nil {
		t.Fatalf("DropUnique() error: %v", err)
	}
	if n := resetWarnings(); n != 1 {
		t.Errorf("warnings = %d, want 1", n)
	}
	code, _ := mustTable(t, cache, "org_office").Field("code")
	if code.Unique {
		t.Error("code still unique in the cache")
	}

	if err := a.DropForeignKey(ctx, "org_office", "organisation_id"); err != nil {
		t.Fatalf("DropForeignKey() error: %v", err)
	}
	if n := resetWarnings(); n != 1 {
		t.Errorf("warnings = %d, want 1", n)
	}
	org, _ := mustTable(t, cache, "org_office").Field("organisation_id")
	if org.Ref != nil {
		t.Errorf("organisation_id ref = %+v, want nil", org.Ref)
	}

	if err := a.SetOnDelete(ctx, "org_office", "code", "org_organisation", "SET NULL"); err != nil {
		t.Fatalf("SetOnDelete() error: %v", err)
	}
	code, _ = mustTable(t, cache, "org_office").Field("code")
	if code.Ref == nil || code.Ref.Table != "org_organisation" || code.Ref.OnDelete != "SET NULL" {
		t.Errorf("code ref = %+v", code.Ref)
	}
	resetWarnings()

	if err := a.SetOnDelete(ctx, "org_office", "code", "nowhere", "CASCADE"); err != nil {
		t.Fatalf("SetOnDelete(unknown ref) error: %v", err)
	}
	if n := resetWarnings(); n != 1 {
		t.Errorf("unknown referenced table: warnings = %d, want 1", n)
	}
}

func TestRenameField(t *testing.T) {
	ctx := context.Background()
	a, cache, db := adapterFixture(t)

	for i := 0; i < 2; i++ {
		resetWarnings()
		if err := a.RenameField(ctx, "org_organisation", "id", "org_id"); err != nil {
			t.Fatalf("RenameField() call %d error: %v", i+1, err)
		}
		if n := resetWarnings(); n != 0 {
			t.Errorf("RenameField() call %d logged %d warning(s)", i+1, n)
		}
	}
	if _, err := db.ExecContext(ctx, `SELECT org_id FROM org_organisation`); err != nil {
		t.Errorf("live column not renamed: %v", err)
	}
	org := mustTable(t, cache, "org_organisation")
	if org.HasField("id") || org.Fields[0].Name != "org_id" || org.Fields[0].Type != typeID {
		t.Errorf("org_organisation fields = %v", org.FieldNames())
	}
	ref, _ := mustTable(t, cache, "org_office").Field("organisation_id")
	if ref.Ref == nil || ref.Ref.Field != "org_id" {
		t.Errorf("organisation_id ref = %+v, want field org_id", ref.Ref)
	}

	if err := a.RenameField(ctx, "org_organisation", "name", "obsolete"); err != nil {
		t.Fatalf("RenameField(onto existing) error: %v", err)
	}
	if n := resetWarnings(); n == 0 {
		t.Error("renaming onto an existing field logged no warning")
	}
	if org := mustTable(t, cache, "org_organisation"); !org.HasField("name") || !org.HasField("obsolete") {
		t.Errorf("fields after refused rename = %v", org.FieldNames())
	}

	if err := a.RenameField(ctx, allTables, "obsolete", "legacy"); err != nil {
		t.Fatalf("RenameField(all) error: %v", err)
	}
	if got, want := cache.TablesWithField("legacy"), []string{"org_office", "org_organisation"}; len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("tables with legacy = %v, want %v", got, want)
	}
}

func TestRenameTable(t *testing.T) {
	ctx := context.Background()
	a, cache, db := adapterFixture(t)
	oldArtifact := cache.artifactPath("org_organisation")

	for i := 0; i < 2; i++ {
		resetWarnings()
		if err := a.RenameTable(ctx, "org_organisation", "org_group"); err != nil {
			t.Fatalf("RenameTable() call %d error: %v", i+1, err)
		}
		if n := resetWarnings(); n != 0 {
			t.Errorf("RenameTable() call %d logged %d warning(s)", i+1, n)
		}
	}
	if _, err := db.ExecContext(ctx, `SELECT name FROM org_group`); err != nil {
		t.Errorf("live table not renamed: %v", err)
	}
	if _, ok := cache.Table("org_organisation"); ok {
		t.Error("old descriptor still cached")
	}
	if _, err := os.Stat(oldArtifact); !os.IsNotExist(err) {
		t.Errorf("old artifact still on disk: %v", err)
	}
	if g := mustTable(t, cache, "org_group"); !g.HasField("obsolete") {
		t.Errorf("org_group fields = %v", g.FieldNames())
	}
	ref, _ := mustTable(t, cache, "org_office").Field("organisation_id")
	if ref.Ref == nil || ref.Ref.Table != "org_group" {
		t.Errorf("organisation_id ref = %+v, want org_group", ref.Ref)
	}

	if err := a.RenameTable(ctx, "org_office", "gis_location"); err != nil {
		t.Fatalf("RenameTable(onto existing) error: %v", err)
	}
	if n := resetWarnings(); n != 1 {
		t.Errorf("renaming onto an existing table: warnings = %d, want 1", n)
	}
	mustTable(t, cache, "org_office")
}

func mustTable(t *testing.T, cache *SchemaCache, name string) TableDescriptor {
	t.Helper()
	tbl, ok := cache.Table(name)
	if !ok {
		t.Fatalf("table %s not cached", name)
	}
	return tbl
}
