package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresConstraintNames(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"foreign key", pgForeignKeyName("org_office", "organisation_id"), "org_office_organisation_id_fkey"},
		{"unique", pgUniqueName("org_office", "code"), "org_office_code_key"},
		{"both long", pgForeignKeyName(strings.Repeat("t", 40), strings.Repeat("f", 40)),
			strings.Repeat("t", 29) + "_" + strings.Repeat("f", 28) + "_fkey"},
		{"long table", pgUniqueName(strings.Repeat("t", 70), "code"),
			strings.Repeat("t", 54) + "_code_key"},
		{"long field", pgForeignKeyName("org_office", strings.Repeat("f", 70)),
			"org_office_" + strings.Repeat("f", 47) + "_fkey"},
		{"multibyte boundary", pgUniqueName("a"+strings.Repeat("é", 40), "code"),
			"a" + strings.Repeat("é", 26) + "_code_key"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
		if len(tt.got) > pgMaxIdentLen {
			t.Errorf("%s: len = %d, exceeds %d", tt.name, len(tt.got), pgMaxIdentLen)
		}
	}
}

func TestPostgresStructuralSQL(t *testing.T) {
	ctx := context.Background()
	p := &postgresDialect{schema: "app"}
	tbl := TableDescriptor{Name: "org_office", Fields: []Field{{Name: "id", Type: typeID}, {Name: "organisation_id", Type: typeInteger}}}

	stmts, err := p.SetOnDeleteSQL(ctx, nil, tbl, "organisation_id", ForeignRef{Table: "org_organisation", OnDelete: "SET NULL"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ALTER TABLE app.org_office DROP CONSTRAINT org_office_organisation_id_fkey",
		"ALTER TABLE app.org_office ADD CONSTRAINT org_office_organisation_id_fkey FOREIGN KEY (organisation_id) REFERENCES app.org_organisation(id) ON DELETE SET NULL",
	}
	if len(stmts) != 2 || stmts[0] != want[0] || stmts[1] != want[1] {
		t.Errorf("SetOnDeleteSQL() =\n  %q\nwant\n  %q", stmts, want)
	}

	tests := []struct {
		name string
		fn   func(context.Context, queryer, TableDescriptor, string) ([]string, error)
		want string
	}{
		{"add not-null", p.AddNotNullSQL, "ALTER TABLE app.org_office ALTER COLUMN organisation_id SET NOT NULL"},
		{"drop not-null", p.DropNotNullSQL, "ALTER TABLE app.org_office ALTER COLUMN organisation_id DROP NOT NULL"},
		{"drop field", p.DropFieldSQL, "ALTER TABLE app.org_office DROP COLUMN organisation_id"},
		{"drop foreign key", p.DropForeignKeySQL, "ALTER TABLE app.org_office DROP CONSTRAINT org_office_organisation_id_fkey"},
		{"drop unique", p.DropUniqueSQL, "ALTER TABLE app.org_office DROP CONSTRAINT org_office_organisation_id_key"},
		{"rename field", func(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
			return p.RenameFieldSQL(ctx, db, t, field, "Parent")
		}, `ALTER TABLE app.org_office RENAME COLUMN organisation_id TO "Parent"`},
		{"rename table", func(_ context.Context, _ queryer, t TableDescriptor, _ string) ([]string, error) {
			return p.RenameTableSQL(t, "org_branch")
		}, "ALTER TABLE app.org_office RENAME TO org_branch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, err := tt.fn(ctx, nil, tbl, "organisation_id")
			if err != nil || len(stmts) != 1 || stmts[0] != tt.want {
				t.Errorf("got %q, %v; want %q", stmts, err, tt.want)
			}
		})
	}
}

func TestPostgresQuoting(t *testing.T) {
	p := &postgresDialect{schema: "Eden"}
	if got := p.QuoteTable("user"); got != `"Eden"."user"` {
		t.Errorf("QuoteTable() = %q", got)
	}
	if got := p.Placeholder(3); got != "$3" {
		t.Errorf("Placeholder(3) = %q", got)
	}
}

func TestPostgresIsMissingObject(t *testing.T) {
	p := &postgresDialect{}
	tests := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "42704"}, true},
		{&pgconn.PgError{Code: "42703"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("42704"), false},
	}
	for _, tt := range tests {
		if got := p.IsMissingObject(tt.err); got != tt.want {
			t.Errorf("IsMissingObject(%v) = %t, want %t", tt.err, got, tt.want)
		}
	}
}

func TestPgUnquoteDefault(t *testing.T) {
	tests := []struct {
		expr, want string
	}{
		{"'abc'::character varying", "abc"},
		{"'it''s'::text", "it's"},
		{"false", "false"},
		{"0", "0"},
		{"(-1)", "-1"},
		{"now()", "now"},
		{"'2020-01-01 00:00:00'::timestamp without time zone", "2020-01-01 00:00:00"},
	}
	for _, tt := range tests {
		if got := pgUnquoteDefault(tt.expr); got != tt.want {
			t.Errorf("pgUnquoteDefault(%q) = %q, want %q", tt.expr, got, tt.want)
		}
	}
}

func TestPgDeclaredType(t *testing.T) {
	tests := map[string]string{
		"int4": typeInteger, "bool": typeBoolean, "varchar": typeString, "jsonb": typeJSON,
		"timestamptz": typeDatetime, "geometry": typeGeometry, "text": typeText, "citext": typeText,
	}
	for udt, want := range tests {
		if got := pgDeclaredType(udt); got != want {
			t.Errorf("pgDeclaredType(%q) = %q, want %q", udt, got, want)
		}
	}
}
