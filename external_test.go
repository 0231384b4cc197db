package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	if err := runCommand(ctx, []string{"sh", "-c", "echo compiled"}); err != nil {
		t.Errorf("runCommand() error: %v", err)
	}
	err := runCommand(ctx, []string{"sh", "-c", "echo broken >&2; exit 3"})
	if err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Errorf("runCommand() error = %v, want exit status 3", err)
	}
	if err := runCommand(ctx, nil); err == nil {
		t.Error("runCommand(nil) succeeded")
	}
}

func TestRoleImporter(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "imported")
	cfg := &MigrationConfig{configDir: dir}
	r := newRoleImporter(AuthorizationConfig{
		Importer:  []string{"sh", "-c", `printf '%s\n' "$0" >> "` + out + `"`},
		RoleFiles: []string{"roles/auth_roles.csv", "/abs/extra.csv"},
	}, cfg.resolvePath)

	if err := r.Import(context.Background()); err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "roles", "auth_roles.csv") + "\n/abs/extra.csv\n"
	if string(data) != want {
		t.Errorf("importer saw %q, want %q", data, want)
	}

	failing := &RoleImporter{command: []string{"false"}, files: []string{"x.csv"}}
	if err := failing.Import(context.Background()); err == nil {
		t.Error("Import() with a failing importer succeeded")
	}
}

func TestClearPermissions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db := newTestSQLite(t, dir,
		`CREATE TABLE auth_permission (id INTEGER PRIMARY KEY AUTOINCREMENT, group_id INTEGER, name TEXT)`,
		`INSERT INTO auth_permission (group_id, name) VALUES (1, 'read'), (2, 'update')`,
	)
	cache := newTestCache(t, dir, db)

	if err := clearPermissions(ctx, &sqliteDialect{}, db, cache, "auth_permission"); err != nil {
		t.Fatalf("clearPermissions() error: %v", err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM auth_permission`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d permission row(s) left", n)
	}
	if err := clearPermissions(ctx, &sqliteDialect{}, db, cache, "auth_membership"); err == nil {
		t.Error("clearPermissions() on an unknown table succeeded")
	}
}
