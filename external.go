package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// runCommand runs an operator-configured command, sending its output to the
// log one line at a time.
func runCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			log.Printf("    | %s", line)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
	}
	return nil
}

// RoleImporter reseeds authorization roles from packaged role files.
type RoleImporter struct {
	command []string
	files   []string
}

func newRoleImporter(cfg AuthorizationConfig, resolve func(string) string) *RoleImporter {
	files := make([]string, len(cfg.RoleFiles))
	for i, f := range cfg.RoleFiles {
		files[i] = resolve(f)
	}
	return &RoleImporter{command: cfg.Importer, files: files}
}

// Import runs the importer once per role file, the file path appended as the
// last argument.
func (r *RoleImporter) Import(ctx context.Context) error {
	for _, f := range r.files {
		argv := append(append([]string{}, r.command...), f)
		log.Printf("  importing roles from %s", f)
		if err := runCommand(ctx, argv); err != nil {
			return fmt.Errorf("import roles: %w", err)
		}
	}
	return nil
}

// clearPermissions deletes every row of the permission table so the importer
// starts from nothing.
func clearPermissions(ctx context.Context, d Dialect, db queryer, cache *SchemaCache, table string) error {
	if _, err := knownColumns(cache, table); err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}
	res, err := db.ExecContext(ctx, "DELETE FROM "+d.QuoteTable(table))
	if err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Printf("  cleared %d permission row(s) from %s", n, table)
	}
	return nil
}
