package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// structuralOp names a structural edit a Dialect may or may not support.
type structuralOp string

const (
	opAddNotNull     structuralOp = "add not-null"
	opDropNotNull    structuralOp = "drop not-null"
	opDropField      structuralOp = "drop field"
	opSetOnDelete    structuralOp = "set on-delete"
	opDropForeignKey structuralOp = "drop foreign key"
	opDropUnique     structuralOp = "drop unique"
	opRenameField    structuralOp = "rename field"
	opRenameTable    structuralOp = "rename table"
)

// UnsupportedOperationError is returned when an engine has no implementation
// for a structural operation. It is the only fatal structural failure.
type UnsupportedOperationError struct {
	Engine string
	Op     structuralOp
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s is not supported by the %s engine", e.Op, e.Engine)
}

// queryer is the slice of *sql.DB the migration engine needs from a store.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect abstracts the storage engines a live store can run on
// (embedded SQLite file, MySQL, PostgreSQL).
type Dialect interface {
	// Name returns a human-readable engine name ("SQLite", "MySQL", "PostgreSQL").
	Name() string

	// Open connects to the live store. The returned func releases it.
	Open(ctx context.Context, dsn string) (*sql.DB, func() error, error)

	// QuoteIdentifier quotes a table or column name, schema-qualifying tables where needed.
	QuoteIdentifier(name string) string

	// QuoteTable quotes a table name for use in statements.
	QuoteTable(name string) string

	// Placeholder returns the bind variable for the n-th (1-based) argument.
	Placeholder(n int) string

	// MapType returns the column type for a declared field.
	MapType(f Field) (string, error)

	// Introspect reads every table of the live store into descriptors.
	Introspect(ctx context.Context, db queryer) (*Schema, error)

	// Supports reports whether op has an implementation for this engine.
	Supports(op structuralOp) bool

	// CreateTableSQL and AddFieldSQL serve schema reconciliation.
	CreateTableSQL(t TableDescriptor) (string, error)
	AddFieldSQL(table string, f Field) (string, error)

	// Structural edits. A nil slice with nil error means the change is
	// descriptor-only for this engine.
	AddNotNullSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error)
	DropNotNullSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error)
	DropFieldSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error)
	SetOnDeleteSQL(ctx context.Context, db queryer, t TableDescriptor, field string, ref ForeignRef) ([]string, error)
	DropForeignKeySQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error)
	DropUniqueSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error)
	RenameFieldSQL(ctx context.Context, db queryer, t TableDescriptor, field, name string) ([]string, error)
	RenameTableSQL(t TableDescriptor, name string) ([]string, error)

	// IsMissingObject reports whether err means the column, index or
	// constraint targeted by a statement is already gone.
	IsMissingObject(err error) bool
}

// newDialect returns a Dialect implementation for the configured engine.
func newDialect(engine, pgSchema string) (Dialect, error) {
	switch normalizeEngine(engine) {
	case "sqlite":
		return &sqliteDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	case "postgres":
		if pgSchema == "" {
			pgSchema = "public"
		}
		return &postgresDialect{schema: pgSchema}, nil
	default:
		return nil, fmt.Errorf("unsupported engine %q (must be sqlite, mysql or postgres)", engine)
	}
}

// normalizeEngine folds the accepted engine aliases onto sqlite, mysql and postgres.
func normalizeEngine(engine string) string {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "sqlite", "sqlite3", "embedded-file":
		return "sqlite"
	case "mysql", "server-a":
		return "mysql"
	case "postgres", "postgresql", "server-b":
		return "postgres"
	}
	return ""
}

// placeholders returns n bind variables starting at start.
func placeholders(d Dialect, start, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = d.Placeholder(start + i)
	}
	return out
}

func quotedColumnList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// sqlDefault renders a declared default as a SQL literal.
func sqlDefault(f Field) string {
	if f.Default == nil {
		return ""
	}
	v := *f.Default
	switch {
	case f.isBoolean():
		if b, ok := toBool(v); ok {
			if b {
				return "TRUE"
			}
			return "FALSE"
		}
		return "NULL"
	case f.isNumeric():
		if isNumericLiteral(v) {
			return v
		}
		return "NULL"
	}
	return sqlLiteral(v)
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	hasDot := false
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
	}
	if start >= len(s) {
		return false
	}
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// columnDefinition renders "name type [NOT NULL] [UNIQUE] [DEFAULT x]" for
// CREATE TABLE and ADD COLUMN. Primary keys are rendered by MapType.
func columnDefinition(d Dialect, f Field, withDefault bool) (string, error) {
	colType, err := d.MapType(f)
	if err != nil {
		return "", fmt.Errorf("field %s: %w", f.Name, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", d.QuoteIdentifier(f.Name), colType)
	if f.Type == typeID {
		return b.String(), nil
	}
	if f.NotNull {
		b.WriteString(" NOT NULL")
	}
	if f.Unique {
		b.WriteString(" UNIQUE")
	}
	if withDefault && f.Default != nil {
		fmt.Fprintf(&b, " DEFAULT %s", sqlDefault(f))
	}
	return b.String(), nil
}

// createTableSQL is shared by the dialects: columns first, then one
// constraint per foreign key.
func createTableSQL(d Dialect, t TableDescriptor, refClause func(f Field) string) (string, error) {
	var lines []string
	for _, f := range t.Fields {
		def, err := columnDefinition(d, f, true)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		lines = append(lines, "  "+def)
	}
	for _, f := range t.Fields {
		if f.Ref != nil {
			lines = append(lines, "  "+refClause(f))
		}
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", d.QuoteTable(t.Name), strings.Join(lines, ",\n")), nil
}

func onDeleteClause(action string) string {
	if action == "" {
		return ""
	}
	return " ON DELETE " + action
}

func refField(f Field) string {
	if f.Ref != nil && f.Ref.Field != "" {
		return f.Ref.Field
	}
	return "id"
}
