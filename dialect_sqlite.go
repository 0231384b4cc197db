package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqliteDialect is the embedded-file engine. SQLite has no ALTER TABLE for
// constraints, so the structural edits it supports are renames and dropping a
// field, the latter only at descriptor level.
type sqliteDialect struct{}

func (s *sqliteDialect) Name() string { return "SQLite" }

func (s *sqliteDialect) Open(ctx context.Context, dsn string) (*sql.DB, func() error, error) {
	db, err := openSQLite(ctx, dsn, false)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func (s *sqliteDialect) QuoteIdentifier(name string) string {
	return fmt.Sprintf("\"%s\"", strings.ReplaceAll(name, "\"", "\"\""))
}

func (s *sqliteDialect) QuoteTable(name string) string { return s.QuoteIdentifier(name) }

func (s *sqliteDialect) Placeholder(int) string { return "?" }

func (s *sqliteDialect) Supports(op structuralOp) bool {
	switch op {
	case opDropField, opRenameField, opRenameTable:
		return true
	}
	return false
}

func (s *sqliteDialect) MapType(f Field) (string, error) {
	switch f.Type {
	case typeID:
		return "INTEGER PRIMARY KEY AUTOINCREMENT", nil
	case typeString:
		return fmt.Sprintf("CHAR(%d)", fieldLength(f)), nil
	case typeText, typeJSON:
		return "TEXT", nil
	case typeInteger:
		return "INTEGER", nil
	case typeBoolean:
		return "BOOLEAN", nil
	case typeDouble:
		return "DOUBLE", nil
	case typeDate:
		return "DATE", nil
	case typeTime:
		return "TIME", nil
	case typeDatetime:
		return "TIMESTAMP", nil
	case typeBlob:
		return "BLOB", nil
	default:
		return "", fmt.Errorf("unsupported SQLite field type %q", f.Type)
	}
}

func (s *sqliteDialect) CreateTableSQL(t TableDescriptor) (string, error) {
	return createTableSQL(s, t, func(f Field) string {
		return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)%s",
			s.QuoteIdentifier(f.Name), s.QuoteTable(f.Ref.Table), s.QuoteIdentifier(refField(f)), onDeleteClause(f.Ref.OnDelete))
	})
}

func (s *sqliteDialect) AddFieldSQL(table string, f Field) (string, error) {
	// SQLite rejects ADD COLUMN ... NOT NULL without a default.
	if f.Default == nil {
		f.NotNull = false
	}
	// nor can it add a UNIQUE column.
	f.Unique = false
	def, err := columnDefinition(s, f, true)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", s.QuoteTable(table), def)
	if f.Ref != nil {
		q += fmt.Sprintf(" REFERENCES %s(%s)%s", s.QuoteTable(f.Ref.Table), s.QuoteIdentifier(refField(f)), onDeleteClause(f.Ref.OnDelete))
	}
	return q, nil
}

func (s *sqliteDialect) unsupported(op structuralOp) error {
	return &UnsupportedOperationError{Engine: s.Name(), Op: op}
}

func (s *sqliteDialect) AddNotNullSQL(context.Context, queryer, TableDescriptor, string) ([]string, error) {
	return nil, s.unsupported(opAddNotNull)
}

func (s *sqliteDialect) DropNotNullSQL(context.Context, queryer, TableDescriptor, string) ([]string, error) {
	return nil, s.unsupported(opDropNotNull)
}

// DropFieldSQL is descriptor-only: the column stays in the file and is
// ignored from then on.
func (s *sqliteDialect) DropFieldSQL(context.Context, queryer, TableDescriptor, string) ([]string, error) {
	return nil, nil
}

func (s *sqliteDialect) SetOnDeleteSQL(context.Context, queryer, TableDescriptor, string, ForeignRef) ([]string, error) {
	return nil, s.unsupported(opSetOnDelete)
}

func (s *sqliteDialect) DropForeignKeySQL(context.Context, queryer, TableDescriptor, string) ([]string, error) {
	return nil, s.unsupported(opDropForeignKey)
}

func (s *sqliteDialect) DropUniqueSQL(context.Context, queryer, TableDescriptor, string) ([]string, error) {
	return nil, s.unsupported(opDropUnique)
}

func (s *sqliteDialect) RenameFieldSQL(_ context.Context, _ queryer, t TableDescriptor, field, name string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		s.QuoteTable(t.Name), s.QuoteIdentifier(field), s.QuoteIdentifier(name))}, nil
}

// RenameTableSQL relies on SQLite rewriting the foreign keys of other tables
// that point at the renamed one.
func (s *sqliteDialect) RenameTableSQL(t TableDescriptor, name string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", s.QuoteTable(t.Name), s.QuoteIdentifier(name))}, nil
}

func (s *sqliteDialect) IsMissingObject(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such column")
}

// --- DSN handling ---

// openSQLite opens a SQLite file. Read-only handles are used for the snapshot
// during post.
func openSQLite(ctx context.Context, dsn string, readOnly bool) (*sql.DB, error) {
	uri, err := sqliteURI(dsn, readOnly)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func sqliteURI(dsn string, readOnly bool) (string, error) {
	// Reject in-memory databases
	if dsn == ":memory:" || dsn == "file::memory:" ||
		strings.Contains(dsn, "mode=memory") {
		return "", fmt.Errorf("in-memory SQLite databases are not supported (each sql.Open gets a separate DB)")
	}

	if !strings.HasPrefix(dsn, "file:") {
		if !readOnly {
			return "file:" + dsn, nil
		}
		return "file:" + dsn + "?mode=ro", nil
	}

	if !readOnly {
		return dsn, nil
	}
	// URI form: add or override mode=ro
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse sqlite URI: %w", err)
	}
	q := u.Query()
	q.Set("mode", "ro")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- Schema introspection ---

func (s *sqliteDialect) Introspect(ctx context.Context, db queryer) (*Schema, error) {
	var names []string
	if err := collectStringRows(ctx, db,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name",
		nil, &names); err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}

	schema := &Schema{}
	for _, name := range names {
		t, err := introspectSQLiteTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, t)
	}
	return schema, nil
}

func introspectSQLiteTable(ctx context.Context, db queryer, tableName string) (TableDescriptor, error) {
	t := TableDescriptor{Name: tableName}
	quoted := strings.ReplaceAll(tableName, "\"", "\"\"")

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(\"%s\")", quoted))
	if err != nil {
		return t, fmt.Errorf("introspect columns for %s: %w", tableName, err)
	}
	pkCount := 0
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return t, err
		}
		f := Field{Name: name, NotNull: notnull == 1}
		f.Type, f.Length = sqliteDeclaredType(colType)
		if pk > 0 {
			pkCount++
			if f.Type == typeInteger {
				f.Type = typeID
				f.NotNull = false
			}
		}
		if dflt.Valid {
			v := unquoteSQLiteDefault(dflt.String)
			f.Default = &v
		}
		t.Fields = append(t.Fields, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return t, err
	}
	// Composite primary keys are plain integers.
	if pkCount > 1 {
		for i := range t.Fields {
			if t.Fields[i].Type == typeID {
				t.Fields[i].Type = typeInteger
			}
		}
	}

	unique, err := sqliteUniqueColumns(ctx, db, tableName)
	if err != nil {
		return t, fmt.Errorf("introspect indexes for %s: %w", tableName, err)
	}
	for i := range t.Fields {
		if unique[t.Fields[i].Name] && t.Fields[i].Type != typeID {
			t.Fields[i].Unique = true
		}
	}

	fkRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(\"%s\")", quoted))
	if err != nil {
		return t, fmt.Errorf("introspect foreign keys for %s: %w", tableName, err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := fkRows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return t, err
		}
		for i := range t.Fields {
			if t.Fields[i].Name != from {
				continue
			}
			ref := &ForeignRef{Table: refTable, OnDelete: strings.ToUpper(onDelete)}
			if to.Valid && to.String != "" {
				ref.Field = to.String
			}
			if ref.OnDelete == "NO ACTION" {
				ref.OnDelete = ""
			}
			t.Fields[i].Ref = ref
		}
	}
	return t, fkRows.Err()
}

// sqliteUniqueColumns returns columns covered by a single-column unique index.
func sqliteUniqueColumns(ctx context.Context, db queryer, tableName string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(\"%s\")", strings.ReplaceAll(tableName, "\"", "\"\"")))
	if err != nil {
		return nil, err
	}
	var uniqueIdx []string
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, err
		}
		if unique == 1 && origin != "pk" && partial == 0 {
			uniqueIdx = append(uniqueIdx, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]bool)
	for _, idx := range uniqueIdx {
		var cols []string
		if err := collectIndexColumns(ctx, db, idx, &cols); err != nil {
			return nil, err
		}
		if len(cols) == 1 {
			out[cols[0]] = true
		}
	}
	return out, nil
}

func collectIndexColumns(ctx context.Context, db queryer, index string, out *[]string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(\"%s\")", strings.ReplaceAll(index, "\"", "\"\"")))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return err
		}
		if name.Valid {
			*out = append(*out, name.String)
		}
	}
	return rows.Err()
}

// sqliteDeclaredType maps a declared SQLite column type back to a field type.
func sqliteDeclaredType(declared string) (string, int) {
	base := strings.ToUpper(strings.TrimSpace(declared))
	length := 0
	if open := strings.IndexByte(base, '('); open >= 0 {
		if close := strings.IndexByte(base[open:], ')'); close > 0 {
			fmt.Sscanf(strings.TrimSpace(base[open+1:open+close]), "%d", &length)
		}
		base = strings.TrimSpace(base[:open])
	}
	switch base {
	case "INTEGER", "INT", "SMALLINT", "TINYINT", "MEDIUMINT", "BIGINT":
		return typeInteger, 0
	case "CHAR", "VARCHAR", "NVARCHAR", "CHARACTER":
		return typeString, length
	case "TEXT", "CLOB":
		return typeText, 0
	case "BOOLEAN", "BOOL":
		return typeBoolean, 0
	case "REAL", "DOUBLE", "FLOAT", "NUMERIC", "DECIMAL":
		return typeDouble, 0
	case "DATE":
		return typeDate, 0
	case "TIME":
		return typeTime, 0
	case "DATETIME", "TIMESTAMP":
		return typeDatetime, 0
	case "JSON":
		return typeJSON, 0
	case "", "BLOB":
		return typeBlob, 0
	case "GEOMETRY":
		return typeGeometry, 0
	default:
		return typeText, 0
	}
}

func unquoteSQLiteDefault(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'")
	}
	return raw
}

func fieldLength(f Field) int {
	if f.Length > 0 {
		return f.Length
	}
	return defaultStringLength
}
