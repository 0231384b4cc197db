package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// postgresDialect is server engine B. Constraint names follow PostgreSQL's
// default naming (<table>_<field>_fkey, <table>_<field>_key) so no reflection
// is needed to address them.
type postgresDialect struct {
	schema string
}

func (p *postgresDialect) Name() string { return "PostgreSQL" }

func (p *postgresDialect) Open(ctx context.Context, dsn string) (*sql.DB, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	closeFn := func() error {
		err := db.Close()
		pool.Close()
		return err
	}
	return db, closeFn, nil
}

func (p *postgresDialect) QuoteIdentifier(name string) string { return pgIdent(name) }

func (p *postgresDialect) QuoteTable(name string) string {
	return pgIdent(p.schema) + "." + pgIdent(name)
}

func (p *postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (p *postgresDialect) Supports(structuralOp) bool { return true }

func (p *postgresDialect) MapType(f Field) (string, error) {
	switch f.Type {
	case typeID:
		return "serial PRIMARY KEY", nil
	case typeString:
		return fmt.Sprintf("varchar(%d)", fieldLength(f)), nil
	case typeText:
		return "text", nil
	case typeJSON:
		return "jsonb", nil
	case typeInteger:
		return "integer", nil
	case typeBoolean:
		return "boolean", nil
	case typeDouble:
		return "double precision", nil
	case typeDate:
		return "date", nil
	case typeTime:
		return "time", nil
	case typeDatetime:
		return "timestamp", nil
	case typeBlob:
		return "bytea", nil
	case typeGeometry:
		return "geometry", nil
	default:
		return "", fmt.Errorf("unsupported PostgreSQL field type %q", f.Type)
	}
}

func (p *postgresDialect) CreateTableSQL(t TableDescriptor) (string, error) {
	return createTableSQL(p, t, func(f Field) string {
		return fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s)%s",
			pgIdent(pgForeignKeyName(t.Name, f.Name)), pgIdent(f.Name),
			p.QuoteTable(f.Ref.Table), pgIdent(refField(f)), onDeleteClause(f.Ref.OnDelete))
	})
}

func (p *postgresDialect) AddFieldSQL(table string, f Field) (string, error) {
	if f.Default == nil {
		f.NotNull = false
	}
	def, err := columnDefinition(p, f, true)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", p.QuoteTable(table), def)
	if f.Ref != nil {
		q += fmt.Sprintf(" REFERENCES %s(%s)%s", p.QuoteTable(f.Ref.Table), pgIdent(refField(f)), onDeleteClause(f.Ref.OnDelete))
	}
	return q, nil
}

func (p *postgresDialect) AddNotNullSQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", p.QuoteTable(t.Name), pgIdent(field))}, nil
}

func (p *postgresDialect) DropNotNullSQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", p.QuoteTable(t.Name), pgIdent(field))}, nil
}

func (p *postgresDialect) DropFieldSQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", p.QuoteTable(t.Name), pgIdent(field))}, nil
}

func (p *postgresDialect) SetOnDeleteSQL(_ context.Context, _ queryer, t TableDescriptor, field string, ref ForeignRef) ([]string, error) {
	fk := pgIdent(pgForeignKeyName(t.Name, field))
	refCol := ref.Field
	if refCol == "" {
		refCol = "id"
	}
	return []string{
		fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", p.QuoteTable(t.Name), fk),
		fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s) ON DELETE %s",
			p.QuoteTable(t.Name), fk, pgIdent(field), p.QuoteTable(ref.Table), pgIdent(refCol), ref.OnDelete),
	}, nil
}

func (p *postgresDialect) DropForeignKeySQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s",
		p.QuoteTable(t.Name), pgIdent(pgForeignKeyName(t.Name, field)))}, nil
}

func (p *postgresDialect) DropUniqueSQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s",
		p.QuoteTable(t.Name), pgIdent(pgUniqueName(t.Name, field)))}, nil
}

func (p *postgresDialect) RenameFieldSQL(_ context.Context, _ queryer, t TableDescriptor, field, name string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", p.QuoteTable(t.Name), pgIdent(field), pgIdent(name))}, nil
}

// RenameTableSQL keeps the table in its schema. Constraint names still carry
// the old table name afterwards.
func (p *postgresDialect) RenameTableSQL(t TableDescriptor, name string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", p.QuoteTable(t.Name), pgIdent(name))}, nil
}

func pgForeignKeyName(table, field string) string { return pgObjectName(table, field, "fkey") }

func pgUniqueName(table, field string) string { return pgObjectName(table, field, "key") }

// pgMaxIdentLen is NAMEDATALEN-1.
const pgMaxIdentLen = 63

// pgObjectName builds the name PostgreSQL gives an implicit constraint. When
// the result would exceed the identifier limit, the longer of table and
// field is shortened first so the label always survives.
func pgObjectName(table, field, label string) string {
	avail := pgMaxIdentLen - len(label) - 2
	n1, n2 := len(table), len(field)
	for n1+n2 > avail {
		if n1 > n2 {
			n1--
		} else {
			n2--
		}
	}
	return pgClip(table, n1) + "_" + pgClip(field, n2) + "_" + label
}

// pgClip cuts s to at most n bytes without splitting a UTF-8 sequence.
func pgClip(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

const (
	pgUndefinedObject = "42704"
	pgUndefinedColumn = "42703"
)

func (p *postgresDialect) IsMissingObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUndefinedObject || pgErr.Code == pgUndefinedColumn
	}
	return false
}

// --- Schema introspection ---

func (p *postgresDialect) Introspect(ctx context.Context, db queryer) (*Schema, error) {
	var names []string
	if err := collectStringRows(ctx, db,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`,
		[]any{p.schema}, &names); err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}

	schema := &Schema{}
	for _, name := range names {
		t, err := p.introspectTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, t)
	}
	return schema, nil
}

func (p *postgresDialect) introspectTable(ctx context.Context, db queryer, tableName string) (TableDescriptor, error) {
	t := TableDescriptor{Name: tableName}

	var pkCols, uniqueCols []string
	if err := collectStringRows(ctx, db, pgConstraintColumnsQuery,
		[]any{p.schema, tableName, "PRIMARY KEY"}, &pkCols); err != nil {
		return t, fmt.Errorf("introspect primary key for %s: %w", tableName, err)
	}
	if err := collectStringRows(ctx, db, pgConstraintColumnsQuery,
		[]any{p.schema, tableName, "UNIQUE"}, &uniqueCols); err != nil {
		return t, fmt.Errorf("introspect unique constraints for %s: %w", tableName, err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT column_name, udt_name, COALESCE(character_maximum_length, 0),
		        is_nullable, column_default
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`,
		p.schema, tableName,
	)
	if err != nil {
		return t, fmt.Errorf("introspect columns for %s: %w", tableName, err)
	}
	for rows.Next() {
		var name, udt, nullable string
		var charLen int64
		var dflt sql.NullString
		if err := rows.Scan(&name, &udt, &charLen, &nullable, &dflt); err != nil {
			rows.Close()
			return t, err
		}
		f := Field{
			Name:    name,
			Type:    pgDeclaredType(udt),
			NotNull: nullable == "NO",
			Unique:  containsString(uniqueCols, name),
		}
		if f.Type == typeString {
			f.Length = int(charLen)
		}
		serial := dflt.Valid && strings.HasPrefix(dflt.String, "nextval(")
		if containsString(pkCols, name) && serial {
			f.Type = typeID
			f.NotNull = false
		} else if dflt.Valid {
			v := pgUnquoteDefault(dflt.String)
			f.Default = &v
		}
		t.Fields = append(t.Fields, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return t, err
	}

	fkRows, err := db.QueryContext(ctx,
		`SELECT kcu.column_name, ccu.table_name, ccu.column_name, rc.delete_rule
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		 JOIN information_schema.constraint_column_usage ccu
		   ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.constraint_schema
		 JOIN information_schema.referential_constraints rc
		   ON tc.constraint_name = rc.constraint_name AND tc.table_schema = rc.constraint_schema
		 WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		 ORDER BY tc.constraint_name`,
		p.schema, tableName,
	)
	if err != nil {
		return t, fmt.Errorf("introspect foreign keys for %s: %w", tableName, err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var col, refTable, refCol, deleteRule string
		if err := fkRows.Scan(&col, &refTable, &refCol, &deleteRule); err != nil {
			return t, err
		}
		for i := range t.Fields {
			if t.Fields[i].Name == col {
				ref := &ForeignRef{Table: refTable, Field: refCol, OnDelete: deleteRule}
				if ref.OnDelete == "NO ACTION" {
					ref.OnDelete = ""
				}
				t.Fields[i].Ref = ref
			}
		}
	}
	return t, fkRows.Err()
}

// pgConstraintColumnsQuery lists columns of single-column constraints of one type.
const pgConstraintColumnsQuery = `SELECT kcu.column_name
 FROM information_schema.table_constraints tc
 JOIN information_schema.key_column_usage kcu
   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
 WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = $3
   AND (SELECT COUNT(*) FROM information_schema.key_column_usage k2
        WHERE k2.constraint_name = tc.constraint_name AND k2.table_schema = tc.table_schema) = 1`

func pgDeclaredType(udt string) string {
	switch udt {
	case "int2", "int4", "int8":
		return typeInteger
	case "float4", "float8", "numeric":
		return typeDouble
	case "bool":
		return typeBoolean
	case "varchar", "bpchar":
		return typeString
	case "json", "jsonb":
		return typeJSON
	case "date":
		return typeDate
	case "time", "timetz":
		return typeTime
	case "timestamp", "timestamptz":
		return typeDatetime
	case "bytea":
		return typeBlob
	case "geometry", "geography":
		return typeGeometry
	default:
		return typeText
	}
}

// pgUnquoteDefault turns a column_default expression such as
// 'abc'::character varying into its literal value.
func pgUnquoteDefault(expr string) string {
	v := expr
	if strings.HasPrefix(v, "'") {
		if end := strings.LastIndex(v, "'::"); end > 0 {
			v = v[:end+1]
		}
		if len(v) >= 2 && strings.HasSuffix(v, "'") {
			return strings.ReplaceAll(v[1:len(v)-1], "''", "'")
		}
	}
	if i := strings.Index(v, "::"); i > 0 {
		v = v[:i]
	}
	return strings.Trim(v, "()")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
