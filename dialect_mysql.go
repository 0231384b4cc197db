package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// mysqlDialect is server engine A. MySQL generates constraint names, so every
// edit on a constraint first reflects the table to find the name it was given.
type mysqlDialect struct {
	dbName string
}

func (m *mysqlDialect) Name() string { return "MySQL" }

func (m *mysqlDialect) Open(ctx context.Context, dsn string) (*sql.DB, func() error, error) {
	liveDSN, err := mysqlDSNWithOptions(dsn)
	if err != nil {
		return nil, nil, err
	}
	dbName, err := extractMySQLDBName(dsn)
	if err != nil {
		return nil, nil, err
	}
	m.dbName = dbName

	db, err := sql.Open("mysql", liveDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, db.Close, nil
}

func (m *mysqlDialect) QuoteIdentifier(name string) string {
	return fmt.Sprintf("`%s`", strings.ReplaceAll(name, "`", "``"))
}

func (m *mysqlDialect) QuoteTable(name string) string { return m.QuoteIdentifier(name) }

func (m *mysqlDialect) Placeholder(int) string { return "?" }

func (m *mysqlDialect) Supports(structuralOp) bool { return true }

func (m *mysqlDialect) MapType(f Field) (string, error) {
	switch f.Type {
	case typeID:
		return "INT AUTO_INCREMENT NOT NULL PRIMARY KEY", nil
	case typeString:
		return fmt.Sprintf("VARCHAR(%d)", fieldLength(f)), nil
	case typeText:
		return "LONGTEXT", nil
	case typeJSON:
		return "JSON", nil
	case typeInteger:
		return "INT", nil
	case typeBoolean:
		return "TINYINT(1)", nil
	case typeDouble:
		return "DOUBLE", nil
	case typeDate:
		return "DATE", nil
	case typeTime:
		return "TIME", nil
	case typeDatetime:
		return "DATETIME", nil
	case typeBlob:
		return "LONGBLOB", nil
	case typeGeometry:
		return "GEOMETRY", nil
	default:
		return "", fmt.Errorf("unsupported MySQL field type %q", f.Type)
	}
}

func (m *mysqlDialect) CreateTableSQL(t TableDescriptor) (string, error) {
	q, err := createTableSQL(m, t, func(f Field) string {
		return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)%s",
			m.QuoteIdentifier(f.Name), m.QuoteTable(f.Ref.Table), m.QuoteIdentifier(refField(f)), onDeleteClause(f.Ref.OnDelete))
	})
	if err != nil {
		return "", err
	}
	return q + " ENGINE=InnoDB CHARACTER SET utf8mb4", nil
}

func (m *mysqlDialect) AddFieldSQL(table string, f Field) (string, error) {
	if f.Default == nil {
		f.NotNull = false
	}
	def, err := columnDefinition(m, f, true)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", m.QuoteTable(table), def)
	if f.Ref != nil {
		q += fmt.Sprintf(", ADD FOREIGN KEY (%s) REFERENCES %s(%s)%s",
			m.QuoteIdentifier(f.Name), m.QuoteTable(f.Ref.Table), m.QuoteIdentifier(refField(f)), onDeleteClause(f.Ref.OnDelete))
	}
	return q, nil
}

func (m *mysqlDialect) AddNotNullSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
	return m.modifyNullability(ctx, db, t, field, true)
}

func (m *mysqlDialect) DropNotNullSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
	return m.modifyNullability(ctx, db, t, field, false)
}

// modifyNullability rewrites the column with MODIFY, which needs the column's
// full current definition.
func (m *mysqlDialect) modifyNullability(ctx context.Context, db queryer, t TableDescriptor, field string, notNull bool) ([]string, error) {
	col, err := reflectMySQLColumn(ctx, db, t.Name, field)
	if err != nil {
		return nil, err
	}
	col.Nullable = !notNull
	return []string{fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s",
		m.QuoteTable(t.Name), m.QuoteIdentifier(field), col.definition())}, nil
}

// RenameFieldSQL uses CHANGE, which restates the definition under the new name.
func (m *mysqlDialect) RenameFieldSQL(ctx context.Context, db queryer, t TableDescriptor, field, name string) ([]string, error) {
	col, err := reflectMySQLColumn(ctx, db, t.Name, field)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("ALTER TABLE %s CHANGE COLUMN %s %s %s",
		m.QuoteTable(t.Name), m.QuoteIdentifier(field), m.QuoteIdentifier(name), col.definition())}, nil
}

func (m *mysqlDialect) RenameTableSQL(t TableDescriptor, name string) ([]string, error) {
	return []string{fmt.Sprintf("RENAME TABLE %s TO %s", m.QuoteTable(t.Name), m.QuoteIdentifier(name))}, nil
}

// mysqlColumn is a column definition as INFORMATION_SCHEMA reports it.
type mysqlColumn struct {
	Type     string
	Nullable bool
	Default  sql.NullString
	Extra    string
}

func reflectMySQLColumn(ctx context.Context, db queryer, table, field string) (mysqlColumn, error) {
	var col mysqlColumn
	var nullable string
	err := db.QueryRowContext(ctx,
		`SELECT COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, EXTRA FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
		table, field,
	).Scan(&col.Type, &nullable, &col.Default, &col.Extra)
	if err != nil {
		return col, fmt.Errorf("reflect column %s.%s: %w", table, field, err)
	}
	col.Nullable = nullable == "YES"
	return col, nil
}

// definition renders the column for MODIFY or CHANGE.
func (c mysqlColumn) definition() string {
	var b strings.Builder
	b.WriteString(c.Type)
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if d := mysqlDefaultClause(c.Default, c.Extra); d != "" {
		b.WriteString(" DEFAULT " + d)
	}
	if e := mysqlExtraClause(c.Extra); e != "" {
		b.WriteString(" " + e)
	}
	return b.String()
}

var mysqlTimestampDefault = regexp.MustCompile(`(?i)^(current_timestamp|now|localtime|localtimestamp)(\(\d*\))?$`)

// mysqlDefaultClause renders COLUMN_DEFAULT. Timestamp functions stay bare,
// other expression defaults (EXTRA DEFAULT_GENERATED) are parenthesized and
// everything else is a literal.
func mysqlDefaultClause(dflt sql.NullString, extra string) string {
	if !dflt.Valid {
		return ""
	}
	switch {
	case mysqlTimestampDefault.MatchString(dflt.String):
		return dflt.String
	case strings.Contains(strings.ToUpper(extra), "DEFAULT_GENERATED"):
		return "(" + dflt.String + ")"
	}
	return sqlLiteral(dflt.String)
}

// mysqlExtraClause keeps the EXTRA attributes a column definition can carry.
func mysqlExtraClause(extra string) string {
	var parts []string
	lower := strings.ToLower(extra)
	if strings.Contains(lower, "auto_increment") {
		parts = append(parts, "AUTO_INCREMENT")
	}
	if i := strings.Index(lower, "on update "); i >= 0 {
		parts = append(parts, "ON UPDATE "+strings.TrimSpace(extra[i+len("on update "):]))
	}
	return strings.Join(parts, " ")
}

func (m *mysqlDialect) DropFieldSQL(_ context.Context, _ queryer, t TableDescriptor, field string) ([]string, error) {
	return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", m.QuoteTable(t.Name), m.QuoteIdentifier(field))}, nil
}

func (m *mysqlDialect) SetOnDeleteSQL(ctx context.Context, db queryer, t TableDescriptor, field string, ref ForeignRef) ([]string, error) {
	fk, err := m.foreignKeyName(ctx, db, t.Name, field)
	if err != nil {
		return nil, err
	}
	refCol := ref.Field
	if refCol == "" {
		refCol = "id"
	}
	return []string{fmt.Sprintf(
		"ALTER TABLE %s DROP FOREIGN KEY %s, ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s(%s) ON DELETE %s",
		m.QuoteTable(t.Name), m.QuoteIdentifier(fk),
		m.QuoteIdentifier(fk), m.QuoteIdentifier(field),
		m.QuoteTable(ref.Table), m.QuoteIdentifier(refCol), ref.OnDelete,
	)}, nil
}

func (m *mysqlDialect) DropForeignKeySQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
	fk, err := m.foreignKeyName(ctx, db, t.Name, field)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", m.QuoteTable(t.Name), m.QuoteIdentifier(fk))}, nil
}

func (m *mysqlDialect) DropUniqueSQL(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
	var idx []string
	err := collectStringRows(ctx, db,
		`SELECT INDEX_NAME FROM INFORMATION_SCHEMA.STATISTICS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?
		   AND NON_UNIQUE = 0 AND INDEX_NAME <> 'PRIMARY'
		 ORDER BY INDEX_NAME`,
		[]any{t.Name, field}, &idx)
	if err != nil {
		return nil, fmt.Errorf("reflect unique index on %s.%s: %w", t.Name, field, err)
	}
	name := field
	if len(idx) > 0 {
		name = idx[0]
	}
	return []string{fmt.Sprintf("ALTER TABLE %s DROP INDEX %s", m.QuoteTable(t.Name), m.QuoteIdentifier(name))}, nil
}

// foreignKeyName reflects SHOW CREATE TABLE to find the generated name of the
// foreign key on field.
func (m *mysqlDialect) foreignKeyName(ctx context.Context, db queryer, table, field string) (string, error) {
	var name, create string
	if err := db.QueryRowContext(ctx, "SHOW CREATE TABLE "+m.QuoteTable(table)).Scan(&name, &create); err != nil {
		return "", fmt.Errorf("show create table %s: %w", table, err)
	}
	fk, ok := mysqlForeignKeyName(create, field)
	if !ok {
		return "", fmt.Errorf("no foreign key on %s.%s", table, field)
	}
	return fk, nil
}

var mysqlConstraintPattern = regexp.MustCompile("CONSTRAINT `((?:[^`]|``)+)` FOREIGN KEY \\(`((?:[^`]|``)+)`\\)")

// mysqlForeignKeyName finds the constraint declared on field in a
// SHOW CREATE TABLE statement.
func mysqlForeignKeyName(createSQL, field string) (string, bool) {
	for _, m := range mysqlConstraintPattern.FindAllStringSubmatch(createSQL, -1) {
		if strings.ReplaceAll(m[2], "``", "`") == field {
			return strings.ReplaceAll(m[1], "``", "`"), true
		}
	}
	return "", false
}

// ER_CANT_DROP_FIELD_OR_KEY
const mysqlErrCantDropFieldOrKey = 1091

func (m *mysqlDialect) IsMissingObject(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrCantDropFieldOrKey
	}
	return false
}

// --- Schema introspection ---

func (m *mysqlDialect) Introspect(ctx context.Context, db queryer) (*Schema, error) {
	var names []string
	if err := collectStringRows(ctx, db,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`,
		nil, &names); err != nil {
		return nil, fmt.Errorf("introspect tables: %w", err)
	}

	schema := &Schema{}
	for _, name := range names {
		t, err := introspectMySQLTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, t)
	}
	return schema, nil
}

func introspectMySQLTable(ctx context.Context, db queryer, tableName string) (TableDescriptor, error) {
	t := TableDescriptor{Name: tableName}

	rows, err := db.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE,
		        COALESCE(CHARACTER_MAXIMUM_LENGTH, 0),
		        IS_NULLABLE, COLUMN_DEFAULT, EXTRA, COLUMN_KEY
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`,
		tableName,
	)
	if err != nil {
		return t, fmt.Errorf("introspect columns for %s: %w", tableName, err)
	}
	for rows.Next() {
		var name, dataType, columnType, nullable, extra, key string
		var charLen int64
		var dflt sql.NullString
		if err := rows.Scan(&name, &dataType, &columnType, &charLen, &nullable, &dflt, &extra, &key); err != nil {
			rows.Close()
			return t, err
		}
		f := Field{
			Name:    name,
			Type:    mysqlDeclaredType(strings.ToLower(dataType), strings.ToLower(columnType)),
			NotNull: nullable == "NO",
		}
		if f.Type == typeString {
			f.Length = int(charLen)
		}
		if key == "PRI" && strings.Contains(strings.ToLower(extra), "auto_increment") {
			f.Type = typeID
			f.NotNull = false
		}
		if key == "UNI" {
			f.Unique = true
		}
		if dflt.Valid {
			v := dflt.String
			f.Default = &v
		}
		t.Fields = append(t.Fields, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return t, err
	}

	fkRows, err := db.QueryContext(ctx,
		`SELECT kcu.COLUMN_NAME, kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME, rc.DELETE_RULE
		 FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		 JOIN INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
		   ON kcu.CONSTRAINT_NAME = rc.CONSTRAINT_NAME
		   AND kcu.TABLE_SCHEMA = rc.CONSTRAINT_SCHEMA
		 WHERE kcu.TABLE_SCHEMA = DATABASE() AND kcu.TABLE_NAME = ?
		   AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
		 ORDER BY kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`,
		tableName,
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

func mysqlDeclaredType(dataType, columnType string) string {
	switch dataType {
	case "tinyint":
		if strings.HasPrefix(columnType, "tinyint(1)") {
			return typeBoolean
		}
		return typeInteger
	case "smallint", "mediumint", "int", "bigint", "year":
		return typeInteger
	case "float", "double", "decimal":
		return typeDouble
	case "varchar", "char":
		return typeString
	case "text", "mediumtext", "longtext", "tinytext", "enum", "set":
		return typeText
	case "json":
		return typeJSON
	case "date":
		return typeDate
	case "time":
		return typeTime
	case "datetime", "timestamp":
		return typeDatetime
	case "binary", "varbinary", "blob", "mediumblob", "longblob", "tinyblob", "bit":
		return typeBlob
	case "geometry", "point", "linestring", "polygon", "multipoint", "multilinestring", "multipolygon", "geometrycollection":
		return typeGeometry
	default:
		return typeText
	}
}
