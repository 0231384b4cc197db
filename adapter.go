package main

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// allTables is the table name that expands to every cached table carrying
// the named field.
const allTables = "all"

// DialectAdapter applies structural edits to the live store through a Dialect
// and keeps the SchemaCache in step. A rejected statement is logged and the
// descriptor is still replaced; only an unsupported operation is fatal.
type DialectAdapter struct {
	d     Dialect
	db    queryer
	cache *SchemaCache
}

func newDialectAdapter(d Dialect, db queryer, cache *SchemaCache) *DialectAdapter {
	return &DialectAdapter{d: d, db: db, cache: cache}
}

func (a *DialectAdapter) AddNotNull(ctx context.Context, table, field string) error {
	return a.apply(ctx, opAddNotNull, table, field, a.d.AddNotNullSQL, func(t TableDescriptor, f Field) TableDescriptor {
		f.NotNull = true
		return t.ReplaceField(f)
	})
}

func (a *DialectAdapter) DropNotNull(ctx context.Context, table, field string) error {
	return a.apply(ctx, opDropNotNull, table, field, a.d.DropNotNullSQL, func(t TableDescriptor, f Field) TableDescriptor {
		f.NotNull = false
		return t.ReplaceField(f)
	})
}

func (a *DialectAdapter) DropField(ctx context.Context, table, field string) error {
	return a.apply(ctx, opDropField, table, field, a.d.DropFieldSQL, func(t TableDescriptor, _ Field) TableDescriptor {
		return t.WithoutField(field)
	})
}

func (a *DialectAdapter) DropForeignKey(ctx context.Context, table, field string) error {
	return a.apply(ctx, opDropForeignKey, table, field, a.d.DropForeignKeySQL, func(t TableDescriptor, f Field) TableDescriptor {
		f.Ref = nil
		return t.ReplaceField(f)
	})
}

func (a *DialectAdapter) DropUnique(ctx context.Context, table, field string) error {
	return a.apply(ctx, opDropUnique, table, field, a.d.DropUniqueSQL, func(t TableDescriptor, f Field) TableDescriptor {
		f.Unique = false
		return t.ReplaceField(f)
	})
}

// SetOnDelete re-creates the foreign key on table.field so that it points at
// refTable with the given ON DELETE action.
func (a *DialectAdapter) SetOnDelete(ctx context.Context, table, field, refTable, action string) error {
	if !a.d.Supports(opSetOnDelete) {
		return &UnsupportedOperationError{Engine: a.d.Name(), Op: opSetOnDelete}
	}
	if _, err := knownColumns(a.cache, refTable); err != nil {
		warnf("%s %s.%s: %v", opSetOnDelete, table, field, err)
		return nil
	}
	build := func(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
		f, _ := t.Field(field)
		return a.d.SetOnDeleteSQL(ctx, db, t, field, onDeleteRef(f, refTable, action))
	}
	return a.apply(ctx, opSetOnDelete, table, field, build, func(t TableDescriptor, f Field) TableDescriptor {
		ref := onDeleteRef(f, refTable, action)
		f.Ref = &ref
		return t.ReplaceField(f)
	})
}

func onDeleteRef(f Field, refTable, action string) ForeignRef {
	ref := ForeignRef{Table: refTable, Field: "id", OnDelete: action}
	if f.Ref != nil && f.Ref.Table == refTable && f.Ref.Field != "" {
		ref.Field = f.Ref.Field
	}
	return ref
}

// RenameField renames table.field to name, keeping its other properties.
// Cached foreign keys pointing at the old name follow it.
func (a *DialectAdapter) RenameField(ctx context.Context, table, field, name string) error {
	if !validIdent(name) {
		warnf("%s %s.%s: invalid new field identifier %q", opRenameField, table, field, name)
		return nil
	}
	var renamed []string
	build := func(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error) {
		if t.HasField(name) {
			return nil, fmt.Errorf("field %s already exists", name)
		}
		return a.d.RenameFieldSQL(ctx, db, t, field, name)
	}
	err := a.apply(ctx, opRenameField, table, field, build, func(t TableDescriptor, _ Field) TableDescriptor {
		if t.HasField(name) {
			return t
		}
		renamed = append(renamed, t.Name)
		return t.RenameField(field, name)
	})
	if err != nil {
		return err
	}
	for _, tbl := range renamed {
		err := a.retarget(
			func(r ForeignRef) bool { return r.Table == tbl && (r.Field == field || r.Field == "" && field == "id") },
			func(r *ForeignRef) { r.Field = name },
		)
		if err != nil {
			return fmt.Errorf("%s %s.%s: %w", opRenameField, tbl, field, err)
		}
	}
	return nil
}

// RenameTable renames table to name. The descriptor moves to the new name
// and cached foreign keys pointing at the table follow it.
func (a *DialectAdapter) RenameTable(ctx context.Context, table, name string) error {
	if !a.d.Supports(opRenameTable) {
		return &UnsupportedOperationError{Engine: a.d.Name(), Op: opRenameTable}
	}
	t, ok := a.cache.Table(table)
	_, taken := a.cache.Table(name)
	switch {
	case !ok && taken:
		log.Printf("    %s %s: already renamed to %s, nothing to do", opRenameTable, table, name)
		return nil
	case !ok || !validIdent(table):
		warnf("%s %s: table is not in the schema cache", opRenameTable, table)
		return nil
	case !validIdent(name):
		warnf("%s %s: invalid new table identifier %q", opRenameTable, table, name)
		return nil
	case taken:
		warnf("%s %s: table %s already exists", opRenameTable, table, name)
		return nil
	}

	stmts, err := a.d.RenameTableSQL(t, name)
	var unsupported *UnsupportedOperationError
	switch {
	case errors.As(err, &unsupported):
		return err
	case err != nil:
		warnf("%s %s: %v", opRenameTable, table, err)
	}
	for _, q := range stmts {
		a.exec(ctx, opRenameTable, q)
	}

	moved := t.clone()
	moved.Name = name
	for i, f := range moved.Fields {
		if f.Ref != nil && f.Ref.Table == table {
			moved.Fields[i].Ref.Table = name
		}
	}
	if err := a.cache.Replace(moved); err != nil {
		return fmt.Errorf("%s %s: %w", opRenameTable, table, err)
	}
	if err := a.cache.Remove(table); err != nil {
		return fmt.Errorf("%s %s: %w", opRenameTable, table, err)
	}
	err = a.retarget(
		func(r ForeignRef) bool { return r.Table == table },
		func(r *ForeignRef) { r.Table = name },
	)
	if err != nil {
		return fmt.Errorf("%s %s: %w", opRenameTable, table, err)
	}
	log.Printf("    %s %s -> %s", opRenameTable, table, name)
	return nil
}

// retarget rewrites every cached foreign key that match selects.
func (a *DialectAdapter) retarget(match func(ForeignRef) bool, edit func(*ForeignRef)) error {
	for _, name := range a.cache.Tables() {
		t, _ := a.cache.Table(name)
		changed := false
		for i, f := range t.Fields {
			if f.Ref != nil && match(*f.Ref) {
				edit(t.Fields[i].Ref)
				changed = true
			}
		}
		if changed {
			if err := a.cache.Replace(t); err != nil {
				return err
			}
		}
	}
	return nil
}

type statementBuilder func(ctx context.Context, db queryer, t TableDescriptor, field string) ([]string, error)

type descriptorEdit func(t TableDescriptor, f Field) TableDescriptor

func (a *DialectAdapter) apply(ctx context.Context, op structuralOp, table, field string, build statementBuilder, edit descriptorEdit) error {
	if !a.d.Supports(op) {
		return &UnsupportedOperationError{Engine: a.d.Name(), Op: op}
	}

	tables := []string{table}
	if table == allTables {
		tables = a.cache.TablesWithField(field)
		if len(tables) == 0 {
			log.Printf("    %s: no table carries field %s", op, field)
			return nil
		}
	}

	for _, name := range tables {
		t, ok := a.cache.Table(name)
		if !ok || !validIdent(name) {
			warnf("%s %s.%s: table is not in the schema cache", op, name, field)
			continue
		}
		f, ok := t.Field(field)
		if !ok {
			log.Printf("    %s %s.%s: field already absent, nothing to do", op, name, field)
			continue
		}
		if !validIdent(field) {
			warnf("%s %s.%s: invalid field identifier", op, name, field)
			continue
		}

		stmts, err := build(ctx, a.db, t, field)
		var unsupported *UnsupportedOperationError
		switch {
		case errors.As(err, &unsupported):
			return err
		case err != nil:
			warnf("%s %s.%s: %v", op, name, field, err)
		}
		for _, q := range stmts {
			a.exec(ctx, op, q)
		}

		if err := a.cache.Replace(edit(t, f)); err != nil {
			return fmt.Errorf("%s %s.%s: %w", op, name, field, err)
		}
		log.Printf("    %s %s.%s", op, name, field)
	}
	return nil
}

// exec runs one structural statement. Failures are logged, never returned.
func (a *DialectAdapter) exec(ctx context.Context, op structuralOp, q string) {
	if _, err := a.db.ExecContext(ctx, q); err != nil {
		if a.d.IsMissingObject(err) {
			log.Printf("    %s: already absent: %v", op, err)
			return
		}
		warnf("%s failed: %v\nSQL: %s", op, err, q)
	}
}
