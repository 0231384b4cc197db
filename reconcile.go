package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// modelsFile is the declared schema: every table the application defines.
type modelsFile struct {
	Tables []TableDescriptor `yaml:"tables"`
}

// loadModels reads declared table models from a YAML file.
func loadModels(path string) ([]TableDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models: %w", err)
	}
	var mf modelsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse models: %w", err)
	}

	seen := make(map[string]bool)
	for i, t := range mf.Tables {
		if !validIdent(t.Name) {
			return nil, fmt.Errorf("models: table %d: invalid name %q", i, t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("models: table %s declared twice", t.Name)
		}
		seen[t.Name] = true
		fields := make(map[string]bool)
		for _, f := range t.Fields {
			if !validIdent(f.Name) {
				return nil, fmt.Errorf("models: %s: invalid field name %q", t.Name, f.Name)
			}
			if fields[f.Name] {
				return nil, fmt.Errorf("models: %s: field %s declared twice", t.Name, f.Name)
			}
			fields[f.Name] = true
			if f.Type == "" {
				return nil, fmt.Errorf("models: %s.%s: type is required", t.Name, f.Name)
			}
			if f.Ref != nil && !validIdent(f.Ref.Table) {
				return nil, fmt.Errorf("models: %s.%s: invalid referenced table %q", t.Name, f.Name, f.Ref.Table)
			}
		}
	}
	return mf.Tables, nil
}

// Reconciler brings the live store in line with the declared models: missing
// tables are created, missing fields added and undeclared fields dropped.
// Type changes are only reported.
type Reconciler struct {
	d       Dialect
	db      queryer
	cache   *SchemaCache
	adapter *DialectAdapter
}

func newReconciler(d Dialect, db queryer, cache *SchemaCache, adapter *DialectAdapter) *Reconciler {
	return &Reconciler{d: d, db: db, cache: cache, adapter: adapter}
}

// Reconcile applies models. Tables the models do not mention are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, models []TableDescriptor) error {
	var missing []TableDescriptor
	for _, m := range models {
		if _, ok := r.cache.Table(m.Name); !ok {
			missing = append(missing, m)
			continue
		}
		if err := r.reconcileTable(ctx, m); err != nil {
			return err
		}
	}
	for _, m := range orderByReferences(missing) {
		if err := r.createTable(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) createTable(ctx context.Context, m TableDescriptor) error {
	q, err := r.d.CreateTableSQL(m)
	if err != nil {
		warnf("create %s: %v", m.Name, err)
		return nil
	}
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		warnf("create %s: %v\nSQL: %s", m.Name, err, q)
	} else {
		log.Printf("    created %s (%d fields)", m.Name, len(m.Fields))
	}
	return r.cache.Replace(m)
}

func (r *Reconciler) reconcileTable(ctx context.Context, m TableDescriptor) error {
	cached, _ := r.cache.Table(m.Name)

	for _, f := range m.Fields {
		have, ok := cached.Field(f.Name)
		if ok {
			if have.Type != f.Type {
				warnf("%s.%s: declared type %s differs from %s, not changed", m.Name, f.Name, f.Type, have.Type)
			}
			continue
		}
		q, err := r.d.AddFieldSQL(m.Name, f)
		if err != nil {
			warnf("add %s.%s: %v", m.Name, f.Name, err)
			continue
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			warnf("add %s.%s: %v\nSQL: %s", m.Name, f.Name, err, q)
		} else {
			log.Printf("    added %s.%s", m.Name, f.Name)
		}
		cached = cached.ReplaceField(f)
		if err := r.cache.Replace(cached); err != nil {
			return err
		}
	}

	for _, f := range cached.Fields {
		if m.HasField(f.Name) {
			continue
		}
		if err := r.adapter.DropField(ctx, m.Name, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// orderByReferences sorts tables so that each comes after the tables it
// references. Tables in a reference cycle keep their declared order at the end.
func orderByReferences(tables []TableDescriptor) []TableDescriptor {
	pending := make(map[string]bool, len(tables))
	for _, t := range tables {
		pending[t.Name] = true
	}
	var out []TableDescriptor
	remaining := tables
	for len(remaining) > 0 {
		var next []TableDescriptor
		for _, t := range remaining {
			ready := true
			for _, ref := range t.references() {
				if pending[ref] {
					ready = false
					break
				}
			}
			if ready {
				out = append(out, t)
				delete(pending, t.Name)
			} else {
				next = append(next, t)
			}
		}
		if len(next) == len(remaining) {
			return append(out, next...)
		}
		remaining = next
	}
	return out
}
