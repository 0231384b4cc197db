package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

const cacheArtifactExt = ".table"

// SchemaCache holds a descriptor per live table and mirrors each one to a
// TOML artifact under dir. Descriptors are only ever replaced wholesale.
type SchemaCache struct {
	dir    string
	prefix string

	mu     sync.RWMutex
	tables map[string]TableDescriptor
}

// openSchemaCache loads the artifacts written for dsn. When none exist yet the
// cache is bootstrapped from the live store and persisted.
func openSchemaCache(ctx context.Context, dir, dsn string, d Dialect, db queryer) (*SchemaCache, error) {
	sum := md5.Sum([]byte(dsn))
	c := &SchemaCache{
		dir:    dir,
		prefix: hex.EncodeToString(sum[:]) + "_",
		tables: make(map[string]TableDescriptor),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	n, err := c.load()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Printf("  loaded %d table descriptor(s) from %s", n, dir)
		return c, nil
	}

	schema, err := d.Introspect(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("introspect live store: %w", err)
	}
	for _, t := range schema.Tables {
		if err := c.Replace(t); err != nil {
			return nil, err
		}
	}
	log.Printf("  cached %d table descriptor(s) from live %s store", len(schema.Tables), d.Name())
	return c, nil
}

func (c *SchemaCache) load() (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, c.prefix+"*"+cacheArtifactExt))
	if err != nil {
		return 0, err
	}
	for _, path := range matches {
		var t TableDescriptor
		md, err := toml.DecodeFile(path, &t)
		if err != nil {
			return 0, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return 0, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
		want := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), c.prefix), cacheArtifactExt)
		if t.Name != want {
			return 0, fmt.Errorf("artifact %s describes table %q", path, t.Name)
		}
		c.tables[t.Name] = t
	}
	return len(matches), nil
}

// Table returns a copy of the descriptor for name.
func (c *SchemaCache) Table(name string) (TableDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return TableDescriptor{}, false
	}
	return t.clone(), true
}

// Tables returns every cached table name in sorted order.
func (c *SchemaCache) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TablesWithField lists, in sorted order, the tables that carry field.
func (c *SchemaCache) TablesWithField(field string) []string {
	var out []string
	for _, name := range c.Tables() {
		t, _ := c.Table(name)
		if t.HasField(field) {
			out = append(out, name)
		}
	}
	return out
}

// Replace persists t and swaps it in. The artifact is written to a temp file
// and renamed so a crash never leaves a half-written descriptor behind.
func (c *SchemaCache) Replace(t TableDescriptor) error {
	if !validIdent(t.Name) {
		return fmt.Errorf("invalid table identifier %q", t.Name)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(t); err != nil {
		return fmt.Errorf("encode descriptor %s: %w", t.Name, err)
	}

	path := c.artifactPath(t.Name)
	tmp, err := os.CreateTemp(c.dir, ".tmp-"+t.Name+"-*")
	if err != nil {
		return fmt.Errorf("write descriptor %s: %w", t.Name, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write descriptor %s: %w", t.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write descriptor %s: %w", t.Name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write descriptor %s: %w", t.Name, err)
	}

	c.mu.Lock()
	c.tables[t.Name] = t.clone()
	c.mu.Unlock()
	return nil
}

// Remove drops the descriptor for name and its artifact. Removing an unknown
// table is a no-op.
func (c *SchemaCache) Remove(name string) error {
	if !validIdent(name) {
		return fmt.Errorf("invalid table identifier %q", name)
	}
	if err := os.Remove(c.artifactPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove descriptor %s: %w", name, err)
	}
	c.mu.Lock()
	delete(c.tables, name)
	c.mu.Unlock()
	return nil
}

func (c *SchemaCache) artifactPath(table string) string {
	return filepath.Join(c.dir, c.prefix+table+cacheArtifactExt)
}
