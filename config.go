package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// MigrationConfig holds the full TOML-driven migration configuration.
type MigrationConfig struct {
	Engine        string              `toml:"engine"` // sqlite|mysql|postgres
	DSN           string              `toml:"dsn"`
	Schema        string              `toml:"schema"` // PostgreSQL namespace
	Models        string              `toml:"models"`
	Spec          string              `toml:"spec"`
	CacheDir      string              `toml:"cache_dir"`
	SnapshotDir   string              `toml:"snapshot_dir"`
	Snapshot      SnapshotConfig      `toml:"snapshot"`
	Hooks         HooksConfig         `toml:"hooks"`
	Compile       CompileConfig       `toml:"compile"`
	Authorization AuthorizationConfig `toml:"authorization"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
}

type SnapshotConfig struct {
	// ExcludeColumns lists, per table, columns left out of the snapshot clone.
	ExcludeColumns map[string][]string `toml:"exclude_columns"`
}

type HooksConfig struct {
	BeforePrep []string `toml:"before_prep"`
	AfterPrep  []string `toml:"after_prep"`
	BeforePost []string `toml:"before_post"`
	AfterPost  []string `toml:"after_post"`
}

type CompileConfig struct {
	Command []string `toml:"command"`
}

// AuthorizationConfig drives the refresh-roles phase.
type AuthorizationConfig struct {
	PermissionTable string   `toml:"permission_table"`
	Importer        []string `toml:"importer"`
	RoleFiles       []string `toml:"role_files"`
}

// loadConfig reads a TOML config file and returns a MigrationConfig with defaults applied.
// A .env file next to the config, when present, is loaded before ${VAR}
// references in dsn are expanded.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := MigrationConfig{
		Schema:      "public",
		CacheDir:    "databases",
		SnapshotDir: "databases/backup",
		Snapshot: SnapshotConfig{
			ExcludeColumns: map[string][]string{"gis_location": {"the_geom"}},
		},
		Authorization: AuthorizationConfig{PermissionTable: "auth_permission"},
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	envPath := filepath.Join(cfg.configDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	if cfg.Engine == "" {
		return nil, fmt.Errorf("engine is required (must be sqlite, mysql or postgres)")
	}
	if normalizeEngine(cfg.Engine) == "" {
		return nil, fmt.Errorf("unsupported engine %q (must be sqlite, mysql or postgres)", cfg.Engine)
	}
	cfg.Engine = normalizeEngine(cfg.Engine)

	cfg.DSN = strings.TrimSpace(os.ExpandEnv(cfg.DSN))
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.Engine == "sqlite" && !strings.HasPrefix(cfg.DSN, "file:") {
		cfg.DSN = cfg.resolvePath(cfg.DSN)
	}

	cfg.Schema = strings.TrimSpace(cfg.Schema)
	if cfg.Schema == "" {
		return nil, fmt.Errorf("schema is required")
	}
	if cfg.Engine != "postgres" && cfg.Schema != "public" {
		return nil, fmt.Errorf("schema is a PostgreSQL-only option")
	}

	if cfg.CacheDir == "" || cfg.SnapshotDir == "" {
		return nil, fmt.Errorf("cache_dir and snapshot_dir must not be empty")
	}
	cfg.CacheDir = cfg.resolvePath(cfg.CacheDir)
	cfg.SnapshotDir = cfg.resolvePath(cfg.SnapshotDir)
	if filepath.Clean(cfg.SnapshotDir) == filepath.Clean(cfg.configDir) {
		return nil, fmt.Errorf("snapshot_dir must not be the config directory: it is replaced on every prepare")
	}

	for table, cols := range cfg.Snapshot.ExcludeColumns {
		if !validIdent(table) {
			return nil, fmt.Errorf("snapshot.exclude_columns: invalid table %q", table)
		}
		for _, c := range cols {
			if !validIdent(c) {
				return nil, fmt.Errorf("snapshot.exclude_columns.%s: invalid column %q", table, c)
			}
		}
	}

	if cfg.Authorization.PermissionTable != "" && !validIdent(cfg.Authorization.PermissionTable) {
		return nil, fmt.Errorf("authorization.permission_table: invalid table %q", cfg.Authorization.PermissionTable)
	}
	if len(cfg.Authorization.RoleFiles) > 0 && len(cfg.Authorization.Importer) == 0 {
		return nil, fmt.Errorf("authorization.role_files requires authorization.importer")
	}

	return &cfg, nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}
