package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// MigrationContext is everything a phase needs. It is built once per process
// and passed explicitly to every component.
type MigrationContext struct {
	cfg     *MigrationConfig
	dialect Dialect
	db      *sql.DB
	closeFn func() error
	cache   *SchemaCache
	roles   *RoleImporter
}

// newMigrationContext connects to the live store and loads the schema cache.
func newMigrationContext(ctx context.Context, cfg *MigrationConfig) (*MigrationContext, error) {
	d, err := newDialect(cfg.Engine, cfg.Schema)
	if err != nil {
		return nil, err
	}
	log.Printf("connecting to %s...", d.Name())
	db, closeFn, err := d.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	cache, err := openSchemaCache(ctx, cfg.CacheDir, cfg.DSN, d, db)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("schema cache: %w", err)
	}
	return &MigrationContext{
		cfg:     cfg,
		dialect: d,
		db:      db,
		closeFn: closeFn,
		cache:   cache,
		roles:   newRoleImporter(cfg.Authorization, cfg.resolvePath),
	}, nil
}

func (mc *MigrationContext) Close() error {
	if mc.closeFn == nil {
		return nil
	}
	return mc.closeFn()
}

func (mc *MigrationContext) adapter() *DialectAdapter {
	return newDialectAdapter(mc.dialect, mc.db, mc.cache)
}

// Orchestrator runs the migration phases. Each phase is invoked separately,
// in the order prepare, migrate, compile, refresh-roles, post.
type Orchestrator struct {
	mc *MigrationContext
}

func newOrchestrator(mc *MigrationContext) *Orchestrator {
	return &Orchestrator{mc: mc}
}

// phase logs start, warning count and elapsed time around fn.
func phase(name string, fn func() error) error {
	start := time.Now()
	resetWarnings()
	log.Printf("%s...", name)
	err := fn()
	warnings := resetWarnings()
	if err != nil {
		var unsupported *UnsupportedOperationError
		if errors.As(err, &unsupported) {
			log.Printf("%s aborted: %v (restore from the snapshot to recover)", name, err)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Printf("%s done in %s (%d warning(s))", name, time.Since(start).Round(time.Millisecond), warnings)
	return nil
}

// Prepare snapshots the transform sources before anything touches the live
// store, runs the before_prep hooks, then applies the destructive structural
// edits that must precede reconciliation.
func (o *Orchestrator) Prepare(ctx context.Context, spec *MigrationSpec) error {
	mc := o.mc
	return phase("prepare", func() error {
		log.Printf("  backup...")
		snap, err := newSnapshotManager(mc.cfg.SnapshotDir, mc.cfg.Snapshot.ExcludeColumns, mc.dialect, mc.db, mc.cache).Backup(ctx, spec)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if err := snap.Close(); err != nil {
			return fmt.Errorf("backup: %w", err)
		}

		// Hooks may rewrite source rows; the snapshot already holds them.
		if err := runHooks(ctx, mc.db, mc.cfg, mc.cfg.Hooks.BeforePrep, "before_prep"); err != nil {
			return err
		}

		a := mc.adapter()
		pairs := []struct {
			name string
			list []TableField
			fn   func(context.Context, string, string) error
		}{
			{"add not-null", spec.AddNotNulls, a.AddNotNull},
			{"remove not-null", spec.RemoveNotNulls, a.DropNotNull},
			{"remove foreign keys", spec.RemoveForeigns, a.DropForeignKey},
			{"remove unique", spec.RemoveUniques, a.DropUnique},
		}
		for _, step := range pairs {
			if len(step.list) == 0 {
				continue
			}
			log.Printf("  %s...", step.name)
			for _, tf := range step.list {
				if err := step.fn(ctx, tf.Table, tf.Field); err != nil {
					return fmt.Errorf("%s %s: %w", step.name, tf, err)
				}
			}
		}

		if len(spec.OnDeletes) > 0 {
			log.Printf("  on-delete actions...")
			for _, od := range spec.OnDeletes {
				if err := a.SetOnDelete(ctx, od.Table, od.Field, od.RefTable, od.Action); err != nil {
					return fmt.Errorf("on-delete %s.%s: %w", od.Table, od.Field, err)
				}
			}
		}

		if len(spec.RenameFields) > 0 {
			log.Printf("  rename fields...")
			for _, r := range spec.RenameFields {
				if err := a.RenameField(ctx, r.Table, r.Field, r.NewField); err != nil {
					return fmt.Errorf("rename %s.%s: %w", r.Table, r.Field, err)
				}
			}
		}

		if len(spec.RenameTables) > 0 {
			log.Printf("  rename tables...")
			for _, r := range spec.RenameTables {
				if err := a.RenameTable(ctx, r.Table, r.NewTable); err != nil {
					return fmt.Errorf("rename %s: %w", r.Table, err)
				}
			}
		}

		if retyped := spec.retypedFields(); len(retyped) > 0 {
			log.Printf("  drop fields pending retype...")
			for _, tf := range retyped {
				if err := a.DropField(ctx, tf.Table, tf.Field); err != nil {
					return fmt.Errorf("drop %s: %w", tf, err)
				}
			}
		}

		return runHooks(ctx, mc.db, mc.cfg, mc.cfg.Hooks.AfterPrep, "after_prep")
	})
}

// Migrate reconciles the declared models against the cached schema.
func (o *Orchestrator) Migrate(ctx context.Context) error {
	mc := o.mc
	return phase("migrate", func() error {
		if mc.cfg.Models == "" {
			return fmt.Errorf("models is not configured")
		}
		models, err := loadModels(mc.cfg.resolvePath(mc.cfg.Models))
		if err != nil {
			return err
		}
		log.Printf("  reconciling %d declared table(s)...", len(models))
		return newReconciler(mc.dialect, mc.db, mc.cache, mc.adapter()).Reconcile(ctx, models)
	})
}

// Compile runs the configured artifact rebuild command.
func (o *Orchestrator) Compile(ctx context.Context) error {
	mc := o.mc
	return phase("compile", func() error {
		if len(mc.cfg.Compile.Command) == 0 {
			log.Printf("  no compile command configured, skipping")
			return nil
		}
		return runCommand(ctx, mc.cfg.Compile.Command)
	})
}

// RefreshAuthorization clears the permission table and reseeds it from the
// role files.
func (o *Orchestrator) RefreshAuthorization(ctx context.Context) error {
	mc := o.mc
	return phase("refresh-roles", func() error {
		if mc.cfg.Authorization.PermissionTable != "" {
			if err := clearPermissions(ctx, mc.dialect, mc.db, mc.cache, mc.cfg.Authorization.PermissionTable); err != nil {
				return err
			}
		}
		return mc.roles.Import(ctx)
	})
}

// Post runs the transforms against the snapshot written by Prepare.
func (o *Orchestrator) Post(ctx context.Context, spec *MigrationSpec) error {
	mc := o.mc
	return phase("post", func() error {
		if err := runHooks(ctx, mc.db, mc.cfg, mc.cfg.Hooks.BeforePost, "before_post"); err != nil {
			return err
		}
		if spec.hasTransforms() {
			snap, err := openSnapshot(ctx, mc.cfg.SnapshotDir)
			if err != nil {
				return err
			}
			defer snap.Close()
			if err := newTransformationPipeline(mc.dialect, mc.db, mc.cache, snap).Run(ctx, spec); err != nil {
				return err
			}
		} else {
			log.Printf("  no transforms declared")
		}
		return runHooks(ctx, mc.db, mc.cfg, mc.cfg.Hooks.AfterPost, "after_post")
	})
}
