package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	specPath   string
)

var rootCmd = &cobra.Command{
	Use:           "schemashift",
	Short:         "Snapshot-backed schema migrations for SQLite, MySQL and PostgreSQL",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to migration TOML config file")

	prepareCmd := &cobra.Command{
		Use:   "prepare [config.toml]",
		Short: "Snapshot transform sources and apply destructive structural edits",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSpec(func(ctx context.Context, o *Orchestrator, spec *MigrationSpec) error {
			return o.Prepare(ctx, spec)
		}),
	}
	postCmd := &cobra.Command{
		Use:   "post [config.toml]",
		Short: "Apply moves, consolidations and coercions from the snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSpec(func(ctx context.Context, o *Orchestrator, spec *MigrationSpec) error {
			return o.Post(ctx, spec)
		}),
	}
	for _, c := range []*cobra.Command{prepareCmd, postCmd} {
		c.Flags().StringVar(&specPath, "spec", "", "path to migration spec (TOML or YAML); defaults to the config's spec")
	}

	rootCmd.AddCommand(
		prepareCmd,
		&cobra.Command{
			Use:   "migrate [config.toml]",
			Short: "Reconcile declared models against the live schema",
			Args:  cobra.MaximumNArgs(1),
			RunE:  withOrchestrator((*Orchestrator).Migrate),
		},
		&cobra.Command{
			Use:   "compile [config.toml]",
			Short: "Run the configured artifact rebuild command",
			Args:  cobra.MaximumNArgs(1),
			RunE:  withOrchestrator((*Orchestrator).Compile),
		},
		&cobra.Command{
			Use:   "refresh-roles [config.toml]",
			Short: "Clear permissions and reseed authorization roles",
			Args:  cobra.MaximumNArgs(1),
			RunE:  withOrchestrator((*Orchestrator).RefreshAuthorization),
		},
		postCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), versionString())
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfig loads the config named by the positional arg, or --config.
func resolveConfig(args []string) (*MigrationConfig, error) {
	cfgPath := configPath
	if len(args) > 0 {
		cfgPath = args[0]
	}
	if cfgPath == "" {
		return nil, fmt.Errorf("config file required: schemashift <phase> <config.toml> or schemashift <phase> --config <config.toml>")
	}
	return loadConfig(cfgPath)
}

func withOrchestrator(run func(*Orchestrator, context.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(args)
		if err != nil {
			return err
		}
		return runPhase(cmd.Context(), cfg, run)
	}
}

func withSpec(run func(context.Context, *Orchestrator, *MigrationSpec) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(args)
		if err != nil {
			return err
		}
		path := specPath
		if path == "" {
			path = cfg.resolvePath(cfg.Spec)
		}
		if path == "" {
			return fmt.Errorf("migration spec required: --spec or spec in the config")
		}
		spec, err := loadMigrationSpec(path)
		if err != nil {
			return err
		}
		return runPhase(cmd.Context(), cfg, func(o *Orchestrator, ctx context.Context) error {
			return run(ctx, o, spec)
		})
	}
}

func runPhase(ctx context.Context, cfg *MigrationConfig, run func(*Orchestrator, context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log.Printf("schemashift %s: engine=%s cache_dir=%s snapshot_dir=%s", versionString(), cfg.Engine, cfg.CacheDir, cfg.SnapshotDir)
	mc, err := newMigrationContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer mc.Close()
	return run(newOrchestrator(mc), ctx)
}
