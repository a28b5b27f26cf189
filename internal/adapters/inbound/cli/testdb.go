package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/postgres"
	"github.com/deploycheck/deploycheck/internal/domain"
)

func newTestDBCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-db",
		Short: "Prepare isolated databases for test runs",
	}
	cmd.AddCommand(newTestDBCreateCmd(verbose))
	cmd.AddCommand(newTestDBCreateFixtureCmd(verbose))
	cmd.AddCommand(newTestDBSeedCmd(verbose))
	cmd.AddCommand(newTestDBParallelSetupCmd(verbose))
	cmd.AddCommand(newTestDBIsolateCmd(verbose))
	return cmd
}

// withTestManager is withManager plus the module runtime, which fixture
// creation and module installation need.
func withTestManager(verbose *bool, fn func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
		mgr = mgr.WithRuntime(postgres.NewRuntime(log), cfg.AddonsPath)
		return fn(cfg, log, mgr, cmd, args)
	})
}

func newTestDBCreateCmd(verbose *bool) *cobra.Command {
	var (
		modules []string
		demo    bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a test database, optionally with modules preinstalled",
		Args:  cobra.ExactArgs(1),
		RunE: withTestManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			db, err := mgr.Create(cmd.Context(), args[0], domain.TypeTest, domain.CreateOptions{
				Modules:      modules,
				SeedDemoData: demo,
				Force:        force,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", db.Name)
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&modules, "modules", nil, "Modules to install into the fresh database")
	cmd.Flags().BoolVar(&demo, "demo", false, "Seed demo data for the installed modules")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing database with the same name")
	return cmd
}

func newTestDBCreateFixtureCmd(verbose *bool) *cobra.Command {
	var (
		modules []string
		demo    bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "create-fixture <name>",
		Short: "Build a reusable seed dataset",
		Long:  "Build a fixture once and seed many test databases from it, instead of installing the same modules before every run.",
		Args:  cobra.ExactArgs(1),
		RunE: withTestManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			fx, err := mgr.CreateFixture(cmd.Context(), args[0], domain.FixtureSpec{
				Modules:      modules,
				SeedDemoData: demo,
			}, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fixture %s ready (modules: %s)\n", fx.Name, strings.Join(fx.Modules, ", "))
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&modules, "modules", nil, "Modules the fixture installs")
	cmd.Flags().BoolVar(&demo, "demo", false, "Include demo data in the fixture")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild the fixture if it already exists")
	return cmd
}

func newTestDBSeedCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <database> <fixture>",
		Short: "Seed an existing database from a fixture",
		Args:  cobra.ExactArgs(2),
		RunE: withTestManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			if err := mgr.Seed(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %s from fixture %s\n", args[0], args[1])
			return nil
		}),
	}
}

func newTestDBParallelSetupCmd(verbose *bool) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "parallel-setup <base>",
		Short: "Allocate a numbered set of test databases for parallel workers",
		Args:  cobra.ExactArgs(1),
		RunE: withTestManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			dbs, err := mgr.AllocateParallelSet(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}
			for _, db := range dbs {
				fmt.Fprintln(cmd.OutOrStdout(), db.Name)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&count, "count", 4, "How many databases to allocate")
	return cmd
}

func newTestDBIsolateCmd(verbose *bool) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "isolate <source>",
		Short: "Clone a database into a disposable copy for risky experiments",
		Args:  cobra.ExactArgs(1),
		RunE: withTestManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			target := fmt.Sprintf("temp_%s_%s", args[0], uuid.NewString()[:8])
			db, err := mgr.Clone(cmd.Context(), args[0], target, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "isolated copy %s\n  dsn: %s\n", db.Name, mgr.DSN(db.Name))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Terminate active connections on the source first")
	return cmd
}
