package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/postgres"
	"github.com/deploycheck/deploycheck/internal/domain"
)

func newDBCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage lifecycle of managed databases",
	}
	cmd.AddCommand(newDBCreateCmd(verbose))
	cmd.AddCommand(newDBCloneCmd(verbose))
	cmd.AddCommand(newDBDropCmd(verbose))
	cmd.AddCommand(newDBListCmd(verbose))
	cmd.AddCommand(newDBInfoCmd(verbose))
	cmd.AddCommand(newDBBackupCmd(verbose))
	cmd.AddCommand(newDBRestoreCmd(verbose))
	cmd.AddCommand(newDBVerifyCmd(verbose))
	cmd.AddCommand(newDBCleanupCmd(verbose))
	return cmd
}

// withManager is the shared bring-up for every db subcommand. verbose is a
// pointer because the flag is only parsed after command construction.
func withManager(verbose *bool, fn func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(*verbose)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		mgr, err := postgres.NewManager(cfg, log)
		if err != nil {
			return domain.Infrastructure("db.connect", err)
		}
		defer func() { _ = mgr.Close() }()

		return fn(cfg, log, mgr, cmd, args)
	}
}

func newDBCreateCmd(verbose *bool) *cobra.Command {
	var (
		typeFlag string
		modules  []string
		demo     bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a managed database",
		Args:  cobra.ExactArgs(1),
		RunE: withTestManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			typ, err := domain.ParseDatabaseType(typeFlag)
			if err != nil {
				return err
			}
			db, err := mgr.Create(cmd.Context(), args[0], typ, domain.CreateOptions{
				Modules:      modules,
				SeedDemoData: demo,
				Force:        force,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", db.Name, db.Type)
			return nil
		}),
	}
	cmd.Flags().StringVar(&typeFlag, "type", "dev", "Database type: dev, test, staging, fixture or temp")
	cmd.Flags().StringSliceVar(&modules, "modules", nil, "Modules to install into the fresh database")
	cmd.Flags().BoolVar(&demo, "demo", false, "Seed demo data for the installed modules")
	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing database with the same name")
	return cmd
}

func newDBCloneCmd(verbose *bool) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clone <source> <target>",
		Short: "Clone a database under a new name",
		Args:  cobra.ExactArgs(2),
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			db, err := mgr.Clone(cmd.Context(), args[0], args[1], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cloned %s -> %s\n", args[0], db.Name)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Terminate active connections on the source first")
	return cmd
}

func newDBDropCmd(verbose *bool) *cobra.Command {
	var (
		force bool
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a managed database",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("dropping %s is irreversible; re-run with --yes to confirm", args[0])
			}
			if err := mgr.Drop(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Terminate active connections first")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the drop")
	return cmd
}

func newDBListCmd(verbose *bool) *cobra.Command {
	var pattern string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed databases",
		Args:  cobra.NoArgs,
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			dbs, err := mgr.List(cmd.Context(), pattern)
			if err != nil {
				return err
			}
			for _, db := range dbs {
				owner := ""
				if db.Owner != "" {
					owner = "  owner=" + db.Owner
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-8s %-12s %s%s\n",
					db.Name, db.Type, db.State, db.CreatedAt.Format(time.RFC3339), owner)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&pattern, "pattern", "", "Only names containing this substring")
	return cmd
}

func newDBInfoCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show one managed database",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			db, err := mgr.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "name:      %s\ntype:      %s\nstate:     %s\nowner:     %s\npreserved: %v\ncreated:   %s\n",
				db.Name, db.Type, db.State, db.Owner, db.Preserved, db.CreatedAt.Format(time.RFC3339))
			return nil
		}),
	}
}

func newDBBackupCmd(verbose *bool) *cobra.Command {
	var (
		format   string
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "backup <name>",
		Short: "Dump a database to a backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			b, err := mgr.Backup(cmd.Context(), args[0], format, compress)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s\n  path:   %s\n  sha256: %s\n", b.ID, b.Path, b.SHA256)
			return nil
		}),
	}
	cmd.Flags().StringVar(&format, "format", "custom", "Dump format: custom or plain")
	cmd.Flags().BoolVar(&compress, "compress", false, "Compress the dump")
	return cmd
}

func newDBRestoreCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-id> <target>",
		Short: "Restore a backup into a new database",
		Args:  cobra.ExactArgs(2),
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			db, err := mgr.Restore(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored into %s\n", db.Name)
			return nil
		}),
	}
}

func newDBVerifyCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Check a backup artifact's integrity",
		Args:  cobra.ExactArgs(1),
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			ok, err := mgr.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("backup %s failed verification", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s verified\n", args[0])
			return nil
		}),
	}
}

func newDBCleanupCmd(verbose *bool) *cobra.Command {
	var (
		olderThan time.Duration
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep aged temp and test databases",
		Args:  cobra.NoArgs,
		RunE: withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
			swept, err := mgr.Cleanup(cmd.Context(), olderThan, dryRun)
			if err != nil {
				return err
			}
			if len(swept) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean up")
				return nil
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			names := make([]string, 0, len(swept))
			for _, db := range swept {
				names = append(names, db.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d database(s): %s\n", verb, len(swept), strings.Join(names, ", "))
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Only databases older than this")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report candidates without deleting")
	return cmd
}
