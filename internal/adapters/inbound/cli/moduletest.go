package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/gitinfo"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/postgres"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/tui"
	"github.com/deploycheck/deploycheck/internal/application"
	"github.com/deploycheck/deploycheck/internal/domain"
)

type moduleTestFlags struct {
	demo              bool
	preserveOnFailure bool
	fixture           string
	parallel          bool
	workers           int
	continueOnError   bool
	jsonOutput        bool
	reportFormat      string
	reportDir         string
}

func newModuleTestCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module-test",
		Short: "Run module test scenarios against fresh databases",
	}
	cmd.AddCommand(newModuleTestScenarioCmd(verbose, "install", "Install each module into a fresh database"))
	cmd.AddCommand(newModuleTestScenarioCmd(verbose, "upgrade", "Install each module, then upgrade it in place"))
	cmd.AddCommand(newModuleTestScenarioCmd(verbose, "dependencies", "Verify each module's dependency chain installs in order"))
	cmd.AddCommand(newModuleTestIntegrationCmd(verbose))
	cmd.AddCommand(newModuleTestFullCmd(verbose))
	return cmd
}

func addModuleTestFlags(cmd *cobra.Command, f *moduleTestFlags, suite bool) {
	cmd.Flags().BoolVar(&f.demo, "demo", false, "Seed demo data during installs")
	cmd.Flags().BoolVar(&f.preserveOnFailure, "preserve-on-failure", false, "Keep the database of a failed run for inspection")
	cmd.Flags().StringVar(&f.fixture, "fixture", "", "Seed each run's database from this fixture first")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Print the suite report as JSON instead of the terminal summary")
	cmd.Flags().StringVar(&f.reportFormat, "report-format", "", "Also write a report file: text, json or html")
	cmd.Flags().StringVar(&f.reportDir, "report-dir", "", "Directory for report files and run logs")
	if suite {
		cmd.Flags().BoolVar(&f.parallel, "parallel", false, "Run modules concurrently on a preallocated database set")
		cmd.Flags().IntVar(&f.workers, "workers", 0, "Worker count for --parallel (default from configuration)")
		cmd.Flags().BoolVar(&f.continueOnError, "continue-on-error", false, "Keep running remaining modules after a failure")
	}
}

// withRunner brings up the database manager, the module runtime and the test
// runner all db-backed scenarios share.
func withRunner(verbose *bool, f *moduleTestFlags, fn func(cfg config.Config, log *zap.Logger, runner *application.TestRunner, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return withManager(verbose, func(cfg config.Config, log *zap.Logger, mgr *postgres.Manager, cmd *cobra.Command, args []string) error {
		if f.reportDir != "" {
			cfg.ReportDir = f.reportDir
		}
		runtime := postgres.NewRuntime(log)
		mgr = mgr.WithRuntime(runtime, cfg.AddonsPath)
		workers := cfg.Workers
		if f.workers > 0 {
			workers = f.workers
		}
		logDir := filepath.Join(cfg.ReportDir, "logs")
		runner := application.NewTestRunner(mgr, runtime, cfg.AddonsPath, logDir, workers, log)
		return fn(cfg, log, runner, cmd, args)
	})
}

func (f *moduleTestFlags) runOptions() application.RunOptions {
	return application.RunOptions{
		SeedDemoData:      f.demo,
		PreserveOnFailure: f.preserveOnFailure,
		Fixture:           f.fixture,
	}
}

// emitSuite renders, optionally writes, and folds the runs into the exit
// status every scenario command shares.
func emitSuite(cmd *cobra.Command, cfg config.Config, f *moduleTestFlags, runs []*domain.TestRun, target string) error {
	svc := application.NewReportService(gitinfo.New(), cfg.ReportDir)
	report := svc.BuildSuite(runs, target)

	if f.reportFormat != "" {
		format, err := domain.ParseReportFormat(f.reportFormat)
		if err != nil {
			return err
		}
		artifact, err := svc.WriteSuite(report, format)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", artifact.Path)
	}

	if f.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderSuite(report))
	}

	if report.Failed() {
		failed := 0
		errored := 0
		for _, run := range report.TestRuns {
			switch run.Status {
			case domain.RunFailed:
				failed++
			case domain.RunError:
				errored++
			}
		}
		if errored > 0 && failed == 0 {
			return domain.Infrastructure("module-test",
				fmt.Errorf("%d run(s) could not complete", errored))
		}
		return domain.NewError(domain.KindValidation, "module-test", target,
			fmt.Errorf("%d run(s) failed", failed))
	}
	return nil
}

func newModuleTestScenarioCmd(verbose *bool, scenario, short string) *cobra.Command {
	var f moduleTestFlags
	cmd := &cobra.Command{
		Use:   scenario + " <module...>",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: withRunner(verbose, &f, func(cfg config.Config, log *zap.Logger, runner *application.TestRunner, cmd *cobra.Command, args []string) error {
			runs := make([]*domain.TestRun, 0, len(args))
			for _, module := range args {
				var run *domain.TestRun
				switch scenario {
				case "install":
					run = runner.RunInstallTest(cmd.Context(), module, f.runOptions())
				case "upgrade":
					run = runner.RunUpgradeTest(cmd.Context(), module, f.runOptions())
				case "dependencies":
					run = runner.RunDependencyTest(cmd.Context(), module)
				}
				runs = append(runs, run)
			}
			return emitSuite(cmd, cfg, &f, runs, args[0])
		}),
	}
	addModuleTestFlags(cmd, &f, false)
	return cmd
}

func newModuleTestIntegrationCmd(verbose *bool) *cobra.Command {
	var f moduleTestFlags
	cmd := &cobra.Command{
		Use:   "integration <module...>",
		Short: "Install a set of modules together in one database",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRunner(verbose, &f, func(cfg config.Config, log *zap.Logger, runner *application.TestRunner, cmd *cobra.Command, args []string) error {
			run := runner.RunIntegrationTest(cmd.Context(), args)
			return emitSuite(cmd, cfg, &f, []*domain.TestRun{run}, args[0])
		}),
	}
	addModuleTestFlags(cmd, &f, false)
	return cmd
}

func newModuleTestFullCmd(verbose *bool) *cobra.Command {
	var f moduleTestFlags
	cmd := &cobra.Command{
		Use:   "full <module...>",
		Short: "Run the install scenario for every module, optionally in parallel",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRunner(verbose, &f, func(cfg config.Config, log *zap.Logger, runner *application.TestRunner, cmd *cobra.Command, args []string) error {
			runs := runner.RunFullSuite(cmd.Context(), args, application.SuiteOptions{
				RunOptions:      f.runOptions(),
				Parallel:        f.parallel,
				Workers:         f.workers,
				ContinueOnError: f.continueOnError,
			})
			return emitSuite(cmd, cfg, &f, runs, args[0])
		}),
	}
	addModuleTestFlags(cmd, &f, true)
	return cmd
}
