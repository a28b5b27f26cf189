package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/docker"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/gitinfo"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/postgres"
	"github.com/deploycheck/deploycheck/internal/adapters/outbound/tui"
	"github.com/deploycheck/deploycheck/internal/application"
	"github.com/deploycheck/deploycheck/internal/domain"
	"github.com/deploycheck/deploycheck/internal/domain/static"
)

func newValidateCmd(verbose *bool) *cobra.Command {
	var (
		tierFlag     string
		withDemo     bool
		timeout      time.Duration
		jsonOutput   bool
		reportFormat string
		reportDir    string
	)

	cmd := &cobra.Command{
		Use:   "validate <target>",
		Short: "Run validation tiers against a module",
		Long:  "Validate a module directory through the static, dynamic and bulletproof tiers. Later tiers are slower but closer to the real deployment.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if tierFlag == "" {
				tierFlag = cfg.DefaultTier
			}
			tier, err := domain.ParseTier(tierFlag)
			if err != nil {
				return err
			}
			target, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolving target: %w", err)
			}
			if reportDir != "" {
				cfg.ReportDir = reportDir
			}

			orch, cleanup, err := buildOrchestrator(cfg, log, tier)
			if err != nil {
				return err
			}
			defer cleanup()

			req := domain.NewValidationRequest(target, tier)
			req.WithDemoData = withDemo
			if timeout > 0 {
				req.TierTimeout = timeout
			} else {
				req.TierTimeout = cfg.TierTimeout
			}

			report, err := orch.Validate(cmd.Context(), req)
			if err != nil {
				return err
			}

			reportSvc := application.NewReportService(gitinfo.New(), cfg.ReportDir)
			reportSvc.BuildValidation(report)

			if reportFormat != "" {
				format, err := domain.ParseReportFormat(reportFormat)
				if err != nil {
					return err
				}
				artifact, err := reportSvc.WriteValidation(report, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", artifact.Path)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), tui.RenderValidation(report))
			}

			switch report.Status() {
			case domain.StatusFail:
				counts := report.SeverityCounts()
				return domain.NewError(domain.KindValidation, "validate", target,
					fmt.Errorf("%d error(s)", counts[domain.SeverityError]))
			case domain.StatusError:
				return domain.Infrastructure("validate",
					fmt.Errorf("a tier could not run to completion"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tierFlag, "tier", "", "Validation tier: static, dynamic or bulletproof (default from configuration)")
	cmd.Flags().BoolVar(&withDemo, "with-demo", false, "Exercise declared demo data in the dynamic tier")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-tier timeout (default from configuration)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the report as JSON instead of the terminal summary")
	cmd.Flags().StringVar(&reportFormat, "report-format", "", "Also write a report file: text, json or html")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Directory for report files")

	return cmd
}

// buildOrchestrator wires only the tiers the request can reach: a
// static-only validation never opens a database connection or touches the
// container runtime.
func buildOrchestrator(cfg config.Config, log *zap.Logger, tier domain.Tier) (*application.Orchestrator, func(), error) {
	analyzer := static.New(knownModules(cfg.AddonsPath))
	staticRunner := application.NewStaticRunner(analyzer, log)
	runners := []domain.TierRunner{staticRunner}
	cleanup := func() {}

	if tier == domain.TierDynamic || tier == domain.TierBulletproof {
		mgr, err := postgres.NewManager(cfg, log)
		if err != nil {
			return nil, nil, domain.Infrastructure("validate.setup", err)
		}
		cleanup = func() { _ = mgr.Close() }

		runtime := postgres.NewRuntime(log)
		dynamic := application.NewDynamicRunner(mgr, runtime, log)
		runners = append(runners, dynamic)

		if tier == domain.TierBulletproof {
			provider := docker.New(log)
			spec := domain.EnvironmentSpec{PlatformVersion: cfg.PlatformVersion}
			runners = append(runners, application.NewBulletproofRunner(provider, staticRunner, dynamic, spec, log))
		}
	}

	return application.NewOrchestrator(cfg.TierTimeout, log, runners...), cleanup, nil
}

// knownModules lists the module directories on the addons path, so
// dependency declarations between sibling modules resolve.
func knownModules(addonsPath string) map[string]bool {
	out := map[string]bool{}
	entries, err := os.ReadDir(addonsPath)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(addonsPath, e.Name(), "manifest.yaml")); err == nil {
			out[e.Name()] = true
		}
	}
	return out
}
