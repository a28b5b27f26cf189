package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deploycheck/deploycheck/internal/adapters/outbound/config"
)

var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "deploycheck",
		Short:         "Validate modules before they reach a deployment",
		Long:          "deploycheck runs staged validation tiers against deployable modules, manages isolated test databases and executes install/upgrade test suites with reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newValidateCmd(&verbose))
	cmd.AddCommand(newDBCmd(&verbose))
	cmd.AddCommand(newTestDBCmd(&verbose))
	cmd.AddCommand(newModuleTestCmd(&verbose))
	return cmd
}

// NewRootCmdForTest returns the root command for testing.
func NewRootCmdForTest() *cobra.Command {
	return newRootCmd()
}

func Execute() error {
	return newRootCmd().Execute()
}

// setup loads the configuration and builds the logger every command starts
// from. Components receive both explicitly; nothing reads ambient state.
func setup(verbose bool) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return config.Config{}, nil, err
	}

	var log *zap.Logger
	if verbose {
		log, err = zap.NewDevelopment()
	} else {
		logCfg := zap.NewProductionConfig()
		logCfg.OutputPaths = []string{"stderr"}
		log, err = logCfg.Build()
	}
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show deploycheck version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "deploycheck %s (%s)\n", version, commit)
			return nil
		},
	}
}
