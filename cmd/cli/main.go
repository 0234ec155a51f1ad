package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferloop/modelops/cmd/cli/commands"
	"github.com/inferloop/modelops/cmd/cli/config"
	"github.com/inferloop/modelops/pkg/constants"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		cfgFile   string
		serverURL string
		format    string
		env       *commands.Env
	)

	rootCmd := &cobra.Command{
		Use:   "modelops-cli",
		Short: "Model lifecycle and deployment CLI",
		Long: `A command-line interface for registering model versions, rolling them
out with immediate, blue-green, canary, A/B or shadow deployments, and
following the experiments that decide between champion and challenger.`,
		Version:       constants.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}
			if format != "" {
				cfg.DefaultFormat = format
			}
			env = &commands.Env{
				Client:   commands.NewClient(cfg.ServerURL, cfg.Timeout),
				Format:   cfg.DefaultFormat,
				Operator: cfg.Operator,
				Out:      out,
			}
			return nil
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.modelops/cli.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "modelops server URL")
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", "", "output format (yaml, json)")

	envFn := func() *commands.Env { return env }
	rootCmd.AddCommand(
		commands.NewRegisterCmd(envFn),
		commands.NewVersionsCmd(envFn),
		commands.NewDeployCmd(envFn),
		commands.NewDeploymentsCmd(envFn),
		commands.NewRollbackCmd(envFn),
		commands.NewExperimentsCmd(envFn),
		commands.NewSummaryCmd(envFn),
		commands.NewCleanupCmd(envFn),
	)

	return rootCmd
}
