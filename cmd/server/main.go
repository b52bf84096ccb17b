package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sandboxd",
		Short:         "Sandboxed code execution orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the orchestrator with its MCP and HTTP interfaces",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return serve(configPath)
			},
		},
		&cobra.Command{
			Use:   "reap",
			Short: "Release orphaned sandboxes once and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return reap(cmd.Context(), configPath, cmd.OutOrStdout())
			},
		},
	)
	return root
}
