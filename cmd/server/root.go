package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// newRootCmd creates the root command with all subcommands attached
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Agent task orchestrator",
		Long:          "server routes tasks to typed agent pools with priority, retry,\ndelayed and recurring scheduling, and health monitoring.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default config/config.yaml)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newConfigCmd(&configPath),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "server %s\n", version)
		},
	}
}
