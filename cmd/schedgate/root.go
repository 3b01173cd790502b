package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.json"

// newRootCmd creates the root schedgate command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "schedgate",
		Short:         "Schedule gateway for agent, tool and skill runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file (json or yaml)")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newCheckCmd(),
	)
	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, err := cmd.Flags().GetString("config")
	if err != nil || p == "" {
		return defaultConfigPath
	}
	return p
}
