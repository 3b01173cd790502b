package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"schedgate/internal/app"
	"schedgate/internal/config"
)

// newCheckCmd creates the "schedgate check" subcommand.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			cfg, err := config.NewConfigManager(path).Parse()
			if err != nil {
				return err
			}
			if err := app.Validate(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}
}
