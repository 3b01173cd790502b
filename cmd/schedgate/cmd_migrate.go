package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"schedgate/internal/app"
)

// newMigrateCmd creates the "schedgate migrate" subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, err := app.Migrate(configPath(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "storage %s is up to date\n", driver)
			return nil
		},
	}
}
