package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		if err := connectDB(); err != nil {
			return err
		}

		applied, err := db.RunMigrations(pool)
		if err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(applied) == 0 {
			fmt.Fprintln(out, "Nothing to apply, all migrations are current.")
			return nil
		}
		for _, name := range applied {
			fmt.Fprintf(out, "✓ Applied: %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
