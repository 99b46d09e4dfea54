package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the queue files if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore()
		if err != nil {
			return err
		}
		if err := store.Init(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task queues ready in %s\n", store.Dir())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
