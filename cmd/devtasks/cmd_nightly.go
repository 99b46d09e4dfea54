package main

import (
	"github.com/spf13/cobra"
)

var nightlyCmd = &cobra.Command{
	Use:   "nightly",
	Short: "Move the top backlog task to in-progress and request one agent for it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}
		req, err := s.manager().Nightly(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, req)
	},
}

func init() {
	rootCmd.AddCommand(nightlyCmd)
}
