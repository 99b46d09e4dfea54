package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "List tasks in one queue, or counts for all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			counts, err := store.Counts()
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(cmd, counts)
			}
			for _, q := range tasks.Queues {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", q, counts[q])
			}
			return nil
		}

		q, err := tasks.ParseQueue(args[0])
		if err != nil {
			return err
		}
		ts, err := store.List(q)
		if err != nil {
			return err
		}

		if listJSON {
			return printJSON(cmd, ts)
		}
		if len(ts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tPRIO\tPROJECT\tTITLE\n")
		for _, t := range ts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Priority, t.Project, t.Title)
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(listCmd)
}
