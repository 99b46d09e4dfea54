package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// ShowOutput is the JSON structure for `devtasks show --json`.
type ShowOutput struct {
	Queue tasks.Queue `json:"queue"`
	Task  tasks.Task  `json:"task"`
}

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one task and the queue holding it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore()
		if err != nil {
			return err
		}
		t, q, err := store.Find(args[0])
		if err != nil {
			return err
		}

		if showJSON {
			return printJSON(cmd, ShowOutput{Queue: q, Task: t})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "── Task: %s %s\n", t.ID, strings.Repeat("─", max(0, 60-len(t.ID))))
		fmt.Fprintf(out, "Title:    %s\n", t.Title)
		fmt.Fprintf(out, "Queue:    %s\n", q)
		fmt.Fprintf(out, "Priority: %s\n", t.Priority)
		fmt.Fprintf(out, "Project:  %s\n", t.Project)
		fmt.Fprintf(out, "Created:  %s\n", t.Created)
		for _, f := range []struct{ label, value string }{
			{"Started", t.StartedAt},
			{"Agent", t.AgentSession},
			{"Blocked", t.BlockedReason},
			{"Completed", t.CompletedAt},
			{"Result", t.Result},
		} {
			if f.value != "" {
				fmt.Fprintf(out, "%-9s %s\n", f.label+":", f.value)
			}
		}
		fmt.Fprintf(out, "\n%s\n", t.Context)
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(showCmd)
}
