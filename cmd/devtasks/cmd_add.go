package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

var (
	addPriority string
	addProject  string
	addContext  string
	addJSON     bool
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task to the backlog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTaskStore()
		if err != nil {
			return err
		}

		project := addProject
		if project == "" {
			project = os.Getenv("DEVTASKS_PROJECT")
		}

		t, err := store.Add(strings.Join(args, " "), addPriority, project, addContext)
		if err != nil {
			return err
		}
		logger.Info("task added", "task", t.ID, "priority", t.Priority, "project", t.Project)

		if addJSON {
			return printJSON(cmd, t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created: %s  [%s] %q (%s)\n", t.ID, t.Priority, t.Title, t.Project)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVarP(&addPriority, "priority", "p", tasks.P2, "priority P0-P3")
	addCmd.Flags().StringVar(&addProject, "project", "", "project name (or DEVTASKS_PROJECT env)")
	addCmd.Flags().StringVar(&addContext, "context", "", "task context (defaults to \"Task: <title>\")")
	addCmd.Flags().BoolVar(&addJSON, "json", false, "print the created task as JSON")
	rootCmd.AddCommand(addCmd)
}
