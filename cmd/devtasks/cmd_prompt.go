package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/prompt"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Print agent prompts without touching pipeline state",
}

// --- preflight ---

var promptPreflightCmd = &cobra.Command{
	Use:   "preflight <project>",
	Short: "Output the preflight prompt for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt.Preflight(cfg.Project(args[0])))
		return nil
	},
}

// findTask loads the task store and looks id up in every queue.
func findTask(id string) (tasks.Task, error) {
	store, err := openTaskStore()
	if err != nil {
		return tasks.Task{}, err
	}
	t, _, err := store.Find(id)
	return t, err
}

// --- implement ---

var promptImplementCmd = &cobra.Command{
	Use:   "implement <task-id>",
	Short: "Output the implementation prompt for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := findTask(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt.Implementation(t, cfg.Project(t.Project)))
		return nil
	},
}

// --- verify ---

var promptVerifyAttempt int

var promptVerifyCmd = &cobra.Command{
	Use:   "verify <task-id>",
	Short: "Output the verification prompt for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := findTask(args[0])
		if err != nil {
			return err
		}
		if promptVerifyAttempt < 1 || promptVerifyAttempt > cfg.MaxVerifyAttempts {
			return fmt.Errorf("--attempt must be between 1 and %d", cfg.MaxVerifyAttempts)
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt.Verification(t, cfg.Project(t.Project), promptVerifyAttempt, cfg.MaxVerifyAttempts))
		return nil
	},
}

// --- spawn ---

var promptSpawnCmd = &cobra.Command{
	Use:   "spawn <task-id>",
	Short: "Output the single-agent prompt used by nightly intake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := findTask(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt.Spawn(t))
		return nil
	},
}

func init() {
	promptVerifyCmd.Flags().IntVar(&promptVerifyAttempt, "attempt", 1, "verification attempt number")
	promptCmd.AddCommand(promptPreflightCmd, promptImplementCmd, promptVerifyCmd, promptSpawnCmd)
	rootCmd.AddCommand(promptCmd)
}
