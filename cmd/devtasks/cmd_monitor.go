package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/agent"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check running agents for stuck work",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}
		rep, err := s.manager().Monitor(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}

type outcomeFunc func(m *agent.Manager, ctx context.Context, taskID, text string) (agent.Outcome, error)

func outcomeCmd(use, short string, fn outcomeFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id> <text>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServices()
			if err != nil {
				return err
			}
			out, err := fn(s.manager(), cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

var monitorAttachCmd = &cobra.Command{
	Use:   "attach <task-id> <session-key>",
	Short: "Record the session key of a spawned agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}
		if err := s.manager().Attach(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		return printJSON(cmd, map[string]string{"action": "attached", "task_id": args[0], "session_key": args[1]})
	},
}

func init() {
	monitorCmd.AddCommand(
		outcomeCmd("complete", "Mark a task done with a result", (*agent.Manager).Complete),
		outcomeCmd("blocked", "Mark a task blocked with a reason", (*agent.Manager).Block),
		outcomeCmd("failed", "Return a task to the backlog with a failure reason", (*agent.Manager).Fail),
		monitorAttachCmd,
	)
	rootCmd.AddCommand(monitorCmd)
}
