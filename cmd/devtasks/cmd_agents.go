package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/tui"
)

var (
	agentsWatch    bool
	agentsInterval time.Duration
	agentsJSON     bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show registered agents and the pipeline at a glance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}

		if agentsWatch {
			return tui.Run(s.snapshot, agentsInterval)
		}

		snap, err := s.snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if agentsJSON {
			return printJSON(cmd, snap)
		}
		return printAgents(cmd, snap)
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsWatch, "watch", false, "live dashboard")
	agentsCmd.Flags().DurationVar(&agentsInterval, "interval", 2*time.Second, "refresh interval for --watch")
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(agentsCmd)
}

// snapshot gathers pipeline state, queue counts and agent runs.
func (s *services) snapshot(ctx context.Context) (tui.Snapshot, error) {
	st, err := s.states.Load(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}
	counts, err := s.tasks.Counts()
	if err != nil {
		return tui.Snapshot{}, err
	}
	reg, err := s.registry.Load(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}
	return tui.Snapshot{Pipeline: st, Counts: counts, Agents: reg.Runs(), TakenAt: time.Now()}, nil
}

func printAgents(cmd *cobra.Command, snap tui.Snapshot) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline: %s", snap.Pipeline.Status)
	if snap.Pipeline.CurrentTaskID != "" {
		fmt.Fprintf(out, "  %s %q", snap.Pipeline.CurrentTaskID, snap.Pipeline.CurrentTaskTitle)
	}
	fmt.Fprintln(out)

	if len(snap.Agents) == 0 {
		fmt.Fprintln(out, "No agents.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  \tTASK\tSTATUS\tSESSION\tSPAWNED\tLAST CHECK\n")
	for _, r := range snap.Agents {
		sym := "○"
		if r.Status == "running" {
			sym = "●"
		}
		lastCheck := "—"
		if r.LastChecked != nil {
			lastCheck = relativeTime(snap.TakenAt, *r.LastChecked)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", sym, r.TaskID, r.Status, r.SessionKey,
			relativeTime(snap.TakenAt, r.SpawnedAt), lastCheck)
	}
	return w.Flush()
}

func relativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
