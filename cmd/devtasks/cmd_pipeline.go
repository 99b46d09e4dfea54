package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Drive the implement/verify/commit pipeline",
}

// parseSuccess reads the success argument of the after-* commands.
func parseSuccess(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ok", "success", "yes", "y", "pass":
		return true, nil
	case "fail", "failed", "failure", "no", "n", "error":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected true or false, got %q", s)
	}
	return b, nil
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// runPipeline opens the stores, runs op and prints its result.
func runPipeline(cmd *cobra.Command, op func(c *pipeline.Controller) (pipeline.Result, error)) error {
	s, err := openServices()
	if err != nil {
		return err
	}
	res, err := op(s.controller())
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

var pipelineStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a batch with the first approved task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.Start(cmd.Context())
		})
	},
}

var pipelineAfterPreflightCmd = &cobra.Command{
	Use:   "after-preflight <success> [error]",
	Short: "Report the preflight outcome",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := parseSuccess(args[0])
		if err != nil {
			return err
		}
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.AfterPreflight(cmd.Context(), ok, argAt(args, 1))
		})
	},
}

var pipelineAfterImplCmd = &cobra.Command{
	Use:   "after-impl <success> [session-key] [error]",
	Short: "Report the implementation outcome",
	Args:  cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := parseSuccess(args[0])
		if err != nil {
			return err
		}
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.AfterImplementation(cmd.Context(), ok, argAt(args, 1), argAt(args, 2))
		})
	},
}

var pipelineAfterVerifyCmd = &cobra.Command{
	Use:   "after-verify <clean|changes_made|blocked> [session-key]",
	Short: "Report a verification verdict",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := pipeline.ParseVerdict(args[0])
		if err != nil {
			return err
		}
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.AfterVerification(cmd.Context(), v, argAt(args, 1))
		})
	},
}

var pipelineAfterCommitCmd = &cobra.Command{
	Use:   "after-commit <success> [error]",
	Short: "Report the commit outcome",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := parseSuccess(args[0])
		if err != nil {
			return err
		}
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.AfterCommit(cmd.Context(), ok, argAt(args, 1))
		})
	},
}

// StatusOutput is the JSON structure for `devtasks pipeline status`.
type StatusOutput struct {
	pipeline.State
	History any `json:"history,omitempty"`
}

var statusHistory int

var pipelineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the pipeline state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}
		st, err := s.controller().Status(cmd.Context())
		if err != nil {
			return err
		}
		out := StatusOutput{State: st}
		if statusHistory > 0 {
			if s.history == nil {
				logger.Warn("transition history needs the postgres backend")
			} else {
				h, err := s.history.History(cmd.Context(), statusHistory)
				if err != nil {
					return err
				}
				out.History = h
			}
		}
		return printJSON(cmd, out)
	},
}

var pipelineResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the pipeline to idle without touching tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.Reset(cmd.Context())
		})
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Check the current task's repo for partial work to resume",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, func(c *pipeline.Controller) (pipeline.Result, error) {
			return c.Resume(cmd.Context())
		})
	},
}

func init() {
	pipelineStatusCmd.Flags().IntVar(&statusHistory, "history", 0, "include the last N transitions (postgres backend)")
	pipelineCmd.AddCommand(
		pipelineStartCmd,
		pipelineAfterPreflightCmd,
		pipelineAfterImplCmd,
		pipelineAfterVerifyCmd,
		pipelineAfterCommitCmd,
		pipelineStatusCmd,
		pipelineResetCmd,
		pipelineResumeCmd,
	)
	rootCmd.AddCommand(pipelineCmd)
}
