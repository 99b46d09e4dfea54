package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/config"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Scheduler for the agent monitor and nightly intake",
}

// cronJob is one scheduled command. An empty schedule disables it.
type cronJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) (any, error)
}

func (s *services) cronJobs() []cronJob {
	m := s.manager()
	return []cronJob{
		{"monitor", cfg.MonitorSchedule, func(ctx context.Context) (any, error) { return m.Monitor(ctx) }},
		{"nightly", cfg.NightlySchedule, func(ctx context.Context) (any, error) { return m.Nightly(ctx) }},
	}
}

// cronLogger adapts the slog logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}

var cronOnce bool

var cronTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run the scheduler loop (long-running)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}
		jobs := s.cronJobs()

		runJob := func(ctx context.Context, j cronJob) {
			res, err := j.run(ctx)
			if err != nil {
				logger.Error("cron job failed", "job", j.name, "err", err)
				return
			}
			if err := printJSON(cmd, res); err != nil {
				logger.Error("cron job output", "job", j.name, "err", err)
			}
		}

		if cronOnce {
			for _, j := range jobs {
				if j.schedule != "" {
					runJob(cmd.Context(), j)
				}
			}
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLogger(cronLogger{}),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		)
		scheduled := 0
		for _, j := range jobs {
			if j.schedule == "" {
				continue
			}
			j := j
			if _, err := c.AddFunc(j.schedule, func() { runJob(ctx, j) }); err != nil {
				return fmt.Errorf("scheduling %s %q: %w", j.name, j.schedule, err)
			}
			logger.Info("cron: scheduled", "job", j.name, "schedule", j.schedule)
			scheduled++
		}
		if scheduled == 0 {
			return fmt.Errorf("no schedules configured (monitor_schedule, nightly_schedule)")
		}

		c.Start()
		<-ctx.Done()
		logger.Info("cron: stopping")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	cronTickCmd.Flags().BoolVar(&cronOnce, "once", false, "run every enabled job once and exit")
	cronCmd.AddCommand(cronTickCmd)
	rootCmd.AddCommand(cronCmd)
}
