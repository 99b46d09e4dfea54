package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// ReconcileOutput is the JSON structure for `devtasks reconcile`.
type ReconcileOutput struct {
	OK        bool            `json:"ok"`
	Anomalies []tasks.Anomaly `json:"anomalies"`
}

var reconcileStrict bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Report tasks duplicated across queues or missing from the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices()
		if err != nil {
			return err
		}
		anomalies, err := s.controller().Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		if anomalies == nil {
			anomalies = []tasks.Anomaly{}
		}
		for _, a := range anomalies {
			logger.Warn("queue anomaly", "task", a.TaskID, "kind", a.Kind, "queues", a.Queues)
		}
		if err := printJSON(cmd, ReconcileOutput{OK: len(anomalies) == 0, Anomalies: anomalies}); err != nil {
			return err
		}
		if reconcileStrict && len(anomalies) > 0 {
			return fmt.Errorf("%d queue anomalies found", len(anomalies))
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileStrict, "strict", false, "exit non-zero when anomalies are found")
	rootCmd.AddCommand(reconcileCmd)
}
