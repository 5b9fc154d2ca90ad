package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invgraph/invgraph/pkg/anomaly"
)

var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Detect statistical anomalies across historical snapshots",
}

var anomalyDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run anomaly detection over all recorded snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")

		e, err := openEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		cfg := anomaly.DefaultConfig()
		cfg.Provider = provider

		detector := anomaly.New(e.temporal)
		report, err := detector.DetectAnomalies(cfg)
		if err != nil {
			return fmt.Errorf("detect anomalies: %w", err)
		}

		if len(report.Anomalies) == 0 {
			fmt.Println("No anomalies detected")
			return nil
		}
		for _, a := range report.Anomalies {
			fmt.Printf("[%s] %-14s snapshot=%s actual=%.2f expected=%.2f z=%.2f\n",
				a.Severity, a.Type, a.SnapshotID, a.ActualValue, a.ExpectedValue, a.ZScore)
		}
		return nil
	},
}

func init() {
	anomalyDetectCmd.Flags().String("provider", "", "Restrict detection to a single provider")
	anomalyCmd.AddCommand(anomalyDetectCmd)
}
