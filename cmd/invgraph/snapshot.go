package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/invgraph/invgraph/pkg/types"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list, diff, and prune point-in-time graph snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a snapshot of the current graph state",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		providerScope, _ := cmd.Flags().GetString("provider")

		e, err := openEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		snap, err := e.temporal.CreateSnapshot(types.TriggerManual, label, providerScope)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		fmt.Printf("Snapshot created: %s\n", snap.ID)
		fmt.Printf("  Label:   %s\n", snap.Label)
		fmt.Printf("  Nodes:   %d\n", snap.NodeCount)
		fmt.Printf("  Edges:   %d\n", snap.EdgeCount)
		fmt.Printf("  Cost:    $%.2f/mo\n", snap.TotalCostMonthly)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		snaps, err := e.temporal.ListSnapshots()
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}
		fmt.Printf("%-38s %-20s %-8s %-8s %-10s %s\n", "ID", "TRIGGER", "NODES", "EDGES", "COST", "CREATED")
		for _, s := range snaps {
			fmt.Printf("%-38s %-20s %-8d %-8d %-10.2f %s\n",
				s.ID, s.Trigger, s.NodeCount, s.EdgeCount, s.TotalCostMonthly,
				s.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff FROM_ID TO_ID",
	Short: "Diff two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		diff, err := e.temporal.DiffSnapshots(args[0], args[1])
		if err != nil {
			return fmt.Errorf("diff snapshots: %w", err)
		}
		fmt.Printf("Nodes added:   %d\n", len(diff.NodesAdded))
		fmt.Printf("Nodes removed: %d\n", len(diff.NodesRemoved))
		fmt.Printf("Nodes changed: %d\n", len(diff.NodesChanged))
		for _, nd := range diff.NodesChanged {
			fmt.Printf("  - %s: %v\n", nd.NodeID, nd.ChangedFields)
		}
		fmt.Printf("Edges added:   %d\n", len(diff.EdgesAdded))
		fmt.Printf("Edges removed: %d\n", len(diff.EdgesRemoved))
		fmt.Printf("Cost delta:    $%.2f/mo\n", diff.CostDelta)
		return nil
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old snapshots past a retention window, preserving the most recent N and any protected IDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		keepMin, _ := cmd.Flags().GetInt("keep-min")
		protect, _ := cmd.Flags().GetStringSlice("protect")

		e, err := openEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		deleted, err := e.temporal.PruneSnapshots(maxAge, keepMin, protect...)
		if err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
		fmt.Printf("Pruned %d snapshot(s)\n", deleted)
		return nil
	},
}

func init() {
	snapshotCreateCmd.Flags().String("label", "", "Human-readable label for this snapshot")
	snapshotCreateCmd.Flags().String("provider", "", "Restrict the snapshot to a single provider scope")

	snapshotPruneCmd.Flags().Duration("max-age", 24*time.Hour, "Delete snapshots older than this")
	snapshotPruneCmd.Flags().Int("keep-min", 10, "Always keep at least this many of the most recent snapshots")
	snapshotPruneCmd.Flags().StringSlice("protect", nil, "Snapshot IDs to never delete")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
}
