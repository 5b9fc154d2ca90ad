// Command invgraph drives the infrastructure knowledge graph: discovery
// sync, temporal snapshots, drift and anomaly detection, and change
// governance, all over one local graph store.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/invgraph/invgraph/pkg/events"
	"github.com/invgraph/invgraph/pkg/governance"
	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/policy"
	"github.com/invgraph/invgraph/pkg/temporal"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "invgraph",
	Short:   "invgraph - multi-cloud infrastructure knowledge graph",
	Long:    `invgraph discovers, graphs, and governs multi-cloud infrastructure: a durable typed graph of resources and relationships, point-in-time snapshots, drift and anomaly detection, and a change governance workflow.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"invgraph version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./invgraph-data", "Data directory for graph, temporal, and governance stores")
	rootCmd.PersistentFlags().String("policy-backend", "local", "Policy evaluator backend (local, remote, mock)")
	rootCmd.PersistentFlags().String("policy-remote-url", "", "Policy service endpoint, required when --policy-backend=remote")
	rootCmd.PersistentFlags().Duration("policy-remote-timeout", 5*time.Second, "Timeout for requests to the remote policy service")
	rootCmd.PersistentFlags().String("policy-remote-fail-mode", "closed", "How the remote policy backend behaves when unreachable (open, closed)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(anomalyCmd)
	rootCmd.AddCommand(governanceCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// env bundles the set of stores and shared services a command needs, so
// every RunE opens exactly what it uses and closes it on return.
type env struct {
	graph      *graph.Graph
	temporal   *temporal.Store
	governance *governance.Manager
	broker     *events.Broker
}

func (e *env) Close() {
	if e.governance != nil {
		e.governance.Close()
	}
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.graph != nil {
		e.graph.Close()
	}
	if e.broker != nil {
		e.broker.Stop()
	}
}

func openGraph(dataDir string) (*graph.Graph, error) {
	return graph.Open(graph.Config{DataDir: dataDir})
}

func openEnv(cmd *cobra.Command, withGovernance bool) (*env, error) {
	dataDir, _ := cmd.Root().PersistentFlags().GetString("data-dir")

	g, err := openGraph(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open graph: %w", err)
	}
	ts, err := temporal.Open(g, filepath.Join(dataDir, "temporal.db"))
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("open temporal store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	e := &env{graph: g, temporal: ts, broker: broker}

	if withGovernance {
		evaluator, err := openPolicyBackend(cmd.Root())
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open policy backend: %w", err)
		}

		gm, err := governance.Open(filepath.Join(dataDir, "governance.db"), evaluator, broker, governance.DefaultConfig())
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open governance manager: %w", err)
		}
		e.governance = gm
	}

	return e, nil
}

// openPolicyBackend builds the policy.Evaluator named by --policy-backend.
// It defaults to the local rule-based backend so the governance workflow
// actually evaluates policy in the runnable binary; --policy-backend=mock
// remains available for demos and local experimentation.
func openPolicyBackend(root *cobra.Command) (policy.Evaluator, error) {
	backend, _ := root.PersistentFlags().GetString("policy-backend")

	switch backend {
	case "", "local":
		return policy.NewLocalBackend(policy.DefaultRules()), nil
	case "mock":
		return policy.NewMockBackend(), nil
	case "remote":
		endpoint, _ := root.PersistentFlags().GetString("policy-remote-url")
		if endpoint == "" {
			return nil, fmt.Errorf("--policy-remote-url is required when --policy-backend=remote")
		}
		timeout, _ := root.PersistentFlags().GetDuration("policy-remote-timeout")
		failMode, _ := root.PersistentFlags().GetString("policy-remote-fail-mode")
		return policy.NewRemoteBackend(policy.RemoteConfig{
			Endpoint: endpoint,
			Timeout:  timeout,
			FailMode: policy.FailMode(failMode),
		}), nil
	default:
		return nil, fmt.Errorf("unknown policy backend %q (expected local, remote, or mock)", backend)
	}
}
