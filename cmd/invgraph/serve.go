package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the graph store and expose health and metrics endpoints until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		e, err := openEnv(cmd, true)
		if err != nil {
			log.Errorf("open environment", err)
			return err
		}
		defer e.Close()
		log.Info("invgraph starting")

		collector := graph.NewMetricsCollector(e.graph)
		collector.Start()
		defer collector.Stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("raft", true, "bootstrapped")
		metrics.RegisterComponent("graph", true, "ready")
		metrics.RegisterComponent("syncengine", true, "idle")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())

		errCh := make(chan error, 1)
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		fmt.Printf("Serving health and metrics on http://%s\n", metricsAddr)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			log.Info("invgraph stopped")
		case err := <-errCh:
			log.Warn("metrics server exited unexpectedly")
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the health and metrics HTTP server")
}
