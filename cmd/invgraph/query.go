package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/types"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the current graph state",
}

var queryTopologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Return the subgraph matching a node filter, plus every edge between matched nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		account, _ := cmd.Flags().GetString("account")
		region, _ := cmd.Flags().GetString("region")
		resourceType, _ := cmd.Flags().GetString("resource-type")
		status, _ := cmd.Flags().GetString("status")

		e, err := openEnv(cmd, false)
		if err != nil {
			return err
		}
		defer e.Close()

		topo, err := e.graph.GetTopology(graph.TopologyFilter{
			Nodes: graph.NodeFilter{
				Provider:     provider,
				Account:      account,
				Region:       region,
				ResourceType: resourceType,
				Status:       types.NodeStatus(status),
			},
		})
		if err != nil {
			return fmt.Errorf("get topology: %w", err)
		}

		fmt.Printf("Nodes: %d\n", len(topo.Nodes))
		for _, n := range topo.Nodes {
			fmt.Printf("  - %s %s/%s/%s %s (%s)\n", n.ID, n.Provider, n.Account, n.Region, n.ResourceType, n.Status)
		}
		fmt.Printf("Edges: %d\n", len(topo.Edges))
		for _, ed := range topo.Edges {
			fmt.Printf("  - %s --[%s]--> %s\n", ed.Source, ed.Type, ed.Target)
		}
		return nil
	},
}

func init() {
	queryTopologyCmd.Flags().String("provider", "", "Restrict to a provider")
	queryTopologyCmd.Flags().String("account", "", "Restrict to an account")
	queryTopologyCmd.Flags().String("region", "", "Restrict to a region")
	queryTopologyCmd.Flags().String("resource-type", "", "Restrict to a resource type")
	queryTopologyCmd.Flags().String("status", "", "Restrict to a node status")

	queryCmd.AddCommand(queryTopologyCmd)
}
