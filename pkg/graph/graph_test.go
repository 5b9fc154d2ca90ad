package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgraph/invgraph/pkg/types"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := Open(Config{DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for !g.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("graph did not become leader before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return g
}

func TestGraphOpenBootstrapsAsSingleNodeLeader(t *testing.T) {
	g := newTestGraph(t)
	assert.True(t, g.IsLeader())
}

func TestGraphUpsertNodesAndEdgesThroughRaft(t *testing.T) {
	g := newTestGraph(t)

	n1 := sampleNode("node-1", "a")
	n2 := sampleNode("node-2", "b")
	outcomes, err := g.UpsertNodes([]*types.Node{n1, n2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcomes["node-1"])
	assert.Equal(t, OutcomeCreated, outcomes["node-2"])

	edge := &types.Edge{ID: "edge-1", Source: "node-1", Target: "node-2", Type: types.RelDependsOn, Confidence: 1.0}
	edgeOutcomes, rejected, err := g.UpsertEdges([]*types.Edge{edge})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, OutcomeCreated, edgeOutcomes["edge-1"])

	got, err := g.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	require.NoError(t, g.DeleteEdges([]string{"edge-1"}))
	_, err = g.GetEdge("edge-1")
	assert.Error(t, err)
}

func TestGraphAppendChangesDurably(t *testing.T) {
	g := newTestGraph(t)
	record := &types.ChangeRecord{ID: "change-1", TargetID: "node-1", Type: types.ChangeNodeCreated, DetectedAt: time.Now().UTC()}
	require.NoError(t, g.AppendChanges([]*types.ChangeRecord{record}))

	found, err := g.QueryChanges(ChangeFilter{TargetID: "node-1"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "change-1", found[0].ID)
}

func TestGraphEmptyBatchesAreNoOps(t *testing.T) {
	g := newTestGraph(t)

	outcomes, err := g.UpsertNodes(nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)

	assert.NoError(t, g.DeleteEdges(nil))
	assert.NoError(t, g.AppendChanges(nil))
}

func TestGraphGetTopologyScopesEdgesToMatchedNodes(t *testing.T) {
	g := newTestGraph(t)

	n1 := sampleNode("node-1", "a")
	n2 := sampleNode("node-2", "b")
	n3 := sampleNode("node-3", "c")
	n3.Provider = "azure"
	_, err := g.UpsertNodes([]*types.Node{n1, n2, n3})
	require.NoError(t, err)

	inScope := &types.Edge{ID: "edge-1", Source: "node-1", Target: "node-2", Type: types.RelDependsOn, Confidence: 1.0}
	outOfScope := &types.Edge{ID: "edge-2", Source: "node-1", Target: "node-3", Type: types.RelDependsOn, Confidence: 1.0}
	_, rejected, err := g.UpsertEdges([]*types.Edge{inScope, outOfScope})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	topo, err := g.GetTopology(TopologyFilter{Nodes: NodeFilter{Provider: "aws"}})
	require.NoError(t, err)
	assert.Len(t, topo.Nodes, 2)
	require.Len(t, topo.Edges, 1)
	assert.Equal(t, "edge-1", topo.Edges[0].ID)
}
