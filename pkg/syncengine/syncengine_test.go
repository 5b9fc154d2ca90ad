package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgraph/invgraph/pkg/discovery"
	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/types"
)

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Open(graph.Config{DataDir: t.TempDir(), BindAddr: "127.0.0.1:0"})
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

// fakeSource implements discovery.Source over a mutable batch, so a test can
// change what the "cloud" reports between successive sync cycles.
type fakeSource struct {
	desc  discovery.SourceDescriptor
	batch discovery.DiscoveryBatch
}

func (f *fakeSource) Describe() discovery.SourceDescriptor { return f.desc }
func (f *fakeSource) Discover(ctx context.Context) (discovery.DiscoveryBatch, error) {
	return f.batch, nil
}

var testDesc = discovery.SourceDescriptor{
	Name: "aws-fixture", Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance",
}

func twoNodeBatch() discovery.DiscoveryBatch {
	return discovery.DiscoveryBatch{
		Nodes: []discovery.CandidateNode{
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusRunning},
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-2", Name: "db-1", Status: types.NodeStatusRunning},
		},
		Edges: []discovery.CandidateEdge{
			{SourceNativeID: "i-1", TargetNativeID: "i-2", Type: types.RelDependsOn, Confidence: 0.9, DiscoveredVia: types.ViaAPIField},
		},
	}
}

func TestSyncCreatesNodesAndEdgesOnFirstRun(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{desc: testDesc, batch: twoNodeBatch()}
	e := New(g, []discovery.Source{src}, nil, DefaultConfig())

	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	sr := result.Sources[0]
	assert.Equal(t, 2, sr.NodesCreated)
	assert.Equal(t, 1, sr.EdgesCreated)
	assert.Equal(t, 0, sr.EdgesFailed)
}

func TestSyncIsIdempotentAcrossRepeatedCycles(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{desc: testDesc, batch: twoNodeBatch()}
	e := New(g, []discovery.Source{src}, nil, DefaultConfig())

	_, err := e.Sync(context.Background())
	require.NoError(t, err)

	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	sr := result.Sources[0]
	assert.Equal(t, 0, sr.NodesCreated)
	assert.Equal(t, 0, sr.NodesUpdated)
	assert.Equal(t, 0, sr.EdgesCreated)
	assert.Equal(t, 0, sr.EdgesRemoved)

	nodes, err := g.QueryNodes(graph.NodeFilter{Provider: "aws"})
	require.NoError(t, err)
	assert.Len(t, nodes, 2, "repeated sync cycles must not duplicate nodes")
}

func TestSyncMarksNodeDisappearedAfterGracePeriodElapses(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{desc: testDesc, batch: twoNodeBatch()}
	cfg := DefaultConfig()
	cfg.GracePeriod = 0
	e := New(g, []discovery.Source{src}, nil, cfg)

	_, err := e.Sync(context.Background())
	require.NoError(t, err)

	// db-1 stops being reported by the source.
	src.batch = discovery.DiscoveryBatch{
		Nodes: []discovery.CandidateNode{
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusRunning},
		},
	}
	time.Sleep(5 * time.Millisecond)

	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sources[0].Disappeared)

	dbID := types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-2")
	n, err := g.GetNode(dbID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusTerminated, n.Status)
}

func TestSyncReappearsPreviouslyDisappearedNode(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{desc: testDesc, batch: twoNodeBatch()}
	cfg := DefaultConfig()
	cfg.GracePeriod = 0
	e := New(g, []discovery.Source{src}, nil, cfg)

	_, err := e.Sync(context.Background())
	require.NoError(t, err)

	src.batch = discovery.DiscoveryBatch{
		Nodes: []discovery.CandidateNode{
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusRunning},
		},
	}
	time.Sleep(5 * time.Millisecond)
	_, err = e.Sync(context.Background())
	require.NoError(t, err)

	// i-2 is reported again.
	src.batch = twoNodeBatch()
	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sources[0].Reappeared)
}

func TestSyncDetectsEdgeRemovedWhenBothEndpointsStillInScope(t *testing.T) {
	g := newTestGraph(t)
	src := &fakeSource{desc: testDesc, batch: twoNodeBatch()}
	e := New(g, []discovery.Source{src}, nil, DefaultConfig())

	_, err := e.Sync(context.Background())
	require.NoError(t, err)

	// Both nodes still reported, but the edge between them is gone.
	src.batch = discovery.DiscoveryBatch{
		Nodes: []discovery.CandidateNode{
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusRunning},
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-2", Name: "db-1", Status: types.NodeStatusRunning},
		},
	}

	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sources[0].EdgesRemoved)

	sourceID := types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-1")
	targetID := types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-2")
	edgeID := types.EdgeID(sourceID, types.RelDependsOn, targetID)
	_, err = g.GetEdge(edgeID)
	assert.Error(t, err, "removed edge should no longer be retrievable")
}

func TestSyncEmitsFieldLevelDriftOnCostChange(t *testing.T) {
	g := newTestGraph(t)
	cost10 := 10.0
	src := &fakeSource{desc: testDesc, batch: discovery.DiscoveryBatch{
		Nodes: []discovery.CandidateNode{
			{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusRunning, CostMonthly: &cost10},
		},
	}}
	e := New(g, []discovery.Source{src}, nil, DefaultConfig())

	_, err := e.Sync(context.Background())
	require.NoError(t, err)

	cost20 := 20.0
	src.batch.Nodes[0].CostMonthly = &cost20
	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sources[0].NodesUpdated)

	nodeID := types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-1")
	records, err := g.QueryChanges(graph.ChangeFilter{TargetID: nodeID, Type: types.ChangeNodeDrifted})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "costMonthly", records[0].Field)
	assert.InDelta(t, 10.0, records[0].PreviousValue.(float64), 0.0001)
	assert.InDelta(t, 20.0, records[0].NewValue.(float64), 0.0001)

	// No generic node-updated record should be emitted; drift is field-level.
	generic, err := g.QueryChanges(graph.ChangeFilter{TargetID: nodeID, Type: types.ChangeNodeUpdated})
	require.NoError(t, err)
	assert.Empty(t, generic)

	version, err := g.GetNode(nodeID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version.Version)
}

func TestSyncRunsMultipleSourcesConcurrently(t *testing.T) {
	g := newTestGraph(t)
	descA := discovery.SourceDescriptor{Name: "a", Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance"}
	descB := discovery.SourceDescriptor{Name: "b", Provider: "gcp", Account: "2", Region: "us-central1", ResourceType: "gce-instance"}

	srcA := &fakeSource{desc: descA, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "a-1", Status: types.NodeStatusRunning},
	}}}
	srcB := &fakeSource{desc: descB, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{Provider: "gcp", Account: "2", Region: "us-central1", ResourceType: "gce-instance", NativeID: "vm-1", Name: "b-1", Status: types.NodeStatusRunning},
	}}}

	e := New(g, []discovery.Source{srcA, srcB}, nil, DefaultConfig())
	result, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Sources, 2)
	for _, sr := range result.Sources {
		assert.Equal(t, 1, sr.NodesCreated)
		assert.NoError(t, sr.Err)
	}
}
