package drift

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

type fakeSource struct {
	desc  discovery.SourceDescriptor
	batch discovery.DiscoveryBatch
}

func (f *fakeSource) Describe() discovery.SourceDescriptor { return f.desc }
func (f *fakeSource) Discover(ctx context.Context) (discovery.DiscoveryBatch, error) {
	return f.batch, nil
}

func costPtr(v float64) *float64 { return &v }

var testDesc = discovery.SourceDescriptor{
	Name: "aws-fixture", Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance",
}

func TestDetectDriftNoChangesNoFindings(t *testing.T) {
	g := newTestGraph(t)
	n := &types.Node{
		ID: types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-1"),
		Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1",
		Name: "web-1", Status: types.NodeStatusRunning,
	}
	_, err := g.UpsertNodes([]*types.Node{n})
	require.NoError(t, err)

	src := &fakeSource{desc: testDesc, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusRunning},
	}}}

	d := New(g, src, DefaultConfig())
	report, err := d.DetectDrift(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.DriftedNodes)
	assert.Empty(t, report.DisappearedNodes)
	assert.Empty(t, report.NewNodes)
}

func TestDetectDriftStatusChangeIsHighSeverity(t *testing.T) {
	g := newTestGraph(t)
	n := &types.Node{
		ID: types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-1"),
		Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1",
		Name: "web-1", Status: types.NodeStatusRunning,
	}
	_, err := g.UpsertNodes([]*types.Node{n})
	require.NoError(t, err)

	src := &fakeSource{desc: testDesc, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1", Name: "web-1", Status: types.NodeStatusStopped},
	}}}

	d := New(g, src, DefaultConfig())
	report, err := d.DetectDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, report.DriftedNodes, 1)
	require.Len(t, report.DriftedNodes[0].Changes, 1)
	assert.Equal(t, "status", report.DriftedNodes[0].Changes[0].Field)
	assert.Equal(t, SeverityHigh, report.DriftedNodes[0].Changes[0].Severity)
}

func TestDetectDriftSensitiveMetadataIsCritical(t *testing.T) {
	g := newTestGraph(t)
	n := &types.Node{
		ID: types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-1"),
		Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1",
		Name: "web-1", Status: types.NodeStatusRunning,
		Metadata: map[string]interface{}{"publiclyAccessible": false},
	}
	_, err := g.UpsertNodes([]*types.Node{n})
	require.NoError(t, err)

	src := &fakeSource{desc: testDesc, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{
			Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1",
			Name: "web-1", Status: types.NodeStatusRunning,
			Metadata: map[string]interface{}{"publiclyAccessible": true},
		},
	}}}

	d := New(g, src, DefaultConfig())
	report, err := d.DetectDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, report.DriftedNodes, 1)
	require.Len(t, report.DriftedNodes[0].Changes, 1)
	assert.Equal(t, SeverityCritical, report.DriftedNodes[0].Changes[0].Severity)
}

func TestDetectDriftProductionTagFloorsAllSeveritiesToHigh(t *testing.T) {
	g := newTestGraph(t)
	n := &types.Node{
		ID: types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-1"),
		Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1",
		Name: "web-1", Status: types.NodeStatusRunning,
		Tags: map[string]string{"Environment": "production"},
	}
	_, err := g.UpsertNodes([]*types.Node{n})
	require.NoError(t, err)

	src := &fakeSource{desc: testDesc, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{
			Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-1",
			Name: "web-1-renamed", Status: types.NodeStatusRunning,
			Tags: map[string]string{"Environment": "production"},
		},
	}}}

	d := New(g, src, DefaultConfig())
	report, err := d.DetectDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, report.DriftedNodes, 1)
	for _, c := range report.DriftedNodes[0].Changes {
		assert.Equal(t, SeverityHigh, c.Severity, "change %q should be floored to high in production", c.Field)
	}
}

func TestDetectDriftNewAndDisappearedNodes(t *testing.T) {
	g := newTestGraph(t)
	stored := &types.Node{
		ID: types.NodeID("aws", "1", "us-east-1", "ec2-instance", "i-gone"),
		Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-gone",
		Name: "gone-1", Status: types.NodeStatusRunning,
	}
	_, err := g.UpsertNodes([]*types.Node{stored})
	require.NoError(t, err)

	src := &fakeSource{desc: testDesc, batch: discovery.DiscoveryBatch{Nodes: []discovery.CandidateNode{
		{Provider: "aws", Account: "1", Region: "us-east-1", ResourceType: "ec2-instance", NativeID: "i-new", Name: "new-1", Status: types.NodeStatusRunning, CostMonthly: costPtr(1)},
	}}}

	d := New(g, src, DefaultConfig())
	report, err := d.DetectDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, report.NewNodes, 1)
	assert.Equal(t, "i-new", report.NewNodes[0].NativeID)
	require.Len(t, report.DisappearedNodes, 1)
	assert.Equal(t, "i-gone", report.DisappearedNodes[0].NativeID)
}
