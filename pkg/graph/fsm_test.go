package graph

import (
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invgraph/invgraph/pkg/types"
)

// fakeSink adapts an io.WriteCloser into a raft.SnapshotSink for exercising
// fsmSnapshot.Persist without a running raft group.
type fakeSink struct {
	io.WriteCloser
}

func (f *fakeSink) ID() string    { return "test-snapshot" }
func (f *fakeSink) Cancel() error { return f.Close() }

func newTestFSM(t *testing.T) (*FSM, *BoltStore) {
	t.Helper()
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store), store
}

func applyCmd(t *testing.T, fsm *FSM, op string, data interface{}) *applyResult {
	t.Helper()
	encoded, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(Command{Op: op, Data: encoded})
	require.NoError(t, err)
	res, ok := fsm.Apply(&raft.Log{Data: raw}).(*applyResult)
	require.True(t, ok)
	return res
}

func TestFSMApplyUpsertNodesAndEdgesAndDelete(t *testing.T) {
	fsm, store := newTestFSM(t)

	n1 := sampleNode("node-1", "a")
	n2 := sampleNode("node-2", "b")
	res := applyCmd(t, fsm, opUpsertNodes, []*types.Node{n1, n2})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCreated, res.NodeOutcomes["node-1"])

	edge := &types.Edge{ID: "edge-1", Source: "node-1", Target: "node-2", Type: types.RelDependsOn, Confidence: 1.0}
	res = applyCmd(t, fsm, opUpsertEdges, []*types.Edge{edge})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCreated, res.EdgeOutcomes["edge-1"])
	assert.Empty(t, res.EdgeRejected)

	res = applyCmd(t, fsm, opDeleteEdges, []string{"edge-1"})
	require.NoError(t, res.Err)
	_, err := store.GetEdge("edge-1")
	assert.Error(t, err)
}

func TestFSMApplyUnknownOpReturnsError(t *testing.T) {
	fsm, _ := newTestFSM(t)
	res := applyCmd(t, fsm, "not_a_real_op", struct{}{})
	assert.Error(t, res.Err)
}

func TestFSMSnapshotAndRestoreRoundTrip(t *testing.T) {
	fsm, _ := newTestFSM(t)

	n := sampleNode("node-1", "a")
	res := applyCmd(t, fsm, opUpsertNodes, []*types.Node{n})
	require.NoError(t, res.Err)

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	fresh, freshStore := newTestFSM(t)

	pr, pw := io.Pipe()
	go func() {
		err := snap.Persist(&fakeSink{WriteCloser: pw})
		pw.CloseWithError(err)
	}()
	require.NoError(t, fresh.Restore(pr))

	restored, err := freshStore.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "a", restored.Name)
}
