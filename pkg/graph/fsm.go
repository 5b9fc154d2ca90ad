package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/invgraph/invgraph/pkg/types"
)

// Command is the envelope applied through the Raft log. Op selects which
// store method Apply dispatches to; Data carries its JSON-encoded argument.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opUpsertNodes   = "upsert_nodes"
	opUpsertEdges   = "upsert_edges"
	opDeleteEdges   = "delete_edges"
	opAppendChanges = "append_changes"
)

// applyResult is what Apply returns for every command; callers type-assert
// it out of raft.ApplyFuture.Response().
type applyResult struct {
	NodeOutcomes map[string]UpsertOutcome
	EdgeOutcomes map[string]UpsertOutcome
	EdgeRejected []EdgeUpsertError
	Err          error
}

// FSM implements raft.FSM over a Store, serializing every mutation through
// a single Apply call. It is deliberately bootstrapped as a single-node
// group: the purpose here is the durable, strictly ordered write log and
// snapshot/restore machinery, not multi-node fault tolerance.
type FSM struct {
	mu    sync.RWMutex
	store Store
}

// NewFSM wraps store for use as a raft.FSM.
func NewFSM(store Store) *FSM {
	return &FSM{store: store}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return &applyResult{Err: fmt.Errorf("decode command: %w", err)}
	}

	switch cmd.Op {
	case opUpsertNodes:
		var nodes []*types.Node
		if err := json.Unmarshal(cmd.Data, &nodes); err != nil {
			return &applyResult{Err: fmt.Errorf("decode upsert_nodes: %w", err)}
		}
		outcomes, err := f.store.UpsertNodes(nodes)
		return &applyResult{NodeOutcomes: outcomes, Err: err}

	case opUpsertEdges:
		var edges []*types.Edge
		if err := json.Unmarshal(cmd.Data, &edges); err != nil {
			return &applyResult{Err: fmt.Errorf("decode upsert_edges: %w", err)}
		}
		outcomes, rejected, err := f.store.UpsertEdges(edges)
		return &applyResult{EdgeOutcomes: outcomes, EdgeRejected: rejected, Err: err}

	case opDeleteEdges:
		var ids []string
		if err := json.Unmarshal(cmd.Data, &ids); err != nil {
			return &applyResult{Err: fmt.Errorf("decode delete_edges: %w", err)}
		}
		return &applyResult{Err: f.store.DeleteEdges(ids)}

	case opAppendChanges:
		var records []*types.ChangeRecord
		if err := json.Unmarshal(cmd.Data, &records); err != nil {
			return &applyResult{Err: fmt.Errorf("decode append_changes: %w", err)}
		}
		return &applyResult{Err: f.store.AppendChanges(records)}

	default:
		return &applyResult{Err: fmt.Errorf("unknown command op: %s", cmd.Op)}
	}
}

// graphSnapshot is the whole-store payload captured by Snapshot and replayed
// by Restore for log compaction.
type graphSnapshot struct {
	Nodes   []*types.Node         `json:"nodes"`
	Edges   []*types.Edge         `json:"edges"`
	Changes []*types.ChangeRecord `json:"changes"`
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.QueryNodes(NodeFilter{})
	if err != nil {
		return nil, err
	}
	edges, err := f.store.QueryEdges(EdgeFilter{})
	if err != nil {
		return nil, err
	}
	changes, err := f.store.QueryChanges(ChangeFilter{})
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{graphSnapshot{Nodes: nodes, Edges: edges, Changes: changes}}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap graphSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode graph snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.store.UpsertNodes(snap.Nodes); err != nil {
		return fmt.Errorf("restore nodes: %w", err)
	}
	if _, _, err := f.store.UpsertEdges(snap.Edges); err != nil {
		return fmt.Errorf("restore edges: %w", err)
	}
	if err := f.store.AppendChanges(snap.Changes); err != nil {
		return fmt.Errorf("restore changes: %w", err)
	}
	return nil
}

type fsmSnapshot struct {
	data graphSnapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s.data)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
