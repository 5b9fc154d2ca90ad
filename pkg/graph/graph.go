package graph

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"encoding/json"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/metrics"
	"github.com/invgraph/invgraph/pkg/types"
)

// Config controls how a Graph is bootstrapped.
type Config struct {
	DataDir  string
	NodeID   string
	BindAddr string
}

// Graph is the single-writer, multi-reader entry point over the graph
// store. Every mutating call is applied through raft.Apply so mutations are
// durably, strictly ordered, and change-recorded even though the group has
// exactly one voter; read calls bypass the log and go straight to the
// store, which is safe because bbolt snapshots readers against the current
// committed state.
type Graph struct {
	cfg   Config
	raft  *raft.Raft
	store *BoltStore
	fsm   *FSM
	log   zerolog.Logger
}

// Open bootstraps (or rejoins, on restart) a single-node Raft group backed
// by a BoltStore at cfg.DataDir/graph.db, with the raft log/stable/snapshot
// stores rooted at cfg.DataDir/raft. Timeouts are tuned for local-disk commit
// latency, not network RTT between peers.
func Open(cfg Config) (*Graph, error) {
	if cfg.DataDir == "" {
		return nil, invalidInput("data dir is required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "invgraph-single"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:0"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, permanent("create data dir", err)
	}
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, permanent("create raft dir", err)
	}

	store, err := OpenBoltStore(filepath.Join(cfg.DataDir, "graph.db"))
	if err != nil {
		return nil, err
	}
	fsm := NewFSM(store)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		store.Close()
		return nil, permanent("resolve raft bind addr", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		store.Close()
		return nil, permanent("create raft transport", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		store.Close()
		return nil, permanent("create raft snapshot store", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "log.db"))
	if err != nil {
		store.Close()
		return nil, permanent("create raft log store", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "stable.db"))
	if err != nil {
		store.Close()
		return nil, permanent("create raft stable store", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		store.Close()
		return nil, permanent("start raft", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		store.Close()
		return nil, permanent("inspect raft state", err)
	}
	if !hasState {
		cfgFuture := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{
				{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
			},
		})
		if err := cfgFuture.Error(); err != nil {
			store.Close()
			return nil, permanent("bootstrap raft cluster", err)
		}
	}

	return &Graph{
		cfg:   cfg,
		raft:  r,
		store: store,
		fsm:   fsm,
		log:   log.WithComponent("graph"),
	}, nil
}

// Close shuts down the raft group and the underlying store.
func (g *Graph) Close() error {
	if f := g.raft.Shutdown(); f.Error() != nil {
		g.log.Error().Err(f.Error()).Msg("raft shutdown")
	}
	return g.store.Close()
}

const applyTimeout = 10 * time.Second

func (g *Graph) apply(op string, data interface{}) (*applyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, permanent("encode command payload", err)
	}
	cmd := Command{Op: op, Data: encoded}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, permanent("encode command", err)
	}

	future := g.raft.Apply(raw, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, newError(KindTransient, "apply graph command", err)
	}
	res, ok := future.Response().(*applyResult)
	if !ok {
		return nil, permanent("unexpected apply response type", fmt.Errorf("%T", future.Response()))
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res, nil
}

// UpsertNodes durably applies the given nodes through the single writer.
func (g *Graph) UpsertNodes(batch []*types.Node) (map[string]UpsertOutcome, error) {
	if len(batch) == 0 {
		return map[string]UpsertOutcome{}, nil
	}
	res, err := g.apply(opUpsertNodes, batch)
	if err != nil {
		return nil, err
	}
	return res.NodeOutcomes, nil
}

// UpsertEdges durably applies the given edges through the single writer.
func (g *Graph) UpsertEdges(batch []*types.Edge) (map[string]UpsertOutcome, []EdgeUpsertError, error) {
	if len(batch) == 0 {
		return map[string]UpsertOutcome{}, nil, nil
	}
	res, err := g.apply(opUpsertEdges, batch)
	if err != nil {
		return nil, nil, err
	}
	return res.EdgeOutcomes, res.EdgeRejected, nil
}

// DeleteEdges durably removes the given edges through the single writer.
func (g *Graph) DeleteEdges(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := g.apply(opDeleteEdges, ids)
	return err
}

// AppendChanges durably records the given change records through the
// single writer.
func (g *Graph) AppendChanges(records []*types.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := g.apply(opAppendChanges, records)
	return err
}

// The remaining read operations bypass raft entirely: they never mutate
// state, so routing them through the log would only add latency.

func (g *Graph) GetNode(id string) (*types.Node, error) { return g.store.GetNode(id) }
func (g *Graph) GetEdge(id string) (*types.Edge, error) { return g.store.GetEdge(id) }

func (g *Graph) QueryNodes(filter NodeFilter) ([]*types.Node, error) {
	return g.store.QueryNodes(filter)
}

func (g *Graph) QueryEdges(filter EdgeFilter) ([]*types.Edge, error) {
	return g.store.QueryEdges(filter)
}

func (g *Graph) GetEdgesForNode(nodeID string, direction Direction) ([]*types.Edge, error) {
	return g.store.GetEdgesForNode(nodeID, direction)
}

func (g *Graph) GetNeighbors(nodeID string, depth int, direction Direction) (*Neighborhood, error) {
	return g.store.GetNeighbors(nodeID, depth, direction)
}

// GetTopology returns the subgraph induced by filter.Nodes: every node
// matching the filter, plus every edge whose source and target both
// matched. It is a thin composition over QueryNodes/QueryEdges, not a
// separate storage concern.
func (g *Graph) GetTopology(filter TopologyFilter) (*Topology, error) {
	nodes, err := g.store.QueryNodes(filter.Nodes)
	if err != nil {
		return nil, err
	}
	inScope := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inScope[n.ID] = true
	}

	edges, err := g.store.QueryEdges(EdgeFilter{})
	if err != nil {
		return nil, err
	}
	var scoped []*types.Edge
	for _, e := range edges {
		if inScope[e.Source] && inScope[e.Target] {
			scoped = append(scoped, e)
		}
	}

	return &Topology{Nodes: nodes, Edges: scoped}, nil
}

func (g *Graph) QueryChanges(filter ChangeFilter) ([]*types.ChangeRecord, error) {
	return g.store.QueryChanges(filter)
}

// Store exposes the underlying Store. The temporal and governance stores do
// not use it: each opens a bbolt file of its own.
func (g *Graph) Store() Store { return g.store }

// IsLeader reports whether this node currently holds Raft leadership. With
// a single-node group this is true once bootstrap completes and stays true
// for the process lifetime.
func (g *Graph) IsLeader() bool {
	return g.raft.State() == raft.Leader
}

// RaftAppliedIndex returns the last Raft log index applied to the FSM.
func (g *Graph) RaftAppliedIndex() uint64 {
	stats := g.raft.Stats()
	var idx uint64
	fmt.Sscanf(stats["applied_index"], "%d", &idx)
	return idx
}
