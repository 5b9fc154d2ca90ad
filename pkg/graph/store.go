// Package graph implements the durable, typed store for resource nodes,
// relationship edges, and change records (spec component C2), fronted by a
// single-writer, multi-reader Raft-backed FSM.
package graph

import (
	"github.com/invgraph/invgraph/pkg/types"
)

// UpsertOutcome classifies what happened to one record during an upsert.
type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// Direction constrains edge traversal relative to a node.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// NodeFilter selects a subset of nodes for QueryNodes.
type NodeFilter struct {
	Provider         string
	Account          string
	Region           string
	ResourceType     string
	Status           types.NodeStatus
	TagEquals        map[string]string
	MetadataEquals   map[string]interface{}
	IDIn             []string
	NameMatchesRegex string
	OrderBy          string // field name; empty means unordered
}

// EdgeFilter selects a subset of edges for QueryEdges.
type EdgeFilter struct {
	SourceID      string
	TargetID      string
	Type          types.RelationshipType
	DiscoveredVia types.DiscoveredVia
	MinConfidence float64
}

// ChangeFilter selects a subset of change records for QueryChanges.
type ChangeFilter struct {
	TargetID string
	Since    *int64 // unix nanoseconds
	Until    *int64
	Type     types.ChangeType
}

// Neighborhood is the result of a bounded BFS traversal from a seed node.
type Neighborhood struct {
	Nodes []*types.Node
	Edges []*types.Edge
}

// TopologyFilter selects the subgraph returned by GetTopology: the node
// filter picks the vertex set, and the result includes every edge whose
// endpoints both survive that filter.
type TopologyFilter struct {
	Nodes NodeFilter
}

// Topology is a self-contained subgraph: a set of nodes plus every edge
// between two of them.
type Topology struct {
	Nodes []*types.Node
	Edges []*types.Edge
}

// EdgeUpsertError reports a per-edge failure that did not abort the rest of
// the batch, as required by the "missing-endpoint" contract in UpsertEdges.
type EdgeUpsertError struct {
	EdgeID string
	Reason string
}

// Store is the sole authority for current graph state: durable typed CRUD
// plus query operations over nodes, edges, and change records.
//
// All mutating operations (Upsert*, DeleteEdges, AppendChanges) are expected
// to be invoked only through the single serialized writer (see Graph in
// graph.go and the FSM in fsm.go); Store itself does not enforce mutual exclusion between
// concurrent callers and trusts the FSM to serialize all Apply calls.
type Store interface {
	UpsertNodes(batch []*types.Node) (map[string]UpsertOutcome, error)
	UpsertEdges(batch []*types.Edge) (map[string]UpsertOutcome, []EdgeUpsertError, error)
	DeleteEdges(ids []string) error

	GetNode(id string) (*types.Node, error)
	GetEdge(id string) (*types.Edge, error)

	QueryNodes(filter NodeFilter) ([]*types.Node, error)
	QueryEdges(filter EdgeFilter) ([]*types.Edge, error)
	GetEdgesForNode(nodeID string, direction Direction) ([]*types.Edge, error)
	GetNeighbors(nodeID string, depth int, direction Direction) (*Neighborhood, error)

	AppendChanges(records []*types.ChangeRecord) error
	QueryChanges(filter ChangeFilter) ([]*types.ChangeRecord, error)

	Close() error
}
