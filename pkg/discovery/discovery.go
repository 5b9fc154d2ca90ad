// Package discovery defines the external collaborator contract through
// which the sync engine learns about cloud resources: a Source describes
// what it owns and returns a batch of candidate nodes and edges on demand.
// Real cloud adapters (AWS, GCP, Azure API clients) are out of scope; the
// only concrete Source shipped here is StaticSource, a fixture-file reader
// used for local development and tests.
package discovery

import (
	"context"

	"github.com/invgraph/invgraph/pkg/types"
)

// CandidateNode is the provider-shaped observation a Source reports for one
// resource, prior to identity resolution by the sync engine.
type CandidateNode struct {
	Provider     string
	Account      string
	Region       string
	ResourceType string
	NativeID     string

	Name        string
	Status      types.NodeStatus
	Tags        map[string]string
	Metadata    map[string]interface{}
	CostMonthly *float64
	Owner       *string
}

// CandidateEdge is a relationship a Source asserts between two native
// resource IDs. Sources report native IDs, not resolved node IDs; the sync
// engine resolves them against already-upserted nodes in the same batch.
type CandidateEdge struct {
	SourceNativeID string
	TargetNativeID string
	Type           types.RelationshipType
	Confidence     float64
	DiscoveredVia  types.DiscoveredVia
	Metadata       map[string]interface{}
}

// DiscoveryBatch is what one Source.Discover call returns.
type DiscoveryBatch struct {
	Nodes []CandidateNode
	Edges []CandidateEdge
}

// SourceDescriptor identifies a Source and the ownership scope it covers,
// so the sync engine can tell which nodes a source is authoritative for
// (and therefore which previously-seen nodes have "disappeared" if this
// source no longer reports them).
type SourceDescriptor struct {
	Name         string
	Provider     string
	Account      string
	Region       string
	ResourceType string
}

// Source is the contract every discovery backend implements.
type Source interface {
	Describe() SourceDescriptor
	Discover(ctx context.Context) (DiscoveryBatch, error)
}
