package discovery

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/invgraph/invgraph/pkg/types"
)

// staticFixture is the on-disk shape of a StaticSource fixture file.
type staticFixture struct {
	Nodes []struct {
		Provider     string                 `yaml:"provider"`
		Account      string                 `yaml:"account"`
		Region       string                 `yaml:"region"`
		ResourceType string                 `yaml:"resourceType"`
		NativeID     string                 `yaml:"nativeId"`
		Name         string                 `yaml:"name"`
		Status       string                 `yaml:"status"`
		Tags         map[string]string      `yaml:"tags"`
		Metadata     map[string]interface{} `yaml:"metadata"`
		CostMonthly  *float64               `yaml:"costMonthly"`
		Owner        *string                `yaml:"owner"`
	} `yaml:"nodes"`
	Edges []struct {
		SourceNativeID string                 `yaml:"sourceNativeId"`
		TargetNativeID string                 `yaml:"targetNativeId"`
		Type           string                 `yaml:"type"`
		Confidence     float64                `yaml:"confidence"`
		DiscoveredVia  string                 `yaml:"discoveredVia"`
		Metadata       map[string]interface{} `yaml:"metadata"`
	} `yaml:"edges"`
}

// StaticSource implements Source by reading a YAML fixture file on every
// Discover call, so changes to the fixture on disk are picked up on the
// next sync cycle without a restart. It exists for local development,
// demos, and tests standing in for a real cloud API client.
type StaticSource struct {
	descriptor SourceDescriptor
	path       string
}

// NewStaticSource returns a Source that reads batches from the YAML file at
// path, describing itself with descriptor.
func NewStaticSource(descriptor SourceDescriptor, path string) *StaticSource {
	return &StaticSource{descriptor: descriptor, path: path}
}

func (s *StaticSource) Describe() SourceDescriptor { return s.descriptor }

func (s *StaticSource) Discover(ctx context.Context) (DiscoveryBatch, error) {
	select {
	case <-ctx.Done():
		return DiscoveryBatch{}, ctx.Err()
	default:
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return DiscoveryBatch{}, fmt.Errorf("read fixture %s: %w", s.path, err)
	}

	var fixture staticFixture
	if err := yaml.Unmarshal(raw, &fixture); err != nil {
		return DiscoveryBatch{}, fmt.Errorf("parse fixture %s: %w", s.path, err)
	}

	batch := DiscoveryBatch{}
	for _, n := range fixture.Nodes {
		batch.Nodes = append(batch.Nodes, CandidateNode{
			Provider:     n.Provider,
			Account:      n.Account,
			Region:       n.Region,
			ResourceType: n.ResourceType,
			NativeID:     n.NativeID,
			Name:         n.Name,
			Status:       types.NodeStatus(n.Status),
			Tags:         n.Tags,
			Metadata:     n.Metadata,
			CostMonthly:  n.CostMonthly,
			Owner:        n.Owner,
		})
	}
	for _, e := range fixture.Edges {
		batch.Edges = append(batch.Edges, CandidateEdge{
			SourceNativeID: e.SourceNativeID,
			TargetNativeID: e.TargetNativeID,
			Type:           types.RelationshipType(e.Type),
			Confidence:     e.Confidence,
			DiscoveredVia:  types.DiscoveredVia(e.DiscoveredVia),
			Metadata:       e.Metadata,
		})
	}
	return batch, nil
}
