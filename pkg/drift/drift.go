// Package drift compares live cloud state reported by a discovery
// collaborator against the canonical graph store and classifies the
// differences by field and severity. It never mutates the store — that
// remains the sync engine's responsibility.
package drift

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/invgraph/invgraph/pkg/discovery"
	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/metrics"
	"github.com/invgraph/invgraph/pkg/types"
)

// Severity classifies how concerning a drifted field is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FieldChange is one drifted field on an otherwise-matching node.
type FieldChange struct {
	Field    string
	Live     interface{}
	Stored   interface{}
	Severity Severity
}

// DriftedNode pairs a node with its list of drifted fields.
type DriftedNode struct {
	Node    *types.Node
	Changes []FieldChange
}

// Report is the result of one drift detection pass.
type Report struct {
	DriftedNodes     []DriftedNode
	DisappearedNodes []*types.Node
	NewNodes         []discovery.CandidateNode
	ScannedAt        time.Time
}

// Config controls which metadata keys are treated as security-sensitive
// for severity classification, so callers can extend the table without
// forking the detector. Tag severity is not configured here: it uses the
// fixed governanceTagPattern.
type Config struct {
	SensitiveKeys []string
}

// DefaultSensitiveKeys is the built-in table of metadata keys whose change
// is always classified high or critical severity.
var DefaultSensitiveKeys = []string{
	"publiclyAccessible",
	"encrypted",
	"iamRoleArn",
	"securityGroupRules",
	"kmsKeyId",
	"publicIpAssigned",
}

func DefaultConfig() Config {
	return Config{SensitiveKeys: DefaultSensitiveKeys}
}

var governanceTagPattern = regexp.MustCompile(`^(Environment|Owner|CostCenter)$`)

// Detector runs drift detection for one provider scope using a discovery
// Source as the live-state collaborator and a graph.Graph as the canonical
// store.
type Detector struct {
	g      *graph.Graph
	source discovery.Source
	cfg    Config
}

// New creates a Detector comparing source's live observations against g.
func New(g *graph.Graph, source discovery.Source, cfg Config) *Detector {
	return &Detector{g: g, source: source, cfg: cfg}
}

// DetectDrift performs one comparison pass.
func (d *Detector) DetectDrift(ctx context.Context) (*Report, error) {
	scannedAt := time.Now().UTC()
	desc := d.source.Describe()

	batch, err := d.source.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover live state: %w", err)
	}

	liveByNative := make(map[string]discovery.CandidateNode, len(batch.Nodes))
	for _, n := range batch.Nodes {
		liveByNative[n.NativeID] = n
	}

	stored, err := d.g.QueryNodes(graph.NodeFilter{
		Provider:     desc.Provider,
		Account:      desc.Account,
		Region:       desc.Region,
		ResourceType: desc.ResourceType,
	})
	if err != nil {
		return nil, fmt.Errorf("list stored nodes: %w", err)
	}
	storedByNative := make(map[string]*types.Node, len(stored))
	for _, n := range stored {
		storedByNative[n.NativeID] = n
	}

	report := &Report{ScannedAt: scannedAt}

	for nativeID, live := range liveByNative {
		storedNode, ok := storedByNative[nativeID]
		if !ok {
			report.NewNodes = append(report.NewNodes, live)
			continue
		}
		changes := d.compare(storedNode, live)
		if len(changes) > 0 {
			report.DriftedNodes = append(report.DriftedNodes, DriftedNode{Node: storedNode, Changes: changes})
		}
	}

	for nativeID, storedNode := range storedByNative {
		if _, ok := liveByNative[nativeID]; !ok {
			report.DisappearedNodes = append(report.DisappearedNodes, storedNode)
		}
	}

	for _, dn := range report.DriftedNodes {
		maxSeverity := SeverityLow
		for _, c := range dn.Changes {
			if severityRank(c.Severity) > severityRank(maxSeverity) {
				maxSeverity = c.Severity
			}
		}
		metrics.DriftDetectionsTotal.WithLabelValues(string(maxSeverity)).Inc()
		log.WithNodeID(dn.Node.ID).Warn().
			Str("severity", string(maxSeverity)).
			Int("changed_fields", len(dn.Changes)).
			Msg("drift detected")
	}

	if len(report.NewNodes) > 0 || len(report.DisappearedNodes) > 0 {
		log.Debug(fmt.Sprintf("drift scan for %s/%s: %d new, %d disappeared, %d drifted",
			desc.Provider, desc.ResourceType, len(report.NewNodes), len(report.DisappearedNodes), len(report.DriftedNodes)))
	}

	return report, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// compare classifies every observable field difference between the stored
// node and its live observation.
func (d *Detector) compare(stored *types.Node, live discovery.CandidateNode) []FieldChange {
	var changes []FieldChange

	if stored.Status != live.Status {
		changes = append(changes, FieldChange{Field: "status", Live: live.Status, Stored: stored.Status, Severity: SeverityHigh})
	}

	if stored.Name != live.Name {
		changes = append(changes, FieldChange{Field: "name", Live: live.Name, Stored: stored.Name, Severity: SeverityLow})
	}

	for k, liveVal := range live.Tags {
		storedVal, ok := stored.Tags[k]
		if ok && storedVal == liveVal {
			continue
		}
		sev := SeverityLow
		if governanceTagPattern.MatchString(k) {
			sev = SeverityHigh
		}
		changes = append(changes, FieldChange{Field: fmt.Sprintf("tags.%s", k), Live: liveVal, Stored: storedVal, Severity: sev})
	}
	for k := range stored.Tags {
		if _, ok := live.Tags[k]; !ok {
			sev := SeverityLow
			if governanceTagPattern.MatchString(k) {
				sev = SeverityHigh
			}
			changes = append(changes, FieldChange{Field: fmt.Sprintf("tags.%s", k), Live: nil, Stored: stored.Tags[k], Severity: sev})
		}
	}

	for k, liveVal := range live.Metadata {
		storedVal, ok := stored.Metadata[k]
		if ok && matchesScalar(storedVal, liveVal) {
			continue
		}
		sev := SeverityLow
		if d.isSensitiveKey(k) {
			sev = SeverityCritical
		}
		changes = append(changes, FieldChange{Field: fmt.Sprintf("metadata.%s", k), Live: liveVal, Stored: storedVal, Severity: sev})
	}
	for k, storedVal := range stored.Metadata {
		if _, ok := live.Metadata[k]; !ok {
			sev := SeverityLow
			if d.isSensitiveKey(k) {
				sev = SeverityCritical
			}
			changes = append(changes, FieldChange{Field: fmt.Sprintf("metadata.%s", k), Live: nil, Stored: storedVal, Severity: sev})
		}
	}

	if (stored.Owner == nil) != (live.Owner == nil) || (stored.Owner != nil && *stored.Owner != *live.Owner) {
		changes = append(changes, FieldChange{Field: "owner", Live: live.Owner, Stored: stored.Owner, Severity: SeverityLow})
	}

	if !float64PtrEqual(stored.CostMonthly, live.CostMonthly) {
		changes = append(changes, FieldChange{Field: "costMonthly", Live: live.CostMonthly, Stored: stored.CostMonthly, Severity: SeverityMedium})
	}

	if isProductionTagged(stored.Tags) {
		for i := range changes {
			if severityRank(changes[i].Severity) < severityRank(SeverityHigh) {
				changes[i].Severity = SeverityHigh
			}
		}
	}

	return changes
}

func (d *Detector) isSensitiveKey(key string) bool {
	for _, k := range d.cfg.SensitiveKeys {
		if k == key {
			return true
		}
	}
	return false
}

func isProductionTagged(tags map[string]string) bool {
	return tags["Environment"] == "production" || tags["environment"] == "production"
}

func matchesScalar(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func float64PtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
