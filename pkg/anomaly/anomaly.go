// Package anomaly computes statistical baselines over a time-ordered
// snapshot series and flags samples whose z-score exceeds a threshold.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/invgraph/invgraph/pkg/metrics"
	"github.com/invgraph/invgraph/pkg/temporal"
	"github.com/invgraph/invgraph/pkg/types"
)

// AnomalyType names which metric an anomaly was found in.
type AnomalyType string

const (
	TypeNodeCount     AnomalyType = "node-count"
	TypeEdgeCount     AnomalyType = "edge-count"
	TypeCost          AnomalyType = "cost"
	TypeChurn         AnomalyType = "churn"
	TypeEdgeNodeRatio AnomalyType = "edge-node-ratio"
)

// Severity classifies how extreme an anomaly is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Baseline is the statistical summary of one metric across the analyzed
// snapshot series.
type Baseline struct {
	Mean   float64
	StdDev float64
	Median float64
	Q1     float64
	Q3     float64
	IQR    float64
}

// Anomaly is a single sample whose z-score exceeded the configured
// threshold.
type Anomaly struct {
	Type              AnomalyType
	Severity          Severity
	SnapshotID        string
	ActualValue       float64
	ExpectedValue     float64
	ZScore            float64
	AffectedResources []string
}

// Detect controls which anomaly categories a run should evaluate.
type Detect struct {
	Cost       bool
	Topology   bool
	Structural bool
	Churn      bool
}

// Config controls one detectAnomalies run.
type Config struct {
	ZScoreThreshold float64
	MinSnapshots    int
	RollingWindow   int // 0 means use the whole series in scope
	Detect          Detect
	Provider        string
}

// DefaultConfig enables every detection category with a z-score threshold
// of 2.0 and requires at least 3 snapshots to produce a non-empty report.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold: 2.0,
		MinSnapshots:    3,
		Detect:          Detect{Cost: true, Topology: true, Structural: true, Churn: true},
	}
}

// Report is the result of one detectAnomalies run.
type Report struct {
	GeneratedAt       time.Time
	SnapshotsAnalyzed int
	Anomalies         []Anomaly
	Baselines         map[AnomalyType]Baseline
	Summary           string
	CostTrend         []float64
}

// Detector runs anomaly detection over a temporal.Store's snapshot series.
type Detector struct {
	store *temporal.Store
}

// New creates a Detector over store.
func New(store *temporal.Store) *Detector {
	return &Detector{store: store}
}

// DetectAnomalies runs one analysis pass per cfg.
func (d *Detector) DetectAnomalies(cfg Config) (*Report, error) {
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = 2.0
	}
	if cfg.MinSnapshots <= 0 {
		cfg.MinSnapshots = 3
	}

	snaps, err := d.store.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	// ListSnapshots returns newest first; anomaly analysis wants oldest first.
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })

	if cfg.Provider != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if s.ProviderScope == "" || s.ProviderScope == cfg.Provider {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	if cfg.RollingWindow > 0 && len(snaps) > cfg.RollingWindow {
		snaps = snaps[len(snaps)-cfg.RollingWindow:]
	}

	report := &Report{
		GeneratedAt:       time.Now().UTC(),
		SnapshotsAnalyzed: len(snaps),
		Baselines:         map[AnomalyType]Baseline{},
	}
	if len(snaps) < cfg.MinSnapshots {
		report.Summary = fmt.Sprintf("insufficient snapshots: %d < minimum %d", len(snaps), cfg.MinSnapshots)
		return report, nil
	}

	nodeCounts := make([]float64, len(snaps))
	edgeCounts := make([]float64, len(snaps))
	costs := make([]float64, len(snaps))
	ratios := make([]float64, len(snaps))
	for i, s := range snaps {
		nodeCounts[i] = float64(s.NodeCount)
		edgeCounts[i] = float64(s.EdgeCount)
		costs[i] = s.TotalCostMonthly
		if s.NodeCount > 0 {
			ratios[i] = float64(s.EdgeCount) / float64(s.NodeCount)
		}
	}
	report.CostTrend = costs

	d.evaluateSeries(report, TypeNodeCount, nodeCounts, snaps, cfg)
	if cfg.Detect.Topology {
		d.evaluateSeries(report, TypeEdgeCount, edgeCounts, snaps, cfg)
	}
	if cfg.Detect.Cost {
		d.evaluateSeries(report, TypeCost, costs, snaps, cfg)
	}
	if cfg.Detect.Structural {
		d.evaluateSeries(report, TypeEdgeNodeRatio, ratios, snaps, cfg)
	}

	if cfg.Detect.Churn {
		churn := make([]float64, 0, len(snaps)-1)
		churnSnapIDs := make([]string, 0, len(snaps)-1)
		for i := 1; i < len(snaps); i++ {
			diff, err := d.store.DiffSnapshots(snaps[i-1].ID, snaps[i].ID)
			if err != nil {
				return nil, fmt.Errorf("diff snapshots for churn: %w", err)
			}
			c := float64(len(diff.NodesAdded)+len(diff.NodesRemoved)) + float64(len(diff.EdgesAdded)+len(diff.EdgesRemoved))
			churn = append(churn, c)
			churnSnapIDs = append(churnSnapIDs, snaps[i].ID)
		}
		d.evaluateChurn(report, churn, churnSnapIDs, cfg)
	}

	report.Summary = fmt.Sprintf("%d anomalies across %d snapshots", len(report.Anomalies), len(snaps))
	for _, a := range report.Anomalies {
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(a.Severity)).Inc()
	}
	return report, nil
}

func (d *Detector) evaluateSeries(report *Report, t AnomalyType, values []float64, snaps []*types.Snapshot, cfg Config) {
	baseline := computeBaseline(values)
	report.Baselines[t] = baseline
	if baseline.StdDev == 0 {
		return
	}
	for i, v := range values {
		z := (v - baseline.Mean) / baseline.StdDev
		if math.Abs(z) < cfg.ZScoreThreshold {
			continue
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Type:          t,
			Severity:      severityForZScore(math.Abs(z), cfg.ZScoreThreshold),
			SnapshotID:    snaps[i].ID,
			ActualValue:   v,
			ExpectedValue: baseline.Mean,
			ZScore:        z,
		})
	}
}

func (d *Detector) evaluateChurn(report *Report, churn []float64, snapIDs []string, cfg Config) {
	baseline := computeBaseline(churn)
	report.Baselines[TypeChurn] = baseline
	if baseline.StdDev == 0 {
		return
	}
	for i, v := range churn {
		z := (v - baseline.Mean) / baseline.StdDev
		if math.Abs(z) < cfg.ZScoreThreshold {
			continue
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Type:          TypeChurn,
			Severity:      severityForZScore(math.Abs(z), cfg.ZScoreThreshold),
			SnapshotID:    snapIDs[i],
			ActualValue:   v,
			ExpectedValue: baseline.Mean,
			ZScore:        z,
		})
	}
}

func severityForZScore(absZ, threshold float64) Severity {
	switch {
	case absZ >= 4:
		return SeverityCritical
	case absZ >= 3:
		return SeverityHigh
	case absZ >= 2.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func computeBaseline(values []float64) Baseline {
	if len(values) == 0 {
		return Baseline{}
	}
	mean := meanOf(values)
	stddev := stdDevOf(values, mean)
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	median := quantile(sorted, 0.5)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	return Baseline{
		Mean:   mean,
		StdDev: stddev,
		Median: median,
		Q1:     q1,
		Q3:     q3,
		IQR:    q3 - q1,
	}
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDevOf(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// quantile computes the value at quantile q (0..1) over a pre-sorted slice
// using linear interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
