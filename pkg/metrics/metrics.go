// Package metrics exposes Prometheus instrumentation for the graph store,
// sync engine, temporal store, drift/anomaly detectors, risk scorer,
// policy evaluator, and change governor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Graph store metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invgraph_nodes_total",
			Help: "Total number of nodes by provider and status",
		},
		[]string{"provider", "status"},
	)

	EdgesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invgraph_edges_total",
			Help: "Total number of edges by type",
		},
		[]string{"type"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invgraph_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invgraph_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invgraph_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync engine metrics
	SyncCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invgraph_sync_cycle_duration_seconds",
			Help:    "Time taken for a full sync cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invgraph_sync_cycles_total",
			Help: "Total number of sync cycles completed",
		},
	)

	SyncSourceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invgraph_sync_source_duration_seconds",
			Help:    "Time taken to discover and reconcile one source in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SyncSourceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invgraph_sync_source_errors_total",
			Help: "Total number of source discovery errors",
		},
		[]string{"source"},
	)

	ChangesRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invgraph_changes_recorded_total",
			Help: "Total number of change records appended, by type",
		},
		[]string{"type"},
	)

	// Temporal store metrics
	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invgraph_snapshots_total",
			Help: "Total number of snapshots created",
		},
	)

	SnapshotCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invgraph_snapshot_create_duration_seconds",
			Help:    "Time taken to create a snapshot in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Drift/anomaly metrics
	DriftDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invgraph_drift_detections_total",
			Help: "Total number of drift findings by severity",
		},
		[]string{"severity"},
	)

	AnomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invgraph_anomalies_detected_total",
			Help: "Total number of anomalies detected by severity",
		},
		[]string{"severity"},
	)

	// Risk/policy/governance metrics
	RiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invgraph_risk_score",
			Help:    "Distribution of computed risk scores for change requests",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	PolicyEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "invgraph_policy_eval_duration_seconds",
			Help:    "Time taken to evaluate policy for a change request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PolicyViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invgraph_policy_violations_total",
			Help: "Total number of policy violations by action",
		},
		[]string{"action"},
	)

	GovernanceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invgraph_governance_transitions_total",
			Help: "Total number of change-request state transitions",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(EdgesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(SyncCycleDuration)
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(SyncSourceDuration)
	prometheus.MustRegister(SyncSourceErrorsTotal)
	prometheus.MustRegister(ChangesRecordedTotal)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(SnapshotCreateDuration)
	prometheus.MustRegister(DriftDetectionsTotal)
	prometheus.MustRegister(AnomaliesDetectedTotal)
	prometheus.MustRegister(RiskScore)
	prometheus.MustRegister(PolicyEvalDuration)
	prometheus.MustRegister(PolicyViolationsTotal)
	prometheus.MustRegister(GovernanceTransitionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
