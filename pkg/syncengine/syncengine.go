// Package syncengine drives discovery across configured Sources, resolves
// candidate observations into graph nodes and edges, diffs them against
// previously known state scoped to each source's ownership, and applies
// the resulting write plan to the graph store, emitting change records and
// events along the way.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/invgraph/invgraph/pkg/discovery"
	"github.com/invgraph/invgraph/pkg/events"
	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/metrics"
	"github.com/invgraph/invgraph/pkg/temporal"
	"github.com/invgraph/invgraph/pkg/types"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls a sync cycle.
type Config struct {
	MaxConcurrentSources int
	SourceTimeout        time.Duration
	GracePeriod          time.Duration // how long a missing node is tolerated before it's "disappeared"
}

// DefaultConfig returns sensible defaults: up to 8 sources discovered
// concurrently, 30s per source, and a grace period of twice the sync
// interval's conventional default (10m), i.e. 20m.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSources: 8,
		SourceTimeout:        30 * time.Second,
		GracePeriod:          20 * time.Minute,
	}
}

// SourceResult reports what one source contributed to a sync cycle.
type SourceResult struct {
	Source       string
	NodesSeen    int
	NodesCreated int
	NodesUpdated int
	EdgesSeen    int
	EdgesCreated int
	EdgesUpdated int
	EdgesFailed  int
	EdgesRemoved int
	Disappeared  int
	Reappeared   int
	Err          error
}

// Result is the outcome of one full sync cycle.
type Result struct {
	StartedAt time.Time
	Duration  time.Duration
	Sources   []SourceResult
}

// Engine fans discovery out across Sources and reconciles the results into
// a Graph.
type Engine struct {
	g       *graph.Graph
	sources []discovery.Source
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger
}

// New creates an Engine over g, fanning out to sources on each Sync call.
func New(g *graph.Graph, sources []discovery.Source, broker *events.Broker, cfg Config) *Engine {
	return &Engine{
		g:       g,
		sources: sources,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("syncengine"),
	}
}

// Sync runs one full discovery-and-reconcile cycle across all configured
// sources, bounded to cfg.MaxConcurrentSources concurrent discoveries.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SyncCycleDuration)
		metrics.SyncCyclesTotal.Inc()
	}()

	started := time.Now().UTC()
	results := make([]SourceResult, len(e.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentSources)

	for i, src := range e.sources {
		i, src := i, src
		g.Go(func() error {
			results[i] = e.syncSource(gctx, src)
			return nil
		})
	}
	// errgroup.Go never returns an error here (syncSource always recovers
	// its own errors into the result, including ctx cancellation), so Wait
	// returns nil.
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sync cycle: %w", err)
	}

	e.logger.Info().
		Int("sources", len(results)).
		Dur("duration", time.Since(started)).
		Msg("sync cycle complete")

	return &Result{
		StartedAt: started,
		Duration:  time.Since(started),
		Sources:   results,
	}, nil
}

func (e *Engine) syncSource(ctx context.Context, src discovery.Source) SourceResult {
	desc := src.Describe()
	result := SourceResult{Source: desc.Name}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SyncSourceDuration, desc.Name)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
	defer cancel()

	batch, err := src.Discover(sctx)
	if err != nil {
		metrics.SyncSourceErrorsTotal.WithLabelValues(desc.Name).Inc()
		e.logger.Error().Err(err).Str("source", desc.Name).Msg("discovery failed")
		result.Err = err
		return result
	}

	nativeToID := make(map[string]string, len(batch.Nodes))
	nodes := make([]*types.Node, 0, len(batch.Nodes))
	now := time.Now().UTC()
	for _, c := range batch.Nodes {
		id := types.NodeID(c.Provider, c.Account, c.Region, c.ResourceType, c.NativeID)
		nativeToID[c.NativeID] = id
		nodes = append(nodes, &types.Node{
			ID:           id,
			Provider:     c.Provider,
			Account:      c.Account,
			Region:       c.Region,
			ResourceType: c.ResourceType,
			NativeID:     c.NativeID,
			Name:         c.Name,
			Status:       c.Status,
			Tags:         c.Tags,
			Metadata:     c.Metadata,
			CostMonthly:  c.CostMonthly,
			Owner:        c.Owner,
			LastSeenAt:   now,
		})
	}
	result.NodesSeen = len(nodes)

	// Captured before the upsert below can flip a previously-terminated
	// node's status back to live, which would otherwise erase the signal
	// reconcileOwnership needs to detect a reappearance.
	priorNodes, err := e.g.QueryNodes(graph.NodeFilter{
		Provider:     desc.Provider,
		Account:      desc.Account,
		Region:       desc.Region,
		ResourceType: desc.ResourceType,
	})
	if err != nil {
		result.Err = fmt.Errorf("list prior nodes: %w", err)
		return result
	}

	nodeOutcomes, err := e.g.UpsertNodes(nodes)
	if err != nil {
		result.Err = fmt.Errorf("upsert nodes: %w", err)
		return result
	}

	currentByID := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		currentByID[n.ID] = n
	}
	priorByID := make(map[string]*types.Node, len(priorNodes))
	for _, n := range priorNodes {
		priorByID[n.ID] = n
	}

	var changes []*types.ChangeRecord
	for _, n := range nodes {
		switch nodeOutcomes[n.ID] {
		case graph.OutcomeCreated:
			result.NodesCreated++
			changes = append(changes, e.changeRecord(n.ID, types.ChangeNodeCreated, "", nil, n, desc.Name))
			e.publish(events.EventNodeCreated, n.ID, desc.Name)
		case graph.OutcomeUpdated:
			result.NodesUpdated++
			// Field-level granularity: one node-drifted record per changed
			// observable field, not one generic node-updated record.
			if prior, ok := priorByID[n.ID]; ok {
				for _, fc := range graph.DiffNodeFields(prior, n) {
					changes = append(changes, e.changeRecord(n.ID, types.ChangeNodeDrifted, fc.Field, fc.Previous, fc.New, desc.Name))
				}
			}
			e.publish(events.EventNodeUpdated, n.ID, desc.Name)
		}
	}

	edges := make([]*types.Edge, 0, len(batch.Edges))
	for _, c := range batch.Edges {
		sourceID, ok1 := nativeToID[c.SourceNativeID]
		targetID, ok2 := nativeToID[c.TargetNativeID]
		if !ok1 || !ok2 {
			result.EdgesFailed++
			continue
		}
		edges = append(edges, &types.Edge{
			ID:            types.EdgeID(sourceID, c.Type, targetID),
			Source:        sourceID,
			Target:        targetID,
			Type:          c.Type,
			Confidence:    c.Confidence,
			DiscoveredVia: c.DiscoveredVia,
			Metadata:      c.Metadata,
		})
	}
	result.EdgesSeen = len(edges)

	if len(edges) > 0 {
		edgeOutcomes, rejected, err := e.g.UpsertEdges(edges)
		if err != nil {
			result.Err = fmt.Errorf("upsert edges: %w", err)
			return result
		}
		result.EdgesFailed += len(rejected)
		for _, edge := range edges {
			switch edgeOutcomes[edge.ID] {
			case graph.OutcomeCreated:
				result.EdgesCreated++
				changes = append(changes, e.changeRecord(edge.ID, types.ChangeEdgeCreated, "", nil, edge, desc.Name))
				e.publish(events.EventEdgeCreated, edge.ID, desc.Name)
			case graph.OutcomeUpdated:
				result.EdgesUpdated++
			}
		}
	}

	disappearedCount, reappearedCount, err := e.reconcileOwnership(desc, priorNodes, currentByID, &changes)
	if err != nil {
		e.logger.Error().Err(err).Str("source", desc.Name).Msg("ownership reconciliation failed")
	}
	result.Disappeared = disappearedCount
	result.Reappeared = reappearedCount

	removedCount, err := e.reconcileEdges(desc, edges, &changes)
	if err != nil {
		e.logger.Error().Err(err).Str("source", desc.Name).Msg("edge reconciliation failed")
	}
	result.EdgesRemoved = removedCount

	if len(changes) > 0 {
		for _, c := range changes {
			metrics.ChangesRecordedTotal.WithLabelValues(string(c.Type)).Inc()
		}
		if err := e.g.AppendChanges(changes); err != nil {
			e.logger.Error().Err(err).Str("source", desc.Name).Msg("append changes failed")
		}
	}

	return result
}

// reconcileOwnership scopes previously known nodes (as of immediately
// before this cycle's upsert, via known) to this source's ownership
// (provider/account/region/resourceType) and marks any node not present in
// the current batch as disappeared once it has exceeded the grace period,
// or reappeared if it had previously been marked so and is now observed
// again.
func (e *Engine) reconcileOwnership(desc discovery.SourceDescriptor, known []*types.Node, currentByID map[string]*types.Node, changes *[]*types.ChangeRecord) (disappeared, reappeared int, err error) {
	now := time.Now().UTC()
	for _, n := range known {
		if current, ok := currentByID[n.ID]; ok {
			if n.Status == types.NodeStatusTerminated {
				reappeared++
				*changes = append(*changes, e.changeRecord(n.ID, types.ChangeNodeReappeared, "status", types.NodeStatusTerminated, current.Status, desc.Name))
				e.publish(events.EventNodeReappeared, n.ID, desc.Name)
			}
			continue
		}
		if now.Sub(n.LastSeenAt) <= e.cfg.GracePeriod {
			continue
		}
		if n.Status == types.NodeStatusTerminated {
			continue
		}
		prevStatus := n.Status
		n.Status = types.NodeStatusTerminated
		if _, err := e.g.UpsertNodes([]*types.Node{n}); err != nil {
			return disappeared, reappeared, err
		}
		disappeared++
		*changes = append(*changes, e.changeRecord(n.ID, types.ChangeNodeDisappeared, "status", prevStatus, types.NodeStatusTerminated, desc.Name))
		e.publish(events.EventNodeDisappeared, n.ID, desc.Name)
	}
	return disappeared, reappeared, nil
}

// reconcileEdges scopes previously known edges to this source's owned nodes
// and removes any edge whose source and target were both owned by this
// source but which is absent from the current discovery batch, emitting an
// edge-removed change record per deletion.
func (e *Engine) reconcileEdges(desc discovery.SourceDescriptor, current []*types.Edge, changes *[]*types.ChangeRecord) (int, error) {
	owned, err := e.g.QueryNodes(graph.NodeFilter{
		Provider:     desc.Provider,
		Account:      desc.Account,
		Region:       desc.Region,
		ResourceType: desc.ResourceType,
	})
	if err != nil {
		return 0, err
	}

	inScope := make(map[string]bool, len(owned))
	for _, n := range owned {
		inScope[n.ID] = true
	}

	currentIDs := make(map[string]bool, len(current))
	for _, edge := range current {
		currentIDs[edge.ID] = true
	}

	var toDelete []string
	var removed []*types.Edge
	seen := make(map[string]bool)
	for _, n := range owned {
		known, err := e.g.GetEdgesForNode(n.ID, graph.DirectionOut)
		if err != nil {
			return 0, err
		}
		for _, edge := range known {
			if seen[edge.ID] {
				continue
			}
			seen[edge.ID] = true
			if !inScope[edge.Source] || !inScope[edge.Target] {
				continue
			}
			if currentIDs[edge.ID] {
				continue
			}
			toDelete = append(toDelete, edge.ID)
			removed = append(removed, edge)
		}
	}

	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := e.g.DeleteEdges(toDelete); err != nil {
		return 0, err
	}
	for _, edge := range removed {
		*changes = append(*changes, e.changeRecord(edge.ID, types.ChangeEdgeRemoved, "", edge, nil, desc.Name))
		e.publish(events.EventEdgeRemoved, edge.ID, desc.Name)
	}
	return len(removed), nil
}

func (e *Engine) changeRecord(targetID string, changeType types.ChangeType, field string, prev, next interface{}, source string) *types.ChangeRecord {
	return &types.ChangeRecord{
		ID:              uuid.NewString(),
		TargetID:        targetID,
		Type:            changeType,
		Field:           field,
		PreviousValue:   prev,
		NewValue:        next,
		DetectedAt:      time.Now().UTC(),
		DetectionSource: source,
		CorrelationID:   uuid.NewString(),
		Initiator:       types.InitiatorSystem,
	}
}

// SyncWithSnapshotOptions controls SyncWithSnapshot's retention pass.
type SyncWithSnapshotOptions struct {
	Label     string
	RetainMin int
	RetainAge time.Duration
}

// SyncWithSnapshot runs one sync cycle, captures a snapshot labelled for
// that cycle, and applies retention — the convenience composition of C3
// and C4 that a scheduled job or CLI invocation typically wants instead of
// driving each step by hand.
func (e *Engine) SyncWithSnapshot(ctx context.Context, temporalStore *temporal.Store, opts SyncWithSnapshotOptions) (*Result, *types.Snapshot, error) {
	result, err := e.Sync(ctx)
	if err != nil {
		return nil, nil, err
	}

	label := opts.Label
	if label == "" {
		label = fmt.Sprintf("sync-%s", result.StartedAt.Format(time.RFC3339))
	}
	snap, err := temporalStore.CreateSnapshot(types.TriggerSync, label, "")
	if err != nil {
		return result, nil, fmt.Errorf("create snapshot: %w", err)
	}

	if opts.RetainMin > 0 || opts.RetainAge > 0 {
		age := opts.RetainAge
		if age <= 0 {
			age = 24 * 365 * time.Hour // effectively unbounded if unset
		}
		if _, err := temporalStore.PruneSnapshots(age, opts.RetainMin); err != nil {
			e.logger.Error().Err(err).Msg("snapshot retention pass failed")
		}
	}

	return result, snap, nil
}

func (e *Engine) publish(t events.EventType, targetID, source string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		ID:       uuid.NewString(),
		Type:     t,
		Message:  fmt.Sprintf("%s: %s", t, targetID),
		Metadata: map[string]string{"target_id": targetID, "source": source},
	})
}
