// Package temporal implements point-in-time snapshots and history queries
// over the graph store: creating and listing named revisions, diffing two
// revisions, reconstructing node/edge state as of a revision, and pruning
// old revisions under a retention policy.
//
// Snapshots live in their own bbolt file, separate from the graph's,
// capturing the whole store as one unit the same way the FSM captures state
// for Raft log compaction; here the capture is driven by the caller (sync
// completion, a schedule, or an operator command) instead of Raft snapshot
// threshold, and the result is kept indefinitely (until pruned) rather than
// used to truncate the log.
package temporal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/google/uuid"

	"github.com/invgraph/invgraph/pkg/graph"
	"github.com/invgraph/invgraph/pkg/log"
	"github.com/invgraph/invgraph/pkg/metrics"
	"github.com/invgraph/invgraph/pkg/types"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketRevisions = []byte("revisions") // revisionID -> node/edge content
	bucketSnapIndex = []byte("snapshot_index") // snapshotID -> []revisionID
)

// revisionEnvelope is the content-addressed, immutable payload for one
// node or edge at the moment a snapshot was taken. The ID is the hash of
// its JSON-encoded content, so two snapshots that captured the same object
// unchanged share the same revision record.
type revisionEnvelope struct {
	Kind    string          `json:"kind"` // "node" or "edge"
	TargetID string         `json:"targetId"`
	Content json.RawMessage `json:"content"`
}

// Store implements snapshot and history operations over a graph.Graph,
// persisting its buckets in a bbolt file of its own.
type Store struct {
	g  *graph.Graph
	db *bbolt.DB
}

// Open creates a temporal Store backed by the bbolt file at path (typically
// the same data directory as the graph store, under a distinct file name
// so bucket layout doesn't collide with Raft's own log/stable stores).
func Open(g *graph.Graph, path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open temporal store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketRevisions, bucketSnapIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize temporal buckets: %w", err)
	}
	return &Store{g: g, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func revisionID(kind, targetID string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{'|'})
	h.Write([]byte(targetID))
	h.Write([]byte{'|'})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// CreateSnapshot captures the full current graph state (or, when
// providerScope is non-empty, only nodes/edges under that provider) as a
// new, immutable, content-addressed Snapshot.
func (s *Store) CreateSnapshot(trigger types.SnapshotTrigger, label, providerScope string) (*types.Snapshot, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SnapshotCreateDuration)
		metrics.SnapshotsTotal.Inc()
	}()

	nodeFilter := graph.NodeFilter{}
	if providerScope != "" {
		nodeFilter.Provider = providerScope
	}
	nodes, err := s.g.QueryNodes(nodeFilter)
	if err != nil {
		return nil, fmt.Errorf("list nodes for snapshot: %w", err)
	}
	nodeIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeIDs[n.ID] = true
	}
	edges, err := s.g.QueryEdges(graph.EdgeFilter{})
	if err != nil {
		return nil, fmt.Errorf("list edges for snapshot: %w", err)
	}

	var revisionIDs []string
	var totalCost float64
	var capturedEdges int
	err = s.db.Update(func(tx *bbolt.Tx) error {
		revs := tx.Bucket(bucketRevisions)
		for _, n := range nodes {
			content, err := json.Marshal(n)
			if err != nil {
				return err
			}
			id := revisionID("node", n.ID, content)
			if revs.Get([]byte(id)) == nil {
				env := revisionEnvelope{Kind: "node", TargetID: n.ID, Content: content}
				encoded, err := json.Marshal(env)
				if err != nil {
					return err
				}
				if err := revs.Put([]byte(id), encoded); err != nil {
					return err
				}
			}
			revisionIDs = append(revisionIDs, id)
			if n.CostMonthly != nil {
				totalCost += *n.CostMonthly
			}
		}
		for _, e := range edges {
			if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
				continue
			}
			capturedEdges++
			content, err := json.Marshal(e)
			if err != nil {
				return err
			}
			id := revisionID("edge", e.ID, content)
			if revs.Get([]byte(id)) == nil {
				env := revisionEnvelope{Kind: "edge", TargetID: e.ID, Content: content}
				encoded, err := json.Marshal(env)
				if err != nil {
					return err
				}
				if err := revs.Put([]byte(id), encoded); err != nil {
					return err
				}
			}
			revisionIDs = append(revisionIDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist revisions: %w", err)
	}

	snap := &types.Snapshot{
		ID:               uuid.NewString(),
		Trigger:          trigger,
		Label:            label,
		CreatedAt:        time.Now().UTC(),
		ProviderScope:    providerScope,
		NodeCount:        len(nodes),
		EdgeCount:        capturedEdges,
		TotalCostMonthly: totalCost,
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshots).Put([]byte(snap.ID), encoded); err != nil {
			return err
		}
		idxBytes, err := json.Marshal(revisionIDs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapIndex).Put([]byte(snap.ID), idxBytes)
	})
	if err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	log.WithSnapshotID(snap.ID).Info().
		Str("trigger", string(trigger)).
		Int("nodes", snap.NodeCount).
		Int("edges", snap.EdgeCount).
		Msg("snapshot created")

	return snap, nil
}

// GetSnapshot returns a snapshot's metadata by ID.
func (s *Store) GetSnapshot(id string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("snapshot not found: %s", id)
		}
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns all snapshot metadata, most recent first.
func (s *Store) ListSnapshots() ([]*types.Snapshot, error) {
	var result []*types.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			result = append(result, &snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// revisionContents returns the node and edge content captured under a
// snapshot, reconstructed from the revision index.
func (s *Store) revisionContents(snapshotID string) (nodes []*types.Node, edges []*types.Edge, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		idxBytes := tx.Bucket(bucketSnapIndex).Get([]byte(snapshotID))
		if idxBytes == nil {
			return fmt.Errorf("snapshot index not found: %s", snapshotID)
		}
		var revisionIDs []string
		if err := json.Unmarshal(idxBytes, &revisionIDs); err != nil {
			return err
		}
		revs := tx.Bucket(bucketRevisions)
		for _, rid := range revisionIDs {
			raw := revs.Get([]byte(rid))
			if raw == nil {
				continue
			}
			var env revisionEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return err
			}
			switch env.Kind {
			case "node":
				var n types.Node
				if err := json.Unmarshal(env.Content, &n); err != nil {
					return err
				}
				nodes = append(nodes, &n)
			case "edge":
				var e types.Edge
				if err := json.Unmarshal(env.Content, &e); err != nil {
					return err
				}
				edges = append(edges, &e)
			}
		}
		return nil
	})
	return nodes, edges, err
}

// GetNodesAtSnapshot returns the node set as it existed at snapshotID.
func (s *Store) GetNodesAtSnapshot(snapshotID string) ([]*types.Node, error) {
	nodes, _, err := s.revisionContents(snapshotID)
	return nodes, err
}

// GetEdgesAtSnapshot returns the edge set as it existed at snapshotID.
func (s *Store) GetEdgesAtSnapshot(snapshotID string) ([]*types.Edge, error) {
	_, edges, err := s.revisionContents(snapshotID)
	return edges, err
}

// GetSnapshotAt returns the most recent snapshot created at or before t, or
// an error if none exists.
func (s *Store) GetSnapshotAt(t time.Time) (*types.Snapshot, error) {
	all, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}
	for _, snap := range all {
		if !snap.CreatedAt.After(t) {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("no snapshot found at or before %s", t)
}

// Diff is the set of differences between two snapshots.
type Diff struct {
	NodesAdded   []*types.Node
	NodesRemoved []*types.Node
	NodesChanged []NodeDiff
	EdgesAdded   []*types.Edge
	EdgesRemoved []*types.Edge
	CostDelta    float64
}

// NodeDiff pairs a node's state across two snapshots when it changed, along
// with the list of observable fields that differ.
type NodeDiff struct {
	NodeID        string
	ChangedFields []string
	Before        *types.Node
	After         *types.Node
}

// changedFields returns the observable fields (per the invariant in
// spec.md §3.3: Name, Status, Tags, Metadata, CostMonthly, Owner) that
// differ between two revisions of the same node.
func changedFields(before, after *types.Node) []string {
	var fields []string
	if before.Name != after.Name {
		fields = append(fields, "name")
	}
	if before.Status != after.Status {
		fields = append(fields, "status")
	}
	if !stringMapEqual(before.Tags, after.Tags) {
		fields = append(fields, "tags")
	}
	if !interfaceMapEqual(before.Metadata, after.Metadata) {
		fields = append(fields, "metadata")
	}
	if !float64PtrEqual(before.CostMonthly, after.CostMonthly) {
		fields = append(fields, "costMonthly")
	}
	if !stringPtrEqual(before.Owner, after.Owner) {
		fields = append(fields, "owner")
	}
	return fields
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func interfaceMapEqual(a, b map[string]interface{}) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func float64PtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func costOf(n *types.Node) float64 {
	if n.CostMonthly == nil {
		return 0
	}
	return *n.CostMonthly
}

// DiffSnapshots compares the node/edge sets of two snapshots.
func (s *Store) DiffSnapshots(fromID, toID string) (*Diff, error) {
	fromNodes, fromEdges, err := s.revisionContents(fromID)
	if err != nil {
		return nil, err
	}
	toNodes, toEdges, err := s.revisionContents(toID)
	if err != nil {
		return nil, err
	}

	fromNodeByID := indexNodes(fromNodes)
	toNodeByID := indexNodes(toNodes)

	diff := &Diff{}
	for id, n := range toNodeByID {
		old, existed := fromNodeByID[id]
		if !existed {
			diff.NodesAdded = append(diff.NodesAdded, n)
			diff.CostDelta += costOf(n)
			continue
		}
		if fields := changedFields(old, n); len(fields) > 0 {
			diff.NodesChanged = append(diff.NodesChanged, NodeDiff{
				NodeID:        id,
				ChangedFields: fields,
				Before:        old,
				After:         n,
			})
			diff.CostDelta += costOf(n) - costOf(old)
		}
	}
	for id, n := range fromNodeByID {
		if _, exists := toNodeByID[id]; !exists {
			diff.NodesRemoved = append(diff.NodesRemoved, n)
			diff.CostDelta -= costOf(n)
		}
	}

	fromEdgeByID := indexEdges(fromEdges)
	toEdgeByID := indexEdges(toEdges)
	for id, e := range toEdgeByID {
		if _, existed := fromEdgeByID[id]; !existed {
			diff.EdgesAdded = append(diff.EdgesAdded, e)
		}
	}
	for id, e := range fromEdgeByID {
		if _, exists := toEdgeByID[id]; !exists {
			diff.EdgesRemoved = append(diff.EdgesRemoved, e)
		}
	}

	return diff, nil
}

func indexNodes(nodes []*types.Node) map[string]*types.Node {
	m := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

func indexEdges(edges []*types.Edge) map[string]*types.Edge {
	m := make(map[string]*types.Edge, len(edges))
	for _, e := range edges {
		m[e.ID] = e
	}
	return m
}


// GetNodeHistory returns every distinct revision of a node across all
// snapshots, ordered oldest first.
func (s *Store) GetNodeHistory(nodeID string) ([]*types.Node, error) {
	snaps, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}
	var history []*types.Node
	var lastJSON string
	for i := len(snaps) - 1; i >= 0; i-- {
		nodes, err := s.GetNodesAtSnapshot(snaps[i].ID)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.ID != nodeID {
				continue
			}
			encoded, _ := json.Marshal(n)
			if string(encoded) != lastJSON {
				history = append(history, n)
				lastJSON = string(encoded)
			}
		}
	}
	return history, nil
}

// GetEdgeHistory returns every distinct revision of an edge across all
// snapshots, ordered oldest first.
func (s *Store) GetEdgeHistory(edgeID string) ([]*types.Edge, error) {
	snaps, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}
	var history []*types.Edge
	var lastJSON string
	for i := len(snaps) - 1; i >= 0; i-- {
		edges, err := s.GetEdgesAtSnapshot(snaps[i].ID)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.ID != edgeID {
				continue
			}
			encoded, _ := json.Marshal(e)
			if string(encoded) != lastJSON {
				history = append(history, e)
				lastJSON = string(encoded)
			}
		}
	}
	return history, nil
}

// PruneSnapshots deletes snapshot metadata (and any revisions no longer
// referenced by a remaining snapshot) older than maxAge, always keeping at
// least keepMin most recent snapshots regardless of age, and never dropping
// any snapshot ID listed in protect. Retention is never automatic: callers
// (the CLI's `snapshot prune` subcommand, or an operator-scheduled job)
// decide when to invoke it.
func (s *Store) PruneSnapshots(maxAge time.Duration, keepMin int, protect ...string) (int, error) {
	all, err := s.ListSnapshots()
	if err != nil {
		return 0, err
	}
	if len(all) <= keepMin {
		return 0, nil
	}
	protected := make(map[string]bool, len(protect))
	for _, id := range protect {
		protected[id] = true
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	var toDelete []string
	for i := keepMin; i < len(all); i++ {
		if protected[all[i].ID] {
			continue
		}
		if all[i].CreatedAt.Before(cutoff) {
			toDelete = append(toDelete, all[i].ID)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		snaps := tx.Bucket(bucketSnapshots)
		idx := tx.Bucket(bucketSnapIndex)
		for _, id := range toDelete {
			if err := snaps.Delete([]byte(id)); err != nil {
				return err
			}
			if err := idx.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}

	if err := s.garbageCollectRevisions(); err != nil {
		return len(toDelete), fmt.Errorf("gc revisions after prune: %w", err)
	}
	return len(toDelete), nil
}

// garbageCollectRevisions removes revision records no longer referenced by
// any remaining snapshot index.
func (s *Store) garbageCollectRevisions() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		referenced := make(map[string]bool)
		idx := tx.Bucket(bucketSnapIndex)
		if err := idx.ForEach(func(k, v []byte) error {
			var ids []string
			if err := json.Unmarshal(v, &ids); err != nil {
				return err
			}
			for _, id := range ids {
				referenced[id] = true
			}
			return nil
		}); err != nil {
			return err
		}

		revs := tx.Bucket(bucketRevisions)
		var orphaned [][]byte
		if err := revs.ForEach(func(k, v []byte) error {
			if !referenced[string(k)] {
				key := append([]byte(nil), k...)
				orphaned = append(orphaned, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range orphaned {
			if err := revs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
