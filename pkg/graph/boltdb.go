package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/invgraph/invgraph/pkg/types"
)

var (
	bucketNodes   = []byte("nodes")
	bucketEdges   = []byte("edges")
	bucketChanges = []byte("changes")
)

// BoltStore is the default Store implementation, backed by a single bbolt
// file with one bucket per entity kind. Every exported method opens its own
// transaction; callers that need atomicity across calls (the FSM) hold an
// outer serialization guarantee instead of relying on BoltStore to provide
// one.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt file at path and
// ensures the entity buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, permanent("open graph store", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketEdges, bucketChanges} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, permanent("initialize graph store buckets", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// UpsertNodes inserts or merges each node into the store. A node is
// "unchanged" when none of its observable fields (Name, Status, Tags,
// Metadata, CostMonthly, Owner) differ from the stored record; LastSeenAt is
// bumped regardless, and DiscoveredAt is preserved from the first
// observation. Version increments only on an observable-field change.
func (s *BoltStore) UpsertNodes(batch []*types.Node) (map[string]UpsertOutcome, error) {
	outcomes := make(map[string]UpsertOutcome, len(batch))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		for _, n := range batch {
			if n.ID == "" {
				return invalidInput("node missing id")
			}
			existingBytes := b.Get([]byte(n.ID))
			now := n.LastSeenAt
			if now.IsZero() {
				now = time.Now().UTC()
			}
			if existingBytes == nil {
				n.DiscoveredAt = now
				n.UpdatedAt = now
				n.LastSeenAt = now
				n.Version = 1
				encoded, err := json.Marshal(n)
				if err != nil {
					return err
				}
				if err := b.Put([]byte(n.ID), encoded); err != nil {
					return err
				}
				outcomes[n.ID] = OutcomeCreated
				continue
			}

			var existing types.Node
			if err := json.Unmarshal(existingBytes, &existing); err != nil {
				return err
			}
			changed := nodeObservablyChanged(&existing, n)
			merged := existing
			merged.Name = n.Name
			merged.Status = n.Status
			merged.Tags = n.Tags
			merged.Metadata = n.Metadata
			merged.CostMonthly = n.CostMonthly
			merged.Owner = n.Owner
			merged.LastSeenAt = now
			if changed {
				merged.Version = existing.Version + 1
				merged.UpdatedAt = now
			}
			encoded, err := json.Marshal(&merged)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(n.ID), encoded); err != nil {
				return err
			}
			*n = merged
			if changed {
				outcomes[n.ID] = OutcomeUpdated
			} else {
				outcomes[n.ID] = OutcomeUnchanged
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

func nodeObservablyChanged(old, next *types.Node) bool {
	return len(DiffNodeFields(old, next)) > 0
}

// FieldChange is one observable field that differs between two revisions of
// the same node, carrying the previous and new value so a caller can emit a
// field-level change record.
type FieldChange struct {
	Field    string
	Previous interface{}
	New      interface{}
}

// DiffNodeFields returns every observable field (name, status, tags,
// metadata, costMonthly, owner) that differs between old and next, in a
// fixed order, each paired with its previous and new value.
func DiffNodeFields(old, next *types.Node) []FieldChange {
	var changes []FieldChange
	if old.Name != next.Name {
		changes = append(changes, FieldChange{"name", old.Name, next.Name})
	}
	if old.Status != next.Status {
		changes = append(changes, FieldChange{"status", old.Status, next.Status})
	}
	if !stringMapEqual(old.Tags, next.Tags) {
		changes = append(changes, FieldChange{"tags", old.Tags, next.Tags})
	}
	if !interfaceMapEqual(old.Metadata, next.Metadata) {
		changes = append(changes, FieldChange{"metadata", old.Metadata, next.Metadata})
	}
	if !float64PtrEqual(old.CostMonthly, next.CostMonthly) {
		changes = append(changes, FieldChange{"costMonthly", old.CostMonthly, next.CostMonthly})
	}
	if !stringPtrEqual(old.Owner, next.Owner) {
		changes = append(changes, FieldChange{"owner", old.Owner, next.Owner})
	}
	return changes
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
	if len(a) != len(b) {
		return false
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
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

// UpsertEdges inserts or merges each edge. An edge whose source or target
// node does not exist in the store is rejected individually; the rest of the
// batch still applies.
func (s *BoltStore) UpsertEdges(batch []*types.Edge) (map[string]UpsertOutcome, []EdgeUpsertError, error) {
	outcomes := make(map[string]UpsertOutcome, len(batch))
	var rejected []EdgeUpsertError
	err := s.db.Update(func(tx *bbolt.Tx) error {
		nodesB := tx.Bucket(bucketNodes)
		edgesB := tx.Bucket(bucketEdges)
		for _, e := range batch {
			if e.ID == "" {
				return invalidInput("edge missing id")
			}
			if nodesB.Get([]byte(e.Source)) == nil {
				rejected = append(rejected, EdgeUpsertError{EdgeID: e.ID, Reason: fmt.Sprintf("source node not found: %s", e.Source)})
				continue
			}
			if nodesB.Get([]byte(e.Target)) == nil {
				rejected = append(rejected, EdgeUpsertError{EdgeID: e.ID, Reason: fmt.Sprintf("target node not found: %s", e.Target)})
				continue
			}
			existingBytes := edgesB.Get([]byte(e.ID))
			encoded, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := edgesB.Put([]byte(e.ID), encoded); err != nil {
				return err
			}
			if existingBytes == nil {
				outcomes[e.ID] = OutcomeCreated
			} else {
				var existing types.Edge
				if err := json.Unmarshal(existingBytes, &existing); err == nil && existing.Confidence == e.Confidence && existing.DiscoveredVia == e.DiscoveredVia {
					outcomes[e.ID] = OutcomeUnchanged
				} else {
					outcomes[e.ID] = OutcomeUpdated
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outcomes, rejected, nil
}

// DeleteEdges removes edges by id. Missing ids are ignored; deleting a
// nonexistent edge is not an error.
func (s *BoltStore) DeleteEdges(ids []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEdges)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(id))
		if raw == nil {
			return notFound(fmt.Sprintf("node not found: %s", id))
		}
		var n types.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		node = &n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BoltStore) GetEdge(id string) (*types.Edge, error) {
	var edge *types.Edge
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEdges).Get([]byte(id))
		if raw == nil {
			return notFound(fmt.Sprintf("edge not found: %s", id))
		}
		var e types.Edge
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		edge = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

func (s *BoltStore) QueryNodes(filter NodeFilter) ([]*types.Node, error) {
	var nameRe *regexp.Regexp
	if filter.NameMatchesRegex != "" {
		re, err := regexp.Compile(filter.NameMatchesRegex)
		if err != nil {
			return nil, invalidInput(fmt.Sprintf("invalid name regex: %v", err))
		}
		nameRe = re
	}
	idSet := map[string]bool(nil)
	if len(filter.IDIn) > 0 {
		idSet = make(map[string]bool, len(filter.IDIn))
		for _, id := range filter.IDIn {
			idSet[id] = true
		}
	}

	var result []*types.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if idSet != nil && !idSet[n.ID] {
				return nil
			}
			if filter.Provider != "" && n.Provider != filter.Provider {
				return nil
			}
			if filter.Account != "" && n.Account != filter.Account {
				return nil
			}
			if filter.Region != "" && n.Region != filter.Region {
				return nil
			}
			if filter.ResourceType != "" && n.ResourceType != filter.ResourceType {
				return nil
			}
			if filter.Status != "" && n.Status != filter.Status {
				return nil
			}
			if nameRe != nil && !nameRe.MatchString(n.Name) {
				return nil
			}
			for k, v := range filter.TagEquals {
				if n.Tags[k] != v {
					return nil
				}
			}
			for k, v := range filter.MetadataEquals {
				mv, ok := n.Metadata[k]
				if !ok || !matchesScalar(mv, v) {
					return nil
				}
			}
			result = append(result, &n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNodes(result, filter.OrderBy)
	return result, nil
}

func matchesScalar(a, b interface{}) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func sortNodes(nodes []*types.Node, orderBy string) {
	switch orderBy {
	case "":
		return
	case "name":
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	case "updatedAt":
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].UpdatedAt.Before(nodes[j].UpdatedAt) })
	case "discoveredAt":
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].DiscoveredAt.Before(nodes[j].DiscoveredAt) })
	default:
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	}
}

func (s *BoltStore) QueryEdges(filter EdgeFilter) ([]*types.Edge, error) {
	var result []*types.Edge
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
			var e types.Edge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if filter.SourceID != "" && e.Source != filter.SourceID {
				return nil
			}
			if filter.TargetID != "" && e.Target != filter.TargetID {
				return nil
			}
			if filter.Type != "" && e.Type != filter.Type {
				return nil
			}
			if filter.DiscoveredVia != "" && e.DiscoveredVia != filter.DiscoveredVia {
				return nil
			}
			if e.Confidence < filter.MinConfidence {
				return nil
			}
			result = append(result, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) GetEdgesForNode(nodeID string, direction Direction) ([]*types.Edge, error) {
	var result []*types.Edge
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEdges).ForEach(func(k, v []byte) error {
			var e types.Edge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			switch direction {
			case DirectionOut:
				if e.Source != nodeID {
					return nil
				}
			case DirectionIn:
				if e.Target != nodeID {
					return nil
				}
			default:
				if e.Source != nodeID && e.Target != nodeID {
					return nil
				}
			}
			result = append(result, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetNeighbors performs a bounded-depth breadth-first traversal from
// nodeID, deduplicating nodes and edges already visited. depth 0 returns
// just the seed node with no edges.
func (s *BoltStore) GetNeighbors(nodeID string, depth int, direction Direction) (*Neighborhood, error) {
	seed, err := s.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if depth < 0 {
		return nil, invalidInput("depth must be >= 0")
	}

	visitedNodes := map[string]*types.Node{nodeID: seed}
	visitedEdges := map[string]*types.Edge{}
	frontier := []string{nodeID}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.GetEdgesForNode(id, direction)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, seen := visitedEdges[e.ID]; !seen {
					visitedEdges[e.ID] = e
				}
				other := e.Target
				if e.Target == id {
					other = e.Source
				}
				if _, seen := visitedNodes[other]; seen {
					continue
				}
				n, err := s.GetNode(other)
				if err != nil {
					if gerr, ok := err.(*Error); ok && gerr.Kind == KindNotFound {
						continue
					}
					return nil, err
				}
				visitedNodes[other] = n
				next = append(next, other)
			}
		}
		frontier = next
	}

	nh := &Neighborhood{}
	for _, n := range visitedNodes {
		nh.Nodes = append(nh.Nodes, n)
	}
	for _, e := range visitedEdges {
		nh.Edges = append(nh.Edges, e)
	}
	sortNodes(nh.Nodes, "id")
	sort.Slice(nh.Edges, func(i, j int) bool { return nh.Edges[i].ID < nh.Edges[j].ID })
	return nh, nil
}

func (s *BoltStore) AppendChanges(records []*types.ChangeRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		for _, r := range records {
			if r.ID == "" {
				return invalidInput("change record missing id")
			}
			encoded, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r.ID), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) QueryChanges(filter ChangeFilter) ([]*types.ChangeRecord, error) {
	var result []*types.ChangeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChanges).ForEach(func(k, v []byte) error {
			var r types.ChangeRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if filter.TargetID != "" && r.TargetID != filter.TargetID {
				return nil
			}
			if filter.Type != "" && r.Type != filter.Type {
				return nil
			}
			detected := r.DetectedAt.UnixNano()
			if filter.Since != nil && detected < *filter.Since {
				return nil
			}
			if filter.Until != nil && detected > *filter.Until {
				return nil
			}
			result = append(result, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DetectedAt.Before(result[j].DetectedAt) })
	return result, nil
}
