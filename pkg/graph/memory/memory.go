// Package memory provides an in-process graph.Store. It has the same merge
// and cleanup semantics as the neo4j store and is used for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
)

// Props are the properties of a node or edge
type Props map[string]any

// NodeKey identifies a node
type NodeKey struct {
	Label string
	ID    string
}

// EdgeKey identifies an edge; there is at most one edge of a type between
// two nodes
type EdgeKey struct {
	Type string
	From NodeKey
	To   NodeKey
}

// Store is an in-memory property graph
type Store struct {
	mu    sync.Mutex
	nodes map[NodeKey]Props
	edges map[EdgeKey]Props

	now func() time.Time
}

// Opt is an option for the Store
type Opt func(*Store)

// WithClock sets the clock used for firstseen timestamps
func WithClock(now func() time.Time) Opt {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store
func New(opts ...Opt) *Store {
	s := &Store{
		nodes: map[NodeKey]Props{},
		edges: map[EdgeKey]Props{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddAccount creates the account node the sync anchors ownership edges at
func (s *Store) AddAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeNode(NodeKey{Label: graph.LabelAccount, ID: accountID}, 0)
}

// AddVolume creates a volume node owned by the account, as a volume sync
// would have done before the snapshot sync runs.
func (s *Store) AddVolume(accountID, volumeID, region, snapshotID string, updateTag int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vol := NodeKey{Label: graph.LabelVolume, ID: volumeID}
	props := s.mergeNode(vol, updateTag)
	props["region"] = region
	props["snapshotid"] = snapshotID
	s.mergeEdge(EdgeKey{Type: graph.RelResource, From: NodeKey{Label: graph.LabelAccount, ID: accountID}, To: vol}, updateTag)
}

// Node returns a copy of the node's properties
func (s *Store) Node(label, id string) (Props, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, ok := s.nodes[NodeKey{Label: label, ID: id}]
	if !ok {
		return nil, false
	}
	return copyProps(props), true
}

// Edge returns a copy of the edge's properties
func (s *Store) Edge(typ string, from, to NodeKey) (Props, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, ok := s.edges[EdgeKey{Type: typ, From: from, To: to}]
	if !ok {
		return nil, false
	}
	return copyProps(props), true
}

// NodeIDs returns the sorted ids of all nodes with label
func (s *Store) NodeIDs(label string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for k := range s.nodes {
		if k.Label == label {
			ids = append(ids, k.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// CountEdges returns the number of edges of the given type
func (s *Store) CountEdges(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.edges {
		if k.Type == typ {
			n++
		}
	}
	return n
}

func copyProps(p Props) Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// mergeNode must be called with mu held
func (s *Store) mergeNode(key NodeKey, updateTag int64) Props {
	props, ok := s.nodes[key]
	if !ok {
		props = Props{"id": key.ID, "firstseen": s.now().UnixMilli()}
		s.nodes[key] = props
	}
	if key.Label != graph.LabelAccount {
		props["lastupdated"] = updateTag
	}
	return props
}

// mergeEdge must be called with mu held; both endpoints must exist
func (s *Store) mergeEdge(key EdgeKey, updateTag int64) bool {
	if _, ok := s.nodes[key.From]; !ok {
		return false
	}
	if _, ok := s.nodes[key.To]; !ok {
		return false
	}
	props, ok := s.edges[key]
	if !ok {
		props = Props{"firstseen": s.now().UnixMilli()}
		s.edges[key] = props
	}
	props["lastupdated"] = updateTag
	return true
}

// SnapshotIDsInUse implements graph.Store
func (s *Store) SnapshotIDsInUse(ctx context.Context, accountID, region string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := NodeKey{Label: graph.LabelAccount, ID: accountID}
	var ids []string
	for k := range s.edges {
		if k.Type != graph.RelResource || k.From != account || k.To.Label != graph.LabelVolume {
			continue
		}
		vol := s.nodes[k.To]
		if vol["region"] != region {
			continue
		}
		if id, _ := vol["snapshotid"].(string); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MergeSnapshots implements graph.Store
func (s *Store) MergeSnapshots(ctx context.Context, accountID, region string, rows []graph.SnapshotRow, updateTag int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := NodeKey{Label: graph.LabelAccount, ID: accountID}
	for _, row := range rows {
		key := NodeKey{Label: graph.LabelSnapshot, ID: row.SnapshotID}
		props := s.mergeNode(key, updateTag)
		props["description"] = row.Description
		props["encrypted"] = row.Encrypted
		props["progress"] = row.Progress
		props["starttime"] = row.StartTime
		props["state"] = row.State
		props["statemessage"] = row.StateMessage
		props["volumeid"] = row.VolumeID
		props["volumesize"] = row.VolumeSize
		props["outpostarn"] = row.OutpostArn
		props["dataencryptionkeyid"] = row.DataEncryptionKeyID
		props["kmskeyid"] = row.KmsKeyID
		props["region"] = region

		s.mergeEdge(EdgeKey{Type: graph.RelResource, From: account, To: key}, updateTag)
	}
	return nil
}

// MergeVolumeRelations implements graph.Store
func (s *Store) MergeVolumeRelations(ctx context.Context, accountID string, rows []graph.VolumeRow, updateTag int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := NodeKey{Label: graph.LabelAccount, ID: accountID}
	for _, row := range rows {
		vol := NodeKey{Label: graph.LabelVolume, ID: row.VolumeID}
		props := s.mergeNode(vol, updateTag)
		props["snapshotid"] = row.SnapshotID
		if row.Region != "" {
			props["region"] = row.Region
		}

		s.mergeEdge(EdgeKey{Type: graph.RelResource, From: account, To: vol}, updateTag)
		s.mergeEdge(EdgeKey{
			Type: graph.RelCreatedFrom,
			From: NodeKey{Label: graph.LabelSnapshot, ID: row.SnapshotID},
			To:   vol,
		}, updateTag)
	}
	return nil
}

// RunCleanup implements graph.Store
func (s *Store) RunCleanup(ctx context.Context, stmt graph.CleanupStatement, params graph.CleanupParams, limit int) (int, error) {
	if stmt.Label == "" {
		return 0, errors.New("cleanup statement without label")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account := NodeKey{Label: graph.LabelAccount, ID: params.AccountID}
	owned := func(n NodeKey) bool {
		_, ok := s.edges[EdgeKey{Type: graph.RelResource, From: account, To: n}]
		return ok
	}
	stale := func(p Props) bool {
		tag, _ := p["lastupdated"].(int64)
		return tag != params.UpdateTag
	}

	var victims []EdgeKey
	var nodes []NodeKey
	switch {
	case stmt.Relationship == "":
		for k, p := range s.nodes {
			if k.Label == stmt.Label && owned(k) && stale(p) {
				nodes = append(nodes, k)
			}
		}
	case stmt.Relationship == graph.RelResource:
		for k, p := range s.edges {
			if k.Type == graph.RelResource && k.From == account && k.To.Label == stmt.Label && stale(p) {
				victims = append(victims, k)
			}
		}
	default:
		for k, p := range s.edges {
			if k.Type != stmt.Relationship || k.From.Label != stmt.Label || !owned(k.From) || !stale(p) {
				continue
			}
			if stmt.Target != "" && k.To.Label != stmt.Target {
				continue
			}
			victims = append(victims, k)
		}
	}

	// deterministic batches
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(victims, func(i, j int) bool { return edgeLess(victims[i], victims[j]) })

	deleted := 0
	for _, n := range nodes {
		if limit > 0 && deleted >= limit {
			break
		}
		for k := range s.edges {
			if k.From == n || k.To == n {
				delete(s.edges, k)
			}
		}
		delete(s.nodes, n)
		deleted++
	}
	for _, k := range victims {
		if limit > 0 && deleted >= limit {
			break
		}
		delete(s.edges, k)
		deleted++
	}
	return deleted, nil
}

func edgeLess(a, b EdgeKey) bool {
	if a.From.ID != b.From.ID {
		return a.From.ID < b.From.ID
	}
	return a.To.ID < b.To.ID
}
