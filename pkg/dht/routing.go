// pkg/dht/routing.go
package dht

import (
	"sort"
	"time"

	"github.com/busybox42/marketdht/pkg/types"
)

// InsertOutcome reports what RoutingTable.Insert did.
type InsertOutcome int

const (
	Added InsertOutcome = iota
	Updated
	Full
	Rejected
)

func (o InsertOutcome) String() string {
	switch o {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Full:
		return "full"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// bucket holds nodes least-recently-seen first.
type bucket struct {
	nodes []types.Node
}

func (b *bucket) indexOf(id types.PeerID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) removeAt(i int) {
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
}

// RoutingTable is a Kademlia table of IDBits buckets, indexed by the common
// prefix length with the local id. It is not safe for concurrent use; the
// node's event loop owns it.
type RoutingTable struct {
	self       types.PeerID
	bucketSize int
	buckets    [types.IDBits]bucket
	size       int

	// reachable decides whether a least-recently-seen entry may be evicted.
	reachable func(types.PeerID) bool
}

// NewRoutingTable returns an empty table for self. A nil reachable treats
// every entry as reachable, so full buckets never evict.
func NewRoutingTable(self types.PeerID, bucketSize int, reachable func(types.PeerID) bool) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = K
	}
	if reachable == nil {
		reachable = func(types.PeerID) bool { return true }
	}
	return &RoutingTable{
		self:       self,
		bucketSize: bucketSize,
		reachable:  reachable,
	}
}

func (rt *RoutingTable) Self() types.PeerID { return rt.self }

// BucketIndex is the bucket a peer belongs to. It is IDBits for the local id.
func (rt *RoutingTable) BucketIndex(id types.PeerID) int {
	return types.CommonPrefixLen(rt.self.Key(), id.Key())
}

// Insert adds or refreshes node. A known node moves to the most-recently-seen
// end of its bucket. When the bucket is full the least-recently-seen entry is
// evicted only if it is unreachable; otherwise node is dropped.
func (rt *RoutingTable) Insert(node types.Node) InsertOutcome {
	if node.ID == rt.self {
		return Rejected
	}
	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now()
	}

	b := &rt.buckets[rt.BucketIndex(node.ID)]
	if i := b.indexOf(node.ID); i >= 0 {
		if node.Addr == nil {
			node.Addr = b.nodes[i].Addr
		}
		b.removeAt(i)
		b.nodes = append(b.nodes, node)
		return Updated
	}

	if len(b.nodes) >= rt.bucketSize {
		if rt.reachable(b.nodes[0].ID) {
			return Full
		}
		b.removeAt(0)
		rt.size--
	}

	b.nodes = append(b.nodes, node)
	rt.size++
	return Added
}

// Remove drops id from the table. Absent ids are ignored.
func (rt *RoutingTable) Remove(id types.PeerID) {
	if id == rt.self {
		return
	}
	b := &rt.buckets[rt.BucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		b.removeAt(i)
		rt.size--
	}
}

func (rt *RoutingTable) Contains(id types.PeerID) bool {
	_, ok := rt.Get(id)
	return ok
}

func (rt *RoutingTable) Get(id types.PeerID) (types.Node, bool) {
	if id == rt.self {
		return types.Node{}, false
	}
	b := &rt.buckets[rt.BucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.nodes[i], true
	}
	return types.Node{}, false
}

func (rt *RoutingTable) Size() int { return rt.size }

// Bucket returns a copy of bucket i, least-recently-seen first.
func (rt *RoutingTable) Bucket(i int) []types.Node {
	if i < 0 || i >= len(rt.buckets) {
		return nil
	}
	return append([]types.Node(nil), rt.buckets[i].nodes...)
}

// ClosestLocal returns up to n known nodes ordered by ascending distance to
// target.
func (rt *RoutingTable) ClosestLocal(target types.Key, n int) []types.Node {
	if n <= 0 {
		return nil
	}
	all := make([]types.Node, 0, rt.size)
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	SortByDistance(target, all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// SortByDistance orders nodes by ascending distance to target.
func SortByDistance(target types.Key, nodes []types.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return types.Closer(target, nodes[i].ID, nodes[j].ID)
	})
}
