package dht

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/marketdht/pkg/types"
)

var errUnreachable = errors.New("unreachable")

// simNetwork answers closest-peer queries from a global view of all peers,
// like a fully converged network would.
type simNetwork struct {
	peers   []types.Node
	offline map[types.PeerID]bool
	queries map[types.PeerID]int
	fanout  int
}

func newSimNetwork(t *testing.T, n int) *simNetwork {
	s := &simNetwork{offline: map[types.PeerID]bool{}, queries: map[types.PeerID]int{}, fanout: K}
	for i := 0; i < n; i++ {
		s.peers = append(s.peers, testNode(t, randomID(t)))
	}
	return s
}

func (s *simNetwork) query(id types.PeerID, target types.Key) ([]types.Node, error) {
	s.queries[id]++
	if s.offline[id] {
		return nil, errUnreachable
	}
	all := append([]types.Node(nil), s.peers...)
	SortByDistance(target, all)
	out := make([]types.Node, 0, s.fanout)
	for _, n := range all {
		if n.ID != id && len(out) < s.fanout {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *simNetwork) run(l *Lookup) {
	for {
		frontier := l.NextRound()
		if l.Done() {
			return
		}
		for _, n := range frontier {
			peers, err := s.query(n.ID, l.Target())
			l.Report(n.ID, peers, err)
		}
	}
}

func (s *simNetwork) trueClosest(target types.Key, n int) []types.PeerID {
	var live []types.Node
	for _, p := range s.peers {
		if !s.offline[p.ID] {
			live = append(live, p)
		}
	}
	SortByDistance(target, live)
	if len(live) > n {
		live = live[:n]
	}
	return types.NodeIDs(live)
}

func TestLookupFindsClosestPeers(t *testing.T) {
	net := newSimNetwork(t, 200)
	self := randomID(t)
	target := randomID(t).Key()

	l := NewLookup(self, target, net.peers[:3], K, Alpha, MaxRounds)
	net.run(l)

	require.True(t, l.Done())
	assert.Equal(t, net.trueClosest(target, K), types.NodeIDs(l.Result()))
	assert.LessOrEqual(t, l.Round(), MaxRounds)
	for id, n := range net.queries {
		assert.Equal(t, 1, n, "peer %s queried more than once", id.ShortString())
	}
}

func TestLookupToleratesFailures(t *testing.T) {
	net := newSimNetwork(t, 100)
	net.fanout = K + 10
	target := randomID(t).Key()
	for _, id := range net.trueClosest(target, 3) {
		net.offline[id] = true
	}

	l := NewLookup(randomID(t), target, net.peers[:5], K, Alpha, 20)
	net.run(l)

	require.True(t, l.Done())
	result := types.NodeIDs(l.Result())
	for _, id := range result {
		assert.False(t, net.offline[id], "failed peer %s returned", id.ShortString())
	}
	assert.Equal(t, net.trueClosest(target, K), result)
}

func TestLookupWithoutSeeds(t *testing.T) {
	l := NewLookup(randomID(t), randomID(t).Key(), nil, K, Alpha, MaxRounds)

	assert.Nil(t, l.NextRound())
	assert.True(t, l.Done())
	assert.Empty(t, l.Result())
}

func TestLookupRoundBudget(t *testing.T) {
	net := newSimNetwork(t, 200)
	l := NewLookup(randomID(t), randomID(t).Key(), net.peers[:3], K, 1, 2)
	net.run(l)

	assert.True(t, l.Done())
	assert.Equal(t, 2, l.Round())
	assert.Len(t, l.Result(), 2)
}

func TestLookupIgnoresSelfAndDuplicates(t *testing.T) {
	self := randomID(t)
	a, b := testNode(t, randomID(t)), testNode(t, randomID(t))
	l := NewLookup(self, randomID(t).Key(), []types.Node{a}, K, Alpha, MaxRounds)

	frontier := l.NextRound()
	require.Len(t, frontier, 1)
	assert.Nil(t, l.NextRound(), "round still in flight")
	assert.False(t, l.RoundComplete())

	l.Report(a.ID, []types.Node{testNode(t, self), a, b, b}, nil)
	l.Report(a.ID, nil, errUnreachable)
	assert.True(t, l.RoundComplete())
	assert.False(t, l.Failed(a.ID), "late failure report after an answer")

	assert.ElementsMatch(t, []types.PeerID{a.ID, b.ID}, types.NodeIDs(l.known()))
	assert.Equal(t, []types.PeerID{a.ID}, types.NodeIDs(l.Result()))

	frontier = l.NextRound()
	require.Len(t, frontier, 1)
	assert.Equal(t, b.ID, frontier[0].ID)
}

func TestLookupSeeded(t *testing.T) {
	self := randomID(t)
	assert.False(t, NewLookup(self, randomID(t).Key(), nil, K, Alpha, MaxRounds).Seeded())
	assert.False(t, NewLookup(self, randomID(t).Key(), []types.Node{testNode(t, self)}, K, Alpha, MaxRounds).Seeded())

	dead := testNode(t, randomID(t))
	l := NewLookup(self, randomID(t).Key(), []types.Node{dead}, K, Alpha, MaxRounds)
	assert.True(t, l.Seeded())

	require.Len(t, l.NextRound(), 1)
	l.Report(dead.ID, nil, errUnreachable)
	assert.Nil(t, l.NextRound())
	assert.True(t, l.Done())
	assert.True(t, l.Failed(dead.ID))
	assert.Empty(t, l.Result())
}
