// pkg/dht/lookup.go
package dht

import (
	"github.com/busybox42/marketdht/pkg/types"
)

type peerState int

const (
	statePending peerState = iota
	stateInFlight
	stateAnswered
	stateFailed
)

// Lookup is the state of one iterative closest-peers search. It performs no
// I/O: the caller asks for the next frontier, sends the requests however it
// likes, and reports every answer or failure back. A Lookup is not safe for
// concurrent use.
//
// A round is the set of peers returned by one NextRound call. When a round
// finishes without surfacing a candidate closer than the best one known
// before it, the lookup is converged: it then only queries the not-yet-asked
// peers among the K closest live candidates, and stops when none are left.
type Lookup struct {
	self      types.PeerID
	target    types.Key
	k         int
	alpha     int
	maxRounds int

	candidates []types.Node // ascending by distance to target
	state      map[types.PeerID]peerState

	round      int
	inFlight   int
	bestBefore *types.Distance
	seeded     bool
	converged  bool
	done       bool
}

// NewLookup starts a search for target from the given seeds, normally the
// K closest entries of the local routing table.
func NewLookup(self types.PeerID, target types.Key, seeds []types.Node, k, alpha, maxRounds int) *Lookup {
	if k <= 0 {
		k = K
	}
	if alpha <= 0 {
		alpha = Alpha
	}
	if maxRounds <= 0 {
		maxRounds = MaxRounds
	}
	l := &Lookup{
		self:      self,
		target:    target,
		k:         k,
		alpha:     alpha,
		maxRounds: maxRounds,
		state:     make(map[types.PeerID]peerState),
	}
	l.merge(seeds)
	l.seeded = len(l.candidates) > 0
	return l
}

func (l *Lookup) Target() types.Key { return l.target }

// Round is the number of rounds started so far.
func (l *Lookup) Round() int { return l.round }

func (l *Lookup) Converged() bool { return l.converged }

// Seeded reports whether the lookup started with at least one peer. An
// empty Result from a seeded lookup means every peer it tried failed.
func (l *Lookup) Seeded() bool { return l.seeded }

// Failed reports whether id was queried and did not answer.
func (l *Lookup) Failed(id types.PeerID) bool { return l.state[id] == stateFailed }

// Done reports whether the lookup has terminated.
func (l *Lookup) Done() bool { return l.done }

// RoundComplete reports whether every request of the current round has
// been reported.
func (l *Lookup) RoundComplete() bool { return l.inFlight == 0 }

// NextRound returns the peers to query next and marks them in flight. It
// returns nil while a round is still running. When there is nothing left to
// ask it returns nil and the lookup becomes Done.
func (l *Lookup) NextRound() []types.Node {
	if l.done || l.inFlight > 0 {
		return nil
	}
	if l.round >= l.maxRounds {
		l.done = true
		return nil
	}

	frontier := l.frontier()
	if len(frontier) == 0 {
		l.done = true
		return nil
	}

	best, ok := l.best()
	if ok {
		l.bestBefore = &best
	}
	for _, n := range frontier {
		l.state[n.ID] = stateInFlight
	}
	l.inFlight = len(frontier)
	l.round++
	return frontier
}

func (l *Lookup) frontier() []types.Node {
	out := make([]types.Node, 0, l.alpha)
	live := 0
	for _, c := range l.candidates {
		st := l.state[c.ID]
		if st == stateFailed {
			continue
		}
		live++
		if l.converged && live > l.k {
			break
		}
		if st == statePending {
			out = append(out, c)
			if len(out) == l.alpha {
				break
			}
		}
	}
	return out
}

// Report records the outcome of querying id. peers is the answer on
// success; err marks the peer failed, and it is neither asked again nor
// returned. Reports for peers not in flight are ignored.
func (l *Lookup) Report(id types.PeerID, peers []types.Node, err error) {
	if l.state[id] != stateInFlight {
		return
	}
	l.inFlight--
	if err != nil {
		l.state[id] = stateFailed
	} else {
		l.state[id] = stateAnswered
		l.merge(peers)
	}

	if l.inFlight == 0 && !l.converged {
		best, ok := l.best()
		if !ok || (l.bestBefore != nil && best.Cmp(*l.bestBefore) >= 0) {
			l.converged = true
		}
	}
}

// merge adds unseen peers to the candidate list. The local id is ignored.
func (l *Lookup) merge(peers []types.Node) {
	added := false
	for _, p := range peers {
		if p.ID == l.self || p.ID.IsZero() {
			continue
		}
		if _, seen := l.state[p.ID]; seen {
			continue
		}
		l.state[p.ID] = statePending
		l.candidates = append(l.candidates, p)
		added = true
	}
	if added {
		SortByDistance(l.target, l.candidates)
	}
}

// best is the distance of the closest candidate that has not failed.
func (l *Lookup) best() (types.Distance, bool) {
	for _, c := range l.candidates {
		if l.state[c.ID] != stateFailed {
			return c.ID.Key().Distance(l.target), true
		}
	}
	return types.Distance{}, false
}

// Result is the K closest peers that answered, ascending by distance.
func (l *Lookup) Result() []types.Node {
	out := make([]types.Node, 0, l.k)
	for _, c := range l.candidates {
		if l.state[c.ID] == stateAnswered {
			out = append(out, c)
			if len(out) == l.k {
				break
			}
		}
	}
	return out
}

// known is every candidate not marked failed, ascending by distance.
func (l *Lookup) known() []types.Node {
	out := make([]types.Node, 0, len(l.candidates))
	for _, c := range l.candidates {
		if l.state[c.ID] != stateFailed {
			out = append(out, c)
		}
	}
	return out
}
