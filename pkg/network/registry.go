// pkg/network/registry.go
package network

import (
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/types"
)

var ErrListenerExists = errors.New("network: node already has a listener")

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionRegistry tracks the connection state of every peer the node
// knows about, its own listener, and an address book of peers learned from
// lookups. Invalid transitions are ignored. It is owned by the node's event
// loop and has no locking.
type ConnectionRegistry struct {
	states    map[types.PeerID]ConnectionState
	active    map[types.PeerID]ma.Multiaddr
	book      *lru.Cache[types.PeerID, ma.Multiaddr]
	listeners []ma.Multiaddr
}

func NewConnectionRegistry(addressBookSize int) (*ConnectionRegistry, error) {
	book, err := lru.New[types.PeerID, ma.Multiaddr](addressBookSize)
	if err != nil {
		return nil, fmt.Errorf("network: address book: %w", err)
	}
	return &ConnectionRegistry{
		states: make(map[types.PeerID]ConnectionState),
		active: make(map[types.PeerID]ma.Multiaddr),
		book:   book,
	}, nil
}

// RecordConnecting marks a dial to peer as started.
func (r *ConnectionRegistry) RecordConnecting(peer types.PeerID, addr ma.Multiaddr) bool {
	if r.states[peer] != Disconnected {
		return false
	}
	r.states[peer] = Connecting
	if addr != nil {
		r.book.Add(peer, addr)
	}
	return true
}

// RecordConnected marks a completed handshake. Inbound connections arrive
// without a prior Connecting state.
func (r *ConnectionRegistry) RecordConnected(peer types.PeerID, addr ma.Multiaddr) bool {
	if r.states[peer] == Connected {
		if addr != nil {
			r.active[peer] = addr
			r.book.Add(peer, addr)
		}
		return false
	}
	r.states[peer] = Connected
	if addr == nil {
		addr, _ = r.book.Get(peer)
	}
	if addr != nil {
		r.active[peer] = addr
		r.book.Add(peer, addr)
	}
	return true
}

// RecordDialFailed undoes RecordConnecting. A peer that connected in the
// meantime, for example inbound, stays connected.
func (r *ConnectionRegistry) RecordDialFailed(peer types.PeerID) bool {
	if r.states[peer] != Connecting {
		return false
	}
	delete(r.states, peer)
	return true
}

// RecordDisconnected marks peer as gone.
func (r *ConnectionRegistry) RecordDisconnected(peer types.PeerID) bool {
	if r.states[peer] == Disconnected {
		return false
	}
	delete(r.states, peer)
	delete(r.active, peer)
	return true
}

func (r *ConnectionRegistry) State(peer types.PeerID) ConnectionState {
	return r.states[peer]
}

func (r *ConnectionRegistry) IsConnected(peer types.PeerID) bool {
	return r.states[peer] == Connected
}

// ConnectedPeers returns the connected peers ordered by id.
func (r *ConnectionRegistry) ConnectedPeers() []types.PeerID {
	peers := make([]types.PeerID, 0, len(r.active))
	for id, st := range r.states {
		if st == Connected {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
	return peers
}

// PeerAt returns the connected peer whose address is addr.
func (r *ConnectionRegistry) PeerAt(addr ma.Multiaddr) (types.PeerID, bool) {
	for id, a := range r.active {
		if a.Equal(addr) && r.states[id] == Connected {
			return id, true
		}
	}
	return types.PeerID{}, false
}

// AddListener records the node's listener. A node has exactly one.
func (r *ConnectionRegistry) AddListener(addr ma.Multiaddr) error {
	if len(r.listeners) > 0 {
		return fmt.Errorf("%w: %s", ErrListenerExists, r.listeners[0])
	}
	r.listeners = append(r.listeners, addr)
	return nil
}

func (r *ConnectionRegistry) Listeners() []ma.Multiaddr {
	return append([]ma.Multiaddr(nil), r.listeners...)
}

// AddAddress remembers where peer can be dialed.
func (r *ConnectionRegistry) AddAddress(peer types.PeerID, addr ma.Multiaddr) {
	if addr == nil || peer.IsZero() {
		return
	}
	r.book.Add(peer, addr)
}

// Address returns the address of peer's live connection, or the last one
// learned for it.
func (r *ConnectionRegistry) Address(peer types.PeerID) (ma.Multiaddr, bool) {
	if a, ok := r.active[peer]; ok {
		return a, true
	}
	return r.book.Get(peer)
}

// DisconnectAll marks every peer disconnected and returns the ones that
// were connected.
func (r *ConnectionRegistry) DisconnectAll() []types.PeerID {
	connected := r.ConnectedPeers()
	r.states = make(map[types.PeerID]ConnectionState)
	r.active = make(map[types.PeerID]ma.Multiaddr)
	return connected
}
