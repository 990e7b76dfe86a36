package node

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/types"
)

// command is a request sent from a Handle to the event loop. Every command
// carries its own buffered reply channel, answered at most once.
type command interface {
	name() string
}

type getConnectedPeers struct {
	reply chan []types.PeerID
}

type getAllListeners struct {
	reply chan []ma.Multiaddr
}

type isConnectedTo struct {
	peer  types.PeerID
	reply chan bool
}

type getClosestLocalPeers struct {
	target types.Key
	reply  chan []types.PeerID
}

type getClosestPeers struct {
	target types.Key
	reply  chan ClosestPeers
}

type registerFile struct {
	key      types.Key
	supplier types.SupplierInfo
	ttl      time.Duration
	reply    chan types.Key
}

type checkHolders struct {
	key   types.Key
	reply chan []types.SupplierInfo
}

type waitReady struct {
	reply chan struct{}
}

type quit struct {
	reply chan struct{}
}

func (getConnectedPeers) name() string    { return "get_connected_peers" }
func (getAllListeners) name() string      { return "get_all_listeners" }
func (isConnectedTo) name() string        { return "is_connected_to" }
func (getClosestLocalPeers) name() string { return "get_closest_local_peers" }
func (getClosestPeers) name() string      { return "get_closest_peers" }
func (registerFile) name() string         { return "register_file" }
func (checkHolders) name() string         { return "check_holders" }
func (waitReady) name() string            { return "wait_ready" }
func (quit) name() string                 { return "quit" }

// ClosestPeers answers GetClosestPeers.
type ClosestPeers struct {
	Key   types.Key
	Peers []types.PeerID
}
