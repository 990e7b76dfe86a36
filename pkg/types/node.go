// pkg/types/node.go
package types

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Node is a known peer: its id and the address it accepts connections on.
type Node struct {
	ID       PeerID
	Addr     ma.Multiaddr
	LastSeen time.Time
}

func NewNode(id PeerID, addr ma.Multiaddr) Node {
	return Node{
		ID:       id,
		Addr:     addr,
		LastSeen: time.Now(),
	}
}

// NodeIDs projects nodes onto their ids, keeping order.
func NodeIDs(nodes []Node) []PeerID {
	ids := make([]PeerID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
