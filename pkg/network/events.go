package network

import (
	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

// Event is something the transport reports to its owner.
type Event interface {
	isEvent()
}

// PeerConnected is sent when a peer gets its first live connection. Addr is
// the listen address the peer advertised in its hello.
type PeerConnected struct {
	Peer     types.PeerID
	Addr     ma.Multiaddr
	Outbound bool
}

// PeerDisconnected is sent when the last connection to a peer closes.
type PeerDisconnected struct {
	Peer types.PeerID
}

// InboundRequest carries a request from a peer. The owner must call Respond
// exactly once; the stream is dropped if it does not before the request
// timeout.
type InboundRequest struct {
	From    types.PeerID
	Message *protocol.Message
	reply   chan *protocol.Message
}

// Respond sends resp back to the requester. A nil resp drops the stream.
func (r InboundRequest) Respond(resp *protocol.Message) {
	select {
	case r.reply <- resp:
	default:
	}
}

func (PeerConnected) isEvent()    {}
func (PeerDisconnected) isEvent() {}
func (InboundRequest) isEvent()   {}
