// pkg/dht/handler.go
package dht

import (
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

var ErrMissingSupplier = errors.New("dht: store request without supplier")

// SupplierStore is the registry inbound store and lookup requests work on.
type SupplierStore interface {
	Register(key types.Key, info types.SupplierInfo, ttl time.Duration) types.Key
	SuppliersFor(key types.Key) []types.SupplierInfo
}

// MessageHandler answers DHT requests from remote peers. It runs on the
// node's event loop alongside the routing table it reads.
type MessageHandler struct {
	routes  *RoutingTable
	storage SupplierStore
	k       int
	maxTTL  time.Duration
}

func NewMessageHandler(routes *RoutingTable, storage SupplierStore, k int, maxTTL time.Duration) *MessageHandler {
	if k <= 0 {
		k = K
	}
	return &MessageHandler{
		routes:  routes,
		storage: storage,
		k:       k,
		maxTTL:  maxTTL,
	}
}

// HandleMessage builds the response to msg sent by from.
func (h *MessageHandler) HandleMessage(from types.PeerID, msg *protocol.Message) (*protocol.Message, error) {
	switch msg.Type {
	case protocol.FindClosestPeers:
		return h.handleFindClosestPeers(from, msg), nil
	case protocol.StoreSupplier:
		return h.handleStoreSupplier(msg)
	case protocol.GetSuppliers:
		return h.handleGetSuppliers(msg), nil
	case protocol.Ping:
		return msg.Reply(), nil
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.Type)
	}
}

func (h *MessageHandler) handleFindClosestPeers(from types.PeerID, msg *protocol.Message) *protocol.Message {
	closest := h.routes.ClosestLocal(msg.Key, h.k+1)
	nodes := make([]types.Node, 0, len(closest))
	for _, n := range closest {
		if n.ID != from && len(nodes) < h.k {
			nodes = append(nodes, n)
		}
	}

	response := msg.Reply()
	response.Peers = PeerInfos(nodes)
	return response
}

func (h *MessageHandler) handleStoreSupplier(msg *protocol.Message) (*protocol.Message, error) {
	if msg.Supplier == nil {
		return nil, ErrMissingSupplier
	}

	ttl := msg.TTL
	if ttl <= 0 {
		ttl = DefaultSupplierTTL
	}
	if h.maxTTL > 0 && ttl > h.maxTTL {
		ttl = h.maxTTL
	}
	h.storage.Register(msg.Key, *msg.Supplier, ttl)

	return msg.Reply(), nil
}

func (h *MessageHandler) handleGetSuppliers(msg *protocol.Message) *protocol.Message {
	response := msg.Reply()
	response.Suppliers = h.storage.SuppliersFor(msg.Key)
	return response
}

// PeerInfos converts routing entries into their wire form.
func PeerInfos(nodes []types.Node) []protocol.PeerInfo {
	out := make([]protocol.PeerInfo, len(nodes))
	for i, n := range nodes {
		out[i] = protocol.PeerInfo{ID: n.ID, Addr: n.Addr}
	}
	return out
}

// NodesFromPeerInfos converts a wire peer list into routing entries.
func NodesFromPeerInfos(peers []protocol.PeerInfo) []types.Node {
	out := make([]types.Node, 0, len(peers))
	for _, p := range peers {
		out = append(out, types.Node{ID: p.ID, Addr: p.Addr})
	}
	return out
}
