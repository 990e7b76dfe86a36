// pkg/node/handle.go
package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/types"
)

// handleState is shared by a Handle and all its clones.
type handleState struct {
	mu     sync.RWMutex
	cmds   chan command
	done   <-chan struct{}
	refs   int
	closed bool
}

// Handle is the caller side of a running node. It is safe for concurrent
// use. Each Handle obtained from Spawn or Clone must be closed; closing the
// last one stops the node.
type Handle struct {
	id     types.PeerID
	state  *handleState
	closed atomic.Bool
}

func newHandle(id types.PeerID, cmds chan command, done <-chan struct{}) *Handle {
	return &Handle{
		id:    id,
		state: &handleState{cmds: cmds, done: done, refs: 1},
	}
}

// ID is the node's peer id.
func (h *Handle) ID() types.PeerID { return h.id }

// Done is closed once the node has stopped.
func (h *Handle) Done() <-chan struct{} { return h.state.done }

// Clone returns another Handle to the same node.
func (h *Handle) Clone() *Handle {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	if !h.state.closed {
		h.state.refs++
	}
	c := &Handle{id: h.id, state: h.state}
	if h.state.closed {
		c.closed.Store(true)
	}
	return c
}

// Close releases this Handle. Closing the last Handle of a node shuts the
// node down and waits until it has stopped. Close is idempotent.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	h.state.mu.Lock()
	last := false
	if !h.state.closed {
		h.state.refs--
		if h.state.refs == 0 {
			h.state.closed = true
			close(h.state.cmds)
			last = true
		}
	}
	h.state.mu.Unlock()

	if last {
		<-h.state.done
	}
	return nil
}

func (h *Handle) send(ctx context.Context, cmd command) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if h.state.closed {
		return ErrClosed
	}

	select {
	case h.state.cmds <- cmd:
		return nil
	case <-h.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call sends cmd and waits for its reply.
func call[T any](ctx context.Context, h *Handle, cmd command, reply <-chan T) (T, error) {
	var zero T
	if err := h.send(ctx, cmd); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.state.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

func parseKey(b []byte) (types.Key, error) {
	k, err := types.KeyFromBytes(b)
	if err != nil {
		return k, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return k, nil
}

// GetConnectedPeers lists the peers with a live connection, ordered by id.
func (h *Handle) GetConnectedPeers(ctx context.Context) ([]types.PeerID, error) {
	reply := make(chan []types.PeerID, 1)
	return call(ctx, h, getConnectedPeers{reply: reply}, reply)
}

// GetAllListeners returns the node's listen addresses. There is always
// exactly one.
func (h *Handle) GetAllListeners(ctx context.Context) ([]ma.Multiaddr, error) {
	reply := make(chan []ma.Multiaddr, 1)
	return call(ctx, h, getAllListeners{reply: reply}, reply)
}

func (h *Handle) IsConnectedTo(ctx context.Context, peer types.PeerID) (bool, error) {
	reply := make(chan bool, 1)
	return call(ctx, h, isConnectedTo{peer: peer, reply: reply}, reply)
}

// GetClosestLocalPeers returns the routing table entries closest to target
// without any network traffic.
func (h *Handle) GetClosestLocalPeers(ctx context.Context, target []byte) ([]types.PeerID, error) {
	key, err := parseKey(target)
	if err != nil {
		return nil, err
	}
	reply := make(chan []types.PeerID, 1)
	return call(ctx, h, getClosestLocalPeers{target: key, reply: reply}, reply)
}

// GetClosestPeers runs an iterative lookup for target across the network.
func (h *Handle) GetClosestPeers(ctx context.Context, target []byte) (ClosestPeers, error) {
	key, err := parseKey(target)
	if err != nil {
		return ClosestPeers{}, err
	}
	reply := make(chan ClosestPeers, 1)
	return call(ctx, h, getClosestPeers{target: key, reply: reply}, reply)
}

// RegisterFile advertises this node as a supplier of hash with the default
// record lifetime, and replicates the record to the closest peers.
func (h *Handle) RegisterFile(ctx context.Context, hash []byte, ip [4]byte, port uint16, price int64, name string) (types.Key, error) {
	return h.RegisterFileWithTTL(ctx, hash, ip, port, price, name, 0)
}

// RegisterFileWithTTL is RegisterFile with an explicit record lifetime. A
// zero ttl uses the configured default.
func (h *Handle) RegisterFileWithTTL(ctx context.Context, hash []byte, ip [4]byte, port uint16, price int64, name string, ttl time.Duration) (types.Key, error) {
	key, err := parseKey(hash)
	if err != nil {
		return key, err
	}
	if ttl < 0 {
		return key, fmt.Errorf("%w: negative ttl %s", ErrInvalidArgument, ttl)
	}
	reply := make(chan types.Key, 1)
	cmd := registerFile{
		key:      key,
		supplier: types.NewSupplierInfo(h.id, ip, port, price, name),
		ttl:      ttl,
		reply:    reply,
	}
	return call(ctx, h, cmd, reply)
}

// CheckHolders finds the suppliers of hash known to the network and to
// this node. An empty result is not an error.
func (h *Handle) CheckHolders(ctx context.Context, hash []byte) ([]types.SupplierInfo, error) {
	key, err := parseKey(hash)
	if err != nil {
		return nil, err
	}
	reply := make(chan []types.SupplierInfo, 1)
	return call(ctx, h, checkHolders{key: key, reply: reply}, reply)
}

// WaitBootstrapped blocks until every boot node has been dialed and its
// initial lookup has finished.
func (h *Handle) WaitBootstrapped(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	_, err := call(ctx, h, waitReady{reply: reply}, reply)
	return err
}

// Quit stops the node and waits until it has stopped. Handles stay valid
// but every later call returns ErrClosed.
func (h *Handle) Quit(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if _, err := call(ctx, h, quit{reply: reply}, reply); err != nil {
		return err
	}
	select {
	case <-h.state.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
