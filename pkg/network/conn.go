// pkg/network/conn.go
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/yamux"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

// peerConn is one multiplexed connection to an authenticated peer.
type peerConn struct {
	peer       types.PeerID
	listenAddr ma.Multiaddr
	remoteAddr net.Addr
	outbound   bool
	session    *yamux.Session
	opened     time.Time
}

// dialer is the id of the peer that opened the connection.
func (c *peerConn) dialer(self types.PeerID) types.PeerID {
	if c.outbound {
		return self
	}
	return c.peer
}

func (c *peerConn) close() error {
	return c.session.Close()
}

func (c *peerConn) isClosed() bool {
	return c.session.IsClosed()
}

// request sends msg on a fresh stream and waits for the single response.
func (c *peerConn) request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	stream, err := c.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	if err := protocol.WriteFrame(stream, msg); err != nil {
		return nil, requestError(ctx, err)
	}
	resp, err := protocol.ReadFrame(bufio.NewReader(stream))
	if err != nil {
		return nil, requestError(ctx, err)
	}
	if resp.ID != msg.ID {
		return nil, fmt.Errorf("%w: response id %q for request %q", protocol.ErrMalformed, resp.ID, msg.ID)
	}
	return resp, nil
}

func requestError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, yamux.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
