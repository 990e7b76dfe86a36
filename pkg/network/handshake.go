// pkg/network/handshake.go
package network

import (
	"bufio"
	"fmt"
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

type handshakeResult struct {
	peer       types.PeerID
	listenAddr ma.Multiaddr
}

// handshake exchanges signed hellos over a raw connection within timeout.
// Both sides write first and read second. A non-zero expected id must match
// the remote.
func handshake(conn net.Conn, kp *crypto.KeyPair, listenAddr ma.Multiaddr, expected types.PeerID, timeout time.Duration) (handshakeResult, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return handshakeResult{}, err
	}
	defer conn.SetDeadline(time.Time{})

	hello, err := protocol.NewHello(kp, listenAddr)
	if err != nil {
		return handshakeResult{}, err
	}
	if err := protocol.WriteFrame(conn, hello); err != nil {
		return handshakeResult{}, fmt.Errorf("failed to send hello: %w", err)
	}

	// Unbuffered read: yamux takes over the connection right after, so no
	// bytes past the hello may be consumed here.
	remote, err := protocol.ReadFrame(bufio.NewReaderSize(oneByteReader{conn}, 16))
	if err != nil {
		return handshakeResult{}, fmt.Errorf("failed to read hello: %w", err)
	}
	id, err := remote.VerifyHello()
	if err != nil {
		return handshakeResult{}, err
	}

	switch {
	case id == kp.PeerID():
		return handshakeResult{}, ErrSelfDial
	case !expected.IsZero() && id != expected:
		return handshakeResult{}, fmt.Errorf("%w: expected %s, got %s", ErrPeerIDMismatch, expected, id)
	}
	return handshakeResult{peer: id, listenAddr: routableAddr(remote.ListenAddr, conn.RemoteAddr())}, nil
}

// routableAddr replaces an unspecified ip in the advertised listen address
// with the ip the connection came from, keeping the advertised port.
func routableAddr(advertised ma.Multiaddr, remote net.Addr) ma.Multiaddr {
	if advertised == nil || !manet.IsIPUnspecified(advertised) {
		return advertised
	}
	observed, err := manet.FromNetAddr(remote)
	if err != nil {
		return advertised
	}
	ip, _ := ma.SplitFirst(observed)
	_, rest := ma.SplitFirst(advertised)
	if ip == nil || rest == nil {
		return advertised
	}
	return ma.Join(ip, rest)
}

// oneByteReader hands bufio at most one byte per Read.
type oneByteReader struct {
	conn net.Conn
}

func (r oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return r.conn.Read(p)
}
