// pkg/network/transport.go
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"

	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

var (
	ErrTimeout         = errors.New("network: request timed out")
	ErrPeerIDMismatch  = errors.New("network: peer id mismatch")
	ErrSelfDial        = errors.New("network: dialed self")
	ErrTransportClosed = errors.New("network: transport closed")
	ErrNotConnected    = errors.New("network: peer not connected")
)

type Config struct {
	ListenAddr ma.Multiaddr
	KeyPair    *crypto.KeyPair

	// Dialer opens outbound TCP connections. Direct dialing when nil.
	Dialer         proxy.Dialer
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	Logger *logrus.Entry
	Yamux  *yamux.Config
}

// Transport authenticates TCP connections with a signed hello, multiplexes
// them with yamux and carries one request and one response per stream.
// It is safe for concurrent use.
type Transport struct {
	cfg      Config
	self     types.PeerID
	listener manet.Listener
	addr     ma.Multiaddr
	log      *logrus.Entry

	events  chan Event
	closing chan struct{}
	dials   singleflight.Group

	mu     sync.Mutex
	conns  map[types.PeerID]*peerConn
	closed bool
	wg     sync.WaitGroup
}

// Listen binds cfg.ListenAddr and starts accepting connections.
func Listen(cfg Config) (*Transport, error) {
	if cfg.KeyPair == nil {
		return nil, errors.New("network: key pair is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = logrus.NewEntry(l)
	}
	if cfg.Yamux == nil {
		cfg.Yamux = yamux.DefaultConfig()
		cfg.Yamux.LogOutput = io.Discard
	}

	listener, err := manet.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	t := &Transport{
		cfg:      cfg,
		self:     cfg.KeyPair.PeerID(),
		listener: listener,
		addr:     listener.Multiaddr(),
		log:      cfg.Logger,
		events:   make(chan Event, eventBufferSize),
		closing:  make(chan struct{}),
		conns:    make(map[types.PeerID]*peerConn),
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) ID() types.PeerID { return t.self }

// ListenAddr is the bound listen address, with the real port.
func (t *Transport) ListenAddr() ma.Multiaddr { return t.addr }

func (t *Transport) Events() <-chan Event { return t.events }

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			t.log.WithError(err).Warn("Failed to accept connection")
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if _, err := t.setup(conn, false, types.PeerID{}); err != nil {
				t.log.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("Inbound handshake failed")
			}
		}()
	}
}

// Connect dials addr unless a connection to expected already exists. A
// zero expected accepts any identity. Concurrent dials of the same target
// share one attempt.
func (t *Transport) Connect(ctx context.Context, addr ma.Multiaddr, expected types.PeerID) (types.PeerID, error) {
	if !expected.IsZero() {
		if expected == t.self {
			return types.PeerID{}, ErrSelfDial
		}
		if t.IsConnected(expected) {
			return expected, nil
		}
	}

	key := addr.String() + "|" + expected.String()
	ch := t.dials.DoChan(key, func() (interface{}, error) {
		return t.dial(addr, expected)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.PeerID{}, res.Err
		}
		return res.Val.(types.PeerID), nil
	case <-ctx.Done():
		return types.PeerID{}, ctx.Err()
	case <-t.closing:
		return types.PeerID{}, ErrTransportClosed
	}
}

func (t *Transport) dial(addr ma.Multiaddr, expected types.PeerID) (types.PeerID, error) {
	network, hostport, err := manet.DialArgs(addr)
	if err != nil {
		return types.PeerID{}, fmt.Errorf("network: cannot dial %s: %w", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	var conn net.Conn
	switch d := t.cfg.Dialer.(type) {
	case nil:
		conn, err = (&net.Dialer{}).DialContext(ctx, network, hostport)
	case proxy.ContextDialer:
		conn, err = d.DialContext(ctx, network, hostport)
	default:
		conn, err = d.Dial(network, hostport)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.PeerID{}, fmt.Errorf("%w: dial %s", ErrTimeout, addr)
		}
		return types.PeerID{}, fmt.Errorf("connection failed: %w", err)
	}
	return t.setup(conn, true, expected)
}

// setup authenticates conn, wraps it in a yamux session and registers it.
func (t *Transport) setup(conn net.Conn, outbound bool, expected types.PeerID) (types.PeerID, error) {
	res, err := handshake(conn, t.cfg.KeyPair, t.addr, expected, t.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return types.PeerID{}, err
	}

	var session *yamux.Session
	if outbound {
		session, err = yamux.Client(conn, t.cfg.Yamux)
	} else {
		session, err = yamux.Server(conn, t.cfg.Yamux)
	}
	if err != nil {
		conn.Close()
		return types.PeerID{}, fmt.Errorf("failed to start yamux: %w", err)
	}

	pc := &peerConn{
		peer:       res.peer,
		listenAddr: res.listenAddr,
		remoteAddr: conn.RemoteAddr(),
		outbound:   outbound,
		session:    session,
		opened:     time.Now(),
	}
	accepted, fresh := t.register(pc)
	if !accepted {
		session.Close()
		if t.IsConnected(res.peer) {
			return res.peer, nil
		}
		return types.PeerID{}, ErrTransportClosed
	}
	if fresh {
		t.log.WithFields(logrus.Fields{
			"peer":     res.peer.ShortString(),
			"outbound": outbound,
		}).Debug("Connection established")
		t.emit(PeerConnected{Peer: pc.peer, Addr: pc.listenAddr, Outbound: pc.outbound})
	}

	go t.serve(pc)
	return res.peer, nil
}

// register makes pc the live connection of its peer. With two connections
// to one peer both sides keep the one dialed by the lower id. fresh is set
// when the peer had no live connection before. An accepted connection is
// counted in wg for its serve goroutine.
func (t *Transport) register(pc *peerConn) (accepted, fresh bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, false
	}

	existing, ok := t.conns[pc.peer]
	if ok && !existing.isClosed() {
		if !pc.dialer(t.self).Less(existing.dialer(t.self)) {
			return false, false
		}
		t.conns[pc.peer] = pc
		t.wg.Add(1)
		existing.close()
		return true, false
	}

	t.conns[pc.peer] = pc
	t.wg.Add(1)
	return true, true
}

// emit queues ev, giving up once the transport closes.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closing:
	}
}

func (t *Transport) serve(pc *peerConn) {
	defer t.wg.Done()
	for {
		stream, err := pc.session.AcceptStream()
		if err != nil {
			break
		}
		t.wg.Add(1)
		go t.handleStream(pc, stream)
	}

	t.mu.Lock()
	current := t.conns[pc.peer] == pc
	if current {
		delete(t.conns, pc.peer)
	}
	t.mu.Unlock()

	if current {
		t.log.WithField("peer", pc.peer.ShortString()).Debug("Connection closed")
		t.emit(PeerDisconnected{Peer: pc.peer})
	}
}

func (t *Transport) handleStream(pc *peerConn, stream *yamux.Stream) {
	defer t.wg.Done()
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(t.cfg.RequestTimeout))
	msg, err := protocol.ReadFrame(bufio.NewReader(stream))
	if err != nil {
		t.log.WithError(err).WithField("peer", pc.peer.ShortString()).Debug("Failed to read request")
		return
	}

	req := InboundRequest{From: pc.peer, Message: msg, reply: make(chan *protocol.Message, 1)}
	t.emit(req)

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-req.reply:
		if resp == nil {
			return
		}
		if err := protocol.WriteFrame(stream, resp); err != nil {
			t.log.WithError(err).WithField("peer", pc.peer.ShortString()).Debug("Failed to write response")
		}
	case <-timer.C:
	case <-t.closing:
	}
}

// Request sends msg to a connected peer and waits for its response, for at
// most the configured request timeout.
func (t *Transport) Request(ctx context.Context, peer types.PeerID, msg *protocol.Message) (*protocol.Message, error) {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peer.ShortString())
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	return pc.request(ctx, msg)
}

func (t *Transport) IsConnected(peer types.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.conns[peer]
	return ok && !pc.isClosed()
}

// Disconnect closes the connection to peer. A PeerDisconnected event follows.
func (t *Transport) Disconnect(peer types.PeerID) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pc.close()
}

// Close stops the listener, drops every connection and waits for the
// transport goroutines to finish.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	err := t.listener.Close()
	for _, pc := range conns {
		err = multierr.Append(err, pc.close())
	}
	t.wg.Wait()
	return err
}
