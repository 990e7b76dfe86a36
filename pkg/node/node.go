// pkg/node/node.go
package node

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/marketdht/internal/store"
	"github.com/busybox42/marketdht/pkg/config"
	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/dht"
	"github.com/busybox42/marketdht/pkg/metrics"
	"github.com/busybox42/marketdht/pkg/network"
	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

// State is the lifecycle stage of a node.
type State int

const (
	Starting State = iota
	Bootstrapping
	Ready
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Bootstrapping:
		return "bootstrapping"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const resultBufferSize = 64

// rpcResult is the outcome of one request sent on behalf of a query.
type rpcResult struct {
	query   string
	peer    types.PeerID
	req     *protocol.Message
	resp    *protocol.Message
	err     error
	elapsed time.Duration
}

// node is the event loop. Every field below is owned by the loop goroutine.
type node struct {
	cfg     config.Config
	self    types.PeerID
	log     *logrus.Entry
	metrics *metrics.Metrics

	transport *network.Transport
	routes    *dht.RoutingTable
	conns     *network.ConnectionRegistry
	suppliers *store.Suppliers
	handler   *dht.MessageHandler

	cmds        <-chan command
	results     chan rpcResult
	bootResults chan bootResult
	done        chan struct{}

	// ctx ends at shutdown and cancels in-flight requests.
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	state        State
	queries      map[string]query
	boot         bootstrapState
	readyWaiters []chan struct{}
}

// Spawn starts a node and returns the first Handle to it. It fails with a
// *StartupError when the configuration is invalid or the listener cannot be
// bound.
func Spawn(cfg config.Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &StartupError{Op: "config", Err: err}
	}
	if cfg.KeyPair == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, &StartupError{Op: "identity", Err: err}
		}
		cfg.KeyPair = kp
	}
	self := cfg.KeyPair.PeerID()
	log := cfg.Logger.WithFields(logrus.Fields{
		"node": cfg.ThreadName,
		"peer": self.ShortString(),
	})

	conns, err := network.NewConnectionRegistry(cfg.AddressBookSize)
	if err != nil {
		return nil, &StartupError{Op: "config", Err: err}
	}
	m, err := metrics.New(cfg.Registerer, cfg.ThreadName)
	if err != nil {
		return nil, &StartupError{Op: "metrics", Err: err}
	}
	transport, err := network.Listen(network.Config{
		ListenAddr:     cfg.Listener,
		KeyPair:        cfg.KeyPair,
		Dialer:         cfg.Dialer,
		DialTimeout:    cfg.DialTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		m.Unregister()
		return nil, &StartupError{Op: "listen", Err: err}
	}
	if err := conns.AddListener(transport.ListenAddr()); err != nil {
		transport.Close()
		m.Unregister()
		return nil, &StartupError{Op: "listen", Err: err}
	}

	routes := dht.NewRoutingTable(self, cfg.BucketSize, conns.IsConnected)
	suppliers := store.NewSuppliers(cfg.Clock)
	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan command)

	n := &node{
		cfg:         cfg,
		self:        self,
		log:         log,
		metrics:     m,
		transport:   transport,
		routes:      routes,
		conns:       conns,
		suppliers:   suppliers,
		handler:     dht.NewMessageHandler(routes, suppliers, cfg.BucketSize, cfg.MaxSupplierTTL),
		cmds:        cmds,
		results:     make(chan rpcResult, resultBufferSize),
		bootResults: make(chan bootResult, len(cfg.BootNodes)+1),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		queries:     make(map[string]query),
	}

	log.WithField("listener", transport.ListenAddr()).Info("Node listening")
	go pprof.Do(context.Background(), pprof.Labels("thread", cfg.ThreadName), func(context.Context) {
		n.run()
	})
	return newHandle(self, cmds, n.done), nil
}

func (n *node) setState(s State) {
	if n.state == s {
		return
	}
	n.log.WithField("state", s).Info("Node state changed")
	n.state = s
	if s == Ready {
		for _, w := range n.readyWaiters {
			w <- struct{}{}
		}
		n.readyWaiters = nil
	}
}

func (n *node) run() {
	defer close(n.done)

	n.startBootstrap()

	var sweep <-chan time.Time
	if n.cfg.SweepInterval > 0 {
		ticker := n.cfg.Clock.Ticker(n.cfg.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case cmd, ok := <-n.cmds:
			if !ok {
				n.log.Info("Last handle closed")
				n.shutdown()
				return
			}
			if q, isQuit := cmd.(quit); isQuit {
				n.metrics.Commands.WithLabelValues(q.name()).Inc()
				n.shutdown()
				q.reply <- struct{}{}
				return
			}
			n.handleCommand(cmd)
		case ev := <-n.transport.Events():
			n.handleEvent(ev)
		case res := <-n.results:
			n.handleResult(res)
		case res := <-n.bootResults:
			n.handleBootResult(res)
		case <-sweep:
			if evicted := n.suppliers.EvictExpired(); evicted > 0 {
				n.log.WithFields(logrus.Fields{
					"evicted": evicted,
					"keys":    n.suppliers.Keys(),
				}).Debug("Expired supplier records removed")
			}
		}
		n.updateGauges()
	}
}

func (n *node) updateGauges() {
	n.metrics.ConnectedPeers.Set(float64(len(n.conns.ConnectedPeers())))
	n.metrics.RoutingTable.Set(float64(n.routes.Size()))
	n.metrics.Suppliers.Set(float64(n.suppliers.Len()))
}

func (n *node) handleCommand(cmd command) {
	n.metrics.Commands.WithLabelValues(cmd.name()).Inc()

	switch c := cmd.(type) {
	case getConnectedPeers:
		c.reply <- n.conns.ConnectedPeers()
	case getAllListeners:
		c.reply <- n.conns.Listeners()
	case isConnectedTo:
		c.reply <- n.conns.IsConnected(c.peer)
	case getClosestLocalPeers:
		c.reply <- types.NodeIDs(n.routes.ClosestLocal(c.target, n.cfg.BucketSize))
	case getClosestPeers:
		n.closestPeers(c)
	case registerFile:
		n.registerFile(c)
	case checkHolders:
		n.checkHolders(c)
	case waitReady:
		if n.state >= Ready {
			c.reply <- struct{}{}
		} else {
			n.readyWaiters = append(n.readyWaiters, c.reply)
		}
	default:
		n.log.Errorf("Unhandled command %T", cmd)
	}
}

func (n *node) handleEvent(ev network.Event) {
	switch e := ev.(type) {
	case network.PeerConnected:
		n.conns.RecordConnected(e.Peer, e.Addr)
		outcome := n.routes.Insert(types.NewNode(e.Peer, e.Addr))
		n.log.WithFields(logrus.Fields{
			"remote":   e.Peer.ShortString(),
			"outbound": e.Outbound,
			"routing":  outcome,
		}).Debug("Peer connected")
	case network.PeerDisconnected:
		if n.conns.RecordDisconnected(e.Peer) {
			n.log.WithField("remote", e.Peer.ShortString()).Debug("Peer disconnected")
		}
	case network.InboundRequest:
		n.metrics.InboundRequests.WithLabelValues(e.Message.Type.String()).Inc()
		if known, ok := n.routes.Get(e.From); ok {
			known.LastSeen = time.Now()
			n.routes.Insert(known)
		}
		resp, err := n.handler.HandleMessage(e.From, e.Message)
		if err != nil {
			n.log.WithError(err).WithField("remote", e.From.ShortString()).Debug("Rejected inbound request")
			resp = e.Message.Reply()
			resp.Error = err.Error()
		}
		e.Respond(resp)
	}
}

// send dispatches msg to peer on behalf of query and posts the outcome to
// the results channel.
func (n *node) send(queryID string, peer types.Node, msg *protocol.Message) {
	addr := peer.Addr
	if addr == nil {
		addr, _ = n.conns.Address(peer.ID)
	}
	if !n.conns.IsConnected(peer.ID) {
		n.conns.RecordConnecting(peer.ID, addr)
	}

	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		start := time.Now()
		res := rpcResult{query: queryID, peer: peer.ID, req: msg}
		res.resp, res.err = n.request(peer.ID, addr, msg)
		res.elapsed = time.Since(start)

		select {
		case n.results <- res:
		case <-n.ctx.Done():
		}
	}()
}

// request runs on a worker goroutine. It touches only the transport.
func (n *node) request(peer types.PeerID, addr ma.Multiaddr, msg *protocol.Message) (*protocol.Message, error) {
	if !n.transport.IsConnected(peer) {
		if addr == nil {
			return nil, errNoAddress
		}
		if _, err := n.transport.Connect(n.ctx, addr, peer); err != nil {
			return nil, err
		}
	}
	resp, err := n.transport.Request(n.ctx, peer, msg)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp, &remoteError{msg: resp.Error}
	}
	return resp, nil
}

func (n *node) handleResult(res rpcResult) {
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(res.err, network.ErrTimeout):
		outcome = metrics.OutcomeTimeout
	case res.err != nil:
		outcome = metrics.OutcomeError
	}
	n.metrics.OutboundRPCs.WithLabelValues(res.req.Type.String(), outcome).Inc()

	if res.err != nil {
		n.conns.RecordDialFailed(res.peer)
		n.log.WithError(res.err).WithFields(logrus.Fields{
			"remote": res.peer.ShortString(),
			"type":   res.req.Type,
		}).Debug("Request failed")
		n.demote(res.peer, res.err)
	}

	q, ok := n.queries[res.query]
	if !ok {
		return
	}
	q.handle(n, res)
}

// demote reacts to a failed request. A peer that cannot be reached leaves
// the routing table; a connected peer that timed out is disconnected, which
// makes it evictable. A peer that answered with an error is left alone.
func (n *node) demote(peer types.PeerID, err error) {
	var remote *remoteError
	switch {
	case errors.As(err, &remote), errors.Is(err, context.Canceled):
	case n.transport.IsConnected(peer):
		if !errors.Is(err, network.ErrTimeout) {
			return
		}
		n.workers.Add(1)
		go func() {
			defer n.workers.Done()
			if err := n.transport.Disconnect(peer); err != nil {
				n.log.WithError(err).WithField("remote", peer.ShortString()).Debug("Disconnect failed")
			}
		}()
	default:
		if n.routes.Contains(peer) {
			n.routes.Remove(peer)
			n.log.WithField("remote", peer.ShortString()).Debug("Unreachable peer removed from routing table")
		}
	}
}

func (n *node) newQueryID() string { return uuid.NewString() }

func (n *node) shutdown() {
	n.setState(ShuttingDown)
	n.cancel()

	if err := n.transport.Close(); err != nil {
		n.log.WithError(err).Warn("Errors while closing transport")
	}
	dropped := n.conns.DisconnectAll()
	n.queries = make(map[string]query)
	n.workers.Wait()
	n.metrics.Unregister()

	n.setState(Stopped)
	n.log.WithField("dropped", len(dropped)).Info("Node stopped")
}
