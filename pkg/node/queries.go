// pkg/node/queries.go
package node

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/marketdht/internal/store"
	"github.com/busybox42/marketdht/pkg/dht"
	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

var errNoAddress = errors.New("node: no known address for peer")

// remoteError is an error string returned by a peer in its response.
type remoteError struct {
	msg string
}

func (e *remoteError) Error() string { return "remote: " + e.msg }

// query is a multi-step operation driven by request results.
type query interface {
	handle(n *node, res rpcResult)
}

// lookupQuery drives a dht.Lookup over the network.
type lookupQuery struct {
	id     string
	lookup *dht.Lookup
	onDone func(l *dht.Lookup)
}

// startLookup runs a closest-peers lookup for target seeded from the local
// routing table and calls onDone with the finished lookup. onDone runs on
// the event loop, possibly before startLookup returns.
func (n *node) startLookup(target types.Key, onDone func(*dht.Lookup)) {
	seeds := n.routes.ClosestLocal(target, n.cfg.BucketSize)
	q := &lookupQuery{
		id:     n.newQueryID(),
		lookup: dht.NewLookup(n.self, target, seeds, n.cfg.BucketSize, n.cfg.Alpha, n.cfg.MaxRounds),
		onDone: onDone,
	}
	n.queries[q.id] = q
	n.log.WithFields(logrus.Fields{
		"query":  q.id,
		"target": target,
		"seeds":  len(seeds),
	}).Debug("Lookup started")
	q.advance(n)
}

func (q *lookupQuery) handle(n *node, res rpcResult) {
	var peers []types.Node
	if res.err == nil {
		peers = dht.NodesFromPeerInfos(res.resp.Peers)
		for _, p := range peers {
			n.conns.AddAddress(p.ID, p.Addr)
		}
	}
	q.lookup.Report(res.peer, peers, res.err)
	q.advance(n)
}

func (q *lookupQuery) advance(n *node) {
	if !q.lookup.RoundComplete() {
		return
	}
	frontier := q.lookup.NextRound()
	if q.lookup.Done() {
		delete(n.queries, q.id)
		result := q.lookup.Result()
		n.metrics.LookupRounds.Observe(float64(q.lookup.Round()))
		n.log.WithFields(logrus.Fields{
			"query":     q.id,
			"rounds":    q.lookup.Round(),
			"converged": q.lookup.Converged(),
			"found":     len(result),
		}).Debug("Lookup finished")
		q.onDone(q.lookup)
		return
	}

	n.log.WithFields(logrus.Fields{
		"query": q.id,
		"round": q.lookup.Round(),
		"peers": len(frontier),
	}).Debug("Lookup round")
	for _, peer := range frontier {
		n.send(q.id, peer, protocol.NewMessage(protocol.FindClosestPeers, q.lookup.Target()))
	}
}

// fanoutQuery sends one request to each of a set of peers and finishes when
// all have answered or failed.
type fanoutQuery struct {
	id       string
	pending  int
	onResult func(res rpcResult)
	onDone   func()
}

func (n *node) fanout(peers []types.Node, build func() *protocol.Message, onResult func(rpcResult), onDone func()) {
	if len(peers) == 0 {
		onDone()
		return
	}
	q := &fanoutQuery{
		id:       n.newQueryID(),
		pending:  len(peers),
		onResult: onResult,
		onDone:   onDone,
	}
	n.queries[q.id] = q
	for _, peer := range peers {
		n.send(q.id, peer, build())
	}
}

func (q *fanoutQuery) handle(n *node, res rpcResult) {
	q.pending--
	q.onResult(res)
	if q.pending == 0 {
		delete(n.queries, q.id)
		q.onDone()
	}
}

// targets is the lookup result. Only a lookup that had no peer to start
// from falls back to the local view, which may have grown meanwhile; peers
// the lookup saw fail are never returned.
func (n *node) targets(l *dht.Lookup) []types.Node {
	if l.Seeded() {
		return l.Result()
	}
	local := n.routes.ClosestLocal(l.Target(), n.cfg.BucketSize)
	out := local[:0]
	for _, p := range local {
		if !l.Failed(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

func (n *node) closestPeers(c getClosestPeers) {
	n.startLookup(c.target, func(l *dht.Lookup) {
		c.reply <- ClosestPeers{Key: c.target, Peers: types.NodeIDs(n.targets(l))}
	})
}

// registerFile stores the record locally, then replicates it to the peers
// closest to the key. The reply waits for every store request; failures
// are logged only.
func (n *node) registerFile(c registerFile) {
	ttl := c.ttl
	if ttl == 0 {
		ttl = n.cfg.SupplierTTL
	}
	if ttl > n.cfg.MaxSupplierTTL {
		ttl = n.cfg.MaxSupplierTTL
	}
	n.suppliers.Register(c.key, c.supplier, ttl)

	supplier := c.supplier
	n.startLookup(c.key, func(l *dht.Lookup) {
		peers := n.targets(l)
		failed := 0
		n.fanout(peers,
			func() *protocol.Message {
				msg := protocol.NewMessage(protocol.StoreSupplier, c.key)
				msg.Supplier = &supplier
				msg.TTL = ttl
				return msg
			},
			func(res rpcResult) {
				if res.err != nil {
					failed++
					n.metrics.StoreFailures.Inc()
				}
			},
			func() {
				fields := logrus.Fields{"key": c.key, "replicas": len(peers) - failed, "failed": failed}
				if failed > 0 {
					n.log.WithFields(fields).Warn("Supplier record partly replicated")
				} else {
					n.log.WithFields(fields).Info("Supplier record registered")
				}
				c.reply <- c.key
			},
		)
	})
}

// checkHolders collects supplier records for the key from the closest peers
// and the local registry.
func (n *node) checkHolders(c checkHolders) {
	n.startLookup(c.key, func(l *dht.Lookup) {
		var collected [][]types.SupplierInfo
		n.fanout(n.targets(l),
			func() *protocol.Message { return protocol.NewMessage(protocol.GetSuppliers, c.key) },
			func(res rpcResult) {
				if res.err == nil {
					collected = append(collected, res.resp.Suppliers)
				}
			},
			func() {
				collected = append(collected, n.suppliers.SuppliersFor(c.key))
				c.reply <- store.Merge(n.now(), collected...)
			},
		)
	})
}

func (n *node) now() time.Time { return n.cfg.Clock.Now() }
