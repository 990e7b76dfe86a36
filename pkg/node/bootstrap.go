package node

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/marketdht/pkg/config"
	"github.com/busybox42/marketdht/pkg/dht"
	"github.com/busybox42/marketdht/pkg/network"
	"github.com/busybox42/marketdht/pkg/types"
)

// bootResult reports one boot node dial. last marks the end of all dials.
type bootResult struct {
	node config.BootNode
	err  error
	last bool
}

type bootstrapState struct {
	dialing bool
	lookups int
}

// startBootstrap dials every boot node in the background. Each successful
// dial seeds the routing table and starts a lookup for our own id.
func (n *node) startBootstrap() {
	if len(n.cfg.BootNodes) == 0 {
		n.setState(Ready)
		return
	}
	n.setState(Bootstrapping)
	n.boot.dialing = true

	for _, b := range n.cfg.BootNodes {
		n.conns.RecordConnecting(b.ID, b.Addr)
	}

	n.workers.Add(1)
	go func() {
		defer n.workers.Done()
		var g errgroup.Group
		for _, b := range n.cfg.BootNodes {
			b := b
			g.Go(func() error {
				n.postBoot(bootResult{node: b, err: n.dialBootNode(b)})
				return nil
			})
		}
		g.Wait()
		n.postBoot(bootResult{last: true})
	}()
}

func (n *node) postBoot(res bootResult) {
	select {
	case n.bootResults <- res:
	case <-n.ctx.Done():
	}
}

// dialBootNode retries with exponential backoff until BootstrapTimeout. An
// identity mismatch is final.
func (n *node) dialBootNode(b config.BootNode) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = n.cfg.BootstrapTimeout

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
		defer cancel()
		_, err := n.transport.Connect(ctx, b.Addr, b.ID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, network.ErrPeerIDMismatch), errors.Is(err, network.ErrSelfDial),
			errors.Is(err, network.ErrTransportClosed):
			return backoff.Permanent(err)
		}
		n.log.WithError(err).WithFields(logrus.Fields{
			"boot":    b.ID.ShortString(),
			"attempt": attempt,
		}).Debug("Boot node dial failed")
		return err
	}, backoff.WithContext(policy, n.ctx))
}

func (n *node) handleBootResult(res bootResult) {
	if res.last {
		n.boot.dialing = false
		n.checkBootstrapped()
		return
	}

	fields := logrus.Fields{"boot": res.node.ID.ShortString(), "addr": res.node.Addr}
	if res.err != nil {
		n.conns.RecordDialFailed(res.node.ID)
		n.log.WithError(res.err).WithFields(fields).Warn("Boot node unreachable")
		return
	}

	n.log.WithFields(fields).Info("Connected to boot node")
	n.routes.Insert(types.NewNode(res.node.ID, res.node.Addr))
	n.boot.lookups++
	n.startLookup(n.self.Key(), func(l *dht.Lookup) {
		n.boot.lookups--
		n.log.WithField("found", len(l.Result())).Debug("Bootstrap lookup finished")
		n.checkBootstrapped()
	})
}

func (n *node) checkBootstrapped() {
	if n.state == Bootstrapping && !n.boot.dialing && n.boot.lookups == 0 {
		n.setState(Ready)
	}
}
