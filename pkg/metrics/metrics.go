// pkg/metrics/metrics.go
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketdht"

// Metrics are the counters and gauges of a single node.
type Metrics struct {
	Commands        *prometheus.CounterVec
	OutboundRPCs    *prometheus.CounterVec
	InboundRequests *prometheus.CounterVec
	LookupRounds    prometheus.Histogram
	ConnectedPeers  prometheus.Gauge
	RoutingTable    prometheus.Gauge
	Suppliers       prometheus.Gauge
	StoreFailures   prometheus.Counter

	reg        prometheus.Registerer
	registered []prometheus.Collector
}

// New creates the metrics of the node called name and registers them with
// reg under a node label. A nil reg leaves them unregistered. Registering a
// second node with the same name fails with a
// prometheus.AlreadyRegisteredError and leaves reg unchanged.
func New(reg prometheus.Registerer, name string) (*Metrics, error) {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands received from handles, by kind.",
			},
			[]string{"command"},
		),
		OutboundRPCs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_rpcs_total",
				Help:      "Requests sent to peers, by message type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		InboundRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_requests_total",
				Help:      "Requests received from peers, by message type.",
			},
			[]string{"type"},
		),
		LookupRounds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lookup_rounds",
				Help:      "Rounds used by finished closest-peers lookups.",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_peers",
				Help:      "Peers with an open connection.",
			},
		),
		RoutingTable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "routing_table_peers",
				Help:      "Peers in the routing table.",
			},
		),
		Suppliers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "supplier_records",
				Help:      "Supplier records held locally.",
			},
		),
		StoreFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replication_failures_total",
				Help:      "Store requests that failed or timed out while registering a file.",
			},
		),
	}
	if reg == nil {
		return m, nil
	}

	m.reg = prometheus.WrapRegistererWith(prometheus.Labels{"node": name}, reg)
	for _, c := range m.collectors() {
		if err := m.reg.Register(c); err != nil {
			m.Unregister()
			return nil, fmt.Errorf("metrics: register node %q: %w", name, err)
		}
		m.registered = append(m.registered, c)
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Commands,
		m.OutboundRPCs,
		m.InboundRequests,
		m.LookupRounds,
		m.ConnectedPeers,
		m.RoutingTable,
		m.Suppliers,
		m.StoreFailures,
	}
}

// Unregister removes the node's collectors from the registerer so the name
// can be reused.
func (m *Metrics) Unregister() {
	for _, c := range m.registered {
		m.reg.Unregister(c)
	}
	m.registered = nil
}

// RPC outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)
