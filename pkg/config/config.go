// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/dht"
	"github.com/busybox42/marketdht/pkg/types"
)

var (
	ErrNoListener      = errors.New("config: listener address is required")
	ErrInvalidBootNode = errors.New("config: invalid boot node")
	ErrInvalidValue    = errors.New("config: invalid value")
)

// BootNode is a peer dialed at startup together with the identity it must
// prove during the handshake.
type BootNode struct {
	Addr ma.Multiaddr
	ID   types.PeerID
}

func (b BootNode) String() string {
	return fmt.Sprintf("%s/p2p/%s", b.Addr, b.ID)
}

// ParseBootNode parses one address and base58 peer id pair.
func ParseBootNode(addr, id string) (BootNode, error) {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return BootNode{}, fmt.Errorf("%w: address %q: %v", ErrInvalidBootNode, addr, err)
	}
	pid, err := types.ParsePeerID(id)
	if err != nil {
		return BootNode{}, fmt.Errorf("%w: %v", ErrInvalidBootNode, err)
	}
	return BootNode{Addr: a, ID: pid}, nil
}

// ParseBootNodes parses entries of the form "<multiaddr>@<peer id>". It
// fails on the first malformed entry.
func ParseBootNodes(entries []string) ([]BootNode, error) {
	nodes := make([]BootNode, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, id, ok := strings.Cut(entry, "@")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not <multiaddr>@<peer id>", ErrInvalidBootNode, entry)
		}
		node, err := ParseBootNode(addr, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Config is everything a node needs to start.
type Config struct {
	// Listener is the single address the node accepts connections on.
	Listener   ma.Multiaddr
	BootNodes  []BootNode
	ThreadName string

	// KeyPair is the node identity. A fresh one is generated when nil.
	KeyPair *crypto.KeyPair

	BucketSize int
	Alpha      int
	MaxRounds  int

	RequestTimeout   time.Duration
	DialTimeout      time.Duration
	BootstrapTimeout time.Duration

	SupplierTTL    time.Duration
	MaxSupplierTTL time.Duration
	SweepInterval  time.Duration

	AddressBookSize int

	// Dialer carries outbound connections, for example through Tor.
	Dialer proxy.Dialer
	Logger *logrus.Logger
	// Registerer receives the node metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// Default returns a configuration with the standard Kademlia parameters.
// Listener still has to be set.
func Default() Config {
	return Config{
		ThreadName:       "marketdht",
		BucketSize:       dht.K,
		Alpha:            dht.Alpha,
		MaxRounds:        dht.MaxRounds,
		RequestTimeout:   5 * time.Second,
		DialTimeout:      5 * time.Second,
		BootstrapTimeout: 10 * time.Second,
		SupplierTTL:      time.Hour,
		MaxSupplierTTL:   24 * time.Hour,
		SweepInterval:    time.Minute,
		AddressBookSize:  1024,
	}
}

// WithListener parses addr into c.Listener.
func (c Config) WithListener(addr string) (Config, error) {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return c, fmt.Errorf("config: listener %q: %w", addr, err)
	}
	c.Listener = a
	return c, nil
}

// Validate checks c and fills unset optional fields with defaults.
func (c *Config) Validate() error {
	if c.Listener == nil {
		return ErrNoListener
	}
	if !isTCP(c.Listener) {
		return fmt.Errorf("%w: listener %s is not an ip tcp address", ErrInvalidValue, c.Listener)
	}

	def := Default()
	if c.ThreadName == "" {
		c.ThreadName = def.ThreadName
	}
	fillInt(&c.BucketSize, def.BucketSize)
	fillInt(&c.Alpha, def.Alpha)
	fillInt(&c.MaxRounds, def.MaxRounds)
	fillInt(&c.AddressBookSize, def.AddressBookSize)
	fillDuration(&c.RequestTimeout, def.RequestTimeout)
	fillDuration(&c.DialTimeout, def.DialTimeout)
	fillDuration(&c.BootstrapTimeout, def.BootstrapTimeout)
	fillDuration(&c.SupplierTTL, def.SupplierTTL)
	fillDuration(&c.MaxSupplierTTL, def.MaxSupplierTTL)

	if c.BucketSize < 0 || c.Alpha < 0 || c.MaxRounds < 0 || c.AddressBookSize < 0 {
		return fmt.Errorf("%w: negative tuning parameter", ErrInvalidValue)
	}
	if c.Alpha > c.BucketSize {
		return fmt.Errorf("%w: alpha %d exceeds bucket size %d", ErrInvalidValue, c.Alpha, c.BucketSize)
	}
	if c.SupplierTTL > c.MaxSupplierTTL {
		return fmt.Errorf("%w: supplier ttl %s exceeds max %s", ErrInvalidValue, c.SupplierTTL, c.MaxSupplierTTL)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("%w: negative sweep interval", ErrInvalidValue)
	}

	for i, b := range c.BootNodes {
		if b.Addr == nil || b.ID.IsZero() {
			return fmt.Errorf("%w: entry %d is incomplete", ErrInvalidBootNode, i)
		}
		if !isTCP(b.Addr) {
			return fmt.Errorf("%w: %s is not an ip tcp address", ErrInvalidBootNode, b.Addr)
		}
	}

	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetOutput(io.Discard)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

func isTCP(addr ma.Multiaddr) bool {
	_, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return false
	}
	if _, err := addr.ValueForProtocol(ma.P_IP4); err == nil {
		return true
	}
	_, err = addr.ValueForProtocol(ma.P_IP6)
	return err == nil
}

func fillInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func fillDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
