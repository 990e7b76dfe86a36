package tor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	defaultStartTimeout = 3 * time.Minute
	socksWaitTimeout    = 10 * time.Second
)

// Options configures the embedded Tor process.
type Options struct {
	// DataDir holds Tor state. A temporary directory is used and removed
	// on Stop when empty.
	DataDir      string
	StartTimeout time.Duration
	Logger       *logrus.Entry
}

// Manager owns an embedded Tor process used as a SOCKS5 egress for
// outbound peer connections.
type Manager struct {
	instance  *tor.Tor
	socksPort int
	dataDir   string
	tempDir   bool
	log       *logrus.Entry
}

// Start launches Tor, waits for it to bootstrap and for its SOCKS5 port to
// accept connections.
func Start(ctx context.Context, opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	m := &Manager{dataDir: opts.DataDir, log: log.WithField("component", "tor")}
	if m.dataDir == "" {
		dir, err := os.MkdirTemp("", "marketdht-tor-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary Tor data directory: %w", err)
		}
		m.dataDir, m.tempDir = dir, true
	}

	port, err := freePort()
	if err != nil {
		m.cleanup()
		return nil, err
	}
	m.socksPort = port

	m.log.WithField("socks_port", port).Info("Starting embedded Tor")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   m.dataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(port)},
	})
	if err != nil {
		m.cleanup()
		return nil, fmt.Errorf("failed to start Tor: %w", err)
	}
	m.instance = t

	if err := t.EnableNetwork(ctx, true); err != nil {
		m.Stop()
		return nil, fmt.Errorf("failed to enable Tor network: %w", err)
	}
	if !waitForSocks5Proxy(m.socksAddress(), socksWaitTimeout) {
		m.Stop()
		return nil, fmt.Errorf("SOCKS5 proxy did not start on %s", m.socksAddress())
	}

	m.log.Info("Tor is ready")
	return m, nil
}

func (m *Manager) SocksPort() int { return m.socksPort }

func (m *Manager) socksAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(m.socksPort))
}

// Dialer returns a SOCKS5 dialer for outgoing connections via Tor.
func (m *Manager) Dialer() (proxy.Dialer, error) {
	dialer, err := proxy.SOCKS5("tcp", m.socksAddress(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

// Stop shuts down Tor and removes a temporary data directory.
func (m *Manager) Stop() error {
	m.log.Info("Stopping Tor")
	var err error
	if m.instance != nil {
		err = m.instance.Close()
		m.instance = nil
	}
	m.cleanup()
	return err
}

func (m *Manager) cleanup() {
	if m.tempDir && m.dataDir != "" {
		os.RemoveAll(m.dataDir)
		m.dataDir = ""
	}
}

// freePort asks the kernel for an unused local port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// waitForSocks5Proxy checks if the SOCKS5 proxy is ready before proceeding.
func waitForSocks5Proxy(address string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}
