package tor

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreePort(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "port should be reusable")
	ln.Close()
}

func TestWaitForSocks5Proxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.True(t, waitForSocks5Proxy(ln.Addr().String(), time.Second))

	port, err := freePort()
	require.NoError(t, err)
	assert.False(t, waitForSocks5Proxy(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 600*time.Millisecond))
}

func TestManager(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a Tor process")
	}
	if _, err := exec.LookPath("tor"); err != nil {
		t.Skip("tor binary not installed")
	}

	m, err := Start(context.Background(), Options{StartTimeout: time.Minute})
	if err != nil {
		t.Skipf("Tor not available, skipping test: %v", err)
	}
	defer func() {
		require.NoError(t, m.Stop())
	}()

	assert.Greater(t, m.SocksPort(), 0)
	dialer, err := m.Dialer()
	require.NoError(t, err)
	require.NotNil(t, dialer)
}
