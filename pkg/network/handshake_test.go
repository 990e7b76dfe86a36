package network

import (
	"context"
	"net"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/types"
)

func TestRoutableAddr(t *testing.T) {
	remote4 := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 51000}
	remote6 := &net.TCPAddr{IP: net.ParseIP("fd00::7"), Port: 51000}

	tests := []struct {
		name       string
		advertised string
		remote     net.Addr
		want       string
	}{
		{"specified ip4 kept", "/ip4/192.168.0.9/tcp/4001", remote4, "/ip4/192.168.0.9/tcp/4001"},
		{"unspecified ip4 replaced", "/ip4/0.0.0.0/tcp/4001", remote4, "/ip4/10.1.2.3/tcp/4001"},
		{"unspecified ip6 replaced", "/ip6/::/tcp/4001", remote6, "/ip6/fd00::7/tcp/4001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := routableAddr(ma.StringCast(tt.advertised), tt.remote)
			assert.Equal(t, tt.want, got.String())
		})
	}

	assert.Nil(t, routableAddr(nil, remote4))
}

func TestUnspecifiedListenerAdvertisedAsObserved(t *testing.T) {
	server := setupTransport(t)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client, err := Listen(Config{
		ListenAddr:     ma.StringCast("/ip4/0.0.0.0/tcp/0"),
		KeyPair:        kp,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Connect(context.Background(), server.ListenAddr(), server.ID())
	require.NoError(t, err)

	inbound := waitEvent[PeerConnected](t, server)
	require.Equal(t, client.ID(), inbound.Peer)
	assert.False(t, manet.IsIPUnspecified(inbound.Addr), "recorded %s", inbound.Addr)

	ip, err := inbound.Addr.ValueForProtocol(ma.P_IP4)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	wantPort, err := client.ListenAddr().ValueForProtocol(ma.P_TCP)
	require.NoError(t, err)
	gotPort, err := inbound.Addr.ValueForProtocol(ma.P_TCP)
	require.NoError(t, err)
	assert.Equal(t, wantPort, gotPort)
}

func TestHandshakeBoundedByDialTimeout(t *testing.T) {
	// Accepts TCP but never says hello.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()
	go func() {
		for {
			conn, err := silent.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tr, err := Listen(Config{
		ListenAddr:  ma.StringCast("/ip4/127.0.0.1/tcp/0"),
		KeyPair:     kp,
		DialTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	defer tr.Close()

	addr, err := manet.FromNetAddr(silent.Addr())
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Connect(context.Background(), addr, types.PeerID{1})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, tr.IsConnected(types.PeerID{1}))
}
