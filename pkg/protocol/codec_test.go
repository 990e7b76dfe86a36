package protocol

import (
	"bufio"
	"bytes"
	"net/netip"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/marketdht/pkg/crypto"
	"github.com/busybox42/marketdht/pkg/types"
)

func testPeer(t *testing.T, port string) PeerInfo {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return PeerInfo{ID: kp.PeerID(), Addr: ma.StringCast("/ip4/127.0.0.1/tcp/" + port)}
}

func TestCodecFindClosestPeers(t *testing.T) {
	key := types.KeyForContent([]byte("target"))
	resp := NewMessage(FindClosestPeers, key)
	resp.Peers = []PeerInfo{testPeer(t, "4001"), testPeer(t, "4002")}

	data, err := Marshal(resp)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, got.ID)
	assert.Equal(t, FindClosestPeers, got.Type)
	assert.Equal(t, key, got.Key)
	require.Len(t, got.Peers, 2)
	for i := range resp.Peers {
		assert.Equal(t, resp.Peers[i].ID, got.Peers[i].ID)
		assert.True(t, resp.Peers[i].Addr.Equal(got.Peers[i].Addr))
	}
}

func TestCodecStoreSupplier(t *testing.T) {
	peer := testPeer(t, "9001")
	supplier := types.NewSupplierInfo(peer.ID, [4]byte{190, 32, 11, 23}, 9001, -300, "peer1")
	supplier.Expiry = time.UnixMilli(1_700_000_000_123)

	req := NewMessage(StoreSupplier, types.KeyForContent([]byte("file")))
	req.Supplier = &supplier
	req.TTL = 90 * time.Second

	data, err := Marshal(req)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)

	require.NotNil(t, got.Supplier)
	assert.Equal(t, supplier.PeerID, got.Supplier.PeerID)
	assert.Equal(t, netip.MustParseAddr("190.32.11.23"), got.Supplier.IP)
	assert.Equal(t, uint16(9001), got.Supplier.Port)
	assert.Equal(t, int64(-300), got.Supplier.Price)
	assert.Equal(t, "peer1", got.Supplier.Name)
	assert.True(t, supplier.Expiry.Equal(got.Supplier.Expiry))
	assert.Equal(t, 90*time.Second, got.TTL)
}

func TestUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrUnknownType},
		{name: "unknown type", data: []byte{0x08, 0x2a}, want: ErrUnknownType},
		{name: "truncated tag", data: []byte{0x80}, want: ErrMalformed},
		{name: "short key", data: []byte{0x08, 0x02, 0x12, 0x02, 0x01, 0x02}, want: ErrMalformed},
		{name: "truncated bytes", data: []byte{0x08, 0x02, 0x12, 0x20, 0x01}, want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMarshalRejectsUnknownType(t *testing.T) {
	_, err := Marshal(&Message{Type: MessageType(99)})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	first := NewMessage(Ping, types.Key{})
	second := NewMessage(GetSuppliers, types.KeyForContent([]byte("x")))
	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, second.Key, got.Key)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	frame := varint.ToUvarint(MaxMessageSize + 1)
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestMarshalRejectsOversize(t *testing.T) {
	msg := NewMessage(StoreSupplier, types.Key{1})
	msg.Error = string(make([]byte, MaxMessageSize))
	_, err := Marshal(msg)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
