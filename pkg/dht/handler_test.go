// pkg/dht/handler_test.go
package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/marketdht/pkg/protocol"
	"github.com/busybox42/marketdht/pkg/types"
)

// Mock storage implementation for testing
type mockStorage struct {
	data map[types.Key][]types.SupplierInfo
	ttls []time.Duration
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		data: make(map[types.Key][]types.SupplierInfo),
	}
}

func (m *mockStorage) Register(key types.Key, info types.SupplierInfo, ttl time.Duration) types.Key {
	m.data[key] = append(m.data[key], info)
	m.ttls = append(m.ttls, ttl)
	return key
}

func (m *mockStorage) SuppliersFor(key types.Key) []types.SupplierInfo {
	return m.data[key]
}

func TestMessageHandler(t *testing.T) {
	self := randomID(t)
	rt := NewRoutingTable(self, K, nil)
	requester := randomID(t)
	rt.Insert(testNode(t, requester))
	for i := 0; i < 30; i++ {
		rt.Insert(testNode(t, randomID(t)))
	}

	storage := newMockStorage()
	handler := NewMessageHandler(rt, storage, K, 2*time.Hour)
	key := types.KeyForContent([]byte("file"))
	supplier := types.NewSupplierInfo(requester, [4]byte{190, 32, 11, 23}, 9001, 300, "peer1")

	tests := []struct {
		name    string
		msg     *protocol.Message
		wantErr bool
		check   func(t *testing.T, resp *protocol.Message)
	}{
		{
			name: "Find closest peers excludes requester",
			msg:  protocol.NewMessage(protocol.FindClosestPeers, requester.Key()),
			check: func(t *testing.T, resp *protocol.Message) {
				assert.Len(t, resp.Peers, K)
				for _, p := range resp.Peers {
					assert.NotEqual(t, requester, p.ID)
				}
			},
		},
		{
			name: "Store supplier",
			msg: func() *protocol.Message {
				m := protocol.NewMessage(protocol.StoreSupplier, key)
				m.Supplier = &supplier
				m.TTL = 5 * time.Minute
				return m
			}(),
			check: func(t *testing.T, resp *protocol.Message) {
				assert.Empty(t, resp.Error)
				assert.Equal(t, 5*time.Minute, storage.ttls[len(storage.ttls)-1])
			},
		},
		{
			name: "Store supplier clamps ttl",
			msg: func() *protocol.Message {
				m := protocol.NewMessage(protocol.StoreSupplier, key)
				m.Supplier = &supplier
				m.TTL = 48 * time.Hour
				return m
			}(),
			check: func(t *testing.T, resp *protocol.Message) {
				assert.Equal(t, 2*time.Hour, storage.ttls[len(storage.ttls)-1])
			},
		},
		{
			name: "Store supplier defaults ttl",
			msg: func() *protocol.Message {
				m := protocol.NewMessage(protocol.StoreSupplier, key)
				m.Supplier = &supplier
				return m
			}(),
			check: func(t *testing.T, resp *protocol.Message) {
				assert.Equal(t, DefaultSupplierTTL, storage.ttls[len(storage.ttls)-1])
			},
		},
		{
			name:    "Store without supplier",
			msg:     protocol.NewMessage(protocol.StoreSupplier, key),
			wantErr: true,
		},
		{
			name: "Get suppliers",
			msg:  protocol.NewMessage(protocol.GetSuppliers, key),
			check: func(t *testing.T, resp *protocol.Message) {
				require.NotEmpty(t, resp.Suppliers)
				assert.Equal(t, "peer1", resp.Suppliers[0].Name)
			},
		},
		{
			name: "Ping request",
			msg:  protocol.NewMessage(protocol.Ping, types.Key{}),
		},
		{
			name:    "Hello is not a request",
			msg:     &protocol.Message{Type: protocol.Hello},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response, err := handler.HandleMessage(requester, tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, response)
			assert.Equal(t, tt.msg.ID, response.ID)
			if tt.check != nil {
				tt.check(t, response)
			}
		})
	}
}
