package types

import (
	"crypto/ed25519"
	"net/netip"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

func TestNewNode(t *testing.T) {
	publicKey, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}

	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/8080")
	if err != nil {
		t.Fatalf("Failed to build address: %v", err)
	}

	id := PeerIDFromPublicKey(publicKey)
	node := NewNode(id, addr)

	if node.ID != id {
		t.Errorf("Expected id %s, got %s", id, node.ID)
	}

	if !node.Addr.Equal(addr) {
		t.Errorf("Expected address %v, got %v", addr, node.Addr)
	}

	if time.Since(node.LastSeen) > time.Second {
		t.Errorf("LastSeen timestamp is not recent")
	}
}

func TestSupplierIdentity(t *testing.T) {
	publicKey, _, _ := ed25519.GenerateKey(nil)
	id := PeerIDFromPublicKey(publicKey)

	withPeer := NewSupplierInfo(id, [4]byte{190, 32, 11, 23}, 9001, 300, "peer1")
	if withPeer.Identity() != id.String() {
		t.Errorf("Expected identity %s, got %s", id, withPeer.Identity())
	}

	anonymous := NewSupplierInfo(PeerID{}, [4]byte{190, 32, 11, 23}, 9001, 300, "peer1")
	if anonymous.Identity() != "addr:190.32.11.23:9001" {
		t.Errorf("Unexpected address identity %s", anonymous.Identity())
	}
	if anonymous.IP != netip.MustParseAddr("190.32.11.23") {
		t.Errorf("Unexpected ip %v", anonymous.IP)
	}
}

func TestSupplierExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		expiry  time.Time
		expired bool
	}{
		{name: "no expiry", expiry: time.Time{}, expired: false},
		{name: "future", expiry: now.Add(time.Minute), expired: false},
		{name: "exactly now", expiry: now, expired: true},
		{name: "past", expiry: now.Add(-time.Minute), expired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SupplierInfo{Expiry: tt.expiry}
			if got := s.Expired(now); got != tt.expired {
				t.Errorf("Expired() = %v, want %v", got, tt.expired)
			}
		})
	}
}
