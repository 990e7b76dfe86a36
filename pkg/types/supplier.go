package types

import (
	"fmt"
	"net/netip"
	"time"
)

// SupplierInfo advertises that a peer can serve a content key, and on what terms.
type SupplierInfo struct {
	PeerID PeerID
	IP     netip.Addr
	Port   uint16
	Price  int64
	Name   string
	Expiry time.Time
}

// NewSupplierInfo builds the record a node registers for itself.
func NewSupplierInfo(id PeerID, ip [4]byte, port uint16, price int64, name string) SupplierInfo {
	return SupplierInfo{
		PeerID: id,
		IP:     netip.AddrFrom4(ip),
		Port:   port,
		Price:  price,
		Name:   name,
	}
}

// Identity is the deduplication key of a supplier: its peer id, or its
// address when the record carries no peer id.
func (s SupplierInfo) Identity() string {
	if !s.PeerID.IsZero() {
		return s.PeerID.String()
	}
	return "addr:" + netip.AddrPortFrom(s.IP, s.Port).String()
}

func (s SupplierInfo) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

func (s SupplierInfo) String() string {
	return fmt.Sprintf("%s %s price=%d (%s)", s.Name, netip.AddrPortFrom(s.IP, s.Port), s.Price, s.PeerID.ShortString())
}
