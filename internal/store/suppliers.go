// internal/store/suppliers.go
package store

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/busybox42/marketdht/pkg/types"
)

// Suppliers maps content keys to the peers that can serve them. Records
// expire lazily: reads skip them, EvictExpired reclaims the memory. It is
// owned by the node's event loop and has no locking.
type Suppliers struct {
	data  map[types.Key]map[string]types.SupplierInfo
	clock clock.Clock
}

func NewSuppliers(clk clock.Clock) *Suppliers {
	if clk == nil {
		clk = clock.New()
	}
	return &Suppliers{
		data:  make(map[types.Key]map[string]types.SupplierInfo),
		clock: clk,
	}
}

// Register stores info for key until now+ttl. A record with the same
// identity is replaced, which refreshes its expiry.
func (s *Suppliers) Register(key types.Key, info types.SupplierInfo, ttl time.Duration) types.Key {
	info.Expiry = s.clock.Now().Add(ttl)

	entries, ok := s.data[key]
	if !ok {
		entries = make(map[string]types.SupplierInfo)
		s.data[key] = entries
	}
	entries[info.Identity()] = info
	return key
}

// SuppliersFor returns the live records for key ordered by identity.
func (s *Suppliers) SuppliersFor(key types.Key) []types.SupplierInfo {
	now := s.clock.Now()
	entries := s.data[key]
	out := make([]types.SupplierInfo, 0, len(entries))
	for _, info := range entries {
		if !info.Expired(now) {
			out = append(out, info)
		}
	}
	SortSuppliers(out)
	return out
}

// EvictExpired drops every expired record and returns how many went.
func (s *Suppliers) EvictExpired() int {
	now := s.clock.Now()
	evicted := 0
	for key, entries := range s.data {
		for id, info := range entries {
			if info.Expired(now) {
				delete(entries, id)
				evicted++
			}
		}
		if len(entries) == 0 {
			delete(s.data, key)
		}
	}
	return evicted
}

// Len counts stored records, expired ones included until evicted.
func (s *Suppliers) Len() int {
	n := 0
	for _, entries := range s.data {
		n += len(entries)
	}
	return n
}

// Keys is the number of content keys with at least one record.
func (s *Suppliers) Keys() int { return len(s.data) }

// SortSuppliers orders records by identity.
func SortSuppliers(list []types.SupplierInfo) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Identity() < list[j].Identity()
	})
}

// Merge deduplicates records by identity, keeping the one that expires
// last, and drops those expired at now. The result is ordered by identity.
func Merge(now time.Time, lists ...[]types.SupplierInfo) []types.SupplierInfo {
	byID := make(map[string]types.SupplierInfo)
	for _, list := range lists {
		for _, info := range list {
			if info.Expired(now) {
				continue
			}
			id := info.Identity()
			if prev, ok := byID[id]; ok && !laterExpiry(info, prev) {
				continue
			}
			byID[id] = info
		}
	}
	out := make([]types.SupplierInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	SortSuppliers(out)
	return out
}

// laterExpiry reports whether a outlives b; a zero expiry never ends.
func laterExpiry(a, b types.SupplierInfo) bool {
	switch {
	case b.Expiry.IsZero():
		return false
	case a.Expiry.IsZero():
		return true
	default:
		return a.Expiry.After(b.Expiry)
	}
}
