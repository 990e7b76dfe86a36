// pkg/types/id.go
package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/bits"

	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
)

// IDLength is the size in bytes of peer ids and content keys (SHA-256).
const IDLength = 32

// IDBits is the bit length of the key space, and the number of routing buckets.
const IDBits = IDLength * 8

var ErrInvalidLength = errors.New("types: invalid identifier length")

// Key is a point in the key space. Content hashes are keys directly.
type Key [IDLength]byte

// PeerID identifies a node. It is the SHA-256 of the node's ed25519 public key.
type PeerID [IDLength]byte

// Distance is the XOR of two keys read as a big-endian unsigned integer.
type Distance [IDLength]byte

// PeerIDFromPublicKey derives the id of the node owning publicKey.
func PeerIDFromPublicKey(publicKey ed25519.PublicKey) PeerID {
	return PeerID(sha256.Sum256(publicKey))
}

// PeerIDFromBytes copies b into a PeerID.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != IDLength {
		return id, fmt.Errorf("%w: got %d want %d", ErrInvalidLength, len(b), IDLength)
	}
	copy(id[:], b)
	return id, nil
}

// ParsePeerID decodes the base58 text form produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("types: invalid peer id %q: %w", s, err)
	}
	return PeerIDFromBytes(raw)
}

func (p PeerID) Key() Key { return Key(p) }

func (p PeerID) Bytes() []byte { return append([]byte(nil), p[:]...) }

func (p PeerID) IsZero() bool { return p == PeerID{} }

func (p PeerID) String() string { return base58.Encode(p[:]) }

// ShortString is the tail of the base58 form, for log lines.
func (p PeerID) ShortString() string {
	s := p.String()
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

// Less orders ids by raw bytes.
func (p PeerID) Less(other PeerID) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// KeyFromBytes copies b into a Key; b must be exactly IDLength bytes.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != IDLength {
		return k, fmt.Errorf("%w: got %d want %d", ErrInvalidLength, len(b), IDLength)
	}
	copy(k[:], b)
	return k, nil
}

// KeyForContent hashes data into the key space.
func KeyForContent(data []byte) Key {
	return Key(sha256.Sum256(data))
}

func (k Key) Bytes() []byte { return append([]byte(nil), k[:]...) }

func (k Key) String() string { return fmt.Sprintf("%x", k[:]) }

// Distance returns k XOR other.
func (k Key) Distance(other Key) Distance {
	var d Distance
	for i := range k {
		d[i] = k[i] ^ other[i]
	}
	return d
}

// Cmp compares two distances: -1, 0 or +1.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

func (d Distance) IsZero() bool { return d == Distance{} }

// CommonPrefixLen counts the leading bits a and b share.
func CommonPrefixLen(a, b Key) int {
	for i := 0; i < IDLength; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

// Closer reports whether a is strictly closer to target than b. Equal
// distances fall back to raw id order so sorting stays total.
func Closer(target Key, a, b PeerID) bool {
	if c := a.Key().Distance(target).Cmp(b.Key().Distance(target)); c != 0 {
		return c < 0
	}
	return a.Less(b)
}
