package types

import (
	"crypto/rand"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) Key {
	t.Helper()
	var k Key
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestDistanceProperties(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, b := randomKey(t), randomKey(t)

		assert.True(t, a.Distance(a).IsZero(), "d(a,a) must be zero")
		assert.Equal(t, a.Distance(b), b.Distance(a), "distance must be symmetric")
		if a != b {
			assert.False(t, a.Distance(b).IsZero())
		}
	}
}

func TestDistanceCmp(t *testing.T) {
	var target, near, far Key
	near[IDLength-1] = 0x01
	far[0] = 0x80

	assert.Equal(t, -1, near.Distance(target).Cmp(far.Distance(target)))
	assert.Equal(t, 1, far.Distance(target).Cmp(near.Distance(target)))
	assert.Equal(t, 0, near.Distance(target).Cmp(near.Distance(target)))
}

func TestCommonPrefixLen(t *testing.T) {
	var a Key
	tests := []struct {
		name string
		flip func(k *Key)
		want int
	}{
		{name: "identical", flip: func(k *Key) {}, want: IDBits},
		{name: "first bit", flip: func(k *Key) { k[0] ^= 0x80 }, want: 0},
		{name: "eighth bit", flip: func(k *Key) { k[0] ^= 0x01 }, want: 7},
		{name: "second byte", flip: func(k *Key) { k[1] ^= 0x40 }, want: 9},
		{name: "last bit", flip: func(k *Key) { k[IDLength-1] ^= 0x01 }, want: IDBits - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := a
			tt.flip(&b)
			assert.Equal(t, tt.want, CommonPrefixLen(a, b))
			assert.Equal(t, tt.want, CommonPrefixLen(b, a))
		})
	}
}

func TestPeerIDTextRoundTrip(t *testing.T) {
	id := PeerID(randomKey(t))

	parsed, err := ParsePeerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParsePeerID("not-base58-0OIl")
	assert.Error(t, err)

	_, err = ParsePeerID("3mJr7AoUXx2Wqd")
	assert.True(t, errors.Is(err, ErrInvalidLength))
}

func TestKeyFromBytes(t *testing.T) {
	_, err := KeyFromBytes(make([]byte, 20))
	assert.True(t, errors.Is(err, ErrInvalidLength))

	raw := make([]byte, IDLength)
	raw[3] = 7
	k, err := KeyFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, k.Bytes())
}

func TestCloserIsStableOrder(t *testing.T) {
	target := randomKey(t)
	ids := make([]PeerID, 50)
	for i := range ids {
		ids[i] = PeerID(randomKey(t))
	}

	first := append([]PeerID(nil), ids...)
	sort.Slice(first, func(i, j int) bool { return Closer(target, first[i], first[j]) })
	second := append([]PeerID(nil), ids...)
	sort.Slice(second, func(i, j int) bool { return Closer(target, second[i], second[j]) })

	assert.Equal(t, first, second)
	for i := 1; i < len(first); i++ {
		prev := first[i-1].Key().Distance(target)
		cur := first[i].Key().Distance(target)
		assert.Equal(t, -1, prev.Cmp(cur), "results must be strictly ascending")
	}
}
