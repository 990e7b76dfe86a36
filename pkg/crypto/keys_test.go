// pkg/crypto/keys_test.go
package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp)
	assert.NotEmpty(t, kp.PublicKey)
	assert.NotEmpty(t, kp.PrivateKey)
	assert.False(t, kp.PeerID().IsZero())
}

func TestKeyPairSignVerify(t *testing.T) {
	message := []byte("test message")

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	signature, err := kp.Sign(message)
	require.NoError(t, err)

	assert.True(t, kp.Verify(message, signature))
	assert.True(t, VerifyFrom(kp.PublicKey, message, signature))

	assert.False(t, kp.Verify([]byte("different message"), signature))
	assert.False(t, VerifyFrom(kp.PublicKey[:10], message, signature))
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrGenerate(path)
	require.NoError(t, err)

	second, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.Equal(t, first.PeerID(), second.PeerID())
	assert.Equal(t, first.PrivateKey, second.PrivateKey)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	_, err := LoadOrGenerate(path)
	assert.True(t, errors.Is(err, ErrInvalidKeyFile))
}
