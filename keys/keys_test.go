package keys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyTextRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(kp.Public.String())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	_, err = ParsePublicKey("abcd")
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	sig, err := kp.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, kp.Public.Verify([]byte("hello"), sig))
	assert.False(t, kp.Public.Verify([]byte("hullo"), sig))
	assert.False(t, kp.Public.Verify([]byte("hello"), sig[:10]))
}

func TestDiscoveryKeyHidesSpaceKey(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	topic := DiscoveryKey(kp.Public)
	assert.NotEqual(t, kp.Public, topic)
	assert.Equal(t, topic, DiscoveryKey(kp.Public))
}

func TestKeyringPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")

	kr, err := OpenKeyring(path)
	require.NoError(t, err)
	kp, err := kr.CreateKey()
	require.NoError(t, err)

	reopened, err := OpenKeyring(path)
	require.NoError(t, err)
	require.True(t, reopened.Has(kp.Public))

	signer, err := reopened.Signer(kp.Public)
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("x"))
	require.NoError(t, err)
	assert.True(t, kp.Public.Verify([]byte("x"), sig))

	_, err = reopened.Signer(ZeroKey)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
