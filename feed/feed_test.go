package feed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

func TestAppendAndReplicate(t *testing.T) {
	ctx := context.Background()
	keyring := keys.NewKeyring()
	kp, err := keyring.CreateKey()
	require.NoError(t, err)

	writer := NewMemoryStore(keyring)
	reader := NewMemoryStore(nil)

	local, err := writer.OpenFeed(ctx, kp.Public, OpenOptions{Writable: true})
	require.NoError(t, err)
	remote, err := reader.OpenFeed(ctx, kp.Public, OpenOptions{Sparse: true})
	require.NoError(t, err)
	assert.False(t, remote.Writable())

	changed := local.Changed()
	seq, err := local.Append(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	select {
	case <-changed:
	default:
		t.Fatal("append must signal change")
	}

	_, err = local.Append(ctx, []byte("b"))
	require.NoError(t, err)

	second, err := local.Get(1)
	require.NoError(t, err)
	assert.ErrorIs(t, remote.Replicate(second), ErrNonContiguous)

	first, err := local.Get(0)
	require.NoError(t, err)
	require.NoError(t, remote.Replicate(first))
	require.NoError(t, remote.Replicate(first))
	require.NoError(t, remote.Replicate(second))
	assert.Equal(t, int64(2), remote.Length())

	forged := &Block{FeedKey: kp.Public, Seq: 2, Payload: []byte("x"), Signature: second.Signature}
	assert.ErrorIs(t, remote.Replicate(forged), ErrBlockSignature)

	_, err = remote.Append(ctx, []byte("c"))
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestOpenWritableWithoutKey(t *testing.T) {
	store := NewMemoryStore(keys.NewKeyring())
	_, err := store.OpenFeed(context.Background(), keys.ZeroKey, OpenOptions{Writable: true})
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keyring := keys.NewKeyring()
	kp, err := keyring.CreateKey()
	require.NoError(t, err)

	store, err := NewFileStore(dir, keyring)
	require.NoError(t, err)
	f, err := store.OpenFeed(ctx, kp.Public, OpenOptions{Writable: true})
	require.NoError(t, err)
	for _, p := range []string{"one", "two", "three"} {
		_, err := f.Append(ctx, []byte(p))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, keyring)
	require.NoError(t, err)
	defer reopened.Close()
	f, err = reopened.OpenFeed(ctx, kp.Public, OpenOptions{Writable: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.Length())

	block, err := f.Get(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), block.Payload)
	require.NoError(t, block.Verify())

	seq, err := f.Append(ctx, []byte("four"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestMessageEncoding(t *testing.T) {
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	cred, err := credentials.CreateCredential(kp, kp.Public, credentials.Auth{})
	require.NoError(t, err)

	msg := &Message{
		Timeframe:  timeframe.New(timeframe.Entry{Key: kp.Public, Seq: 3}),
		Credential: cred,
	}
	decoded, err := UnmarshalMessage(msg.Marshal())
	require.NoError(t, err)
	assert.Equal(t, cred.ID(), decoded.Credential.ID())
	assert.Nil(t, decoded.Data)
	assert.True(t, msg.Timeframe.Equal(decoded.Timeframe))

	data := &Message{Data: []byte{}}
	decoded, err = UnmarshalMessage(data.Marshal())
	require.NoError(t, err)
	assert.NotNil(t, decoded.Data)
	assert.Nil(t, decoded.Credential)
}
