package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

func newKey(t *testing.T) keys.PublicKey {
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	return kp.Public
}

func set(object, key, value string) []byte {
	return Batch{Mutations: []Mutation{{ObjectID: object, Key: key, Value: []byte(value)}}}.Marshal()
}

func TestConcurrentFeedsCommute(t *testing.T) {
	a, b := newKey(t), newKey(t)
	writes := []struct {
		batch []byte
		meta  Meta
	}{
		{set("doc", "title", "from a"), Meta{FeedKey: a, Seq: 0, Timeframe: timeframe.New()}},
		{set("doc", "title", "from b"), Meta{FeedKey: b, Seq: 0, Timeframe: timeframe.New()}},
		{set("doc", "body", "b1"), Meta{FeedKey: b, Seq: 1, Timeframe: timeframe.New(timeframe.Entry{Key: b, Seq: 0})}},
	}

	forward := NewKV()
	for _, w := range writes {
		require.NoError(t, forward.Process(w.batch, w.meta))
	}
	backward := NewKV()
	for i := len(writes) - 1; i >= 0; i-- {
		require.NoError(t, backward.Process(writes[i].batch, writes[i].meta))
	}
	assert.Equal(t, forward.Objects(), backward.Objects())
}

func TestLaterCausalWriteWins(t *testing.T) {
	a, b := newKey(t), newKey(t)
	db := NewKV()
	require.NoError(t, db.Process(set("doc", "title", "first"), Meta{FeedKey: a, Seq: 0, Timeframe: timeframe.New()}))
	// b saw a's write
	require.NoError(t, db.Process(set("doc", "title", "second"), Meta{FeedKey: b, Seq: 0, Timeframe: timeframe.New(timeframe.Entry{Key: a, Seq: 0})}))

	value, ok := db.Get("doc", "title")
	require.True(t, ok)
	assert.Equal(t, "second", string(value))

	del := Batch{Mutations: []Mutation{{ObjectID: "doc", Key: "title", Delete: true}}}.Marshal()
	require.NoError(t, db.Process(del, Meta{FeedKey: a, Seq: 1, Timeframe: timeframe.New(timeframe.Entry{Key: a, Seq: 0}, timeframe.Entry{Key: b, Seq: 0})}))
	_, ok = db.Get("doc", "title")
	assert.False(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	a := newKey(t)
	db := NewKV()
	require.NoError(t, db.Process(set("x", "k", "v1"), Meta{FeedKey: a, Seq: 0, Timeframe: timeframe.New()}))
	require.NoError(t, db.Process(set("y", "k", "v2"), Meta{FeedKey: a, Seq: 1, Timeframe: timeframe.New(timeframe.Entry{Key: a, Seq: 0})}))

	snap, err := db.CreateSnapshot()
	require.NoError(t, err)

	restored := NewKV()
	require.NoError(t, restored.Process(set("z", "k", "gone"), Meta{FeedKey: a, Seq: 9, Timeframe: timeframe.New()}))
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	assert.Equal(t, db.Objects(), restored.Objects())

	// a stale write still loses after restore
	require.NoError(t, restored.Process(set("x", "k", "stale"), Meta{FeedKey: a, Seq: 0, Timeframe: timeframe.New()}))
	value, _ := restored.Get("x", "k")
	assert.Equal(t, "v1", string(value))
}

func TestInvalidBatch(t *testing.T) {
	db := NewKV()
	err := db.Process([]byte{0x0a, 0x02, 0x12, 0x00}, Meta{})
	assert.ErrorIs(t, err, ErrInvalidBatch)

	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Process(set("a", "b", "c"), Meta{}), ErrClosed)
}
