package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

func testSnapshot(t *testing.T) *SpaceSnapshot {
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	return &SpaceSnapshot{
		SpaceKey:  kp.Public,
		Timeframe: timeframe.New(timeframe.Entry{Key: kp.Public, Seq: 7}),
		Database:  []byte("db"),
	}
}

func TestStores(t *testing.T) {
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "dir": dir} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			snap := testSnapshot(t)

			ref, err := Save(ctx, store, snap)
			require.NoError(t, err)
			assert.Equal(t, Ref(snap.Marshal()), ref)
			assert.True(t, store.Has(ref))

			loaded, err := Load(ctx, store, ref)
			require.NoError(t, err)
			assert.Equal(t, snap.SpaceKey, loaded.SpaceKey)
			assert.Equal(t, snap.Database, loaded.Database)
			assert.True(t, snap.Timeframe.Equal(loaded.Timeframe))

			again, err := Save(ctx, store, snap)
			require.NoError(t, err)
			assert.Equal(t, ref, again)

			_, err = store.Get(ctx, Ref([]byte("missing")))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDirStoreRejectsPaths(t *testing.T) {
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	_, err = dir.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, dir.Has("../x"))
}
