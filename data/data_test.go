package data

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/database"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/metadata"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

type harness struct {
	ring     *keys.Keyring
	store    *feed.MemoryStore
	md       *metadata.MemoryStore
	snaps    *snapshot.MemoryStore
	space    *keys.Keypair
	identity *keys.Keypair
	control  keys.PublicKey
	dataFeed feed.Feed
	genesis  []*credentials.Credential
	sm       *admission.StateMachine
}

// newHarness prepares a space whose genesis credentials, except epoch 0, are processed
func newHarness(t *testing.T) *harness {
	ctx := context.Background()
	h := &harness{ring: keys.NewKeyring(), md: metadata.NewMemoryStore(), snaps: snapshot.NewMemoryStore()}
	h.store = feed.NewMemoryStore(h.ring)

	var err error
	h.space, err = h.ring.CreateKey()
	require.NoError(t, err)
	h.identity, err = h.ring.CreateKey()
	require.NoError(t, err)
	controlKey, err := h.ring.CreateKey()
	require.NoError(t, err)
	h.control = controlKey.Public
	dataKey, err := h.ring.CreateKey()
	require.NoError(t, err)

	h.dataFeed, err = h.store.OpenFeed(ctx, dataKey.Public, feed.OpenOptions{Writable: true})
	require.NoError(t, err)

	h.genesis, err = credentials.CreateGenesisCredentials(credentials.GenesisParams{
		SpaceSigner:    h.space,
		Identity:       h.identity.Public,
		ControlFeedKey: h.control,
		DataFeedKey:    dataKey.Public,
	})
	require.NoError(t, err)

	h.sm = admission.New(h.space.Public)
	for _, c := range h.genesis[:4] {
		require.NoError(t, h.sm.ProcessCredential(c, h.control))
	}

	require.NoError(t, h.md.AddSpace(metadata.SpaceMetadata{
		SpaceKey:       h.space.Public,
		GenesisFeedKey: h.control,
		ControlFeedKey: h.control,
		DataFeedKey:    dataKey.Public,
	}))
	return h
}

func (h *harness) params() Params {
	return Params{
		SpaceKey:              h.space.Public,
		StateMachine:          h.sm,
		Metadata:              h.md,
		Snapshots:             h.snaps,
		TimeframeSaveInterval: time.Millisecond,
		CacheSaveInterval:     time.Millisecond,
	}
}

func (h *harness) newPipeline(t *testing.T, params Params) *Pipeline {
	d := New(params)
	d.AddFeed(h.dataFeed)
	require.NoError(t, d.SetWriteFeed(h.dataFeed))
	return d
}

func (h *harness) processEpoch0(t *testing.T) {
	require.NoError(t, h.sm.ProcessCredential(h.genesis[4], h.control))
}

func (h *harness) processEpoch(t *testing.T, epoch credentials.Epoch) *credentials.Credential {
	cred, err := credentials.CreateCredential(h.space, h.space.Public, epoch)
	require.NoError(t, err)
	require.NoError(t, h.sm.ProcessCredential(cred, h.control))
	return cred
}

func set(objectID, key, value string) database.Batch {
	return database.Batch{Mutations: []database.Mutation{{ObjectID: objectID, Key: key, Value: []byte(value)}}}
}

func value(d *Pipeline, objectID, key string) string {
	kv, ok := d.Database().(interface {
		Get(objectID, key string) ([]byte, bool)
	})
	if !ok {
		return ""
	}
	v, _ := kv.Get(objectID, key)
	return string(v)
}

func waitApplied(t *testing.T, d *Pipeline, key keys.PublicKey, seq int64) {
	require.Eventually(t, func() bool {
		return d.AppliedTimeframe().Seq(key) >= seq
	}, 2*time.Second, 5*time.Millisecond)
}

type countingDB struct {
	*database.KV
	processed atomic.Int32
}

func (c *countingDB) Process(batch []byte, meta database.Meta) error {
	c.processed.Add(1)
	return c.KV.Process(batch, meta)
}

type storeFetcher struct {
	store snapshot.Store
	calls atomic.Int32
}

func (f *storeFetcher) FetchSnapshot(ctx context.Context, ref string) ([]byte, error) {
	f.calls.Add(1)
	return f.store.Get(ctx, ref)
}

type blockingFetcher struct {
	started   chan string
	cancelled chan struct{}
}

func (f *blockingFetcher) FetchSnapshot(ctx context.Context, ref string) ([]byte, error) {
	f.started <- ref
	<-ctx.Done()
	close(f.cancelled)
	return nil, ctx.Err()
}

func TestNothingAppliedBeforeFirstEpoch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	d := h.newPipeline(t, h.params())
	require.NoError(t, d.Open(ctx))
	defer d.Close()

	_, err := d.WriteMutations(ctx, set("doc", "title", "hello"))
	require.NoError(t, err)

	assert.Never(t, func() bool {
		return value(d, "doc", "title") != ""
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(-1), d.EpochState().LastProcessedEpoch)

	h.processEpoch0(t)
	waitApplied(t, d, h.dataFeed.Key(), 0)
	assert.Equal(t, "hello", value(d, "doc", "title"))

	state := d.EpochState()
	assert.Equal(t, int64(0), state.LastProcessedEpoch)
	require.NotNil(t, state.Applied)
	assert.Equal(t, h.genesis[4].ID(), state.Applied.ID())
}

func TestCreateEpochRestoresOnFreshPipeline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processEpoch0(t)

	d := h.newPipeline(t, h.params())
	require.NoError(t, d.Open(ctx))
	for _, v := range []string{"a", "b", "c"} {
		_, err := d.WriteMutations(ctx, set("doc", "title", v))
		require.NoError(t, err)
	}
	waitApplied(t, d, h.dataFeed.Key(), 2)

	epoch, err := d.CreateEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch.Number)
	assert.Equal(t, int64(2), epoch.Timeframe.Seq(h.dataFeed.Key()))
	assert.Equal(t, h.genesis[4].ID(), epoch.PreviousID)
	assert.True(t, h.snaps.Has(epoch.SnapshotRef))

	cred := h.processEpoch(t, epoch)
	require.Eventually(t, func() bool {
		applied := d.EpochState().Applied
		return applied != nil && applied.ID() == cred.ID()
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close())

	// a second device without the snapshot fetches it and skips the covered messages
	db := &countingDB{KV: database.NewKV()}
	fetcher := &storeFetcher{store: h.snaps}
	params := h.params()
	params.Snapshots = snapshot.NewMemoryStore()
	params.NewDatabase = func() database.Adapter { return db }
	fresh := h.newPipeline(t, params)
	fresh.SetSnapshotFetcher(fetcher)
	require.NoError(t, fresh.Open(ctx))
	defer fresh.Close()

	require.Eventually(t, func() bool {
		return fresh.EpochState().Applied != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, cred.ID(), fresh.EpochState().Applied.ID())
	assert.Equal(t, "c", value(fresh, "doc", "title"))
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.True(t, params.Snapshots.Has(epoch.SnapshotRef))
	assert.True(t, timeframe.LessOrEqual(epoch.Timeframe, fresh.AppliedTimeframe()))

	_, err = fresh.WriteMutations(ctx, set("doc", "title", "d"))
	require.NoError(t, err)
	waitApplied(t, fresh, h.dataFeed.Key(), 3)
	assert.Equal(t, "d", value(fresh, "doc", "title"))
	assert.Equal(t, int32(1), db.processed.Load())
}

func TestLaterEpochPreemptsEarlier(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processEpoch0(t)

	d := h.newPipeline(t, h.params())
	fetcher := &blockingFetcher{started: make(chan string, 1), cancelled: make(chan struct{})}
	d.SetSnapshotFetcher(fetcher)
	require.NoError(t, d.Open(ctx))
	defer d.Close()
	require.Eventually(t, func() bool {
		return d.EpochState().Applied != nil
	}, 2*time.Second, 5*time.Millisecond)

	covered := timeframe.New(timeframe.Entry{Key: h.dataFeed.Key(), Seq: 0})
	remote := h.processEpoch(t, credentials.Epoch{
		Number:      1,
		Timeframe:   covered,
		SnapshotRef: snapshot.Ref([]byte("held by a peer")),
	})
	select {
	case ref := <-fetcher.started:
		assert.Equal(t, remote.Assertion.(credentials.Epoch).SnapshotRef, ref)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot fetch did not start")
	}

	kv := database.NewKV()
	require.NoError(t, kv.Process(set("doc", "title", "from epoch 2").Marshal(), database.Meta{FeedKey: h.dataFeed.Key()}))
	snapData, err := kv.CreateSnapshot()
	require.NoError(t, err)
	ref, err := snapshot.Save(ctx, h.snaps, &snapshot.SpaceSnapshot{SpaceKey: h.space.Public, Timeframe: covered, Database: snapData})
	require.NoError(t, err)
	local := h.processEpoch(t, credentials.Epoch{Number: 2, Timeframe: covered, SnapshotRef: ref})

	select {
	case <-fetcher.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("epoch 1 was not preempted")
	}
	require.Eventually(t, func() bool {
		applied := d.EpochState().Applied
		return applied != nil && applied.ID() == local.ID()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "from epoch 2", value(d, "doc", "title"))
	assert.Equal(t, int64(2), d.EpochState().LastProcessedEpoch)

	// lower numbers are ignored
	h.processEpoch(t, credentials.Epoch{Number: 1, Timeframe: covered, SnapshotRef: ref, PreviousID: local.ID()})
	assert.Equal(t, int64(2), d.EpochState().LastProcessedEpoch)
	assert.Equal(t, local.ID(), d.EpochState().Current.ID())
}

func TestEpochAtOrBelowLastProcessedIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processEpoch0(t)

	params := h.params()
	params.Metrics = metric.New()
	d := h.newPipeline(t, params)
	require.NoError(t, d.Open(ctx))
	defer d.Close()

	applied := params.Metrics.EpochsApplied.WithLabelValues(h.space.Public.Truncate(), "applied")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(applied) == 1
	}, 2*time.Second, 5*time.Millisecond)
	before := d.EpochState()
	require.Equal(t, int64(0), before.LastProcessedEpoch)

	// same number, different content
	again, err := credentials.CreateCredential(h.space, h.space.Public, credentials.Epoch{
		Number:    0,
		Timeframe: timeframe.New(timeframe.Entry{Key: h.dataFeed.Key(), Seq: 5}),
	})
	require.NoError(t, err)
	d.processEpoch(again)

	after := d.EpochState()
	assert.Equal(t, int64(0), after.LastProcessedEpoch)
	assert.Equal(t, h.genesis[4].ID(), after.Current.ID())
	assert.Equal(t, before.Applied.ID(), after.Applied.ID())
	assert.Never(t, func() bool { return testutil.ToFloat64(applied) != 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCredentialsOnDataFeedAreIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processEpoch0(t)

	params := h.params()
	params.Metrics = metric.New()
	d := h.newPipeline(t, params)
	require.NoError(t, d.Open(ctx))
	defer d.Close()

	stray, err := credentials.CreateCredential(h.identity, h.identity.Public, credentials.AdmittedMember{
		SpaceKey: h.space.Public,
		Role:     credentials.RoleOwner,
	})
	require.NoError(t, err)
	_, err = h.dataFeed.Append(ctx, (&feed.Message{Credential: stray}).Marshal())
	require.NoError(t, err)
	_, err = d.WriteMutations(ctx, set("doc", "title", "after"))
	require.NoError(t, err)

	waitApplied(t, d, h.dataFeed.Key(), 1)
	assert.Equal(t, "after", value(d, "doc", "title"))
	assert.False(t, h.sm.IsProcessed(stray.ID()))

	space := h.space.Public.Truncate()
	assert.Equal(t, 1.0, testutil.ToFloat64(params.Metrics.DataFeedCredentials.WithLabelValues(space)))
	assert.Equal(t, 1.0, testutil.ToFloat64(params.Metrics.DataMessagesApplied.WithLabelValues(space)))
}

func TestCloseResetsAndReopens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processEpoch0(t)

	d := h.newPipeline(t, h.params())
	require.NoError(t, d.Open(ctx))
	for i := 0; i < cacheMinMessages; i++ {
		_, err := d.WriteMutations(ctx, set("doc", "n", string(rune('a'+i))))
		require.NoError(t, err)
	}
	waitApplied(t, d, h.dataFeed.Key(), cacheMinMessages-1)
	require.NoError(t, d.Close())

	assert.Nil(t, d.Database())
	assert.Nil(t, d.Pipeline())
	assert.Equal(t, EpochState{LastProcessedEpoch: -1}, d.EpochState())
	assert.True(t, d.AppliedTimeframe().IsEmpty())
	_, err := d.WriteMutations(ctx, set("doc", "n", "z"))
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = d.CreateEpoch(ctx)
	assert.ErrorIs(t, err, ErrNotOpen)

	md, err := h.md.Get(h.space.Public)
	require.NoError(t, err)
	require.NotNil(t, md.DataLatestTimeframe)
	assert.Equal(t, int64(cacheMinMessages-1), md.DataLatestTimeframe.Seq(h.dataFeed.Key()))
	require.NotNil(t, md.Cache)
	assert.NotEmpty(t, md.Cache.Properties)

	require.NoError(t, d.Open(ctx))
	defer d.Close()
	waitApplied(t, d, h.dataFeed.Key(), cacheMinMessages-1)
	assert.Equal(t, string(rune('a'+cacheMinMessages-1)), value(d, "doc", "n"))
	assert.Equal(t, int64(0), d.EpochState().LastProcessedEpoch)
	assert.ErrorIs(t, d.SetWriteFeed(h.dataFeed), ErrWriteFeedAlreadySet)
}

func TestAbortedOpenCanBeRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.processEpoch0(t)

	d := h.newPipeline(t, h.params())
	require.NoError(t, d.Open(ctx))
	d.mu.Lock()
	p, s := d.pipeline, d.scope
	d.mu.Unlock()
	d.abortOpen(p, s)

	assert.Nil(t, d.Database())
	assert.Nil(t, d.Pipeline())
	assert.Equal(t, EpochState{LastProcessedEpoch: -1}, d.EpochState())
	_, err := d.WriteMutations(ctx, set("doc", "title", "lost"))
	assert.ErrorIs(t, err, ErrNotOpen)
	require.NoError(t, d.Close())

	require.NoError(t, d.Open(ctx))
	defer d.Close()
	_, err = d.WriteMutations(ctx, set("doc", "title", "retried"))
	require.NoError(t, err)
	waitApplied(t, d, h.dataFeed.Key(), 0)
	assert.Equal(t, "retried", value(d, "doc", "title"))
}
