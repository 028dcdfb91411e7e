package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/database"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no data dir", mutate: func(c *Config) { c.DataDir = "" }, err: ErrDataDirRequired},
		{name: "no address", mutate: func(c *Config) { c.Address = "" }, err: ErrAddressRequired},
		{name: "no port", mutate: func(c *Config) { c.Port = "" }, err: ErrPortRequired},
		{name: "zero auth timeout", mutate: func(c *Config) { c.AuthTimeout = 0 }, err: ErrInvalidAuthTimeout},
		{name: "originate above max", mutate: func(c *Config) { c.Topology.OriginateConnections = 11 }, err: ErrInvalidTopology},
		{name: "negative sample", mutate: func(c *Config) { c.Topology.SampleSize = -1 }, err: ErrInvalidTopology},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig(t.TempDir())
			tt.mutate(c)
			err := c.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}

	c := DefaultConfig(t.TempDir())
	c.LogLevel = "loud"
	assert.Error(t, c.Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)

	c, err := LoadConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(dir), c)

	c.Port = "6000"
	c.Seeds = []string{"127.0.0.1:6001"}
	c.AuthTimeout = 3 * time.Second
	c.Topology.MaxPeers = 3
	c.Topology.OriginateConnections = 2
	require.NoError(t, c.Save(path))

	loaded, err := LoadConfig(path, "ignored")
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
	assert.Equal(t, "127.0.0.1:6000", loaded.GetAddress())
}

func TestNodeRestartKeepsIdentityAndSpaces(t *testing.T) {
	ctx := context.Background()
	net := network.NewMemoryNetwork()
	defer net.Close()
	config := DefaultConfig(t.TempDir())

	n, err := New(config, WithNetwork(net))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	assert.ErrorIs(t, n.Start(ctx), ErrAlreadyStarted)
	identity := n.Identity()
	require.False(t, identity.IsZero())

	s, err := n.Manager().CreateSpace(ctx, "alice")
	require.NoError(t, err)
	receipt, err := s.WriteMutations(ctx, database.Batch{Mutations: []database.Mutation{
		{ObjectID: "doc", Key: "title", Value: []byte("on disk")},
	}})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitUntilTimeframe(waitCtx, timeframe.New(timeframe.Entry{Key: receipt.FeedKey, Seq: receipt.Seq})))
	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())

	restarted, err := New(config, WithNetwork(net))
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop()
	assert.Equal(t, identity, restarted.Identity())

	again, err := restarted.Manager().Space(s.Key())
	require.NoError(t, err)
	require.NoError(t, again.WaitUntilReady(waitCtx))
	require.NoError(t, again.WaitUntilTimeframe(waitCtx, timeframe.New(timeframe.Entry{Key: receipt.FeedKey, Seq: receipt.Seq})))
	db, ok := again.Database().(*database.KV)
	require.True(t, ok)
	v, _ := db.Get("doc", "title")
	assert.Equal(t, "on disk", string(v))
	assert.True(t, again.StateMachine().IsMember(identity))
}

func TestNodeServesGRPCAndMetrics(t *testing.T) {
	config := DefaultConfig(t.TempDir())
	config.Port = "0"
	config.MetricsAddr = "127.0.0.1:0"

	n, err := New(config)
	require.NoError(t, err)
	assert.ErrorIs(t, n.AddSeed("127.0.0.1:1"), ErrNotStarted)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	assert.NotEqual(t, "127.0.0.1:0", n.Addr())
	assert.NotNil(t, n.Metrics())
	assert.NoError(t, n.AddSeed("127.0.0.1:1"))
}
