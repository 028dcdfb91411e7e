package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

func TestNewGRPCValidatesAddress(t *testing.T) {
	handler := func(context.Context, teleport.Stream) error { return nil }
	_, err := NewGRPC("localhost", handler)
	assert.Error(t, err)
	_, err = NewGRPC("127.0.0.1:0", nil)
	assert.Error(t, err)
}

func TestConnectStreamsFramesBothWays(t *testing.T) {
	closed := make(chan struct{})
	srv, err := NewGRPC("127.0.0.1:0", func(ctx context.Context, stream teleport.Stream) error {
		go func() {
			defer close(closed)
			for {
				frame, err := stream.Recv()
				if err != nil {
					return
				}
				if err := stream.Send(append([]byte("echo:"), frame...)); err != nil {
					return
				}
			}
		}()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()
	assert.Error(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, srv.Addr())
	require.NoError(t, err)

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, client.Send([]byte(msg)))
		reply, err := client.Recv()
		require.NoError(t, err)
		assert.Equal(t, "echo:"+msg, string(reply))
	}

	require.NoError(t, client.Close())
	_, err = client.Recv()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server side did not observe the close")
	}
}
