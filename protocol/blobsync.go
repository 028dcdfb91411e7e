package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

const (
	ExtensionBlobSync = "space.blobsync"

	methodGetBlob = "get"
)

var ErrBlobSyncNotOpen = errors.New("blob sync not open")

// blobSync serves snapshots from the local store and fetches them from the peer
type blobSync struct {
	store snapshot.Store

	mu   sync.Mutex
	port teleport.Port
}

func newBlobSync(store snapshot.Store) *blobSync {
	return &blobSync{store: store}
}

func (b *blobSync) OnOpen(ctx context.Context, port teleport.Port) error {
	b.mu.Lock()
	b.port = port
	b.mu.Unlock()
	return nil
}

func (b *blobSync) OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if method != methodGetBlob {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	if b.store == nil {
		return nil, snapshot.ErrNotFound
	}
	return b.store.Get(ctx, string(payload))
}

func (b *blobSync) OnClose(err error) {
	b.mu.Lock()
	b.port = nil
	b.mu.Unlock()
}

// fetch asks the peer for the blob at ref and checks it hashes to ref
func (b *blobSync) fetch(ctx context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return nil, ErrBlobSyncNotOpen
	}

	data, err := port.Request(ctx, methodGetBlob, []byte(ref))
	if err != nil {
		return nil, err
	}
	if snapshot.Ref(data) != ref {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrRefMismatch, ref)
	}
	return data, nil
}
