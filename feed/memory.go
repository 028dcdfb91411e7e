package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// MemoryStore keeps feeds in memory. Private keys come from the keyring.
type MemoryStore struct {
	mu      sync.Mutex
	feeds   map[keys.PublicKey]*logFeed
	keyring *keys.Keyring
}

func NewMemoryStore(keyring *keys.Keyring) *MemoryStore {
	return &MemoryStore{
		feeds:   make(map[keys.PublicKey]*logFeed),
		keyring: keyring,
	}
}

func (s *MemoryStore) OpenFeed(ctx context.Context, key keys.PublicKey, opts OpenOptions) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.feeds[key]
	if !ok {
		f = newLogFeed(key)
		s.feeds[key] = f
	}
	if err := attachSigner(f, s.keyring, opts); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func attachSigner(f *logFeed, keyring *keys.Keyring, opts OpenOptions) error {
	if !opts.Writable || f.Writable() {
		return nil
	}
	if keyring == nil {
		return fmt.Errorf("%w: no keyring for %s", ErrNotWritable, f.key.Truncate())
	}
	signer, err := keyring.Signer(f.key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	f.setSigner(signer)
	return nil
}
