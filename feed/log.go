package feed

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// logFeed is the in-memory body shared by the memory and file stores.
// persist, when set, is called with each new block before it becomes visible.
type logFeed struct {
	key     keys.PublicKey
	mu      sync.RWMutex
	blocks  []*Block
	signer  keys.Signer
	persist func(*Block) error
	changed chan struct{}
}

func newLogFeed(key keys.PublicKey) *logFeed {
	return &logFeed{key: key, changed: make(chan struct{})}
}

func (f *logFeed) Key() keys.PublicKey {
	return f.key
}

func (f *logFeed) Writable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.signer != nil
}

func (f *logFeed) setSigner(signer keys.Signer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signer = signer
}

func (f *logFeed) Length() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.blocks))
}

func (f *logFeed) Get(seq int64) (*Block, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if seq < 0 || seq >= int64(len(f.blocks)) {
		return nil, fmt.Errorf("%w: %s/%d (length %d)", ErrOutOfRange, f.key.Truncate(), seq, len(f.blocks))
	}
	return f.blocks[seq], nil
}

func (f *logFeed) Changed() <-chan struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.changed
}

func (f *logFeed) Append(ctx context.Context, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signer == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, f.key.Truncate())
	}

	block := &Block{FeedKey: f.key, Seq: int64(len(f.blocks)), Payload: payload}
	sig, err := f.signer.Sign(block.signingPayload())
	if err != nil {
		return 0, fmt.Errorf("failed to sign block: %w", err)
	}
	block.Signature = sig

	if err := f.appendLocked(block); err != nil {
		return 0, err
	}
	return block.Seq, nil
}

func (f *logFeed) Replicate(block *Block) error {
	if block.FeedKey != f.key {
		return fmt.Errorf("block for %s offered to feed %s", block.FeedKey.Truncate(), f.key.Truncate())
	}
	if err := block.Verify(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	length := int64(len(f.blocks))
	switch {
	case block.Seq < length:
		if !bytes.Equal(f.blocks[block.Seq].Payload, block.Payload) {
			return fmt.Errorf("%w: %s/%d", ErrConflictingBlock, f.key.Truncate(), block.Seq)
		}
		return nil
	case block.Seq > length:
		return fmt.Errorf("%w: got %d, length %d", ErrNonContiguous, block.Seq, length)
	}
	return f.appendLocked(block)
}

func (f *logFeed) appendLocked(block *Block) error {
	if f.persist != nil {
		if err := f.persist(block); err != nil {
			return fmt.Errorf("failed to persist block %s/%d: %w", f.key.Truncate(), block.Seq, err)
		}
	}
	f.blocks = append(f.blocks, block)
	close(f.changed)
	f.changed = make(chan struct{})
	return nil
}
