package feed

/*
Feeds

A feed is an append-only, single-writer log named by its public key. Every block is
signed by the feed key, so blocks received from any peer can be checked before they are
stored. Sequence numbers start at 0 and are contiguous.

Block payloads are encoded Messages:
	timeframe   the writer's consumed timeframe at append time (causal dependencies)
	credential  control payload, or
	data        opaque mutation batch for the database adapter
*/

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

var (
	ErrNotWritable      = errors.New("feed is not writable")
	ErrOutOfRange       = errors.New("block out of range")
	ErrBlockSignature   = errors.New("invalid block signature")
	ErrNonContiguous    = errors.New("block is not contiguous")
	ErrConflictingBlock = errors.New("conflicting block for existing sequence")
	ErrFeedNotFound     = errors.New("feed not found")
)

// Feed is one append-only log
type Feed interface {
	Key() keys.PublicKey
	Writable() bool
	Length() int64
	Get(seq int64) (*Block, error)
	Append(ctx context.Context, payload []byte) (int64, error)
	// Replicate stores a block received from a peer. Already stored identical blocks are accepted.
	Replicate(block *Block) error
	// Changed is closed on the next append or replicated block
	Changed() <-chan struct{}
}

// OpenOptions controls how a feed is opened
type OpenOptions struct {
	Writable bool
	Sparse   bool
}

// Store opens feeds by key. It is shared by every space of a process.
type Store interface {
	OpenFeed(ctx context.Context, key keys.PublicKey, opts OpenOptions) (Feed, error)
	Close() error
}

// Provider hands out feeds to the pipelines without exposing the store
type Provider interface {
	OpenFeed(ctx context.Context, key keys.PublicKey) (Feed, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, key keys.PublicKey) (Feed, error)

func (f ProviderFunc) OpenFeed(ctx context.Context, key keys.PublicKey) (Feed, error) {
	return f(ctx, key)
}

// StoreProvider opens read-only (sparse) feeds from a store, or writable ones when the key is held
func StoreProvider(store Store, writable func(keys.PublicKey) bool) Provider {
	return ProviderFunc(func(ctx context.Context, key keys.PublicKey) (Feed, error) {
		return store.OpenFeed(ctx, key, OpenOptions{Writable: writable != nil && writable(key), Sparse: true})
	})
}

// Block is a signed entry of a feed
type Block struct {
	FeedKey   keys.PublicKey
	Seq       int64
	Payload   []byte
	Signature []byte
}

func (b *Block) signingPayload() []byte {
	var out []byte
	out = wire.AppendBytes(out, 1, b.FeedKey.Bytes())
	out = wire.AppendInt(out, 2, b.Seq)
	out = wire.AppendBytes(out, 3, b.Payload)
	return out
}

// Verify checks the feed key signature
func (b *Block) Verify() error {
	if !b.FeedKey.Verify(b.signingPayload(), b.Signature) {
		return fmt.Errorf("%w: %s/%d", ErrBlockSignature, b.FeedKey.Truncate(), b.Seq)
	}
	return nil
}

func (b *Block) Marshal() []byte {
	out := b.signingPayload()
	return wire.AppendBytes(out, 4, b.Signature)
}

func UnmarshalBlock(data []byte) (*Block, error) {
	b := &Block{}
	err := wire.Parse(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			key, err := keys.PublicKeyFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			b.FeedKey = key
		case 2:
			b.Seq = f.Int()
		case 3:
			b.Payload = append([]byte(nil), f.Bytes...)
		case 4:
			b.Signature = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid block: %w", err)
	}
	return b, nil
}

// Message is the decoded payload of a block
type Message struct {
	Timeframe  timeframe.Timeframe
	Credential *credentials.Credential
	Data       []byte
}

const (
	fieldTimeframe  protowire.Number = 1
	fieldCredential protowire.Number = 2
	fieldData       protowire.Number = 3
)

func (m *Message) Marshal() []byte {
	var b []byte
	b = wire.AppendMessage(b, fieldTimeframe, m.Timeframe.Marshal())
	if m.Credential != nil {
		b = wire.AppendMessage(b, fieldCredential, m.Credential.Marshal())
	}
	if m.Data != nil {
		b = wire.AppendMessage(b, fieldData, m.Data)
	}
	return b
}

func UnmarshalMessage(data []byte) (*Message, error) {
	m := &Message{}
	err := wire.Parse(data, func(f wire.Field) error {
		switch f.Num {
		case fieldTimeframe:
			tf, err := timeframe.Unmarshal(f.Bytes)
			if err != nil {
				return err
			}
			m.Timeframe = tf
		case fieldCredential:
			cred, err := credentials.Unmarshal(f.Bytes)
			if err != nil {
				return err
			}
			m.Credential = cred
		case fieldData:
			m.Data = append([]byte{}, f.Bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid feed message: %w", err)
	}
	return m, nil
}
