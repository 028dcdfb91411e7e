// Package snapshot stores serialized space databases content-addressed by the
// BLAKE2b-256 hash of their encoding.
package snapshot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

var (
	ErrNotFound    = errors.New("snapshot not found")
	ErrRefMismatch = errors.New("snapshot content does not match its reference")
)

// SpaceSnapshot is a database image and the timeframe it reflects
type SpaceSnapshot struct {
	SpaceKey  keys.PublicKey
	Timeframe timeframe.Timeframe
	Database  []byte
}

func (s *SpaceSnapshot) Marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, s.SpaceKey.Bytes())
	b = wire.AppendMessage(b, 2, s.Timeframe.Marshal())
	b = wire.AppendBytes(b, 3, s.Database)
	return b
}

func Unmarshal(data []byte) (*SpaceSnapshot, error) {
	s := &SpaceSnapshot{}
	err := wire.Parse(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			key, err := keys.PublicKeyFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			s.SpaceKey = key
		case 2:
			tf, err := timeframe.Unmarshal(f.Bytes)
			if err != nil {
				return err
			}
			s.Timeframe = tf
		case 3:
			s.Database = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return s, nil
}

// Ref computes the content address of an encoded snapshot
func Ref(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store keeps encoded snapshots by ref
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Has(ref string) bool
}

// Save encodes and stores snap
func Save(ctx context.Context, store Store, snap *SpaceSnapshot) (string, error) {
	return store.Put(ctx, snap.Marshal())
}

// Load fetches and decodes the snapshot at ref, checking its content address
func Load(ctx context.Context, store Store, ref string) (*SpaceSnapshot, error) {
	data, err := store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if Ref(data) != ref {
		return nil, fmt.Errorf("%w: %s", ErrRefMismatch, ref)
	}
	return Unmarshal(data)
}

// MemoryStore keeps snapshots in memory
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := Ref(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Has(ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok
}
