package metadata

/*
Space metadata

Durable per-space bookkeeping kept outside the feeds:

	spaceKey, genesisFeedKey      identify the space
	controlFeedKey, dataFeedKey   the local writable feeds
	controlLatestTimeframe        control pipeline progress, used as its replay target
	dataLatestTimeframe           data pipeline progress
	cache                         derived properties saved between snapshots
*/

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

var (
	ErrSpaceNotFound = errors.New("space metadata not found")
	ErrSpaceExists   = errors.New("space metadata already exists")
)

// Cache holds derived database properties saved by the data pipeline
type Cache struct {
	Timeframe  timeframe.Timeframe `yaml:"timeframe"`
	Properties map[string]string   `yaml:"properties,omitempty"`
}

// SpaceMetadata is the persisted record of one space
type SpaceMetadata struct {
	SpaceKey               keys.PublicKey       `yaml:"spaceKey"`
	GenesisFeedKey         keys.PublicKey       `yaml:"genesisFeedKey"`
	ControlFeedKey         keys.PublicKey       `yaml:"controlFeedKey"`
	DataFeedKey            keys.PublicKey       `yaml:"dataFeedKey"`
	ControlLatestTimeframe *timeframe.Timeframe `yaml:"controlLatestTimeframe,omitempty"`
	DataLatestTimeframe    *timeframe.Timeframe `yaml:"dataLatestTimeframe,omitempty"`
	Cache                  *Cache               `yaml:"cache,omitempty"`
}

// Store persists space metadata. Implementations must be safe for concurrent use.
type Store interface {
	Spaces() ([]SpaceMetadata, error)
	Get(spaceKey keys.PublicKey) (SpaceMetadata, error)
	AddSpace(md SpaceMetadata) error
	SetControlLatestTimeframe(spaceKey keys.PublicKey, tf timeframe.Timeframe) error
	SetDataLatestTimeframe(spaceKey keys.PublicKey, tf timeframe.Timeframe) error
	SetCache(spaceKey keys.PublicKey, cache Cache) error
}

// MemoryStore keeps metadata in memory. save, when set, is called with every change.
type MemoryStore struct {
	mu     sync.Mutex
	spaces map[keys.PublicKey]*SpaceMetadata
	order  []keys.PublicKey
	save   func([]SpaceMetadata) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spaces: make(map[keys.PublicKey]*SpaceMetadata)}
}

func (s *MemoryStore) Spaces() ([]SpaceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

func (s *MemoryStore) Get(spaceKey keys.PublicKey) (SpaceMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.spaces[spaceKey]
	if !ok {
		return SpaceMetadata{}, fmt.Errorf("%w: %s", ErrSpaceNotFound, spaceKey.Truncate())
	}
	return *md, nil
}

func (s *MemoryStore) AddSpace(md SpaceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[md.SpaceKey]; ok {
		return fmt.Errorf("%w: %s", ErrSpaceExists, md.SpaceKey.Truncate())
	}
	s.spaces[md.SpaceKey] = &md
	s.order = append(s.order, md.SpaceKey)
	return s.persistLocked("add space")
}

func (s *MemoryStore) SetControlLatestTimeframe(spaceKey keys.PublicKey, tf timeframe.Timeframe) error {
	return s.update(spaceKey, "set control timeframe", func(md *SpaceMetadata) {
		md.ControlLatestTimeframe = &tf
	})
}

func (s *MemoryStore) SetDataLatestTimeframe(spaceKey keys.PublicKey, tf timeframe.Timeframe) error {
	return s.update(spaceKey, "set data timeframe", func(md *SpaceMetadata) {
		md.DataLatestTimeframe = &tf
	})
}

func (s *MemoryStore) SetCache(spaceKey keys.PublicKey, cache Cache) error {
	return s.update(spaceKey, "set cache", func(md *SpaceMetadata) {
		md.Cache = &cache
	})
}

func (s *MemoryStore) update(spaceKey keys.PublicKey, op string, fn func(*SpaceMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.spaces[spaceKey]
	if !ok {
		return errs.New(errs.Storage, op, fmt.Errorf("%w: %s", ErrSpaceNotFound, spaceKey.Truncate()))
	}
	fn(md)
	return s.persistLocked(op)
}

func (s *MemoryStore) persistLocked(op string) error {
	if s.save == nil {
		return nil
	}
	return errs.New(errs.Storage, op, s.save(s.snapshotLocked()))
}

func (s *MemoryStore) snapshotLocked() []SpaceMetadata {
	out := make([]SpaceMetadata, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, *s.spaces[key])
	}
	return slices.Clip(out)
}
