package database

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

// version orders writes to one property
type version struct {
	total int64
	feed  keys.PublicKey
	seq   int64
}

func (v version) compare(o version) int {
	if v.total != o.total {
		if v.total < o.total {
			return -1
		}
		return 1
	}
	if c := v.feed.Compare(o.feed); c != 0 {
		return c
	}
	switch {
	case v.seq < o.seq:
		return -1
	case v.seq > o.seq:
		return 1
	}
	return 0
}

type entry struct {
	value   []byte
	deleted bool
	version version
}

// KV is a last-writer-wins object store
type KV struct {
	mu      sync.RWMutex
	objects map[string]map[string]*entry
	applied int64
	closed  bool
}

func NewKV() *KV {
	return &KV{objects: make(map[string]map[string]*entry)}
}

func (db *KV) Process(batch []byte, meta Meta) error {
	b, err := UnmarshalBatch(batch)
	if err != nil {
		return err
	}
	v := version{total: meta.Timeframe.TotalMessages(), feed: meta.FeedKey, seq: meta.Seq}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	for _, m := range b.Mutations {
		db.applyLocked(m.ObjectID, m.Key, &entry{value: m.Value, deleted: m.Delete, version: v})
	}
	db.applied++
	return nil
}

func (db *KV) applyLocked(objectID, key string, e *entry) {
	props, ok := db.objects[objectID]
	if !ok {
		props = make(map[string]*entry)
		db.objects[objectID] = props
	}
	if cur, ok := props[key]; ok && cur.version.compare(e.version) >= 0 {
		return
	}
	props[key] = e
}

// Get returns a visible property value
func (db *KV) Get(objectID, key string) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.objects[objectID][key]
	if !ok || e.deleted {
		return nil, false
	}
	return slices.Clone(e.value), true
}

// Objects returns the visible properties of every object
func (db *KV) Objects() map[string]map[string]string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make(map[string]map[string]string)
	for id, props := range db.objects {
		visible := make(map[string]string)
		for k, e := range props {
			if !e.deleted {
				visible[k] = string(e.value)
			}
		}
		if len(visible) > 0 {
			out[id] = visible
		}
	}
	return out
}

// CreateSnapshot encodes every entry, tombstones and versions included, so writes
// applied after a restore resolve exactly as they would have on the original
func (db *KV) CreateSnapshot() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	ids := maps.Keys(db.objects)
	slices.Sort(ids)
	var out []byte
	for _, id := range ids {
		props := db.objects[id]
		propKeys := maps.Keys(props)
		slices.Sort(propKeys)

		var obj []byte
		obj = wire.AppendString(obj, 1, id)
		for _, k := range propKeys {
			e := props[k]
			var body []byte
			body = wire.AppendString(body, 1, k)
			body = wire.AppendBytes(body, 2, e.value)
			body = wire.AppendBool(body, 3, e.deleted)
			body = wire.AppendInt(body, 4, e.version.total)
			body = wire.AppendBytes(body, 5, e.version.feed.Bytes())
			body = wire.AppendInt(body, 6, e.version.seq)
			obj = wire.AppendMessage(obj, 2, body)
		}
		out = wire.AppendMessage(out, 1, obj)
	}
	return out, nil
}

// RestoreFromSnapshot replaces the whole state
func (db *KV) RestoreFromSnapshot(snapshot []byte) error {
	objects := make(map[string]map[string]*entry)
	err := wire.Parse(snapshot, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		var id string
		props := make(map[string]*entry)
		err := wire.Parse(f.Bytes, func(f wire.Field) error {
			switch f.Num {
			case 1:
				id = string(f.Bytes)
			case 2:
				key, e, err := decodeEntry(f.Bytes)
				if err != nil {
					return err
				}
				props[key] = e
			}
			return nil
		})
		if err != nil {
			return err
		}
		objects[id] = props
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalid database snapshot: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.objects = objects
	return nil
}

func decodeEntry(b []byte) (string, *entry, error) {
	var key string
	e := &entry{}
	err := wire.Parse(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			key = string(f.Bytes)
		case 2:
			e.value = append([]byte(nil), f.Bytes...)
		case 3:
			e.deleted = f.Varint != 0
		case 4:
			e.version.total = f.Int()
		case 5:
			k, err := keys.PublicKeyFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			e.version.feed = k
		case 6:
			e.version.seq = f.Int()
		}
		return nil
	})
	return key, e, err
}

func (db *KV) CacheProperties() map[string]string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var entries int
	for _, props := range db.objects {
		entries += len(props)
	}
	return map[string]string{
		"objects": strconv.Itoa(len(db.objects)),
		"entries": strconv.Itoa(entries),
		"applied": strconv.FormatInt(db.applied, 10),
	}
}

func (db *KV) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
