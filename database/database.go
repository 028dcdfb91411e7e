package database

/*
Database adapter

The data pipeline hands every data message to an Adapter together with the message
metadata. Adapters must make concurrent feeds commute: the result may not depend on how
messages of different feeds were interleaved, only on which messages were applied.

KV is the reference adapter: objects of key/value properties resolved last-writer-wins by
(writer timeframe total, feed key, seq).
*/

import (
	"errors"
	"fmt"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

var (
	ErrClosed       = errors.New("database closed")
	ErrInvalidBatch = errors.New("invalid mutation batch")
)

// Meta locates the message a batch came from
type Meta struct {
	FeedKey   keys.PublicKey
	Seq       int64
	Timeframe timeframe.Timeframe
}

// Adapter applies decoded mutation batches to application state
type Adapter interface {
	Process(batch []byte, meta Meta) error
	CreateSnapshot() ([]byte, error)
	RestoreFromSnapshot(snapshot []byte) error
	CacheProperties() map[string]string
	Close() error
}

// Mutation sets or deletes one property of an object
type Mutation struct {
	ObjectID string
	Key      string
	Value    []byte
	Delete   bool
}

// Batch is the data payload of a feed message
type Batch struct {
	Mutations []Mutation
}

func (b Batch) Marshal() []byte {
	var out []byte
	for _, m := range b.Mutations {
		var body []byte
		body = wire.AppendString(body, 1, m.ObjectID)
		body = wire.AppendString(body, 2, m.Key)
		body = wire.AppendBytes(body, 3, m.Value)
		body = wire.AppendBool(body, 4, m.Delete)
		out = wire.AppendMessage(out, 1, body)
	}
	return out
}

func UnmarshalBatch(data []byte) (Batch, error) {
	var b Batch
	err := wire.Parse(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		var m Mutation
		err := wire.Parse(f.Bytes, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.ObjectID = string(f.Bytes)
			case 2:
				m.Key = string(f.Bytes)
			case 3:
				m.Value = append([]byte(nil), f.Bytes...)
			case 4:
				m.Delete = f.Varint != 0
			}
			return nil
		})
		if err != nil {
			return err
		}
		if m.ObjectID == "" {
			return fmt.Errorf("%w: mutation without object id", ErrInvalidBatch)
		}
		b.Mutations = append(b.Mutations, m)
		return nil
	})
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return b, nil
}
