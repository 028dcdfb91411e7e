package timeframe

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

// Marshal encodes the timeframe as repeated {key, seq} entries in key order
func (tf Timeframe) Marshal() []byte {
	var b []byte
	for _, e := range tf.Entries() {
		var entry []byte
		entry = wire.AppendBytes(entry, 1, e.Key.Bytes())
		entry = wire.AppendInt(entry, 2, e.Seq)
		b = wire.AppendMessage(b, 1, entry)
	}
	return b
}

// Unmarshal decodes the output of Marshal
func Unmarshal(b []byte) (Timeframe, error) {
	var entries []Entry
	err := wire.Parse(b, func(f wire.Field) error {
		if f.Num != 1 || f.Type != protowire.BytesType {
			return nil
		}
		var e Entry
		err := wire.Parse(f.Bytes, func(ef wire.Field) error {
			switch ef.Num {
			case 1:
				key, err := keys.PublicKeyFromBytes(ef.Bytes)
				if err != nil {
					return err
				}
				e.Key = key
			case 2:
				e.Seq = ef.Int()
			}
			return nil
		})
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return Timeframe{}, err
	}
	return New(entries...), nil
}
