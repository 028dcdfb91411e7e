package network

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

// hello is the first frame on a gRPC stream in each direction. A reply carrying Error
// rejects the connection.
type hello struct {
	Topic   keys.PublicKey
	PeerKey keys.PublicKey
	Error   string
}

const (
	helloTopic   protowire.Number = 1
	helloPeerKey protowire.Number = 2
	helloError   protowire.Number = 3
)

func (h *hello) marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, helloTopic, h.Topic.Bytes())
	b = wire.AppendBytes(b, helloPeerKey, h.PeerKey.Bytes())
	b = wire.AppendString(b, helloError, h.Error)
	return b
}

func unmarshalHello(data []byte) (*hello, error) {
	h := &hello{}
	err := wire.Parse(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case helloTopic:
			h.Topic, err = keys.PublicKeyFromBytes(f.Bytes)
		case helloPeerKey:
			h.PeerKey, err = keys.PublicKeyFromBytes(f.Bytes)
		case helloError:
			h.Error = string(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	if h.Error == "" && (h.Topic.IsZero() || h.PeerKey.IsZero()) {
		return nil, errors.New("invalid hello: missing topic or peer key")
	}
	return h, nil
}
