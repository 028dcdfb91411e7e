package teleport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/wire"
)

// FrameType tags every frame on a teleport stream
type FrameType uint64

const (
	FrameOpen FrameType = iota + 1
	FrameRequest
	FrameResponse
	FrameError
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameOpen:
		return "open"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameError:
		return "error"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("frame(%d)", uint64(t))
	}
}

// Frame is one unit on the stream. Request ids are chosen by the requesting side and echoed
// by the response or error frame.
type Frame struct {
	Type      FrameType
	Extension string
	ID        uint64
	Method    string
	Payload   []byte
	Error     string
}

const (
	fieldType      protowire.Number = 1
	fieldExtension protowire.Number = 2
	fieldID        protowire.Number = 3
	fieldMethod    protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldError     protowire.Number = 6
)

func (f *Frame) Marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, fieldType, uint64(f.Type))
	b = wire.AppendString(b, fieldExtension, f.Extension)
	b = wire.AppendUint(b, fieldID, f.ID)
	b = wire.AppendString(b, fieldMethod, f.Method)
	b = wire.AppendBytes(b, fieldPayload, f.Payload)
	b = wire.AppendString(b, fieldError, f.Error)
	return b
}

func UnmarshalFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	err := wire.Parse(data, func(field wire.Field) error {
		switch field.Num {
		case fieldType:
			f.Type = FrameType(field.Varint)
		case fieldExtension:
			f.Extension = string(field.Bytes)
		case fieldID:
			f.ID = field.Varint
		case fieldMethod:
			f.Method = string(field.Bytes)
		case fieldPayload:
			f.Payload = append([]byte(nil), field.Bytes...)
		case fieldError:
			f.Error = string(field.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type < FrameOpen || f.Type > FrameClose {
		return nil, fmt.Errorf("failed to decode frame: unknown type %d", uint64(f.Type))
	}
	return f, nil
}
