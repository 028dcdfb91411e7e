package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

const (
	fieldFeedKey  protowire.Number = 1
	fieldLength   protowire.Number = 2
	fieldStart    protowire.Number = 3
	fieldEnd      protowire.Number = 4
	fieldBlock    protowire.Number = 5
	fieldKnown    protowire.Number = 6
	fieldSpaceKey protowire.Number = 7
	fieldMember   protowire.Number = 8
)

// announce tells the peer how long a feed is. The reply carries the responder's length,
// with Known false when it does not replicate the feed.
type announce struct {
	FeedKey keys.PublicKey
	Length  int64
	Known   bool
}

func (a *announce) marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, fieldFeedKey, a.FeedKey.Bytes())
	b = wire.AppendInt(b, fieldLength, a.Length)
	b = wire.AppendBool(b, fieldKnown, a.Known)
	return b
}

func unmarshalAnnounce(data []byte) (*announce, error) {
	a := &announce{}
	err := wire.Parse(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldFeedKey:
			a.FeedKey, err = keys.PublicKeyFromBytes(f.Bytes)
		case fieldLength:
			a.Length = f.Int()
		case fieldKnown:
			a.Known = f.Varint != 0
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("invalid announce: %w", err)
	}
	return a, nil
}

// getBlocks requests blocks [Start, End) of a feed
type getBlocks struct {
	FeedKey keys.PublicKey
	Start   int64
	End     int64
}

func (g *getBlocks) marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, fieldFeedKey, g.FeedKey.Bytes())
	b = wire.AppendInt(b, fieldStart, g.Start)
	b = wire.AppendInt(b, fieldEnd, g.End)
	return b
}

func unmarshalGetBlocks(data []byte) (*getBlocks, error) {
	g := &getBlocks{}
	err := wire.Parse(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldFeedKey:
			g.FeedKey, err = keys.PublicKeyFromBytes(f.Bytes)
		case fieldStart:
			g.Start = f.Int()
		case fieldEnd:
			g.End = f.Int()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("invalid get: %w", err)
	}
	if g.Start < 0 || g.End < g.Start {
		return nil, fmt.Errorf("invalid get: range [%d, %d)", g.Start, g.End)
	}
	return g, nil
}

func marshalBlocks(blocks []*feed.Block) []byte {
	var b []byte
	for _, block := range blocks {
		b = wire.AppendMessage(b, fieldBlock, block.Marshal())
	}
	return b
}

func unmarshalBlocks(data []byte) ([]*feed.Block, error) {
	var blocks []*feed.Block
	err := wire.Parse(data, func(f wire.Field) error {
		if f.Num != fieldBlock {
			return nil
		}
		block, err := feed.UnmarshalBlock(f.Bytes)
		if err != nil {
			return err
		}
		blocks = append(blocks, block)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid blocks: %w", err)
	}
	return blocks, nil
}

// admissionRequest asks a host for the credential that admitted Member
type admissionRequest struct {
	SpaceKey keys.PublicKey
	Member   keys.PublicKey
}

func (r *admissionRequest) marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, fieldSpaceKey, r.SpaceKey.Bytes())
	b = wire.AppendBytes(b, fieldMember, r.Member.Bytes())
	return b
}

func unmarshalAdmissionRequest(data []byte) (*admissionRequest, error) {
	r := &admissionRequest{}
	err := wire.Parse(data, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldSpaceKey:
			r.SpaceKey, err = keys.PublicKeyFromBytes(f.Bytes)
		case fieldMember:
			r.Member, err = keys.PublicKeyFromBytes(f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("invalid admission request: %w", err)
	}
	return r, nil
}
