package pipeline

import (
	"context"
	"fmt"

	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// WriteReceipt locates an appended message
type WriteReceipt struct {
	FeedKey keys.PublicKey
	Seq     int64
}

// Writer appends messages to the pipeline's write feed
type Writer interface {
	Write(ctx context.Context, msg *feed.Message) (WriteReceipt, error)
}

type writer struct {
	p *Pipeline
}

// Writer returns a writer bound to the write feed. Writes fail until SetWriteFeed is called.
func (p *Pipeline) Writer() Writer {
	return writer{p: p}
}

// Write stamps msg with the committed timeframe and appends it
func (w writer) Write(ctx context.Context, msg *feed.Message) (WriteReceipt, error) {
	w.p.mu.Lock()
	f := w.p.writeFeed
	tf := w.p.current
	w.p.mu.Unlock()

	if f == nil {
		return WriteReceipt{}, ErrNoWriteFeed
	}

	stamped := *msg
	stamped.Timeframe = tf
	seq, err := f.Append(ctx, stamped.Marshal())
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("failed to write to %s: %w", f.Key().Truncate(), err)
	}
	return WriteReceipt{FeedKey: f.Key(), Seq: seq}, nil
}
