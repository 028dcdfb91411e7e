package pipeline

/*
Pipeline (log consumer)

Merges the feeds of one space into a single causally ordered stream.

	- messages of one feed are delivered in append order
	- a message is delivered only after every message it depends on: its writer
	  timeframe (minus its own feed) must be <= the pending timeframe
	- among deliverable heads the lowest (total messages, feed key) wins, so every
	  peer replays the same feeds in the same order

State:
	Timeframe         messages fully processed (committed when Next is called again)
	PendingTimeframe  messages handed out by Next
	EndTimeframe      messages available in the feeds
	TargetTimeframe   optional watermark callers wait for

Next blocks while the pipeline is paused. SetCursor moves every feed iterator and is
only valid while paused; it is how epochs skip replay.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/scope"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

var (
	ErrNotStarted          = errors.New("pipeline not started")
	ErrStopped             = errors.New("pipeline stopped")
	ErrNotPaused           = errors.New("cursor can only be moved while paused")
	ErrWriteFeedAlreadySet = errors.New("write feed already set")
	ErrNoWriteFeed         = errors.New("write feed not set")
)

// FeedBlock is one delivered message
type FeedBlock struct {
	FeedKey    keys.PublicKey
	Seq        int64
	Message    *feed.Message
	// Generation is the cursor generation the block was delivered under
	Generation uint64
}

// State is a point-in-time view of the pipeline progress
type State struct {
	Timeframe        timeframe.Timeframe
	PendingTimeframe timeframe.Timeframe
	EndTimeframe     timeframe.Timeframe
	TargetTimeframe  *timeframe.Timeframe
	Paused           bool
}

// ReachedTarget reports whether processing caught up with the target,
// or with the end of the known feeds when no target is set
func (s State) ReachedTarget() bool {
	if s.TargetTimeframe != nil {
		return timeframe.LessOrEqual(*s.TargetTimeframe, s.Timeframe)
	}
	return timeframe.LessOrEqual(s.EndTimeframe, s.Timeframe)
}

type iterator struct {
	feed feed.Feed
	next int64
	head *FeedBlock // decoded block at next, cached
}

// Pipeline is the log consumer for one set of feeds
type Pipeline struct {
	name string
	log  logger.Prefixed

	mu        sync.Mutex
	feeds     map[keys.PublicKey]*iterator
	writeFeed feed.Feed
	current   timeframe.Timeframe
	pending   timeframe.Timeframe
	target    *timeframe.Timeframe
	paused    bool
	started   bool
	stopped   bool

	// bumped by SetCursor
	generation uint64

	// closed and replaced whenever something Next may be waiting on changes
	signal chan struct{}
	// closed and replaced whenever the committed timeframe moves
	progress chan struct{}

	scope *scope.Scope
}

// New creates a stopped pipeline. name is used in log lines.
func New(name string) *Pipeline {
	return &Pipeline{
		name:     name,
		log:      logger.WithSource("pipeline/%s", name),
		feeds:    make(map[keys.PublicKey]*iterator),
		signal:   make(chan struct{}),
		progress: make(chan struct{}),
	}
}

// Start begins watching the feeds for appends
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	p.scope = scope.New(context.Background(), "pipeline/"+p.name)
	for _, it := range p.feeds {
		p.watchLocked(it.feed)
	}
	p.notifyLocked()
	return nil
}

// Stop ends the pipeline; blocked Next calls return ErrStopped
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	s := p.scope
	p.notifyLocked()
	p.mu.Unlock()

	if s != nil {
		return s.Dispose()
	}
	return nil
}

// AddFeed adds a feed; adding the same key twice is a no-op
func (p *Pipeline) AddFeed(f feed.Feed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.feeds[f.Key()]; ok {
		return
	}
	p.feeds[f.Key()] = &iterator{feed: f, next: p.current.Seq(f.Key()) + 1}
	if p.started && !p.stopped {
		p.watchLocked(f)
	}
	p.notifyLocked()
}

// HasFeed reports whether key is consumed by this pipeline
func (p *Pipeline) HasFeed(key keys.PublicKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.feeds[key]
	return ok
}

// FeedKeys lists the consumed feeds
func (p *Pipeline) FeedKeys() []keys.PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]keys.PublicKey, 0, len(p.feeds))
	for k := range p.feeds {
		out = append(out, k)
	}
	return out
}

// SetWriteFeed sets the local writable feed. It can only be set once.
func (p *Pipeline) SetWriteFeed(f feed.Feed) error {
	if !f.Writable() {
		return fmt.Errorf("%w: %s", feed.ErrNotWritable, f.Key().Truncate())
	}
	p.mu.Lock()
	if p.writeFeed != nil {
		p.mu.Unlock()
		return ErrWriteFeedAlreadySet
	}
	p.writeFeed = f
	p.mu.Unlock()

	p.AddFeed(f)
	return nil
}

// Pause stops delivery until Unpause
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.notifyLocked()
}

// Unpause resumes delivery
func (p *Pipeline) Unpause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.notifyLocked()
}

// SetTargetTimeframe sets the watermark reported by State().ReachedTarget
func (p *Pipeline) SetTargetTimeframe(tf timeframe.Timeframe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = &tf
}

// SetCursor moves every feed iterator to just after tf. Only valid while paused. The
// timeframe is replaced, not merged: feeds tf covers less of, or not at all, are
// replayed from tf, which is what a database restored to tf needs.
func (p *Pipeline) SetCursor(tf timeframe.Timeframe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return ErrNotPaused
	}
	p.current = tf
	p.pending = tf
	p.generation++
	for key, it := range p.feeds {
		it.next = tf.Seq(key) + 1
		it.head = nil
	}
	p.progressLocked()
	p.notifyLocked()
	return nil
}

// Generation changes every time SetCursor moves the iterators. Blocks delivered under an
// older generation were read before the move.
func (p *Pipeline) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// State returns the current progress
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]timeframe.Entry, 0, len(p.feeds))
	for key, it := range p.feeds {
		if length := it.feed.Length(); length > 0 {
			entries = append(entries, timeframe.Entry{Key: key, Seq: length - 1})
		}
	}
	state := State{
		Timeframe:        p.current,
		PendingTimeframe: p.pending,
		EndTimeframe:     timeframe.New(entries...),
		Paused:           p.paused,
	}
	if p.target != nil {
		target := *p.target
		state.TargetTimeframe = &target
	}
	return state
}

// WaitUntilTimeframe blocks until the committed timeframe reaches tf
func (p *Pipeline) WaitUntilTimeframe(ctx context.Context, tf timeframe.Timeframe) error {
	for {
		p.mu.Lock()
		reached := timeframe.LessOrEqual(tf, p.current)
		stopped := p.stopped
		wait := p.progress
		p.mu.Unlock()

		if reached {
			return nil
		}
		if stopped {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Next commits the previously delivered message and returns the next one in causal order.
// It blocks until a message is deliverable, the pipeline stops, or ctx is done.
func (p *Pipeline) Next(ctx context.Context) (*FeedBlock, error) {
	for {
		p.mu.Lock()
		p.commitLocked()
		if p.stopped {
			p.mu.Unlock()
			return nil, ErrStopped
		}
		if !p.started {
			p.mu.Unlock()
			return nil, ErrNotStarted
		}
		if !p.paused {
			if block := p.pickLocked(); block != nil {
				block.Generation = p.generation
				p.pending = p.pending.Set(block.FeedKey, block.Seq)
				p.feeds[block.FeedKey].next++
				p.feeds[block.FeedKey].head = nil
				p.mu.Unlock()
				return block, nil
			}
		}
		wait := p.signal
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (p *Pipeline) commitLocked() {
	if p.current.Equal(p.pending) {
		return
	}
	p.current = p.pending
	p.progressLocked()
}

// pickLocked returns the deliverable head with the lowest (total messages, feed key)
func (p *Pipeline) pickLocked() *FeedBlock {
	var best *FeedBlock
	var bestRank int64
	for key, it := range p.feeds {
		head := p.headLocked(key, it)
		if head == nil {
			continue
		}
		deps := head.Message.Timeframe.Without(key)
		if !timeframe.LessOrEqual(deps, p.pending) {
			continue
		}
		rank := head.Message.Timeframe.TotalMessages()
		if best == nil || rank < bestRank || (rank == bestRank && key.Compare(best.FeedKey) < 0) {
			best, bestRank = head, rank
		}
	}
	return best
}

// headLocked decodes the block at the iterator. Undecodable blocks are skipped so one
// poisoned entry cannot stall the rest of the feed.
func (p *Pipeline) headLocked(key keys.PublicKey, it *iterator) *FeedBlock {
	for it.head == nil {
		if it.next >= it.feed.Length() {
			return nil
		}
		block, err := it.feed.Get(it.next)
		if err != nil {
			p.log.Errorf("failed to read %s/%d: %v", key.Truncate(), it.next, err)
			return nil
		}
		msg, err := feed.UnmarshalMessage(block.Payload)
		if err != nil {
			p.log.Errorf("skipping undecodable block %s/%d: %v", key.Truncate(), it.next, err)
			p.pending = p.pending.Set(key, it.next)
			it.next++
			continue
		}
		it.head = &FeedBlock{FeedKey: key, Seq: it.next, Message: msg}
	}
	return it.head
}

func (p *Pipeline) watchLocked(f feed.Feed) {
	p.scope.Go(func(ctx context.Context) error {
		for {
			changed := f.Changed()
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				p.mu.Lock()
				p.notifyLocked()
				p.mu.Unlock()
			}
		}
	})
}

func (p *Pipeline) notifyLocked() {
	close(p.signal)
	p.signal = make(chan struct{})
}

func (p *Pipeline) progressLocked() {
	close(p.progress)
	p.progress = make(chan struct{})
}
