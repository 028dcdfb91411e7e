package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/scope"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

const (
	ExtensionReplicator = "space.replicator"

	methodAnnounce = "announce"
	methodGet      = "get"

	maxBlocksPerGet = 256
)

var ErrFeedNotReplicated = errors.New("feed not replicated in this session")

// replicator keeps the session's feeds in sync with the peer. Every feed length change is
// announced; the side that learns it is behind pulls the missing blocks with get.
type replicator struct {
	log     logger.Prefixed
	metrics *metric.Metrics
	scope   *scope.Scope
	ready   chan struct{}

	mu    sync.Mutex
	feeds map[keys.PublicKey]feed.Feed
	pulls map[keys.PublicKey]*sync.Mutex
	port  teleport.Port
}

func newReplicator(log logger.Prefixed, metrics *metric.Metrics) *replicator {
	return &replicator{
		log:     log,
		metrics: metrics,
		scope:   scope.New(context.Background(), "replicator"),
		ready:   make(chan struct{}),
		feeds:   make(map[keys.PublicKey]feed.Feed),
		pulls:   make(map[keys.PublicKey]*sync.Mutex),
	}
}

// AddFeed starts replicating f. Adding a feed twice is a no-op.
func (r *replicator) AddFeed(f feed.Feed) {
	r.mu.Lock()
	if _, ok := r.feeds[f.Key()]; ok {
		r.mu.Unlock()
		return
	}
	r.feeds[f.Key()] = f
	open := r.port != nil
	r.mu.Unlock()

	if open {
		r.scope.Go(func(ctx context.Context) error {
			r.watch(ctx, f)
			return nil
		})
	}
}

// Feeds returns the replicated feed keys, sorted
func (r *replicator) Feeds() []keys.PublicKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]keys.PublicKey, 0, len(r.feeds))
	for k := range r.feeds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (r *replicator) feed(key keys.PublicKey) feed.Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[key]
}

func (r *replicator) OnOpen(ctx context.Context, port teleport.Port) error {
	r.mu.Lock()
	r.port = port
	feeds := make([]feed.Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		feeds = append(feeds, f)
	}
	r.mu.Unlock()
	close(r.ready)

	for _, f := range feeds {
		r.scope.Go(func(ctx context.Context) error {
			r.watch(ctx, f)
			return nil
		})
	}
	return nil
}

func (r *replicator) OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case methodAnnounce:
		a, err := unmarshalAnnounce(payload)
		if err != nil {
			return nil, err
		}
		f := r.feed(a.FeedKey)
		if f == nil {
			return (&announce{FeedKey: a.FeedKey}).marshal(), nil
		}
		if a.Length > f.Length() {
			r.scope.Go(func(ctx context.Context) error {
				r.pull(ctx, f, a.Length)
				return nil
			})
		}
		return (&announce{FeedKey: a.FeedKey, Length: f.Length(), Known: true}).marshal(), nil

	case methodGet:
		g, err := unmarshalGetBlocks(payload)
		if err != nil {
			return nil, err
		}
		f := r.feed(g.FeedKey)
		if f == nil {
			return nil, fmt.Errorf("%w: %s", ErrFeedNotReplicated, g.FeedKey.Truncate())
		}
		end := min(g.End, f.Length(), g.Start+maxBlocksPerGet)
		blocks := make([]*feed.Block, 0, max(end-g.Start, 0))
		for seq := g.Start; seq < end; seq++ {
			block, err := f.Get(seq)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		}
		for range blocks {
			r.metrics.BlockReplicated("out")
		}
		return marshalBlocks(blocks), nil

	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
}

func (r *replicator) OnClose(err error) {
	r.close()
}

func (r *replicator) close() {
	_ = r.scope.Dispose()
}

// watch announces f every time its length changes
func (r *replicator) watch(ctx context.Context, f feed.Feed) {
	announced := int64(-1)
	for {
		changed := f.Changed()
		if length := f.Length(); length != announced {
			reply, err := r.announce(ctx, f, length)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				r.log.Debugf("announce %s: %v", f.Key().Truncate(), err)
			default:
				announced = length
				if reply.Known && reply.Length > f.Length() {
					r.pull(ctx, f, reply.Length)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (r *replicator) announce(ctx context.Context, f feed.Feed, length int64) (*announce, error) {
	r.mu.Lock()
	port := r.port
	r.mu.Unlock()

	resp, err := port.Request(ctx, methodAnnounce, (&announce{FeedKey: f.Key(), Length: length, Known: true}).marshal())
	if err != nil {
		return nil, err
	}
	return unmarshalAnnounce(resp)
}

// pull fetches blocks until f reaches target. Pulls of one feed run one at a time.
func (r *replicator) pull(ctx context.Context, f feed.Feed, target int64) {
	select {
	case <-ctx.Done():
		return
	case <-r.ready:
	}

	r.mu.Lock()
	lock, ok := r.pulls[f.Key()]
	if !ok {
		lock = &sync.Mutex{}
		r.pulls[f.Key()] = lock
	}
	port := r.port
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	for f.Length() < target {
		start := f.Length()
		resp, err := port.Request(ctx, methodGet, (&getBlocks{FeedKey: f.Key(), Start: start, End: target}).marshal())
		if err != nil {
			if !errs.IsCancelled(err) {
				r.log.Debugf("get %s/%d: %v", f.Key().Truncate(), start, err)
			}
			return
		}
		blocks, err := unmarshalBlocks(resp)
		if err != nil || len(blocks) == 0 {
			r.log.Debugf("get %s/%d returned no blocks: %v", f.Key().Truncate(), start, err)
			return
		}
		for _, block := range blocks {
			if err := f.Replicate(block); err != nil {
				r.log.Infof("rejected block %s/%d: %v", f.Key().Truncate(), block.Seq,
					errs.New(errs.Verification, "replicate", err))
				return
			}
			r.metrics.BlockReplicated("in")
		}
	}
}
