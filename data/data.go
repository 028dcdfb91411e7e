package data

/*
Data pipeline

Applies the mutation batches of the admitted DATA feeds to the database adapter, in
causal order, and handles epochs.

Epochs arrive as credentials on the control feeds. For every epoch numbered above
lastProcessedEpoch a task is started in a child scope; the previous task is disposed
first, so at most one epoch is being applied. The task pauses the consumer, restores the
epoch snapshot (fetching it from peers when it is not stored locally), moves the cursor to
the epoch timeframe and unpauses.

The consumer starts paused and nothing is applied before the first epoch. Credentials
found on DATA feeds are never processed; they are counted and dropped.
*/

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/database"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metadata"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/pipeline"
	"github.com/adamgarcia4/goLearning/spaces/scope"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

const (
	yieldEvery            = 1000
	defaultSaveInterval   = 5 * time.Second
	cacheMinMessages      = 10
	snapshotFetchAttempts = 3
)

var (
	ErrNotOpen             = errors.New("data pipeline is not open")
	ErrWriteFeedAlreadySet = errors.New("data write feed already set")
	ErrNoSnapshotSource    = errors.New("snapshot not stored locally and no fetcher configured")
)

// SnapshotFetcher retrieves encoded snapshots from peers
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, ref string) ([]byte, error)
}

type Params struct {
	SpaceKey     keys.PublicKey
	StateMachine *admission.StateMachine
	Metadata     metadata.Store
	Snapshots    snapshot.Store
	NewDatabase  func() database.Adapter
	Metrics      *metric.Metrics

	// TimeframeSaveInterval and CacheSaveInterval default to 5s
	TimeframeSaveInterval time.Duration
	CacheSaveInterval     time.Duration
}

// EpochState reports epoch progress
type EpochState struct {
	Current            *credentials.Credential
	Applied            *credentials.Credential
	LastProcessedEpoch int64
}

// Pipeline is the data pipeline of one space. It can be opened again after Close.
type Pipeline struct {
	params Params
	log    logger.Prefixed

	openMu sync.Mutex

	mu         sync.Mutex
	open       bool
	feeds      []feed.Feed
	writeFeed  feed.Feed
	fetcher    SnapshotFetcher
	pipeline   *pipeline.Pipeline
	db         database.Adapter
	scope      *scope.Scope
	epochScope *scope.Scope

	currentEpoch       *credentials.Credential
	appliedEpoch       *credentials.Credential
	lastProcessedEpoch int64
	firstEpoch         chan struct{}
	firstEpochApplied  bool

	// dbMu serializes database access between the consume loop and epoch tasks
	dbMu      sync.Mutex
	appliedTf timeframe.Timeframe

	lastTimeframeSave time.Time
	lastCacheSave     time.Time
	sinceCache        int
}

func New(params Params) *Pipeline {
	if params.TimeframeSaveInterval == 0 {
		params.TimeframeSaveInterval = defaultSaveInterval
	}
	if params.CacheSaveInterval == 0 {
		params.CacheSaveInterval = defaultSaveInterval
	}
	if params.NewDatabase == nil {
		params.NewDatabase = func() database.Adapter { return database.NewKV() }
	}
	if params.Snapshots == nil {
		params.Snapshots = snapshot.NewMemoryStore()
	}
	d := &Pipeline{
		params: params,
		log:    logger.WithSource("data/%s", params.SpaceKey.Truncate()),
	}
	d.resetLocked()
	return d
}

func (d *Pipeline) resetLocked() {
	d.pipeline = nil
	d.db = nil
	d.scope = nil
	d.epochScope = nil
	d.currentEpoch = nil
	d.appliedEpoch = nil
	d.lastProcessedEpoch = -1
	d.firstEpoch = make(chan struct{})
	d.firstEpochApplied = false
	d.appliedTf = timeframe.New()
	d.lastTimeframeSave = time.Time{}
	d.lastCacheSave = time.Time{}
	d.sinceCache = 0
}

// SetSnapshotFetcher sets where missing epoch snapshots are fetched from
func (d *Pipeline) SetSnapshotFetcher(f SnapshotFetcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetcher = f
}

// AddFeed adds an admitted DATA feed. Feeds are kept across Close and Open.
func (d *Pipeline) AddFeed(f feed.Feed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.feeds {
		if existing.Key() == f.Key() {
			return
		}
	}
	d.feeds = append(d.feeds, f)
	if d.pipeline != nil {
		d.pipeline.AddFeed(f)
	}
}

// SetWriteFeed sets the local DATA feed. It can only be set once.
func (d *Pipeline) SetWriteFeed(f feed.Feed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeFeed != nil {
		return ErrWriteFeedAlreadySet
	}
	if !f.Writable() {
		return fmt.Errorf("%w: %s", feed.ErrNotWritable, f.Key().Truncate())
	}
	d.writeFeed = f
	if d.pipeline != nil {
		return d.pipeline.SetWriteFeed(f)
	}
	return nil
}

// Open builds the consumer, subscribes to epoch credentials and starts consuming
func (d *Pipeline) Open(ctx context.Context) error {
	d.openMu.Lock()
	defer d.openMu.Unlock()

	d.mu.Lock()
	if d.open {
		d.mu.Unlock()
		return nil
	}

	p := pipeline.New("data/" + d.params.SpaceKey.Truncate())
	p.Pause()
	for _, f := range d.feeds {
		p.AddFeed(f)
	}
	if d.writeFeed != nil {
		if err := p.SetWriteFeed(d.writeFeed); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	if d.params.Metadata != nil {
		if md, err := d.params.Metadata.Get(d.params.SpaceKey); err == nil && md.DataLatestTimeframe != nil {
			p.SetTargetTimeframe(*md.DataLatestTimeframe)
		}
	}

	d.pipeline = p
	d.db = d.params.NewDatabase()
	d.scope = scope.New(context.Background(), "data/"+d.params.SpaceKey.Truncate())
	d.open = true
	s := d.scope
	d.mu.Unlock()

	if sm := d.params.StateMachine; sm != nil {
		s.OnDispose(sm.CredentialProcessed.Subscribe(d.onCredential))

		// epochs processed before the subscription
		var latest *credentials.Credential
		for _, cred := range sm.Credentials() {
			if _, ok := cred.Assertion.(credentials.Epoch); ok {
				latest = cred
			}
		}
		if latest != nil {
			d.onCredential(latest)
		}
	}

	if err := p.Start(); err != nil {
		d.abortOpen(p, s)
		return fmt.Errorf("failed to start data consumer: %w", err)
	}
	s.Go(d.consume)
	d.log.Debugf("opened")
	return nil
}

// abortOpen undoes an Open that failed after marking the pipeline open, so a later Open
// starts over. Nothing is saved: the database never consumed a message.
func (d *Pipeline) abortOpen(p *pipeline.Pipeline, s *scope.Scope) {
	_ = p.Stop()
	_ = s.Dispose()

	d.mu.Lock()
	db := d.db
	d.open = false
	d.resetLocked()
	d.mu.Unlock()
	if db != nil {
		_ = db.Close()
	}
}

// Close stops consumption, saves progress best effort, closes the database and resets
// every epoch field
func (d *Pipeline) Close() error {
	d.openMu.Lock()
	defer d.openMu.Unlock()

	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = false
	p, db, s := d.pipeline, d.db, d.scope
	d.mu.Unlock()

	var closeErr error
	if err := p.Stop(); err != nil {
		closeErr = err
	}
	if err := s.Dispose(); err != nil && !errs.IsCancelled(err) {
		closeErr = errors.Join(closeErr, err)
	}

	d.dbMu.Lock()
	applied := d.appliedTf
	d.dbMu.Unlock()
	d.saveCache(db, applied)
	d.saveTimeframe(applied)

	if err := db.Close(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}

	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
	d.log.Debugf("closed")
	return closeErr
}

// Database returns the open database adapter, or nil when closed
func (d *Pipeline) Database() database.Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db
}

// Pipeline returns the open consumer, or nil when closed
func (d *Pipeline) Pipeline() *pipeline.Pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeline
}

func (d *Pipeline) EpochState() EpochState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return EpochState{
		Current:            d.currentEpoch,
		Applied:            d.appliedEpoch,
		LastProcessedEpoch: d.lastProcessedEpoch,
	}
}

// AppliedTimeframe returns the timeframe reflected by the database
func (d *Pipeline) AppliedTimeframe() timeframe.Timeframe {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()
	return d.appliedTf
}

// WaitUntilTimeframe blocks until the consumer has processed tf
func (d *Pipeline) WaitUntilTimeframe(ctx context.Context, tf timeframe.Timeframe) error {
	p := d.Pipeline()
	if p == nil {
		return ErrNotOpen
	}
	return p.WaitUntilTimeframe(ctx, tf)
}

// WriteMutations appends a batch to the local DATA feed
func (d *Pipeline) WriteMutations(ctx context.Context, batch database.Batch) (pipeline.WriteReceipt, error) {
	p := d.Pipeline()
	if p == nil {
		return pipeline.WriteReceipt{}, ErrNotOpen
	}
	return p.Writer().Write(ctx, &feed.Message{Data: batch.Marshal()})
}

func (d *Pipeline) consume(ctx context.Context) error {
	d.mu.Lock()
	p, db, first := d.pipeline, d.db, d.firstEpoch
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case <-first:
	}

	var count int
	for {
		block, err := p.Next(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrStopped) || errs.IsCancelled(err) {
				return nil
			}
			return err
		}

		d.apply(p, db, block)

		count++
		if count%yieldEvery == 0 {
			runtime.Gosched()
		}
		d.maybeSave(p, db)
	}
}

func (d *Pipeline) apply(p *pipeline.Pipeline, db database.Adapter, block *pipeline.FeedBlock) {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	// read before an epoch moved the cursor: covered by the snapshot or delivered again
	if block.Generation != p.Generation() {
		return
	}
	d.appliedTf = d.appliedTf.Set(block.FeedKey, block.Seq)

	msg := block.Message
	if msg.Credential != nil {
		d.params.Metrics.DataFeedCredentialIgnored(d.params.SpaceKey.Truncate())
		d.log.Debugf("ignoring %s on data feed %s/%d", msg.Credential.Type(), block.FeedKey.Truncate(), block.Seq)
		return
	}
	if msg.Data == nil {
		return
	}

	err := db.Process(msg.Data, database.Meta{FeedKey: block.FeedKey, Seq: block.Seq, Timeframe: msg.Timeframe})
	if err != nil {
		d.log.Errorf("failed to apply %s/%d: %v", block.FeedKey.Truncate(), block.Seq, err)
		return
	}
	d.sinceCache++
	d.params.Metrics.DataMessageApplied(d.params.SpaceKey.Truncate())
}

func (d *Pipeline) maybeSave(p *pipeline.Pipeline, db database.Adapter) {
	d.dbMu.Lock()
	applied := d.appliedTf
	dueCache := time.Since(d.lastCacheSave) >= d.params.CacheSaveInterval && d.sinceCache >= cacheMinMessages
	d.dbMu.Unlock()

	if p.State().ReachedTarget() && time.Since(d.lastTimeframeSave) >= d.params.TimeframeSaveInterval {
		d.saveTimeframe(applied)
	}
	if dueCache {
		d.saveCache(db, applied)
	}
}

func (d *Pipeline) saveTimeframe(tf timeframe.Timeframe) {
	d.lastTimeframeSave = time.Now()
	if d.params.Metadata == nil {
		return
	}
	err := d.params.Metadata.SetDataLatestTimeframe(d.params.SpaceKey, tf)
	d.params.Metrics.TimeframePersisted("data", err)
	if err != nil {
		d.log.Errorf("failed to save data timeframe: %v", err)
	}
}

func (d *Pipeline) saveCache(db database.Adapter, tf timeframe.Timeframe) {
	d.dbMu.Lock()
	d.lastCacheSave = time.Now()
	d.sinceCache = 0
	d.dbMu.Unlock()
	if d.params.Metadata == nil {
		return
	}
	cache := metadata.Cache{Timeframe: tf, Properties: db.CacheProperties()}
	if err := d.params.Metadata.SetCache(d.params.SpaceKey, cache); err != nil {
		d.log.Errorf("failed to save cache: %v", err)
	}
}
