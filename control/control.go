package control

/*
Control pipeline

Consumes the control feeds of a space and reduces their credentials with the admission
state machine. Newly admitted CONTROL feeds are opened and added to the same consumer, so
the control feeds bootstrap their own replication.

Progress is saved as controlLatestTimeframe, at most once per saveInterval; Stop always
writes the latest value. On the next start the saved value becomes the consumer target so
callers can wait until replay has caught up.
*/

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metadata"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/pipeline"
	"github.com/adamgarcia4/goLearning/spaces/scope"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

const saveInterval = 500 * time.Millisecond

var ErrAlreadyStarted = errors.New("control pipeline already started")

type Params struct {
	SpaceKey     keys.PublicKey
	GenesisFeed  feed.Feed
	FeedProvider feed.Provider
	Metadata     metadata.Store
	Metrics      *metric.Metrics
}

// Pipeline is the control pipeline of one space
type Pipeline struct {
	spaceKey    keys.PublicKey
	genesisFeed feed.Feed
	provider    feed.Provider
	metadata    metadata.Store
	metrics     *metric.Metrics
	log         logger.Prefixed

	sm       *admission.StateMachine
	pipeline *pipeline.Pipeline

	mu        sync.Mutex
	saveMu    sync.Mutex // orders metadata writes
	scope     *scope.Scope
	lastSave  time.Time
	unsaved   *timeframe.Timeframe
	saveTimer *time.Timer
}

func New(params Params) *Pipeline {
	c := &Pipeline{
		spaceKey:    params.SpaceKey,
		genesisFeed: params.GenesisFeed,
		provider:    params.FeedProvider,
		metadata:    params.Metadata,
		metrics:     params.Metrics,
		log:         logger.WithSource("control/%s", params.SpaceKey.Truncate()),
		sm:          admission.New(params.SpaceKey),
		pipeline:    pipeline.New("control/" + params.SpaceKey.Truncate()),
	}
	c.pipeline.AddFeed(params.GenesisFeed)
	return c
}

// StateMachine exposes the admission state and its event buses
func (c *Pipeline) StateMachine() *admission.StateMachine {
	return c.sm
}

// Pipeline exposes the underlying log consumer
func (c *Pipeline) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

// SetWriteFeed sets the local control feed
func (c *Pipeline) SetWriteFeed(f feed.Feed) error {
	return c.pipeline.SetWriteFeed(f)
}

// Start launches the consume loop
func (c *Pipeline) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scope != nil {
		return ErrAlreadyStarted
	}

	if c.metadata != nil {
		if md, err := c.metadata.Get(c.spaceKey); err == nil && md.ControlLatestTimeframe != nil {
			c.pipeline.SetTargetTimeframe(*md.ControlLatestTimeframe)
		}
	}

	s := scope.New(context.Background(), "control/"+c.spaceKey.Truncate())
	unsubscribe := c.sm.FeedAdmitted.Subscribe(func(info admission.FeedInfo) {
		c.onFeedAdmitted(s.Context(), info)
	})
	s.OnDispose(unsubscribe)

	if err := c.pipeline.Start(); err != nil {
		_ = s.Dispose()
		return fmt.Errorf("failed to start control consumer: %w", err)
	}
	s.Go(c.consume)
	c.scope = s
	c.log.Debugf("started")
	return nil
}

// Stop ends consumption and writes the latest timeframe
func (c *Pipeline) Stop() error {
	c.mu.Lock()
	s := c.scope
	c.mu.Unlock()

	var stopErr error
	if err := c.pipeline.Stop(); err != nil {
		stopErr = err
	}
	if s != nil {
		if err := s.Dispose(); err != nil {
			stopErr = errors.Join(stopErr, err)
		}
	}

	c.mu.Lock()
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	c.mu.Unlock()
	c.flush()
	c.log.Debugf("stopped")
	return stopErr
}

// WaitUntilReachedTarget blocks until replay reaches the timeframe saved by the previous run
func (c *Pipeline) WaitUntilReachedTarget(ctx context.Context) error {
	state := c.pipeline.State()
	if state.TargetTimeframe == nil {
		return nil
	}
	return c.pipeline.WaitUntilTimeframe(ctx, *state.TargetTimeframe)
}

// WriteCredential appends cred to the local control feed
func (c *Pipeline) WriteCredential(ctx context.Context, cred *credentials.Credential) (pipeline.WriteReceipt, error) {
	return c.pipeline.Writer().Write(ctx, &feed.Message{Credential: cred})
}

func (c *Pipeline) consume(ctx context.Context) error {
	for {
		block, err := c.pipeline.Next(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrStopped) || errs.IsCancelled(err) {
				return nil
			}
			return err
		}

		cred := block.Message.Credential
		if cred == nil {
			c.log.Debugf("skipping non-credential message %s/%d", block.FeedKey.Truncate(), block.Seq)
			continue
		}

		if err := c.sm.ProcessCredential(cred, block.FeedKey); err != nil {
			c.metrics.CredentialProcessed(c.spaceKey.Truncate(), resultLabel(err))
			c.log.Infof("credential %s/%d rejected: %v", block.FeedKey.Truncate(), block.Seq, err)
			continue
		}
		c.metrics.CredentialProcessed(c.spaceKey.Truncate(), "accepted")
		c.saveTimeframe(c.pipeline.State().PendingTimeframe)
	}
}

func (c *Pipeline) onFeedAdmitted(ctx context.Context, info admission.FeedInfo) {
	if info.Designation != credentials.DesignationControl || info.Key == c.genesisFeed.Key() {
		return
	}
	if c.pipeline.HasFeed(info.Key) {
		return
	}
	if c.provider == nil {
		c.log.Errorf("no feed provider to open control feed %s", info.Key.Truncate())
		return
	}
	f, err := c.provider.OpenFeed(ctx, info.Key)
	if err != nil {
		c.log.Errorf("failed to open control feed %s: %v", info.Key.Truncate(), err)
		return
	}
	c.pipeline.AddFeed(f)
	c.log.Infof("added control feed %s", info.Key.Truncate())
}

// saveTimeframe writes tf unless the previous write is younger than saveInterval,
// in which case tf is written when the interval expires
func (c *Pipeline) saveTimeframe(tf timeframe.Timeframe) {
	if c.metadata == nil {
		return
	}
	c.mu.Lock()
	c.unsaved = &tf
	wait := saveInterval - time.Since(c.lastSave)
	if wait > 0 {
		if c.saveTimer == nil {
			c.saveTimer = time.AfterFunc(wait, func() {
				c.mu.Lock()
				c.saveTimer = nil
				c.mu.Unlock()
				c.flush()
			})
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Pipeline) flush() {
	if c.metadata == nil {
		return
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	tf := c.unsaved
	c.unsaved = nil
	if tf != nil {
		c.lastSave = time.Now()
	}
	c.mu.Unlock()
	if tf == nil {
		return
	}

	err := c.metadata.SetControlLatestTimeframe(c.spaceKey, *tf)
	c.metrics.TimeframePersisted("control", err)
	if err != nil {
		c.log.Errorf("failed to save control timeframe: %v", err)
		// retried by the next save or by Stop, unless a newer timeframe replaced it
		c.mu.Lock()
		if c.unsaved == nil {
			c.unsaved = tf
		}
		c.mu.Unlock()
	}
}

func resultLabel(err error) string {
	class, ok := errs.ClassOf(err)
	if !ok {
		return "error"
	}
	return class.String()
}
