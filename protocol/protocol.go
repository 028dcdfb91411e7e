// Package protocol runs the space replication protocol over swarm connections. Each
// connection gets a session multiplexing the admission, auth, replicator and blob sync
// extensions; feeds are only replicated once both peers authenticated each other.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

var (
	ErrAlreadyStarted = errors.New("protocol already started")
	ErrStopped        = errors.New("protocol stopped")
	ErrNoPeers        = errors.New("no authenticated peers")
)

type Params struct {
	SpaceKey     keys.PublicKey
	Identity     SwarmIdentity
	Network      network.Manager
	Topology     network.Topology
	StateMachine *admission.StateMachine
	Snapshots    snapshot.Store
	Metrics      *metric.Metrics

	// AuthTimeout defaults to DefaultAuthTimeout
	AuthTimeout time.Duration

	OnAuthorizedConnection func(*Session)
	OnAuthFailure          func(*Session, error)
}

type SpaceProtocol struct {
	params Params
	topic  keys.PublicKey
	log    logger.Prefixed

	mu       sync.Mutex
	swarm    network.Swarm
	starting bool
	stopped  bool
	feeds    map[keys.PublicKey]feed.Feed
	order    []keys.PublicKey
	sessions map[ulid.ULID]*Session
}

func New(params Params) *SpaceProtocol {
	if params.AuthTimeout <= 0 {
		params.AuthTimeout = DefaultAuthTimeout
	}
	return &SpaceProtocol{
		params:   params,
		topic:    keys.DiscoveryKey(params.SpaceKey),
		log:      logger.WithSource("protocol/%s", params.SpaceKey.Truncate()),
		feeds:    make(map[keys.PublicKey]feed.Feed),
		sessions: make(map[ulid.ULID]*Session),
	}
}

// Topic is the swarm topic derived from the space key
func (p *SpaceProtocol) Topic() keys.PublicKey {
	return p.topic
}

// Start joins the space swarm. p.mu is not held while joining: the network may open
// sessions on p before JoinSwarm returns.
func (p *SpaceProtocol) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.stopped:
		p.mu.Unlock()
		return ErrStopped
	case p.swarm != nil || p.starting:
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.starting = true
	p.mu.Unlock()

	swarm, err := p.params.Network.JoinSwarm(ctx, network.SwarmOptions{
		Topic:    p.topic,
		PeerKey:  p.params.Identity.PeerKey,
		Topology: p.params.Topology,
		Protocol: p,
	})

	p.mu.Lock()
	p.starting = false
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to join swarm: %w", err)
	}
	if p.stopped {
		// Stop ran while joining and had no swarm to leave
		p.mu.Unlock()
		_ = swarm.Leave()
		return ErrStopped
	}
	p.swarm = swarm
	p.mu.Unlock()
	p.log.Infof("joined swarm %s", p.topic.Truncate())
	return nil
}

// Stop leaves the swarm and closes every session
func (p *SpaceProtocol) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	swarm := p.swarm
	sessions := p.sessionList()
	p.mu.Unlock()

	var err error
	if swarm != nil {
		err = swarm.Leave()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	for _, s := range sessions {
		<-s.Done()
	}
	p.log.Debugf("stopped")
	return err
}

// AddFeed replicates f with every authenticated peer, current and future
func (p *SpaceProtocol) AddFeed(f feed.Feed) {
	p.mu.Lock()
	if _, ok := p.feeds[f.Key()]; ok {
		p.mu.Unlock()
		return
	}
	p.feeds[f.Key()] = f
	p.order = append(p.order, f.Key())
	var replicators []*replicator
	for _, s := range p.sessions {
		if r, _ := s.authorized(); r != nil {
			replicators = append(replicators, r)
		}
	}
	p.mu.Unlock()

	for _, r := range replicators {
		r.AddFeed(f)
	}
}

// Feeds returns the replicated feeds in the order they were added
func (p *SpaceProtocol) Feeds() []keys.PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]keys.PublicKey(nil), p.order...)
}

func (p *SpaceProtocol) feedList() []feed.Feed {
	out := make([]feed.Feed, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.feeds[key])
	}
	return out
}

// Sessions returns the open sessions ordered by ID
func (p *SpaceProtocol) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionList()
}

func (p *SpaceProtocol) sessionList() []*Session {
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Compare(out[j].ID()) < 0 })
	return out
}

// NewSession starts the protocol on a swarm connection
func (p *SpaceProtocol) NewSession(ctx context.Context, conn network.Connection) error {
	t := teleport.New(conn.Stream, teleport.Options{Initiator: conn.Initiator})
	s := &Session{
		RemotePeer: conn.RemotePeer,
		protocol:   p,
		teleport:   t,
		log:        logger.WithSource("session/%s/%s", p.params.SpaceKey.Truncate(), conn.RemotePeer.Truncate()),
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		_ = t.Close()
		return ErrStopped
	}
	s.auth = newAuthExtension(p.params.Identity, p.params.AuthTimeout, s.onAuthResult)
	p.sessions[t.ID()] = s
	p.mu.Unlock()
	p.params.Metrics.SessionOpened()

	go func() {
		<-t.Done()
		p.mu.Lock()
		delete(p.sessions, t.ID())
		p.mu.Unlock()
		s.closed()
		p.params.Metrics.SessionClosed()
		s.log.Debugf("session closed: %v", t.Err())
	}()

	if err := t.AddExtension(ExtensionAdmission, &admissionHost{lookup: p.lookupAdmission}); err != nil {
		return err
	}
	if err := t.AddExtension(ExtensionAuth, s.auth); err != nil {
		return err
	}
	return t.Open(ctx)
}

func (p *SpaceProtocol) lookupAdmission(spaceKey, member keys.PublicKey) (*credentials.Credential, bool) {
	if spaceKey != p.params.SpaceKey || p.params.StateMachine == nil {
		return nil, false
	}
	return p.params.StateMachine.MemberCredential(member)
}

// FetchSnapshot downloads the snapshot at ref from the first authenticated peer that has it
func (p *SpaceProtocol) FetchSnapshot(ctx context.Context, ref string) ([]byte, error) {
	err := ErrNoPeers
	for _, s := range p.Sessions() {
		_, blobs := s.authorized()
		if blobs == nil {
			continue
		}
		data, fetchErr := blobs.fetch(ctx, ref)
		if fetchErr == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, fetchErr
		}
		s.log.Debugf("snapshot %.8s: %v", ref, fetchErr)
		err = fetchErr
	}
	return nil, err
}
