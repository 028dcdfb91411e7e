// Package network joins peers into per-topic swarms and hands every connection to the
// swarm's protocol. MemoryNetwork connects swarms inside one process; GRPCNetwork connects
// nodes over gRPC streams.
package network

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

var (
	ErrAlreadyJoined = errors.New("already joined swarm")
	ErrSwarmFull     = errors.New("swarm is at max peers")
	ErrNoSwarm       = errors.New("no swarm for topic")
	ErrClosed        = errors.New("network closed")
)

// Topology bounds the mesh a peer builds
type Topology struct {
	OriginateConnections int
	MaxPeers             int
	SampleSize           int
}

func DefaultTopology() Topology {
	return Topology{OriginateConnections: 4, MaxPeers: 10, SampleSize: 20}
}

func (t Topology) withDefaults() Topology {
	d := DefaultTopology()
	if t.OriginateConnections <= 0 {
		t.OriginateConnections = d.OriginateConnections
	}
	if t.MaxPeers <= 0 {
		t.MaxPeers = d.MaxPeers
	}
	if t.SampleSize <= 0 {
		t.SampleSize = d.SampleSize
	}
	return t
}

// Connection is one peer link in a swarm
type Connection struct {
	Topic      keys.PublicKey
	RemotePeer keys.PublicKey
	Initiator  bool
	Stream     teleport.Stream
}

// Protocol runs a session over every connection of a swarm. The session owns the stream and
// closes it when done.
type Protocol interface {
	NewSession(ctx context.Context, conn Connection) error
}

type SwarmOptions struct {
	Topic    keys.PublicKey
	PeerKey  keys.PublicKey
	Topology Topology
	Protocol Protocol
}

// Swarm is a joined topic
type Swarm interface {
	Topic() keys.PublicKey
	Peers() []keys.PublicKey
	Leave() error
}

// Manager joins swarms
type Manager interface {
	JoinSwarm(ctx context.Context, opts SwarmOptions) (Swarm, error)
	Close() error
}

type swarm struct {
	topic    keys.PublicKey
	peerKey  keys.PublicKey
	topology Topology
	protocol Protocol
	log      logger.Prefixed
	ctx      context.Context
	cancel   context.CancelFunc
	onLeave  func()

	mu         sync.Mutex
	conns      map[keys.PublicKey]*trackedStream
	originated int
	left       bool
}

func newSwarm(opts SwarmOptions, onLeave func()) *swarm {
	ctx, cancel := context.WithCancel(context.Background())
	return &swarm{
		topic:    opts.Topic,
		peerKey:  opts.PeerKey,
		topology: opts.Topology.withDefaults(),
		protocol: opts.Protocol,
		log:      logger.WithSource("swarm/%s/%s", opts.Topic.Truncate(), opts.PeerKey.Truncate()),
		ctx:      ctx,
		cancel:   cancel,
		onLeave:  onLeave,
		conns:    make(map[keys.PublicKey]*trackedStream),
	}
}

func (s *swarm) Topic() keys.PublicKey {
	return s.topic
}

// Peers returns the connected peers, sorted
func (s *swarm) Peers() []keys.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]keys.PublicKey, 0, len(s.conns))
	for k := range s.conns {
		peers = append(peers, k)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Compare(peers[j]) < 0 })
	return peers
}

func (s *swarm) connected(peer keys.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[peer]
	return ok
}

// canOriginate reports whether another outbound connection fits the topology
func (s *swarm) canOriginate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.left && s.originated < s.topology.OriginateConnections && len(s.conns) < s.topology.MaxPeers
}

// hasRoom reports whether an inbound connection fits the topology
func (s *swarm) hasRoom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.left && len(s.conns) < s.topology.MaxPeers
}

// accept registers the connection and starts a session on it in the background. The
// stream is closed when the connection does not fit or the session cannot start.
func (s *swarm) accept(remote keys.PublicKey, initiator bool, stream teleport.Stream) error {
	tracked := &trackedStream{Stream: stream}

	s.mu.Lock()
	switch {
	case s.left:
		s.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	case remote == s.peerKey:
		s.mu.Unlock()
		_ = stream.Close()
		return errors.New("refusing connection to self")
	case s.conns[remote] != nil:
		s.mu.Unlock()
		_ = stream.Close()
		return ErrAlreadyJoined
	case len(s.conns) >= s.topology.MaxPeers:
		s.mu.Unlock()
		_ = stream.Close()
		return ErrSwarmFull
	}
	s.conns[remote] = tracked
	if initiator {
		s.originated++
	}
	tracked.onClose = func() {
		s.mu.Lock()
		if s.conns[remote] == tracked {
			delete(s.conns, remote)
			if initiator {
				s.originated--
			}
		}
		s.mu.Unlock()
		s.log.Debugf("disconnected from %s", remote.Truncate())
	}
	s.mu.Unlock()

	s.log.Debugf("connected to %s (initiator=%v)", remote.Truncate(), initiator)
	// the protocol runs off the caller's goroutine: JoinSwarm may be called with the
	// protocol's own locks held
	conn := Connection{
		Topic:      s.topic,
		RemotePeer: remote,
		Initiator:  initiator,
		Stream:     tracked,
	}
	go func() {
		if err := s.protocol.NewSession(s.ctx, conn); err != nil {
			s.log.Debugf("session with %s not started: %v", remote.Truncate(), err)
			_ = tracked.Close()
		}
	}()
	return nil
}

func (s *swarm) Leave() error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	conns := make([]*trackedStream, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	if s.onLeave != nil {
		s.onLeave()
	}
	s.log.Debugf("left")
	return nil
}

// trackedStream reports its close to the swarm
type trackedStream struct {
	teleport.Stream
	once    sync.Once
	onClose func()
}

func (t *trackedStream) Recv() ([]byte, error) {
	frame, err := t.Stream.Recv()
	if errors.Is(err, io.EOF) {
		t.closed()
	}
	return frame, err
}

func (t *trackedStream) Close() error {
	err := t.Stream.Close()
	t.closed()
	return err
}

func (t *trackedStream) closed() {
	t.once.Do(func() {
		if t.onClose != nil {
			t.onClose()
		}
	})
}
