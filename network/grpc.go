package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/scope"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
	"github.com/adamgarcia4/goLearning/spaces/transport"
)

const (
	defaultRedialInterval = 5 * time.Second
	defaultDialBackoff    = 30 * time.Second
	defaultDialTimeout    = 5 * time.Second
)

type GRPCOptions struct {
	// Address is the listen address, host:port
	Address string
	// Seeds are dialed for every joined swarm
	Seeds []string

	RedialInterval time.Duration
	DialBackoff    time.Duration
	DialTimeout    time.Duration
}

// GRPCNetwork serves and dials Connect streams. Every stream starts with a hello exchange
// naming the topic and both peer keys; a peer that refused or failed is not dialed again
// until its backoff entry expires.
type GRPCNetwork struct {
	opts    GRPCOptions
	server  *transport.GRPC
	backoff *ttlcache.Cache[string, error]
	scope   *scope.Scope
	log     logger.Prefixed

	mu     sync.Mutex
	seeds  []string
	swarms map[keys.PublicKey]*grpcSwarm
	closed bool
}

type grpcSwarm struct {
	*swarm
	dialing sync.Mutex

	// outbound maps dialed addresses to the peer that answered, guarded by dialing
	outbound map[string]keys.PublicKey
}

func NewGRPCNetwork(opts GRPCOptions) (*GRPCNetwork, error) {
	if opts.RedialInterval <= 0 {
		opts.RedialInterval = defaultRedialInterval
	}
	if opts.DialBackoff <= 0 {
		opts.DialBackoff = defaultDialBackoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	n := &GRPCNetwork{
		opts: opts,
		backoff: ttlcache.New[string, error](
			ttlcache.WithTTL[string, error](opts.DialBackoff),
			ttlcache.WithDisableTouchOnHit[string, error](),
		),
		scope:  scope.New(context.Background(), "grpc-network"),
		log:    logger.WithSource("network/%s", opts.Address),
		seeds:  append([]string(nil), opts.Seeds...),
		swarms: make(map[keys.PublicKey]*grpcSwarm),
	}
	server, err := transport.NewGRPC(opts.Address, n.handleConnect)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC transport: %w", err)
	}
	n.server = server
	return n, nil
}

// Start binds the server and starts the redial loop
func (n *GRPCNetwork) Start() error {
	if err := n.server.Start(); err != nil {
		return fmt.Errorf("failed to bind gRPC server: %w", err)
	}
	go n.backoff.Start()
	n.scope.Go(n.redialLoop)
	n.log.Infof("listening on %s", n.server.Addr())
	return nil
}

// Addr is the bound listen address
func (n *GRPCNetwork) Addr() string {
	return n.server.Addr()
}

// AddSeed adds an address dialed for every joined swarm
func (n *GRPCNetwork) AddSeed(addr string) {
	n.mu.Lock()
	for _, s := range n.seeds {
		if s == addr {
			n.mu.Unlock()
			return
		}
	}
	n.seeds = append(n.seeds, addr)
	swarms := n.swarmList()
	n.mu.Unlock()

	for _, s := range swarms {
		n.scope.Go(func(ctx context.Context) error {
			n.dialSeeds(ctx, s)
			return nil
		})
	}
}

func (n *GRPCNetwork) JoinSwarm(ctx context.Context, opts SwarmOptions) (Swarm, error) {
	if opts.Protocol == nil {
		return nil, fmt.Errorf("swarm %s: protocol is required", opts.Topic.Truncate())
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := n.swarms[opts.Topic]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, opts.Topic.Truncate())
	}
	s := &grpcSwarm{outbound: make(map[string]keys.PublicKey)}
	s.swarm = newSwarm(opts, func() {
		n.mu.Lock()
		if n.swarms[opts.Topic] == s {
			delete(n.swarms, opts.Topic)
		}
		n.mu.Unlock()
	})
	n.swarms[opts.Topic] = s
	n.mu.Unlock()

	n.scope.Go(func(ctx context.Context) error {
		n.dialSeeds(ctx, s)
		return nil
	})
	return s, nil
}

// Close leaves every swarm and stops the server
func (n *GRPCNetwork) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	swarms := n.swarmList()
	n.mu.Unlock()

	_ = n.scope.Dispose()
	for _, s := range swarms {
		_ = s.Leave()
	}
	n.backoff.Stop()
	return n.server.Stop()
}

func (n *GRPCNetwork) swarmList() []*grpcSwarm {
	out := make([]*grpcSwarm, 0, len(n.swarms))
	for _, s := range n.swarms {
		out = append(out, s)
	}
	return out
}

func (n *GRPCNetwork) redialLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.opts.RedialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.mu.Lock()
			swarms := n.swarmList()
			n.mu.Unlock()
			for _, s := range swarms {
				n.dialSeeds(ctx, s)
			}
		}
	}
}

func (n *GRPCNetwork) dialSeeds(ctx context.Context, s *grpcSwarm) {
	if !s.dialing.TryLock() {
		return
	}
	defer s.dialing.Unlock()

	n.mu.Lock()
	seeds := append([]string(nil), n.seeds...)
	n.mu.Unlock()

	rand.Shuffle(len(seeds), func(i, j int) { seeds[i], seeds[j] = seeds[j], seeds[i] })
	if len(seeds) > s.topology.SampleSize {
		seeds = seeds[:s.topology.SampleSize]
	}
	for _, addr := range seeds {
		if ctx.Err() != nil || !s.canOriginate() {
			return
		}
		if addr == n.Addr() || n.backoff.Has(addr+"/"+s.topic.String()) {
			continue
		}
		if peer, ok := s.outbound[addr]; ok && s.connected(peer) {
			continue
		}
		if err := n.dial(ctx, s, addr); err != nil {
			n.backoff.Set(addr+"/"+s.topic.String(), err, ttlcache.DefaultTTL)
			n.log.Debugf("dial %s for %s: %v", addr, s.topic.Truncate(), err)
		}
	}
}

func (n *GRPCNetwork) dial(ctx context.Context, s *grpcSwarm, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.DialTimeout)
	defer cancel()

	stream, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	reply, err := exchangeHello(ctx, stream, &hello{Topic: s.topic, PeerKey: s.peerKey})
	if err != nil {
		_ = stream.Close()
		return err
	}
	if reply.Error != "" {
		_ = stream.Close()
		return errors.New(reply.Error)
	}
	if reply.Topic != s.topic {
		_ = stream.Close()
		return fmt.Errorf("peer answered for topic %s", reply.Topic.Truncate())
	}
	s.outbound[addr] = reply.PeerKey
	if s.connected(reply.PeerKey) {
		_ = stream.Close()
		return nil
	}
	return s.accept(reply.PeerKey, true, stream)
}

// exchangeHello sends ours and reads theirs. The stream is closed if ctx ends first.
func exchangeHello(ctx context.Context, stream teleport.Stream, ours *hello) (*hello, error) {
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	if err := stream.Send(ours.marshal()); err != nil {
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}
	data, err := stream.Recv()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	return unmarshalHello(data)
}

func (n *GRPCNetwork) handleConnect(ctx context.Context, stream teleport.Stream) error {
	data, err := stream.Recv()
	if err != nil {
		return err
	}
	h, err := unmarshalHello(data)
	if err != nil {
		return err
	}

	n.mu.Lock()
	s := n.swarms[h.Topic]
	n.mu.Unlock()

	reject := func(err error) error {
		_ = stream.Send((&hello{Error: err.Error()}).marshal())
		return err
	}
	switch {
	case s == nil:
		return reject(fmt.Errorf("%w: %s", ErrNoSwarm, h.Topic.Truncate()))
	case h.PeerKey == s.peerKey:
		return reject(errors.New("connected to self"))
	case s.connected(h.PeerKey):
		return reject(ErrAlreadyJoined)
	case !s.hasRoom():
		return reject(ErrSwarmFull)
	}

	if err := stream.Send((&hello{Topic: s.topic, PeerKey: s.peerKey}).marshal()); err != nil {
		return err
	}
	return s.accept(h.PeerKey, false, stream)
}
