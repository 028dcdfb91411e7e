package network

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

// MemoryNetwork connects swarms of the same process over in-memory pipes
type MemoryNetwork struct {
	mu     sync.Mutex
	topics map[keys.PublicKey]map[keys.PublicKey]*swarm
	closed bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{topics: make(map[keys.PublicKey]map[keys.PublicKey]*swarm)}
}

// JoinSwarm registers the peer and originates connections to a sample of the peers already
// in the topic
func (n *MemoryNetwork) JoinSwarm(ctx context.Context, opts SwarmOptions) (Swarm, error) {
	if opts.Protocol == nil {
		return nil, fmt.Errorf("swarm %s: protocol is required", opts.Topic.Truncate())
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	peers := n.topics[opts.Topic]
	if peers == nil {
		peers = make(map[keys.PublicKey]*swarm)
		n.topics[opts.Topic] = peers
	}
	if _, ok := peers[opts.PeerKey]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyJoined, opts.Topic.Truncate())
	}

	var s *swarm
	s = newSwarm(opts, func() { n.remove(s) })
	candidates := make([]*swarm, 0, len(peers))
	for _, other := range peers {
		candidates = append(candidates, other)
	}
	peers[opts.PeerKey] = s
	n.mu.Unlock()

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > s.topology.SampleSize {
		candidates = candidates[:s.topology.SampleSize]
	}
	for _, remote := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !s.canOriginate() {
			break
		}
		if !remote.hasRoom() || s.connected(remote.peerKey) {
			continue
		}
		n.connect(s, remote)
	}
	return s, nil
}

func (n *MemoryNetwork) connect(local, remote *swarm) {
	a, b := teleport.Pipe()
	if err := remote.accept(local.peerKey, false, b); err != nil {
		_ = a.Close()
		local.log.Debugf("connection to %s refused: %v", remote.peerKey.Truncate(), err)
		return
	}
	if err := local.accept(remote.peerKey, true, a); err != nil {
		local.log.Debugf("connection to %s dropped: %v", remote.peerKey.Truncate(), err)
	}
}

func (n *MemoryNetwork) remove(s *swarm) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := n.topics[s.topic]
	if peers[s.peerKey] == s {
		delete(peers, s.peerKey)
	}
	if len(peers) == 0 {
		delete(n.topics, s.topic)
	}
}

// Close leaves every swarm
func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	n.closed = true
	var all []*swarm
	for _, peers := range n.topics {
		for _, s := range peers {
			all = append(all, s)
		}
	}
	n.mu.Unlock()

	for _, s := range all {
		_ = s.Leave()
	}
	return nil
}
