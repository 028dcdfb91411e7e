// Package node assembles a spaces node from a data dir: keyring, file feed store, YAML
// metadata, snapshot blobs, the gRPC swarm network and the space manager.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metadata"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/protocol"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/space"
)

const (
	keyringFile  = "keyring.yaml"
	identityFile = "identity.yaml"
	metadataFile = "metadata.yaml"
	feedsDir     = "feeds"
	snapshotsDir = "snapshots"

	shutdownTimeout = 5 * time.Second
)

type identityRecord struct {
	Identity keys.PublicKey `yaml:"identity"`
}

// Option configures a node
type Option func(*Node)

// WithNetwork runs the node on net instead of its own gRPC network. The node does not close it.
func WithNetwork(net network.Manager) Option {
	return func(n *Node) { n.external = net }
}

// Node is one peer: a space manager over durable stores and a swarm network
type Node struct {
	config   *Config
	external network.Manager
	log      logger.Prefixed

	mu        sync.RWMutex
	started   bool
	keyring   *keys.Keyring
	identity  *keys.Keypair
	feeds     *feed.FileStore
	metrics   *metric.Metrics
	network   network.Manager
	grpc      *network.GRPCNetwork
	metricSrv *metric.Server
	manager   *space.Manager
}

// New creates a new node with the given configuration
func New(config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	n := &Node{
		config: config,
		log:    logger.WithSource("node/%s", config.GetAddress()),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Start opens the stores, the network and every space recorded in metadata
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			_ = cleanup[i]()
		}
	}()

	if err := os.MkdirAll(n.config.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	ring, err := keys.OpenKeyring(n.config.path(keyringFile))
	if err != nil {
		return err
	}
	identity, err := loadIdentity(n.config.path(identityFile), ring)
	if err != nil {
		return err
	}
	feeds, err := feed.NewFileStore(n.config.path(feedsDir), ring)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, feeds.Close)
	md, err := metadata.OpenFileStore(n.config.path(metadataFile))
	if err != nil {
		return err
	}
	snaps, err := snapshot.NewDirStore(n.config.path(snapshotsDir))
	if err != nil {
		return err
	}

	metrics := metric.New()
	if n.config.MetricsAddr != "" {
		srv := metric.NewServer(n.config.MetricsAddr, metrics)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		cleanup = append(cleanup, func() error { return n.stopMetrics(srv) })
		n.metricSrv = srv
	}

	net := n.external
	if net == nil {
		grpcNet, err := network.NewGRPCNetwork(network.GRPCOptions{
			Address: n.config.GetAddress(),
			Seeds:   n.config.Seeds,
		})
		if err != nil {
			return err
		}
		// Start performs the bind synchronously so a busy port fails here
		if err := grpcNet.Start(); err != nil {
			return err
		}
		cleanup = append(cleanup, grpcNet.Close)
		n.grpc = grpcNet
		net = grpcNet
		n.log = logger.WithSource("node/%s", grpcNet.Addr())
	}

	manager := space.NewManager(space.ManagerParams{
		FeedStore:   feeds,
		Keyring:     ring,
		Metadata:    md,
		Snapshots:   snaps,
		Metrics:     metrics,
		Network:     net,
		Topology:    n.config.topology(),
		AuthTimeout: n.config.AuthTimeout,
		Identity:    identity.Public,
		Device:      identity,
		OnAuthorizedConnection: func(spaceKey keys.PublicKey, s *protocol.Session) {
			n.log.Infof("space %s: peer %s authenticated", spaceKey.Truncate(), s.RemotePeer.Truncate())
		},
		OnMemberRolesChanged: func(spaceKey keys.PublicKey, member admission.MemberInfo) {
			n.log.Infof("space %s: member %s is %s", spaceKey.Truncate(), member.Key.Truncate(), member.Role)
		},
		OnDelegatedInvitationStatusChange: func(spaceKey keys.PublicKey, inv admission.Invitation) {
			n.log.Debugf("space %s: invitation %s is %s", spaceKey.Truncate(), inv.ID, inv.Status)
		},
	})
	if err := manager.Open(ctx); err != nil {
		return fmt.Errorf("failed to open spaces: %w", err)
	}

	n.keyring = ring
	n.identity = identity
	n.feeds = feeds
	n.metrics = metrics
	n.network = net
	n.manager = manager
	n.started = true
	n.log.Infof("started with identity %s", identity.Public)
	return nil
}

// Stop closes the spaces, the network and the stores
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	manager, grpcNet, feeds, srv := n.manager, n.grpc, n.feeds, n.metricSrv
	n.mu.Unlock()

	n.log.Infof("stopping")
	// Locks are released so space callbacks that read the node do not deadlock
	var err error
	if closeErr := manager.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if grpcNet != nil {
		if closeErr := grpcNet.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	if closeErr := feeds.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if srv != nil {
		if closeErr := n.stopMetrics(srv); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	n.log.Infof("stopped")
	return err
}

func (n *Node) stopMetrics(srv *metric.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(ctx)
}

// Manager returns the space manager. It is nil until Start succeeds.
func (n *Node) Manager() *space.Manager {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.manager
}

// Identity returns the node's identity key
func (n *Node) Identity() keys.PublicKey {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.identity == nil {
		return keys.PublicKey{}
	}
	return n.identity.Public
}

// Addr returns the bound network address, or the configured one before Start
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.grpc != nil {
		return n.grpc.Addr()
	}
	return n.config.GetAddress()
}

// AddSeed dials addr for every space swarm
func (n *Node) AddSeed(addr string) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.grpc == nil {
		return ErrNotStarted
	}
	n.grpc.AddSeed(addr)
	return nil
}

func (n *Node) Metrics() *metric.Metrics {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.metrics
}

// GetConfig returns the node configuration (for external access)
func (n *Node) GetConfig() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

// loadIdentity returns the identity key recorded at path, creating it on first start
func loadIdentity(path string, ring *keys.Keyring) (*keys.Keypair, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		kp, err := ring.CreateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to create identity: %w", err)
		}
		out, err := yaml.Marshal(identityRecord{Identity: kp.Public})
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write identity: %w", err)
		}
		return kp, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var record identityRecord
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse identity %s: %w", path, err)
	}
	signer, err := ring.Signer(record.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", record.Identity.Truncate(), err)
	}
	kp, ok := signer.(*keys.Keypair)
	if !ok {
		return nil, fmt.Errorf("identity %s is not a local keypair", record.Identity.Truncate())
	}
	return kp, nil
}
