package space

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/database"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metadata"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/protocol"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
)

const DefaultAdmissionTimeout = 30 * time.Second

var (
	ErrSpaceNotFound = errors.New("space not found")
	ErrSpaceExists   = errors.New("space already constructed")
	ErrManagerClosed = errors.New("space manager closed")
)

type ManagerParams struct {
	FeedStore   feed.Store
	Keyring     *keys.Keyring
	Metadata    metadata.Store
	Snapshots   snapshot.Store
	NewDatabase func() database.Adapter
	Metrics     *metric.Metrics

	Network     network.Manager
	Topology    network.Topology
	AuthTimeout time.Duration

	Identity    keys.PublicKey
	Device      keys.Signer
	DeviceChain *credentials.Credential
	PeerKey     keys.PublicKey

	OnAuthorizedConnection            func(spaceKey keys.PublicKey, session *protocol.Session)
	OnMemberRolesChanged              func(spaceKey keys.PublicKey, member admission.MemberInfo)
	OnDelegatedInvitationStatusChange func(spaceKey keys.PublicKey, inv admission.Invitation)
}

// Manager owns the spaces of a node
type Manager struct {
	params   ManagerParams
	provider feed.Provider
	log      logger.Prefixed
	requests singleflight.Group

	openMu sync.Mutex

	mu     sync.Mutex
	open   bool
	closed bool
	spaces map[keys.PublicKey]*Space
	order  []keys.PublicKey
}

func NewManager(params ManagerParams) *Manager {
	if params.Snapshots == nil {
		params.Snapshots = snapshot.NewMemoryStore()
	}
	if params.PeerKey.IsZero() && params.Device != nil {
		params.PeerKey = params.Device.Key()
	}
	return &Manager{
		params:   params,
		provider: feed.StoreProvider(params.FeedStore, params.Keyring.Has),
		log:      logger.WithSource("spaces/%s", params.Identity.Truncate()),
		spaces:   make(map[keys.PublicKey]*Space),
	}
}

func (m *Manager) Identity() keys.PublicKey {
	return m.params.Identity
}

// Open constructs and opens every space found in metadata. Concurrent calls wait for the
// first to finish.
func (m *Manager) Open(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.open:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	all, err := m.params.Metadata.Spaces()
	if err != nil {
		return fmt.Errorf("failed to load spaces: %w", err)
	}
	for _, md := range all {
		s, err := m.ConstructSpace(ctx, md)
		if err != nil {
			m.log.Errorf("failed to construct space %s: %v", md.SpaceKey.Truncate(), err)
			continue
		}
		if err := s.Open(ctx); err != nil {
			m.log.Errorf("failed to open space %s: %v", md.SpaceKey.Truncate(), err)
		}
	}

	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	m.log.Infof("opened %d spaces", len(all))
	return nil
}

// Close closes every space. The manager cannot be opened again.
func (m *Manager) Close() error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.open = false
	spaces := m.spaceList()
	m.mu.Unlock()

	var err error
	for _, s := range spaces {
		if closeErr := s.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}
	m.log.Infof("closed")
	return err
}

// Spaces returns the constructed spaces in construction order
func (m *Manager) Spaces() []*Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaceList()
}

func (m *Manager) spaceList() []*Space {
	out := make([]*Space, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.spaces[key])
	}
	return out
}

func (m *Manager) Space(key keys.PublicKey) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpaceNotFound, key.Truncate())
	}
	return s, nil
}

// ConstructSpace builds the space described by md with the manager's callbacks and opens its
// genesis feed. Write feeds are set when their keys are held. The space is not opened.
func (m *Manager) ConstructSpace(ctx context.Context, md metadata.SpaceMetadata) (*Space, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, ok := m.spaces[md.SpaceKey]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSpaceExists, md.SpaceKey.Truncate())
	}
	m.mu.Unlock()

	genesis, err := m.provider.OpenFeed(ctx, md.GenesisFeedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open genesis feed: %w", err)
	}

	spaceKey := md.SpaceKey
	params := Params{
		SpaceKey:     spaceKey,
		GenesisFeed:  genesis,
		FeedProvider: m.provider,
		Metadata:     m.params.Metadata,
		Snapshots:    m.params.Snapshots,
		NewDatabase:  m.params.NewDatabase,
		Metrics:      m.params.Metrics,
		Network:      m.params.Network,
		Topology:     m.params.Topology,
		AuthTimeout:  m.params.AuthTimeout,
		Identity:     m.params.Identity,
		Device:       m.params.Device,
		DeviceChain:  m.params.DeviceChain,
		PeerKey:      m.params.PeerKey,
		OnAuthFailure: func(session *protocol.Session, err error) {
			m.log.Infof("peer %s failed to authenticate in %s: %v", session.RemotePeer.Truncate(), spaceKey.Truncate(), err)
		},
	}
	if cb := m.params.OnAuthorizedConnection; cb != nil {
		params.OnAuthorizedConnection = func(session *protocol.Session) { cb(spaceKey, session) }
	}
	if cb := m.params.OnMemberRolesChanged; cb != nil {
		params.OnMemberRolesChanged = func(member admission.MemberInfo) { cb(spaceKey, member) }
	}
	if cb := m.params.OnDelegatedInvitationStatusChange; cb != nil {
		params.OnDelegatedInvitationStatusChange = func(inv admission.Invitation) { cb(spaceKey, inv) }
	}
	s := New(params)

	if err := m.setWriteFeeds(ctx, s, md); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[spaceKey]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSpaceExists, spaceKey.Truncate())
	}
	m.spaces[spaceKey] = s
	m.order = append(m.order, spaceKey)
	return s, nil
}

func (m *Manager) setWriteFeeds(ctx context.Context, s *Space, md metadata.SpaceMetadata) error {
	if !md.ControlFeedKey.IsZero() && m.params.Keyring.Has(md.ControlFeedKey) {
		f, err := m.params.FeedStore.OpenFeed(ctx, md.ControlFeedKey, feed.OpenOptions{Writable: true})
		if err != nil {
			return fmt.Errorf("failed to open control feed: %w", err)
		}
		if err := s.SetControlFeed(f); err != nil {
			return err
		}
	}
	if !md.DataFeedKey.IsZero() && m.params.Keyring.Has(md.DataFeedKey) {
		f, err := m.params.FeedStore.OpenFeed(ctx, md.DataFeedKey, feed.OpenOptions{Writable: true})
		if err != nil {
			return fmt.Errorf("failed to open data feed: %w", err)
		}
		if err := s.SetDataFeed(f); err != nil {
			return err
		}
	}
	return nil
}

// CreateSpace creates a new space owned by the manager's identity, writes its genesis
// credentials and opens it
func (m *Manager) CreateSpace(ctx context.Context, displayName string) (*Space, error) {
	ring := m.params.Keyring
	spaceKey, err := ring.CreateKey()
	if err != nil {
		return nil, err
	}
	controlKey, err := ring.CreateKey()
	if err != nil {
		return nil, err
	}
	dataKey, err := ring.CreateKey()
	if err != nil {
		return nil, err
	}

	genesis, err := credentials.CreateGenesisCredentials(credentials.GenesisParams{
		SpaceSigner:    spaceKey,
		Identity:       m.params.Identity,
		ControlFeedKey: controlKey.Public,
		DataFeedKey:    dataKey.Public,
		DisplayName:    displayName,
	})
	if err != nil {
		return nil, err
	}

	md := metadata.SpaceMetadata{
		SpaceKey:       spaceKey.Public,
		GenesisFeedKey: controlKey.Public,
		ControlFeedKey: controlKey.Public,
		DataFeedKey:    dataKey.Public,
	}
	if err := m.params.Metadata.AddSpace(md); err != nil {
		return nil, err
	}
	s, err := m.ConstructSpace(ctx, md)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	for _, cred := range genesis {
		if _, err := s.WriteCredential(ctx, cred); err != nil {
			return nil, fmt.Errorf("failed to write genesis: %w", err)
		}
	}
	m.log.Infof("created space %s", spaceKey.Public.Truncate())
	return s, nil
}

// NewFeedKeys creates the control and data feed keys a guest hands to the admitting host
func (m *Manager) NewFeedKeys() (control, data keys.PublicKey, err error) {
	c, err := m.params.Keyring.CreateKey()
	if err != nil {
		return keys.PublicKey{}, keys.PublicKey{}, err
	}
	d, err := m.params.Keyring.CreateKey()
	if err != nil {
		return keys.PublicKey{}, keys.PublicKey{}, err
	}
	return c.Public, d.Public, nil
}

// AdmissionRequest configures RequestSpaceAdmissionCredential
type AdmissionRequest struct {
	SpaceKey keys.PublicKey
	// Identity defaults to the manager's identity
	Identity keys.PublicKey
	// Timeout defaults to DefaultAdmissionTimeout
	Timeout time.Duration
}

// RequestSpaceAdmissionCredential fetches the credential admitting the identity from any
// peer of the space swarm. The short-lived session is always torn down. Identical
// concurrent requests share one session, bounded by the request timeout rather than by
// any caller's ctx; each caller stops waiting when its own ctx is done.
func (m *Manager) RequestSpaceAdmissionCredential(ctx context.Context, req AdmissionRequest) (*credentials.Credential, error) {
	if req.Identity.IsZero() {
		req.Identity = m.params.Identity
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultAdmissionTimeout
	}

	shared := context.WithoutCancel(ctx)
	ch := m.requests.DoChan(req.SpaceKey.String()+"/"+req.Identity.String(), func() (interface{}, error) {
		topology := m.params.Topology
		topology.OriginateConnections = 1
		topology.MaxPeers = 1
		return protocol.RequestAdmissionCredential(shared, m.params.Network, protocol.AdmissionRequest{
			SpaceKey: req.SpaceKey,
			Identity: req.Identity,
			Topology: topology,
			Timeout:  req.Timeout,
		})
	})
	select {
	case <-ctx.Done():
		return nil, errs.New(errs.Cancelled, "request admission", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Credential), nil
	}
}

// JoinParams describes a space to join through an invitation
type JoinParams struct {
	SpaceKey       keys.PublicKey
	ControlFeedKey keys.PublicKey
	DataFeedKey    keys.PublicKey
	Timeout        time.Duration
}

// JoinSpace waits for a host to hand out our admission, then constructs and opens the space
func (m *Manager) JoinSpace(ctx context.Context, params JoinParams) (*Space, error) {
	cred, err := m.RequestSpaceAdmissionCredential(ctx, AdmissionRequest{SpaceKey: params.SpaceKey, Timeout: params.Timeout})
	if err != nil {
		return nil, err
	}
	member, ok := cred.Assertion.(credentials.AdmittedMember)
	if !ok || member.SpaceKey != params.SpaceKey {
		return nil, fmt.Errorf("%w: unexpected %s", protocol.ErrInvalidAdmission, cred.Type())
	}

	md := metadata.SpaceMetadata{
		SpaceKey:       params.SpaceKey,
		GenesisFeedKey: member.GenesisFeedKey,
		ControlFeedKey: params.ControlFeedKey,
		DataFeedKey:    params.DataFeedKey,
	}
	if err := m.params.Metadata.AddSpace(md); err != nil && !errors.Is(err, metadata.ErrSpaceExists) {
		return nil, err
	}
	s, err := m.ConstructSpace(ctx, md)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	m.log.Infof("joined space %s as %s", params.SpaceKey.Truncate(), member.Role)
	return s, nil
}

// SpaceKeys returns the keys of the constructed spaces, sorted
func (m *Manager) SpaceKeys() []keys.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]keys.PublicKey(nil), m.order...)
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
