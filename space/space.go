// Package space composes the control pipeline, data pipeline and protocol of one space.
package space

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/control"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/data"
	"github.com/adamgarcia4/goLearning/spaces/database"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/metadata"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/pipeline"
	"github.com/adamgarcia4/goLearning/spaces/protocol"
	"github.com/adamgarcia4/goLearning/spaces/scope"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

var (
	ErrWriteFeedAlreadySet = errors.New("write feed already set")
	ErrClosed              = errors.New("space closed")
	ErrNotOpen             = errors.New("space is not open")
	ErrNoControlFeed       = errors.New("space has no writable control feed")
)

type Params struct {
	SpaceKey     keys.PublicKey
	GenesisFeed  feed.Feed
	FeedProvider feed.Provider
	Metadata     metadata.Store
	Snapshots    snapshot.Store
	NewDatabase  func() database.Adapter
	Metrics      *metric.Metrics

	Network     network.Manager
	Topology    network.Topology
	AuthTimeout time.Duration

	// Identity is the member this node acts for. Device signs on its behalf; when the two
	// differ DeviceChain is the AuthorizedDevice credential linking them.
	Identity    keys.PublicKey
	Device      keys.Signer
	DeviceChain *credentials.Credential
	PeerKey     keys.PublicKey

	OnAuthorizedConnection            func(*protocol.Session)
	OnAuthFailure                     func(*protocol.Session, error)
	OnMemberRolesChanged              func(admission.MemberInfo)
	OnDelegatedInvitationStatusChange func(admission.Invitation)
}

// Space is one replicated space. A closed space cannot be opened again; construct a new one.
type Space struct {
	key         keys.PublicKey
	params      Params
	log         logger.Prefixed
	control     *control.Pipeline
	data        *data.Pipeline
	protocol    *protocol.SpaceProtocol
	genesisFeed feed.Feed

	openMu sync.Mutex

	mu          sync.Mutex
	open        bool
	closed      bool
	scope       *scope.Scope
	controlFeed feed.Feed
	dataFeed    feed.Feed
}

func New(params Params) *Space {
	s := &Space{
		key:         params.SpaceKey,
		params:      params,
		log:         logger.WithSource("space/%s", params.SpaceKey.Truncate()),
		genesisFeed: params.GenesisFeed,
	}
	s.control = control.New(control.Params{
		SpaceKey:     params.SpaceKey,
		GenesisFeed:  params.GenesisFeed,
		FeedProvider: params.FeedProvider,
		Metadata:     params.Metadata,
		Metrics:      params.Metrics,
	})
	sm := s.control.StateMachine()
	s.data = data.New(data.Params{
		SpaceKey:     params.SpaceKey,
		StateMachine: sm,
		Metadata:     params.Metadata,
		Snapshots:    params.Snapshots,
		NewDatabase:  params.NewDatabase,
		Metrics:      params.Metrics,
	})

	peerKey := params.PeerKey
	if peerKey.IsZero() && params.Device != nil {
		peerKey = params.Device.Key()
	}
	s.protocol = protocol.New(protocol.Params{
		SpaceKey: params.SpaceKey,
		Identity: protocol.SwarmIdentity{
			PeerKey:       peerKey,
			Provider:      &protocol.DeviceProvider{Device: params.Device, Identity: params.Identity, Chain: params.DeviceChain},
			Authenticator: &protocol.MemberAuthenticator{StateMachine: sm, AllowBeforeGenesis: true},
		},
		Network:                params.Network,
		Topology:               params.Topology,
		StateMachine:           sm,
		Snapshots:              params.Snapshots,
		Metrics:                params.Metrics,
		AuthTimeout:            params.AuthTimeout,
		OnAuthorizedConnection: params.OnAuthorizedConnection,
		OnAuthFailure:          params.OnAuthFailure,
	})
	s.data.SetSnapshotFetcher(s.protocol)
	return s
}

func (s *Space) Key() keys.PublicKey {
	return s.key
}

func (s *Space) GenesisFeedKey() keys.PublicKey {
	return s.genesisFeed.Key()
}

func (s *Space) StateMachine() *admission.StateMachine {
	return s.control.StateMachine()
}

func (s *Space) ControlPipeline() *control.Pipeline {
	return s.control
}

func (s *Space) DataPipeline() *data.Pipeline {
	return s.data
}

func (s *Space) Protocol() *protocol.SpaceProtocol {
	return s.protocol
}

// Database returns the data pipeline's database, nil while closed
func (s *Space) Database() database.Adapter {
	return s.data.Database()
}

func (s *Space) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// SetControlFeed sets the feed this node writes credentials to. It can be set once.
func (s *Space) SetControlFeed(f feed.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlFeed != nil {
		return fmt.Errorf("%w: control", ErrWriteFeedAlreadySet)
	}
	if err := s.control.SetWriteFeed(f); err != nil {
		return err
	}
	s.controlFeed = f
	return nil
}

// SetDataFeed sets the feed this node writes mutations to. It can be set once.
func (s *Space) SetDataFeed(f feed.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataFeed != nil {
		return fmt.Errorf("%w: data", ErrWriteFeedAlreadySet)
	}
	if err := s.data.SetWriteFeed(f); err != nil {
		return err
	}
	s.dataFeed = f
	return nil
}

// Open starts the control pipeline, the data pipeline and the protocol. Concurrent calls
// wait for the first to finish.
func (s *Space) Open(ctx context.Context) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.open:
		s.mu.Unlock()
		return nil
	}
	sc := scope.New(context.Background(), "space/"+s.key.Truncate())
	s.scope = sc
	s.mu.Unlock()

	sm := s.control.StateMachine()
	sc.OnDispose(sm.FeedAdmitted.Subscribe(func(info admission.FeedInfo) {
		s.onFeedAdmitted(sc.Context(), info)
	}))
	sc.OnDispose(sm.MemberRoleChanged.Subscribe(func(member admission.MemberInfo) {
		if s.params.OnMemberRolesChanged != nil {
			s.params.OnMemberRolesChanged(member)
		}
	}))
	sc.OnDispose(sm.InvitationStatusChanged.Subscribe(func(inv admission.Invitation) {
		if s.params.OnDelegatedInvitationStatusChange != nil {
			s.params.OnDelegatedInvitationStatusChange(inv)
		}
	}))
	s.protocol.AddFeed(s.genesisFeed)

	err := s.control.Start(ctx)
	if err == nil {
		err = s.data.Open(ctx)
	}
	if err == nil {
		err = s.protocol.Start(ctx)
	}
	if err != nil {
		_ = s.teardown()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return fmt.Errorf("failed to open space %s: %w", s.key.Truncate(), err)
	}

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.params.Metrics.SpaceOpened()
	s.log.Infof("opened")
	return nil
}

// Close stops the space. It cannot be opened again.
func (s *Space) Close() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	wasOpen := s.open
	s.open = false
	s.closed = true
	s.mu.Unlock()

	err := s.teardown()
	if wasOpen {
		s.params.Metrics.SpaceClosed()
	}
	s.log.Infof("closed")
	return err
}

func (s *Space) teardown() error {
	var err error
	if stopErr := s.protocol.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if closeErr := s.data.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if stopErr := s.control.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}

	s.mu.Lock()
	sc := s.scope
	s.mu.Unlock()
	if sc != nil {
		_ = sc.Dispose()
	}
	return err
}

// onFeedAdmitted replicates every admitted feed and consumes DATA feeds
func (s *Space) onFeedAdmitted(ctx context.Context, info admission.FeedInfo) {
	f := s.genesisFeed
	if info.Key != s.genesisFeed.Key() {
		if s.params.FeedProvider == nil {
			s.log.Errorf("no feed provider to open feed %s", info.Key.Truncate())
			return
		}
		var err error
		if f, err = s.params.FeedProvider.OpenFeed(ctx, info.Key); err != nil {
			s.log.Errorf("failed to open feed %s: %v", info.Key.Truncate(), err)
			return
		}
	}

	if info.Designation == credentials.DesignationData {
		s.data.AddFeed(f)
	}
	s.protocol.AddFeed(f)
	s.log.Debugf("feed %s admitted (%s)", info.Key.Truncate(), info.Designation)
}

// WaitUntilReady blocks until control replay caught up with the previous run
func (s *Space) WaitUntilReady(ctx context.Context) error {
	return s.control.WaitUntilReachedTarget(ctx)
}

// WriteCredential appends cred to the local control feed
func (s *Space) WriteCredential(ctx context.Context, cred *credentials.Credential) (pipeline.WriteReceipt, error) {
	s.mu.Lock()
	hasFeed := s.controlFeed != nil
	s.mu.Unlock()
	if !hasFeed {
		return pipeline.WriteReceipt{}, ErrNoControlFeed
	}
	return s.control.WriteCredential(ctx, cred)
}

// WriteMutations appends batch to the local data feed
func (s *Space) WriteMutations(ctx context.Context, batch database.Batch) (pipeline.WriteReceipt, error) {
	return s.data.WriteMutations(ctx, batch)
}

// WaitUntilTimeframe blocks until the data pipeline applied tf
func (s *Space) WaitUntilTimeframe(ctx context.Context, tf timeframe.Timeframe) error {
	return s.data.WaitUntilTimeframe(ctx, tf)
}

func (s *Space) signerOptions() []credentials.Option {
	if s.params.DeviceChain == nil {
		return nil
	}
	return []credentials.Option{credentials.WithChain(s.params.DeviceChain)}
}

// CreateEpoch snapshots the database and appends the resulting epoch credential
func (s *Space) CreateEpoch(ctx context.Context) (*credentials.Credential, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	epoch, err := s.data.CreateEpoch(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := credentials.CreateCredential(s.params.Device, s.key, epoch, s.signerOptions()...)
	if err != nil {
		return nil, err
	}
	if _, err := s.WriteCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to write epoch %d: %w", epoch.Number, err)
	}
	return cred, nil
}

// AdmitParams describes a member to admit
type AdmitParams struct {
	Identity       keys.PublicKey
	DeviceKey      keys.PublicKey
	ControlFeedKey keys.PublicKey
	DataFeedKey    keys.PublicKey
	Role           credentials.Role
	DisplayName    string
}

// AdmitMember writes the membership and feed admissions of a new member. This is the host
// side of an invitation; the guest then fetches the membership with
// Manager.RequestSpaceAdmissionCredential.
func (s *Space) AdmitMember(ctx context.Context, params AdmitParams) ([]*credentials.Credential, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	creds, err := credentials.CreateAdmissionCredentials(s.params.Device, credentials.AdmissionParams{
		SpaceKey:       s.key,
		GenesisFeedKey: s.genesisFeed.Key(),
		Identity:       params.Identity,
		DeviceKey:      params.DeviceKey,
		ControlFeedKey: params.ControlFeedKey,
		DataFeedKey:    params.DataFeedKey,
		Role:           params.Role,
		DisplayName:    params.DisplayName,
	}, s.signerOptions()...)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		if _, err := s.WriteCredential(ctx, cred); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", cred.Type(), err)
		}
	}
	s.log.Infof("admitted %s as %s", params.Identity.Truncate(), params.Role)
	return creds, nil
}
