package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/feed"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/metric"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/snapshot"
	"github.com/adamgarcia4/goLearning/spaces/teleport"
)

// testContext bounds every blocking call of a test
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type testSpace struct {
	space   *keys.Keypair
	owner   *keys.Keypair
	guest   *keys.Keypair
	control keys.PublicKey
	creds   []*credentials.Credential
}

func newKeypair(t *testing.T) *keys.Keypair {
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

// newTestSpace creates a space owned by owner in which guest is an admitted editor
func newTestSpace(t *testing.T) *testSpace {
	ts := &testSpace{space: newKeypair(t), owner: newKeypair(t), guest: newKeypair(t)}
	control := newKeypair(t).Public
	genesis, err := credentials.CreateGenesisCredentials(credentials.GenesisParams{
		SpaceSigner:    ts.space,
		Identity:       ts.owner.Public,
		ControlFeedKey: control,
		DataFeedKey:    newKeypair(t).Public,
	})
	require.NoError(t, err)
	admitted, err := credentials.CreateAdmissionCredentials(ts.owner, credentials.AdmissionParams{
		SpaceKey:       ts.space.Public,
		GenesisFeedKey: control,
		Identity:       ts.guest.Public,
		Role:           credentials.RoleEditor,
	})
	require.NoError(t, err)
	ts.control = control
	ts.creds = append(genesis, admitted...)
	return ts
}

func (ts *testSpace) stateMachine(t *testing.T) *admission.StateMachine {
	sm := admission.New(ts.space.Public)
	for _, c := range ts.creds {
		require.NoError(t, sm.ProcessCredential(c, ts.control), c.String())
	}
	return sm
}

type peer struct {
	protocol *SpaceProtocol
	metrics  *metric.Metrics
	store    *feed.MemoryStore
	ring     *keys.Keyring
	snaps    *snapshot.MemoryStore

	mu         sync.Mutex
	authorized []*Session
	failures   []error
}

func (p *peer) failed() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}

func (p *peer) authorizedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.authorized)
}

func newPeer(t *testing.T, net network.Manager, ts *testSpace, identity *keys.Keypair, authTimeout time.Duration) *peer {
	p := &peer{metrics: metric.New(), ring: keys.NewKeyring(), snaps: snapshot.NewMemoryStore()}
	p.store = feed.NewMemoryStore(p.ring)
	p.protocol = New(Params{
		SpaceKey: ts.space.Public,
		Identity: SwarmIdentity{
			PeerKey:       newKeypair(t).Public,
			Provider:      &DeviceProvider{Device: identity, Identity: identity.Public},
			Authenticator: &MemberAuthenticator{StateMachine: ts.stateMachine(t)},
		},
		Network:      net,
		StateMachine: ts.stateMachine(t),
		Snapshots:    p.snaps,
		Metrics:      p.metrics,
		AuthTimeout:  authTimeout,
		OnAuthorizedConnection: func(s *Session) {
			p.mu.Lock()
			p.authorized = append(p.authorized, s)
			p.mu.Unlock()
		},
		OnAuthFailure: func(s *Session, err error) {
			p.mu.Lock()
			p.failures = append(p.failures, err)
			p.mu.Unlock()
		},
	})
	require.NoError(t, p.protocol.Start(context.Background()))
	t.Cleanup(func() { _ = p.protocol.Stop() })
	return p
}

func waitAuthorized(t *testing.T, peers ...*peer) {
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if p.authorizedCount() == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMembersAuthenticateBothWays(t *testing.T) {
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	alice := newPeer(t, net, ts, ts.owner, 0)
	bob := newPeer(t, net, ts, ts.guest, 0)
	waitAuthorized(t, alice, bob)

	for _, p := range []*peer{alice, bob} {
		sessions := p.protocol.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, AuthSuccess, sessions[0].AuthState())
		require.Eventually(t, func() bool { return len(sessions[0].Stats().Extensions) == 4 }, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{ExtensionAdmission, ExtensionAuth, ExtensionBlobSync, ExtensionReplicator},
			sessions[0].Stats().Extensions)
		assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.AuthSessions.WithLabelValues("success")))
		assert.Empty(t, p.failed())
	}
}

func TestNonMemberIsRejected(t *testing.T) {
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	alice := newPeer(t, net, ts, ts.owner, 0)
	mallory := newPeer(t, net, ts, newKeypair(t), 0)

	require.Eventually(t, func() bool { return len(alice.failed()) == 1 }, 5*time.Second, 5*time.Millisecond)
	err := alice.failed()[0]
	assert.True(t, errs.IsClass(err, errs.Auth))
	assert.ErrorIs(t, err, credentials.ErrUntrustedIssuer)

	require.Eventually(t, func() bool {
		return len(alice.protocol.Sessions()) == 0 && len(mallory.protocol.Sessions()) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, alice.authorizedCount())
	assert.Zero(t, mallory.authorizedCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.AuthSessions.WithLabelValues("failure")))
}

func TestFeedsReplicateBetweenAuthenticatedPeers(t *testing.T) {
	ctx := testContext(t)
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	alice := newPeer(t, net, ts, ts.owner, 0)
	bob := newPeer(t, net, ts, ts.guest, 0)

	aliceKey, err := alice.ring.CreateKey()
	require.NoError(t, err)
	aliceFeed, err := alice.store.OpenFeed(ctx, aliceKey.Public, feed.OpenOptions{Writable: true})
	require.NoError(t, err)
	for _, payload := range []string{"a", "b", "c"} {
		_, err := aliceFeed.Append(ctx, []byte(payload))
		require.NoError(t, err)
	}
	replica, err := bob.store.OpenFeed(ctx, aliceKey.Public, feed.OpenOptions{})
	require.NoError(t, err)

	alice.protocol.AddFeed(aliceFeed)
	alice.protocol.AddFeed(aliceFeed)
	bob.protocol.AddFeed(replica)
	waitAuthorized(t, alice, bob)

	require.Eventually(t, func() bool { return replica.Length() == 3 }, 5*time.Second, 5*time.Millisecond)

	// appends after the session is up are pushed too
	_, err = aliceFeed.Append(ctx, []byte("d"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return replica.Length() == 4 }, 5*time.Second, 5*time.Millisecond)
	block, err := replica.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), block.Payload)

	// a feed added once sessions are authorized fans out to them
	bobKey, err := bob.ring.CreateKey()
	require.NoError(t, err)
	bobFeed, err := bob.store.OpenFeed(ctx, bobKey.Public, feed.OpenOptions{Writable: true})
	require.NoError(t, err)
	_, err = bobFeed.Append(ctx, []byte("hello"))
	require.NoError(t, err)
	bobReplica, err := alice.store.OpenFeed(ctx, bobKey.Public, feed.OpenOptions{})
	require.NoError(t, err)
	bob.protocol.AddFeed(bobFeed)
	alice.protocol.AddFeed(bobReplica)
	require.Eventually(t, func() bool { return bobReplica.Length() == 1 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []keys.PublicKey{aliceKey.Public, bobKey.Public}, alice.protocol.Feeds())
	assert.Equal(t, 4.0, testutil.ToFloat64(bob.metrics.BlocksReplicated.WithLabelValues("in")))
	assert.Equal(t, 4.0, testutil.ToFloat64(alice.metrics.BlocksReplicated.WithLabelValues("out")))
}

func TestFetchSnapshotFromPeer(t *testing.T) {
	ctx := testContext(t)
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	alice := newPeer(t, net, ts, ts.owner, 0)
	_, err := alice.protocol.FetchSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoPeers)
	bob := newPeer(t, net, ts, ts.guest, 0)

	data := (&snapshot.SpaceSnapshot{SpaceKey: ts.space.Public, Database: []byte("db")}).Marshal()
	ref, err := alice.snaps.Put(ctx, data)
	require.NoError(t, err)
	waitAuthorized(t, alice, bob)

	var fetched []byte
	require.Eventually(t, func() bool {
		fetched, err = bob.protocol.FetchSnapshot(ctx, ref)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, data, fetched)

	_, err = bob.protocol.FetchSnapshot(ctx, snapshot.Ref([]byte("unknown")))
	assert.True(t, errs.IsClass(err, errs.Protocol))
}

// lookupPort exposes the guest side port of an admission session
type lookupPort struct {
	opened chan teleport.Port
}

func (l *lookupPort) OnOpen(ctx context.Context, port teleport.Port) error {
	l.opened <- port
	return nil
}

func (l *lookupPort) OnRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return nil, ErrAdmissionNotFound
}

func (l *lookupPort) OnClose(err error) {}

func TestAdmissionNotFoundKeepsSessionOpen(t *testing.T) {
	ctx := testContext(t)
	ts := newTestSpace(t)
	sm := ts.stateMachine(t)

	a, b := teleport.Pipe()
	host, guest := teleport.New(a, teleport.Options{}), teleport.New(b, teleport.Options{Initiator: true})
	defer host.Close()
	defer guest.Close()
	require.NoError(t, host.AddExtension(ExtensionAdmission, &admissionHost{lookup: func(spaceKey, member keys.PublicKey) (*credentials.Credential, bool) {
		if spaceKey != ts.space.Public {
			return nil, false
		}
		return sm.MemberCredential(member)
	}}))
	l := &lookupPort{opened: make(chan teleport.Port, 1)}
	require.NoError(t, guest.AddExtension(ExtensionAdmission, l))
	require.NoError(t, host.Open(ctx))
	require.NoError(t, guest.Open(ctx))

	var port teleport.Port
	select {
	case port = <-l.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("admission extension did not open")
	}

	_, err := GetAdmissionCredential(ctx, port, ts.space.Public, newKeypair(t).Public)
	assert.ErrorIs(t, err, ErrAdmissionNotFound)
	assert.True(t, errs.IsClass(err, errs.Protocol))

	cred, err := GetAdmissionCredential(ctx, port, ts.space.Public, ts.guest.Public)
	require.NoError(t, err)
	assert.Equal(t, ts.creds[5].ID(), cred.ID())
}

func TestRequestAdmissionCredential(t *testing.T) {
	ctx := testContext(t)
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	host := newPeer(t, net, ts, ts.owner, 0)

	cred, err := RequestAdmissionCredential(ctx, net, AdmissionRequest{
		SpaceKey: ts.space.Public,
		Identity: ts.guest.Public,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, credentials.TypeAdmittedMember, cred.Type())
	assert.Equal(t, ts.guest.Public, cred.Subject)

	// the guest never authenticates: the host counts the session as closed, not failed
	require.Eventually(t, func() bool { return len(host.protocol.Sessions()) == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, host.failed())
	assert.Equal(t, 1.0, testutil.ToFloat64(host.metrics.AuthSessions.WithLabelValues("closed")))
}

func TestRequestAdmissionCredentialTimesOut(t *testing.T) {
	ctx := testContext(t)
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	host := newPeer(t, net, ts, ts.owner, 20*time.Millisecond)

	_, err := RequestAdmissionCredential(ctx, net, AdmissionRequest{
		SpaceKey: ts.space.Public,
		Identity: newKeypair(t).Public,
		Timeout:  300 * time.Millisecond,
	})
	assert.True(t, errs.IsCancelled(err))

	// the host gave up on authenticating the guest before it left
	require.Eventually(t, func() bool { return len(host.failed()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, host.failed()[0], ErrAuthTimeout)
}

// silentPeer joins the swarm but never speaks on its streams
type silentPeer struct {
	closed chan struct{}
}

func (s *silentPeer) NewSession(ctx context.Context, conn network.Connection) error {
	go func() {
		defer close(s.closed)
		for {
			if _, err := conn.Stream.Recv(); err != nil {
				return
			}
		}
	}()
	return nil
}

func TestAuthTimeoutClosesSilentSession(t *testing.T) {
	ctx := testContext(t)
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	host := newPeer(t, net, ts, ts.owner, 50*time.Millisecond)
	silent := &silentPeer{closed: make(chan struct{})}
	swarm, err := net.JoinSwarm(ctx, network.SwarmOptions{
		Topic:    host.protocol.Topic(),
		PeerKey:  newKeypair(t).Public,
		Protocol: silent,
	})
	require.NoError(t, err)
	defer swarm.Leave()

	select {
	case <-silent.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("host kept the unauthenticated session open")
	}
	require.Eventually(t, func() bool { return len(host.failed()) == 1 }, 5*time.Second, 5*time.Millisecond)
	err = host.failed()[0]
	assert.ErrorIs(t, err, ErrAuthTimeout)
	assert.True(t, errs.IsClass(err, errs.Auth))
	require.Eventually(t, func() bool { return len(host.protocol.Sessions()) == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, host.authorizedCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(host.metrics.AuthSessions.WithLabelValues("failure")))
}

func TestStartWhileSwarmOpensSessions(t *testing.T) {
	ts := newTestSpace(t)
	net := network.NewMemoryNetwork()
	defer net.Close()

	// a second member joining while the first holds sessions must not deadlock Start
	alice := newPeer(t, net, ts, ts.owner, 0)
	started := make(chan *peer, 1)
	go func() { started <- newPeer(t, net, ts, ts.guest, 0) }()
	var bob *peer
	select {
	case bob = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Start blocked while the swarm opened sessions")
	}
	waitAuthorized(t, alice, bob)

	require.NoError(t, bob.protocol.Stop())
	assert.ErrorIs(t, bob.protocol.Start(context.Background()), ErrStopped)
	assert.ErrorIs(t, alice.protocol.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return len(alice.protocol.Sessions()) == 0 }, 5*time.Second, 5*time.Millisecond)
}
