package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/errs"
	"github.com/adamgarcia4/goLearning/spaces/keys"
)

type testSpace struct {
	space    *keys.Keypair
	identity *keys.Keypair
	control  keys.PublicKey
	data     keys.PublicKey
	genesis  []*credentials.Credential
	sm       *StateMachine
}

func newKey(t *testing.T) *keys.Keypair {
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func newTestSpace(t *testing.T) *testSpace {
	ts := &testSpace{
		space:    newKey(t),
		identity: newKey(t),
		control:  newKey(t).Public,
		data:     newKey(t).Public,
	}
	creds, err := credentials.CreateGenesisCredentials(credentials.GenesisParams{
		SpaceSigner:    ts.space,
		Identity:       ts.identity.Public,
		ControlFeedKey: ts.control,
		DataFeedKey:    ts.data,
		DisplayName:    "alice",
	})
	require.NoError(t, err)
	ts.genesis = creds
	ts.sm = New(ts.space.Public)
	return ts
}

func (ts *testSpace) processGenesis(t *testing.T) {
	for _, c := range ts.genesis {
		require.NoError(t, ts.sm.ProcessCredential(c, ts.control), c.String())
	}
}

func feedKeys(infos []FeedInfo) []keys.PublicKey {
	out := make([]keys.PublicKey, 0, len(infos))
	for _, f := range infos {
		out = append(out, f.Key)
	}
	return out
}

func TestGenesisMustComeFirst(t *testing.T) {
	ts := newTestSpace(t)
	err := ts.sm.ProcessCredential(ts.genesis[1], ts.control)
	assert.ErrorIs(t, err, ErrNoGenesis)
	assert.True(t, errs.IsClass(err, errs.Authorization))

	forged, err := credentials.CreateCredential(ts.identity, ts.space.Public, credentials.SpaceGenesis{
		SpaceKey:        ts.space.Public,
		CreatorIdentity: ts.identity.Public,
	})
	require.NoError(t, err)
	assert.False(t, ts.sm.Process(forged, ts.control))

	assert.True(t, ts.sm.Process(ts.genesis[0], ts.control))
	assert.Equal(t, []keys.PublicKey{ts.control}, feedKeys(ts.sm.Feeds()))
	member, ok := ts.sm.Member(ts.identity.Public)
	require.True(t, ok)
	assert.Equal(t, credentials.RoleOwner, member.Role)

	genesisFeed, ok := ts.sm.GenesisFeed()
	require.True(t, ok)
	assert.Equal(t, ts.control, genesisFeed)
}

func TestScenarioA(t *testing.T) {
	ts := newTestSpace(t)
	require.True(t, ts.sm.Process(ts.genesis[0], ts.control))
	assert.Equal(t, []keys.PublicKey{ts.control}, feedKeys(ts.sm.Feeds()))

	control2 := newKey(t).Public
	admitControl, err := credentials.CreateCredential(ts.identity, control2, credentials.AdmittedFeed{
		SpaceKey:    ts.space.Public,
		IdentityKey: ts.identity.Public,
		DeviceKey:   ts.identity.Public,
		Designation: credentials.DesignationControl,
	})
	require.NoError(t, err)
	require.True(t, ts.sm.Process(admitControl, ts.control))
	assert.Equal(t, []keys.PublicKey{ts.control, control2}, feedKeys(ts.sm.Feeds()))

	require.True(t, ts.sm.Process(ts.genesis[3], ts.control))
	assert.Equal(t, []keys.PublicKey{ts.control, control2, ts.data}, feedKeys(ts.sm.Feeds()))

	// the same kind of credential arriving on the data feed is not applied
	control3 := newKey(t).Public
	fromData, err := credentials.CreateCredential(ts.identity, control3, credentials.AdmittedFeed{
		SpaceKey:    ts.space.Public,
		IdentityKey: ts.identity.Public,
		DeviceKey:   ts.identity.Public,
		Designation: credentials.DesignationControl,
	})
	require.NoError(t, err)
	err = ts.sm.ProcessCredential(fromData, ts.data)
	assert.ErrorIs(t, err, ErrNotControlFeed)
	assert.Equal(t, []keys.PublicKey{ts.control, control2, ts.data}, feedKeys(ts.sm.Feeds()))

	// and succeeds on a control feed
	require.True(t, ts.sm.Process(fromData, control2))
	assert.Len(t, ts.sm.Feeds(), 4)
}

func TestIdempotence(t *testing.T) {
	ts := newTestSpace(t)

	var admitted []FeedInfo
	var processed int
	ts.sm.FeedAdmitted.Subscribe(func(f FeedInfo) { admitted = append(admitted, f) })
	ts.sm.CredentialProcessed.Subscribe(func(*credentials.Credential) { processed++ })

	ts.processGenesis(t)
	membersBefore := ts.sm.Members()
	feedsBefore := ts.sm.Feeds()
	admittedBefore := len(admitted)

	ts.processGenesis(t)
	assert.Equal(t, membersBefore, ts.sm.Members())
	assert.Equal(t, feedsBefore, ts.sm.Feeds())
	assert.Len(t, admitted, admittedBefore)
	assert.Equal(t, len(ts.genesis), processed)
	assert.Len(t, ts.sm.Credentials(), len(ts.genesis))

	// control feed admitted twice: by genesis and by the AdmittedFeed credential
	assert.Equal(t, []keys.PublicKey{ts.control, ts.data}, feedKeys(admitted))
}

func TestMemberAdmissionAndRoles(t *testing.T) {
	ts := newTestSpace(t)
	ts.processGenesis(t)

	var roleChanges []MemberInfo
	ts.sm.MemberRoleChanged.Subscribe(func(m MemberInfo) { roleChanges = append(roleChanges, m) })

	bob := newKey(t)
	bobFeed := newKey(t).Public
	creds, err := credentials.CreateAdmissionCredentials(ts.identity, credentials.AdmissionParams{
		SpaceKey:       ts.space.Public,
		GenesisFeedKey: ts.control,
		Identity:       bob.Public,
		ControlFeedKey: bobFeed,
		Role:           credentials.RoleEditor,
		DisplayName:    "bob",
	})
	require.NoError(t, err)
	for _, c := range creds {
		require.NoError(t, ts.sm.ProcessCredential(c, ts.control))
	}
	assert.True(t, ts.sm.IsMember(bob.Public))
	cred, ok := ts.sm.MemberCredential(bob.Public)
	require.True(t, ok)
	assert.Equal(t, creds[0].ID(), cred.ID())

	// an editor cannot admit members
	carol := newKey(t)
	byBob, err := credentials.CreateCredential(bob, carol.Public, credentials.AdmittedMember{
		SpaceKey: ts.space.Public,
		Role:     credentials.RoleReader,
	})
	require.NoError(t, err)
	err = ts.sm.ProcessCredential(byBob, ts.control)
	assert.ErrorIs(t, err, ErrNotPermitted)

	// but may admit its own feeds
	bobData := newKey(t).Public
	ownFeed, err := credentials.CreateCredential(bob, bobData, credentials.AdmittedFeed{
		SpaceKey:    ts.space.Public,
		IdentityKey: bob.Public,
		DeviceKey:   bob.Public,
		Designation: credentials.DesignationData,
	})
	require.NoError(t, err)
	require.NoError(t, ts.sm.ProcessCredential(ownFeed, bobFeed))

	promote, err := credentials.CreateCredential(ts.identity, bob.Public, credentials.AdmittedMember{
		SpaceKey: ts.space.Public,
		Role:     credentials.RoleAdmin,
	})
	require.NoError(t, err)
	require.NoError(t, ts.sm.ProcessCredential(promote, ts.control))
	require.Len(t, roleChanges, 1)
	assert.Equal(t, credentials.RoleAdmin, roleChanges[0].Role)

	// admins cannot mint owners
	toOwner, err := credentials.CreateCredential(bob, carol.Public, credentials.AdmittedMember{
		SpaceKey: ts.space.Public,
		Role:     credentials.RoleOwner,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, ts.sm.ProcessCredential(toOwner, ts.control), ErrNotPermitted)
}

func TestDeviceChain(t *testing.T) {
	ts := newTestSpace(t)
	ts.processGenesis(t)

	device := newKey(t)
	authorize, err := credentials.CreateCredential(ts.identity, device.Public, credentials.AuthorizedDevice{
		IdentityKey: ts.identity.Public,
		DeviceKey:   device.Public,
	})
	require.NoError(t, err)

	deviceFeed := newKey(t).Public
	assertion := credentials.AdmittedFeed{
		SpaceKey:    ts.space.Public,
		IdentityKey: ts.identity.Public,
		DeviceKey:   device.Public,
		Designation: credentials.DesignationControl,
	}

	// without a chain the device is unknown
	unchained, err := credentials.CreateCredential(device, deviceFeed, assertion)
	require.NoError(t, err)
	err = ts.sm.ProcessCredential(unchained, ts.control)
	assert.ErrorIs(t, err, credentials.ErrUntrustedIssuer)

	chained, err := credentials.CreateCredential(device, deviceFeed, assertion, credentials.WithChain(authorize))
	require.NoError(t, err)
	require.NoError(t, ts.sm.ProcessCredential(chained, ts.control))
	_, ok := ts.sm.Feed(deviceFeed)
	assert.True(t, ok)

	// once the device credential is on the log the device is trusted directly
	require.NoError(t, ts.sm.ProcessCredential(authorize, ts.control))
	identity, ok := ts.sm.ResolveIdentity(device.Public)
	require.True(t, ok)
	assert.Equal(t, ts.identity.Public, identity)
	require.NoError(t, ts.sm.ProcessCredential(unchained, ts.control))
}

func TestTamperedCredential(t *testing.T) {
	ts := newTestSpace(t)
	ts.processGenesis(t)

	cred, err := credentials.CreateCredential(ts.identity, newKey(t).Public, credentials.AdmittedFeed{
		SpaceKey:    ts.space.Public,
		IdentityKey: ts.identity.Public,
		DeviceKey:   ts.identity.Public,
		Designation: credentials.DesignationData,
	})
	require.NoError(t, err)
	cred.Subject = newKey(t).Public

	err = ts.sm.ProcessCredential(cred, ts.control)
	assert.ErrorIs(t, err, credentials.ErrInvalidSignature)
	assert.True(t, errs.IsClass(err, errs.Verification))
}

func TestInvitations(t *testing.T) {
	ts := newTestSpace(t)
	ts.processGenesis(t)

	var changes []Invitation
	ts.sm.InvitationStatusChanged.Subscribe(func(inv Invitation) { changes = append(changes, inv) })

	delegate, err := credentials.CreateCredential(ts.identity, ts.space.Public, credentials.DelegateSpaceInvitation{
		InvitationID: "inv-1",
		Role:         credentials.RoleEditor,
	})
	require.NoError(t, err)
	require.NoError(t, ts.sm.ProcessCredential(delegate, ts.control))

	cancel, err := credentials.CreateCredential(ts.identity, ts.space.Public, credentials.CancelDelegatedInvitation{
		InvitationID: "inv-1",
	})
	require.NoError(t, err)
	require.NoError(t, ts.sm.ProcessCredential(cancel, ts.control))

	require.Len(t, changes, 2)
	assert.Equal(t, InvitationActive, changes[0].Status)
	assert.Equal(t, InvitationCancelled, changes[1].Status)
	assert.Equal(t, []Invitation{changes[1]}, ts.sm.Invitations())
}

func TestWrongSpace(t *testing.T) {
	ts := newTestSpace(t)
	ts.processGenesis(t)

	other := newKey(t).Public
	cred, err := credentials.CreateCredential(ts.identity, newKey(t).Public, credentials.AdmittedMember{
		SpaceKey: other,
		Role:     credentials.RoleReader,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, ts.sm.ProcessCredential(cred, ts.control), ErrWrongSpace)
}
