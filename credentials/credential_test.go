package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

func newKeypair(t *testing.T) *keys.Keypair {
	t.Helper()
	kp, err := keys.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func TestEncodingIsStableAndDecodes(t *testing.T) {
	space, feed := newKeypair(t), newKeypair(t)

	epoch := Epoch{
		PreviousID:  ID{1, 2, 3},
		Timeframe:   timeframe.New(timeframe.Entry{Key: feed.Public, Seq: 12}),
		Number:      4,
		SnapshotRef: "abcd",
	}
	cred, err := CreateCredential(space, space.Public, epoch, WithNonce([]byte("n")))
	require.NoError(t, err)

	decoded, err := Unmarshal(cred.Marshal())
	require.NoError(t, err)
	assert.Equal(t, cred.ID(), decoded.ID())
	assert.Equal(t, cred.Marshal(), decoded.Marshal())

	got, ok := decoded.Assertion.(Epoch)
	require.True(t, ok)
	assert.Equal(t, uint64(4), got.Number)
	assert.Equal(t, "abcd", got.SnapshotRef)
	assert.True(t, epoch.Timeframe.Equal(got.Timeframe))
	assert.Equal(t, []byte("n"), decoded.Nonce)
	require.NoError(t, VerifySignature(decoded))
}

func TestTamperedCredentialFailsVerification(t *testing.T) {
	space, identity := newKeypair(t), newKeypair(t)
	cred, err := CreateCredential(space, identity.Public, AdmittedMember{SpaceKey: space.Public, Role: RoleEditor})
	require.NoError(t, err)

	cred.Assertion = AdmittedMember{SpaceKey: space.Public, Role: RoleOwner}
	assert.ErrorIs(t, VerifySignature(cred), ErrInvalidSignature)
}

func TestVerifyChainThroughDevice(t *testing.T) {
	identity, device, feed := newKeypair(t), newKeypair(t), newKeypair(t)

	deviceCred, err := CreateCredential(identity, device.Public, AuthorizedDevice{
		IdentityKey: identity.Public,
		DeviceKey:   device.Public,
	})
	require.NoError(t, err)

	feedCred, err := CreateCredential(device, feed.Public, AdmittedFeed{
		IdentityKey: identity.Public,
		DeviceKey:   device.Public,
		Designation: DesignationData,
	}, WithChain(deviceCred))
	require.NoError(t, err)

	trusted := func(k keys.PublicKey) bool { return k == identity.Public }
	authority, err := VerifyChain(feedCred, trusted)
	require.NoError(t, err)
	assert.Equal(t, identity.Public, authority)

	nobody := func(keys.PublicKey) bool { return false }
	_, err = VerifyChain(feedCred, nobody)
	assert.ErrorIs(t, err, ErrUntrustedIssuer)

	_, err = VerifyChain(&Credential{Issuer: device.Public, Assertion: Auth{}}, trusted)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestChainLinkMustAuthorizeIssuer(t *testing.T) {
	identity, device, other := newKeypair(t), newKeypair(t), newKeypair(t)

	wrongLink, err := CreateCredential(identity, other.Public, AuthorizedDevice{
		IdentityKey: identity.Public,
		DeviceKey:   other.Public,
	})
	require.NoError(t, err)

	cred, err := CreateCredential(device, device.Public, Auth{}, WithChain(wrongLink))
	require.NoError(t, err)

	_, err = VerifyChain(cred, func(k keys.PublicKey) bool { return k == identity.Public })
	assert.ErrorIs(t, err, ErrInvalidChain)
}

func TestGenesisCredentials(t *testing.T) {
	space, identity, control, data := newKeypair(t), newKeypair(t), newKeypair(t), newKeypair(t)

	creds, err := CreateGenesisCredentials(GenesisParams{
		SpaceSigner:    space,
		Identity:       identity.Public,
		ControlFeedKey: control.Public,
		DataFeedKey:    data.Public,
	})
	require.NoError(t, err)
	require.Len(t, creds, 5)

	types := make([]AssertionType, 0, len(creds))
	for _, c := range creds {
		types = append(types, c.Type())
		assert.Equal(t, space.Public, c.Issuer)
		require.NoError(t, VerifySignature(c))
	}
	assert.Equal(t, []AssertionType{
		TypeSpaceGenesis, TypeAdmittedMember, TypeAdmittedFeed, TypeAdmittedFeed, TypeEpoch,
	}, types)
}
