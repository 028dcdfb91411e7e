package credentials

import (
	"fmt"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// GenesisParams names the keys a new space starts with
type GenesisParams struct {
	SpaceSigner    keys.Signer
	Identity       keys.PublicKey
	ControlFeedKey keys.PublicKey
	DataFeedKey    keys.PublicKey
	DisplayName    string
}

// CreateGenesisCredentials returns the credentials written first on the genesis control feed:
// SpaceGenesis, the owner membership, both feed admissions and epoch 0.
func CreateGenesisCredentials(params GenesisParams) ([]*Credential, error) {
	spaceKey := params.SpaceSigner.Key()
	assertions := []struct {
		subject   keys.PublicKey
		assertion Assertion
	}{
		{spaceKey, SpaceGenesis{SpaceKey: spaceKey, CreatorIdentity: params.Identity}},
		{params.Identity, AdmittedMember{
			SpaceKey:       spaceKey,
			Role:           RoleOwner,
			GenesisFeedKey: params.ControlFeedKey,
			DisplayName:    params.DisplayName,
		}},
		{params.ControlFeedKey, AdmittedFeed{
			SpaceKey:    spaceKey,
			IdentityKey: params.Identity,
			DeviceKey:   params.Identity,
			Designation: DesignationControl,
		}},
		{params.DataFeedKey, AdmittedFeed{
			SpaceKey:    spaceKey,
			IdentityKey: params.Identity,
			DeviceKey:   params.Identity,
			Designation: DesignationData,
		}},
		{spaceKey, Epoch{Number: 0}},
	}

	creds := make([]*Credential, 0, len(assertions))
	for _, a := range assertions {
		cred, err := CreateCredential(params.SpaceSigner, a.subject, a.assertion)
		if err != nil {
			return nil, fmt.Errorf("failed to create genesis credentials: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// AdmissionParams describes a new member and the feeds it will write
type AdmissionParams struct {
	SpaceKey       keys.PublicKey
	GenesisFeedKey keys.PublicKey
	Identity       keys.PublicKey
	DeviceKey      keys.PublicKey
	ControlFeedKey keys.PublicKey
	DataFeedKey    keys.PublicKey
	Role           Role
	DisplayName    string
}

// CreateAdmissionCredentials returns the credentials an admin writes to admit a new member:
// the membership followed by the member's control and data feed admissions. opts apply to
// every credential, so a device admin passes WithChain.
func CreateAdmissionCredentials(admin keys.Signer, params AdmissionParams, opts ...Option) ([]*Credential, error) {
	device := params.DeviceKey
	if device.IsZero() {
		device = params.Identity
	}

	member, err := CreateCredential(admin, params.Identity, AdmittedMember{
		SpaceKey:       params.SpaceKey,
		Role:           params.Role,
		GenesisFeedKey: params.GenesisFeedKey,
		DisplayName:    params.DisplayName,
	}, opts...)
	if err != nil {
		return nil, err
	}
	creds := []*Credential{member}

	for _, feed := range []struct {
		key         keys.PublicKey
		designation Designation
	}{
		{params.ControlFeedKey, DesignationControl},
		{params.DataFeedKey, DesignationData},
	} {
		if feed.key.IsZero() {
			continue
		}
		cred, err := CreateCredential(admin, feed.key, AdmittedFeed{
			SpaceKey:    params.SpaceKey,
			IdentityKey: params.Identity,
			DeviceKey:   device,
			Designation: feed.designation,
		}, opts...)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, nil
}
