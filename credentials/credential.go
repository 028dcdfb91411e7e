package credentials

/*
Credentials

A credential is a signed assertion:

	issuer    key that signed it
	subject   key the assertion is about
	assertion one of the tagged variants below
	nonce     optional, binds Auth credentials to a challenge
	chain     optional credential delegating the issuer's authority

Assertions:
	SpaceGenesis              founds the space, admits the genesis feed and the creator
	AdmittedMember            subject becomes a member with a role
	AdmittedFeed              subject feed is admitted as CONTROL or DATA
	AuthorizedDevice          subject device may sign on behalf of an identity
	Epoch                     checkpoint: snapshot + timeframe
	Auth                      handshake response to a challenge
	DelegateSpaceInvitation   an admin delegates an invitation
	CancelDelegatedInvitation revokes a delegated invitation
*/

import (
	"encoding/hex"
	"fmt"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
)

// Designation tells what a feed may carry
type Designation int

const (
	DesignationControl Designation = iota + 1
	DesignationData
)

func (d Designation) String() string {
	switch d {
	case DesignationControl:
		return "CONTROL"
	case DesignationData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Role of a space member
type Role int

const (
	RoleReader Role = iota + 1
	RoleEditor
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "READER"
	case RoleEditor:
		return "EDITOR"
	case RoleAdmin:
		return "ADMIN"
	case RoleOwner:
		return "OWNER"
	default:
		return "UNKNOWN"
	}
}

// CanAdmit reports whether the role may admit members and issue epochs
func (r Role) CanAdmit() bool {
	return r == RoleAdmin || r == RoleOwner
}

// AssertionType tags the assertion variants
type AssertionType int

const (
	TypeSpaceGenesis AssertionType = iota + 10
	TypeAdmittedFeed
	TypeAdmittedMember
	TypeAuthorizedDevice
	TypeEpoch
	TypeAuth
	TypeDelegateSpaceInvitation
	TypeCancelDelegatedInvitation
)

func (t AssertionType) String() string {
	switch t {
	case TypeSpaceGenesis:
		return "SpaceGenesis"
	case TypeAdmittedFeed:
		return "AdmittedFeed"
	case TypeAdmittedMember:
		return "AdmittedMember"
	case TypeAuthorizedDevice:
		return "AuthorizedDevice"
	case TypeEpoch:
		return "Epoch"
	case TypeAuth:
		return "Auth"
	case TypeDelegateSpaceInvitation:
		return "DelegateSpaceInvitation"
	case TypeCancelDelegatedInvitation:
		return "CancelDelegatedInvitation"
	default:
		return fmt.Sprintf("Assertion(%d)", int(t))
	}
}

// Assertion is the tagged payload of a credential
type Assertion interface {
	Type() AssertionType
}

type SpaceGenesis struct {
	SpaceKey        keys.PublicKey
	CreatorIdentity keys.PublicKey
}

type AdmittedFeed struct {
	SpaceKey    keys.PublicKey
	IdentityKey keys.PublicKey
	DeviceKey   keys.PublicKey
	Designation Designation
}

type AdmittedMember struct {
	SpaceKey       keys.PublicKey
	Role           Role
	GenesisFeedKey keys.PublicKey
	DisplayName    string
}

type AuthorizedDevice struct {
	IdentityKey keys.PublicKey
	DeviceKey   keys.PublicKey
}

type Epoch struct {
	PreviousID  ID
	Timeframe   timeframe.Timeframe
	Number      uint64
	SnapshotRef string
}

type Auth struct{}

type DelegateSpaceInvitation struct {
	InvitationID string
	Role         Role
	ExpiresOn    int64
}

type CancelDelegatedInvitation struct {
	InvitationID string
}

func (SpaceGenesis) Type() AssertionType              { return TypeSpaceGenesis }
func (AdmittedFeed) Type() AssertionType              { return TypeAdmittedFeed }
func (AdmittedMember) Type() AssertionType            { return TypeAdmittedMember }
func (AuthorizedDevice) Type() AssertionType          { return TypeAuthorizedDevice }
func (Epoch) Type() AssertionType                     { return TypeEpoch }
func (Auth) Type() AssertionType                      { return TypeAuth }
func (DelegateSpaceInvitation) Type() AssertionType   { return TypeDelegateSpaceInvitation }
func (CancelDelegatedInvitation) Type() AssertionType { return TypeCancelDelegatedInvitation }

// ID is the content hash of an encoded credential
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// Credential is a signed assertion
type Credential struct {
	Issuer       keys.PublicKey
	Subject      keys.PublicKey
	IssuanceDate int64 // unix milliseconds
	Assertion    Assertion
	Nonce        []byte
	Signature    []byte
	Chain        *Credential
}

// Type returns the assertion tag, or zero when the assertion is missing
func (c *Credential) Type() AssertionType {
	if c == nil || c.Assertion == nil {
		return 0
	}
	return c.Assertion.Type()
}

// ID hashes the full encoding, signature and chain included
func (c *Credential) ID() ID {
	return hashID(c.Marshal())
}

func (c *Credential) String() string {
	return fmt.Sprintf("%s(issuer=%s subject=%s)", c.Type(), c.Issuer.Truncate(), c.Subject.Truncate())
}
