package credentials

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/timeframe"
	"github.com/adamgarcia4/goLearning/spaces/wire"
)

// Credential field numbers. The assertion is a oneof keyed by its AssertionType.
const (
	fieldIssuer       protowire.Number = 1
	fieldSubject      protowire.Number = 2
	fieldIssuanceDate protowire.Number = 3
	fieldNonce        protowire.Number = 5
	fieldSignature    protowire.Number = 6
	fieldChain        protowire.Number = 7
)

var ErrMissingAssertion = errors.New("credential has no assertion")

func hashID(b []byte) ID {
	return ID(blake2b.Sum256(b))
}

// Marshal encodes the credential including its signature and chain
func (c *Credential) Marshal() []byte {
	b := c.appendBody(nil)
	b = wire.AppendBytes(b, fieldSignature, c.Signature)
	if c.Chain != nil {
		b = wire.AppendMessage(b, fieldChain, c.Chain.Marshal())
	}
	return b
}

// SigningPayload is the encoding covered by the signature: everything but signature and chain
func (c *Credential) SigningPayload() []byte {
	return c.appendBody(nil)
}

func (c *Credential) appendBody(b []byte) []byte {
	b = wire.AppendBytes(b, fieldIssuer, c.Issuer.Bytes())
	b = wire.AppendBytes(b, fieldSubject, c.Subject.Bytes())
	b = wire.AppendInt(b, fieldIssuanceDate, c.IssuanceDate)
	if c.Assertion != nil {
		b = wire.AppendMessage(b, protowire.Number(c.Assertion.Type()), marshalAssertion(c.Assertion))
	}
	b = wire.AppendBytes(b, fieldNonce, c.Nonce)
	return b
}

func marshalAssertion(a Assertion) []byte {
	var b []byte
	switch a := a.(type) {
	case SpaceGenesis:
		b = wire.AppendBytes(b, 1, a.SpaceKey.Bytes())
		b = wire.AppendBytes(b, 2, a.CreatorIdentity.Bytes())
	case AdmittedFeed:
		b = wire.AppendBytes(b, 1, a.SpaceKey.Bytes())
		b = wire.AppendBytes(b, 2, a.IdentityKey.Bytes())
		b = wire.AppendBytes(b, 3, a.DeviceKey.Bytes())
		b = wire.AppendUint(b, 4, uint64(a.Designation))
	case AdmittedMember:
		b = wire.AppendBytes(b, 1, a.SpaceKey.Bytes())
		b = wire.AppendUint(b, 2, uint64(a.Role))
		b = wire.AppendBytes(b, 3, a.GenesisFeedKey.Bytes())
		b = wire.AppendString(b, 4, a.DisplayName)
	case AuthorizedDevice:
		b = wire.AppendBytes(b, 1, a.IdentityKey.Bytes())
		b = wire.AppendBytes(b, 2, a.DeviceKey.Bytes())
	case Epoch:
		if !a.PreviousID.IsZero() {
			b = wire.AppendBytes(b, 1, a.PreviousID[:])
		}
		b = wire.AppendBytes(b, 2, a.Timeframe.Marshal())
		b = wire.AppendUint(b, 3, a.Number)
		b = wire.AppendString(b, 4, a.SnapshotRef)
	case Auth:
	case DelegateSpaceInvitation:
		b = wire.AppendString(b, 1, a.InvitationID)
		b = wire.AppendUint(b, 2, uint64(a.Role))
		b = wire.AppendInt(b, 3, a.ExpiresOn)
	case CancelDelegatedInvitation:
		b = wire.AppendString(b, 1, a.InvitationID)
	}
	return b
}

// Unmarshal decodes a credential produced by Marshal
func Unmarshal(b []byte) (*Credential, error) {
	return unmarshal(b, 0)
}

func unmarshal(b []byte, depth int) (*Credential, error) {
	if depth > MaxChainDepth {
		return nil, fmt.Errorf("credential chain deeper than %d", MaxChainDepth)
	}

	c := &Credential{}
	err := wire.Parse(b, func(f wire.Field) error {
		switch {
		case f.Num == fieldIssuer:
			return decodeKey(f.Bytes, &c.Issuer)
		case f.Num == fieldSubject:
			return decodeKey(f.Bytes, &c.Subject)
		case f.Num == fieldIssuanceDate:
			c.IssuanceDate = f.Int()
		case f.Num == fieldNonce:
			c.Nonce = append([]byte(nil), f.Bytes...)
		case f.Num == fieldSignature:
			c.Signature = append([]byte(nil), f.Bytes...)
		case f.Num == fieldChain:
			chain, err := unmarshal(f.Bytes, depth+1)
			if err != nil {
				return fmt.Errorf("invalid chain: %w", err)
			}
			c.Chain = chain
		case f.Num >= protowire.Number(TypeSpaceGenesis) && f.Num <= protowire.Number(TypeCancelDelegatedInvitation):
			a, err := unmarshalAssertion(AssertionType(f.Num), f.Bytes)
			if err != nil {
				return fmt.Errorf("invalid %s assertion: %w", AssertionType(f.Num), err)
			}
			c.Assertion = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Assertion == nil {
		return nil, ErrMissingAssertion
	}
	return c, nil
}

func unmarshalAssertion(t AssertionType, b []byte) (Assertion, error) {
	switch t {
	case TypeSpaceGenesis:
		var a SpaceGenesis
		err := wire.Parse(b, func(f wire.Field) error {
			switch f.Num {
			case 1:
				return decodeKey(f.Bytes, &a.SpaceKey)
			case 2:
				return decodeKey(f.Bytes, &a.CreatorIdentity)
			}
			return nil
		})
		return a, err
	case TypeAdmittedFeed:
		var a AdmittedFeed
		err := wire.Parse(b, func(f wire.Field) error {
			switch f.Num {
			case 1:
				return decodeKey(f.Bytes, &a.SpaceKey)
			case 2:
				return decodeKey(f.Bytes, &a.IdentityKey)
			case 3:
				return decodeKey(f.Bytes, &a.DeviceKey)
			case 4:
				a.Designation = Designation(f.Varint)
			}
			return nil
		})
		return a, err
	case TypeAdmittedMember:
		var a AdmittedMember
		err := wire.Parse(b, func(f wire.Field) error {
			switch f.Num {
			case 1:
				return decodeKey(f.Bytes, &a.SpaceKey)
			case 2:
				a.Role = Role(f.Varint)
			case 3:
				return decodeKey(f.Bytes, &a.GenesisFeedKey)
			case 4:
				a.DisplayName = string(f.Bytes)
			}
			return nil
		})
		return a, err
	case TypeAuthorizedDevice:
		var a AuthorizedDevice
		err := wire.Parse(b, func(f wire.Field) error {
			switch f.Num {
			case 1:
				return decodeKey(f.Bytes, &a.IdentityKey)
			case 2:
				return decodeKey(f.Bytes, &a.DeviceKey)
			}
			return nil
		})
		return a, err
	case TypeEpoch:
		var a Epoch
		err := wire.Parse(b, func(f wire.Field) error {
			switch f.Num {
			case 1:
				if len(f.Bytes) != len(a.PreviousID) {
					return fmt.Errorf("invalid previous id length: %d", len(f.Bytes))
				}
				copy(a.PreviousID[:], f.Bytes)
			case 2:
				tf, err := timeframe.Unmarshal(f.Bytes)
				if err != nil {
					return err
				}
				a.Timeframe = tf
			case 3:
				a.Number = f.Varint
			case 4:
				a.SnapshotRef = string(f.Bytes)
			}
			return nil
		})
		return a, err
	case TypeAuth:
		return Auth{}, nil
	case TypeDelegateSpaceInvitation:
		var a DelegateSpaceInvitation
		err := wire.Parse(b, func(f wire.Field) error {
			switch f.Num {
			case 1:
				a.InvitationID = string(f.Bytes)
			case 2:
				a.Role = Role(f.Varint)
			case 3:
				a.ExpiresOn = f.Int()
			}
			return nil
		})
		return a, err
	case TypeCancelDelegatedInvitation:
		var a CancelDelegatedInvitation
		err := wire.Parse(b, func(f wire.Field) error {
			if f.Num == 1 {
				a.InvitationID = string(f.Bytes)
			}
			return nil
		})
		return a, err
	}
	return nil, fmt.Errorf("unknown assertion type %d", int(t))
}

func decodeKey(b []byte, dst *keys.PublicKey) error {
	key, err := keys.PublicKeyFromBytes(b)
	if err != nil {
		return err
	}
	*dst = key
	return nil
}
