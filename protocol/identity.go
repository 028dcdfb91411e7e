package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/adamgarcia4/goLearning/spaces/admission"
	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/keys"
)

var (
	ErrNotAuthCredential = errors.New("not an auth credential")
	ErrStaleNonce        = errors.New("auth credential does not answer the challenge")
	ErrNotMember         = errors.New("peer is not a member of the space")
)

// CredentialProvider answers an auth challenge with a credential
type CredentialProvider interface {
	Present(ctx context.Context, challenge []byte) (*credentials.Credential, error)
}

// CredentialAuthenticator checks a peer's answer to our challenge
type CredentialAuthenticator interface {
	Authenticate(ctx context.Context, challenge []byte, cred *credentials.Credential) error
}

// SwarmIdentity is how a peer presents itself in a space swarm
type SwarmIdentity struct {
	PeerKey       keys.PublicKey
	Provider      CredentialProvider
	Authenticator CredentialAuthenticator
}

// DeviceProvider signs Auth credentials with a device key. When the device is not the
// identity itself, chain is the AuthorizedDevice credential linking the two.
type DeviceProvider struct {
	Device   keys.Signer
	Identity keys.PublicKey
	Chain    *credentials.Credential
}

func (p *DeviceProvider) Present(ctx context.Context, challenge []byte) (*credentials.Credential, error) {
	opts := []credentials.Option{credentials.WithNonce(challenge)}
	if p.Chain != nil {
		opts = append(opts, credentials.WithChain(p.Chain))
	}
	return credentials.CreateCredential(p.Device, p.Identity, credentials.Auth{}, opts...)
}

// MemberAuthenticator accepts peers whose credential resolves to a member of the space.
// With AllowBeforeGenesis, a node that has not replicated the genesis yet accepts any
// correctly signed answer so it can bootstrap from its host; replicated blocks and
// credentials are still verified on their own.
type MemberAuthenticator struct {
	StateMachine       *admission.StateMachine
	AllowBeforeGenesis bool
}

func (a *MemberAuthenticator) Authenticate(ctx context.Context, challenge []byte, cred *credentials.Credential) error {
	if cred.Type() != credentials.TypeAuth {
		return fmt.Errorf("%w: got %s", ErrNotAuthCredential, cred.Type())
	}
	if !bytes.Equal(cred.Nonce, challenge) {
		return ErrStaleNonce
	}

	sm := a.StateMachine
	if _, ok := sm.GenesisFeed(); !ok && a.AllowBeforeGenesis {
		return credentials.VerifySignature(cred)
	}
	root, err := credentials.VerifyChain(cred, func(key keys.PublicKey) bool {
		_, ok := sm.ResolveIdentity(key)
		return ok
	})
	if err != nil {
		return err
	}
	identity, _ := sm.ResolveIdentity(root)
	if cred.Subject != identity {
		return fmt.Errorf("%w: %s claims %s", ErrNotMember, root.Truncate(), cred.Subject.Truncate())
	}
	return nil
}
