package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// MaxChainDepth bounds delegation chains
const MaxChainDepth = 8

var (
	ErrInvalidSignature = errors.New("invalid credential signature")
	ErrUntrustedIssuer  = errors.New("credential issuer is not trusted")
	ErrInvalidChain     = errors.New("invalid credential chain")
	ErrChainTooDeep     = errors.New("credential chain too deep")
	ErrChainCycle       = errors.New("credential chain contains a cycle")
)

// Option customizes CreateCredential
type Option func(*Credential)

// WithChain attaches a delegation chain
func WithChain(chain *Credential) Option {
	return func(c *Credential) { c.Chain = chain }
}

// WithNonce binds the credential to a challenge
func WithNonce(nonce []byte) Option {
	return func(c *Credential) { c.Nonce = append([]byte(nil), nonce...) }
}

// WithIssuanceDate overrides the issuance time
func WithIssuanceDate(t time.Time) Option {
	return func(c *Credential) { c.IssuanceDate = t.UnixMilli() }
}

// CreateCredential builds and signs a credential issued by signer
func CreateCredential(signer keys.Signer, subject keys.PublicKey, assertion Assertion, opts ...Option) (*Credential, error) {
	if assertion == nil {
		return nil, ErrMissingAssertion
	}
	c := &Credential{
		Issuer:       signer.Key(),
		Subject:      subject,
		IssuanceDate: time.Now().UnixMilli(),
		Assertion:    assertion,
	}
	for _, opt := range opts {
		opt(c)
	}
	sig, err := signer.Sign(c.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s credential: %w", assertion.Type(), err)
	}
	c.Signature = sig
	return c, nil
}

// VerifySignature checks the issuer's signature of c and of every credential in its chain.
// It does not decide trust; see VerifyChain.
func VerifySignature(c *Credential) error {
	depth := 0
	for cur := c; cur != nil; cur = cur.Chain {
		if depth > MaxChainDepth {
			return ErrChainTooDeep
		}
		if cur.Assertion == nil {
			return ErrMissingAssertion
		}
		if !cur.Issuer.Verify(cur.SigningPayload(), cur.Signature) {
			return fmt.Errorf("%w: %s", ErrInvalidSignature, cur)
		}
		depth++
	}
	return nil
}

// VerifyChain walks from c towards a trusted issuer. Each step must be an AuthorizedDevice
// credential whose subject is the issuer of the previous step. It returns the trusted key
// the walk terminated at.
func VerifyChain(c *Credential, isTrusted func(keys.PublicKey) bool) (keys.PublicKey, error) {
	if err := VerifySignature(c); err != nil {
		return keys.ZeroKey, err
	}

	seen := make(map[ID]struct{})
	cur := c
	for depth := 0; ; depth++ {
		if isTrusted(cur.Issuer) {
			return cur.Issuer, nil
		}
		if depth >= MaxChainDepth {
			return keys.ZeroKey, ErrChainTooDeep
		}
		id := cur.ID()
		if _, ok := seen[id]; ok {
			return keys.ZeroKey, ErrChainCycle
		}
		seen[id] = struct{}{}

		chain := cur.Chain
		if chain == nil {
			return keys.ZeroKey, fmt.Errorf("%w: %s", ErrUntrustedIssuer, cur.Issuer.Truncate())
		}
		device, ok := chain.Assertion.(AuthorizedDevice)
		if !ok {
			return keys.ZeroKey, fmt.Errorf("%w: link is %s", ErrInvalidChain, chain.Type())
		}
		if chain.Subject != cur.Issuer || device.DeviceKey != cur.Issuer || device.IdentityKey != chain.Issuer {
			return keys.ZeroKey, fmt.Errorf("%w: link does not authorize %s", ErrInvalidChain, cur.Issuer.Truncate())
		}
		cur = chain
	}
}
