package keys

/*
Keys

Every participant of a space is named by a 32 byte ed25519 public key:
	- the space itself (its key signs the genesis credentials)
	- identities (members)
	- devices (authorized by an identity)
	- feeds (each feed is signed by its own key)
	- peers (the swarm identity of a running node)

PublicKey is a fixed size array so it can be used directly as a map key.
*/

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// PublicKeySize is the length of an ed25519 public key in bytes
const PublicKeySize = ed25519.PublicKeySize

// PublicKey identifies spaces, identities, devices, feeds and peers
type PublicKey [PublicKeySize]byte

// ZeroKey is the unset key
var ZeroKey PublicKey

// PublicKeyFromBytes copies b into a PublicKey
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var key PublicKey
	if len(b) != PublicKeySize {
		return key, fmt.Errorf("invalid public key length: %d", len(b))
	}
	copy(key[:], b)
	return key, nil
}

// ParsePublicKey parses the hex form produced by String
func ParsePublicKey(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroKey, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	return PublicKeyFromBytes(b)
}

// MustParsePublicKey is ParsePublicKey for tests and constants
func MustParsePublicKey(s string) PublicKey {
	key, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return key
}

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Truncate returns a short prefix used in log lines
func (k PublicKey) Truncate() string {
	return hex.EncodeToString(k[:4])
}

func (k PublicKey) Bytes() []byte {
	return k[:]
}

func (k PublicKey) IsZero() bool {
	return k == ZeroKey
}

// Compare orders keys bytewise
func (k PublicKey) Compare(other PublicKey) int {
	for i := range k {
		if k[i] != other[i] {
			if k[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Verify checks an ed25519 signature made by this key
func (k PublicKey) Verify(message, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k[:]), message, signature)
}

// DiscoveryKey derives the swarm topic for a space.
// The raw space key never leaves the node; peers meet on its hash.
func DiscoveryKey(spaceKey PublicKey) PublicKey {
	h, _ := blake2b.New256([]byte("spaces/discovery"))
	h.Write(spaceKey[:])
	var topic PublicKey
	copy(topic[:], h.Sum(nil))
	return topic
}

// Keypair is an ed25519 signing key
type Keypair struct {
	Public  PublicKey
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh random keypair
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	key, _ := PublicKeyFromBytes(pub)
	return &Keypair{Public: key, private: priv}, nil
}

// KeypairFromSeed rebuilds a keypair from its 32 byte seed
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	key, _ := PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
	return &Keypair{Public: key, private: priv}, nil
}

// Seed returns the private seed, used for persistence
func (kp *Keypair) Seed() []byte {
	return kp.private.Seed()
}

// Sign implements Signer
func (kp *Keypair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.private, message), nil
}

// Key implements Signer
func (kp *Keypair) Key() PublicKey {
	return kp.Public
}

// Signer signs on behalf of one key
type Signer interface {
	Key() PublicKey
	Sign(message []byte) ([]byte, error)
}
