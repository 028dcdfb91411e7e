package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrKeyNotFound = errors.New("key not found in keyring")

// Keyring holds the private keys of a node.
// When path is set, every new key is written to a YAML file so feeds stay writable across restarts.
type Keyring struct {
	mu    sync.RWMutex
	keys  map[PublicKey]*Keypair
	path  string
	order []PublicKey
}

type keyringFile struct {
	Keys []keyringEntry `yaml:"keys"`
}

type keyringEntry struct {
	Public string `yaml:"public"`
	Seed   string `yaml:"seed"`
}

// NewKeyring creates an in-memory keyring
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[PublicKey]*Keypair)}
}

// OpenKeyring loads (or creates) a keyring persisted at path
func OpenKeyring(path string) (*Keyring, error) {
	kr := NewKeyring()
	kr.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return kr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}

	var file keyringFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse keyring: %w", err)
	}
	for _, entry := range file.Keys {
		seed, err := hex.DecodeString(entry.Seed)
		if err != nil {
			return nil, fmt.Errorf("invalid seed for %s: %w", entry.Public, err)
		}
		kp, err := KeypairFromSeed(seed)
		if err != nil {
			return nil, err
		}
		kr.keys[kp.Public] = kp
		kr.order = append(kr.order, kp.Public)
	}
	return kr, nil
}

// CreateKey generates and stores a new keypair
func (kr *Keyring) CreateKey() (*Keypair, error) {
	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[kp.Public] = kp
	kr.order = append(kr.order, kp.Public)
	if err := kr.persistLocked(); err != nil {
		return nil, err
	}
	return kp, nil
}

// Signer returns the signer for key
func (kr *Keyring) Signer(key PublicKey) (Signer, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	kp, ok := kr.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key.Truncate())
	}
	return kp, nil
}

// Has reports whether the private key for key is held
func (kr *Keyring) Has(key PublicKey) bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	_, ok := kr.keys[key]
	return ok
}

func (kr *Keyring) persistLocked() error {
	if kr.path == "" {
		return nil
	}
	file := keyringFile{Keys: make([]keyringEntry, 0, len(kr.order))}
	for _, key := range kr.order {
		file.Keys = append(file.Keys, keyringEntry{
			Public: key.String(),
			Seed:   hex.EncodeToString(kr.keys[key].Seed()),
		})
	}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to encode keyring: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(kr.path), 0o700); err != nil {
		return fmt.Errorf("failed to create keyring dir: %w", err)
	}
	return os.WriteFile(kr.path, data, 0o600)
}
