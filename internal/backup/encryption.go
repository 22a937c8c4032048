package backup

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MasterKeySize is the AES-256 key length in bytes.
	MasterKeySize = 32
	// pbkdf2Iterations matches what existing passphrase-derived keys were created with.
	pbkdf2Iterations = 100000
	saltSize         = 16
)

// MasterKey is a versioned AES-256 key.
type MasterKey struct {
	Version int
	key     []byte
}

// NewMasterKey validates raw key bytes and wraps them with a version.
func NewMasterKey(version int, key []byte) (MasterKey, error) {
	if err := ValidateKey(key); err != nil {
		return MasterKey{}, err
	}
	k := make([]byte, len(key))
	copy(k, key)
	return MasterKey{Version: version, key: k}, nil
}

// ParseHexKey decodes a hex-encoded key.
func ParseHexKey(version int, hexKey string) (MasterKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return MasterKey{}, NewEncryptionError("failed to decode hex key", err)
	}
	return NewMasterKey(version, raw)
}

// Bytes returns a copy of the raw key.
func (k MasterKey) Bytes() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// IsZero reports whether the key is unset.
func (k MasterKey) IsZero() bool {
	return len(k.key) == 0
}

// Fingerprint is a short, non-reversible identifier safe to log.
func (k MasterKey) Fingerprint() string {
	sum := sha256.Sum256(k.key)
	return hex.EncodeToString(sum[:4])
}

// ValidateKey validates that a key is suitable for AES-256
func ValidateKey(key []byte) error {
	if len(key) != MasterKeySize {
		return NewEncryptionError(fmt.Sprintf("key must be %d bytes for AES-256, got %d", MasterKeySize, len(key)), nil)
	}
	if bytes.Equal(key, make([]byte, MasterKeySize)) {
		return NewEncryptionError("key cannot be all zeros", nil)
	}
	if bytes.Equal(key, bytes.Repeat([]byte{0xFF}, MasterKeySize)) {
		return NewEncryptionError("key cannot be all ones", nil)
	}
	return nil
}

// KeyRing holds the current encryption key and the older ones still
// needed to open artifacts sealed before a rotation.
type KeyRing struct {
	current MasterKey
	keys    map[int]MasterKey
}

// NewKeyRing builds a ring whose current key is used for new artifacts.
func NewKeyRing(current MasterKey, previous ...MasterKey) *KeyRing {
	kr := &KeyRing{current: current, keys: map[int]MasterKey{current.Version: current}}
	for _, k := range previous {
		if _, exists := kr.keys[k.Version]; !exists {
			kr.keys[k.Version] = k
		}
	}
	return kr
}

// Current returns the key new artifacts are sealed with.
func (kr *KeyRing) Current() MasterKey {
	return kr.current
}

// Get returns the key with the given version.
func (kr *KeyRing) Get(version int) (MasterKey, bool) {
	k, ok := kr.keys[version]
	return k, ok
}

// Versions lists known key versions in ascending order.
func (kr *KeyRing) Versions() []int {
	out := make([]int, 0, len(kr.keys))
	for v := range kr.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// KeyManager loads, derives and stores master keys.
type KeyManager struct {
	config *EncryptionConfig
}

// NewKeyManager creates a new key manager
func NewKeyManager(config *EncryptionConfig) *KeyManager {
	return &KeyManager{config: config}
}

// GenerateKey generates a new random 256-bit key
func (km *KeyManager) GenerateKey() ([]byte, error) {
	for {
		key := make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, NewEncryptionError("failed to generate encryption key", err)
		}
		if ValidateKey(key) == nil {
			return key, nil
		}
	}
}

// GenerateSalt returns a random salt for passphrase derivation.
func (km *KeyManager) GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, NewEncryptionError("failed to generate salt", err)
	}
	return salt, nil
}

// DeriveKeyFromPassphrase derives a key with PBKDF2-SHA256. The same
// passphrase and salt always yield the same key.
func (km *KeyManager) DeriveKeyFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, NewEncryptionError("passphrase cannot be empty", nil)
	}
	if len(salt) == 0 {
		return nil, NewEncryptionError("salt is required for key derivation", nil)
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, MasterKeySize, sha256.New), nil
}

// SaveKeyToFile writes a key as hex with owner-only permissions.
func (km *KeyManager) SaveKeyToFile(key []byte, path string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return NewEncryptionError("failed to save key to file", err)
	}
	return nil
}

// LoadKeyFromFile accepts either 32 raw bytes or a hex-encoded key.
func (km *KeyManager) LoadKeyFromFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEncryptionError("failed to read key from file", err)
	}

	if len(data) == MasterKeySize {
		return data, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, NewEncryptionError("key file must contain 32 raw bytes or a hex-encoded key", err)
	}
	return key, nil
}

// LoadKeyFromEnv loads a hex-encoded key from an environment variable
func (km *KeyManager) LoadKeyFromEnv(envVar string) ([]byte, error) {
	hexKey := os.Getenv(envVar)
	if hexKey == "" {
		return nil, NewEncryptionError(fmt.Sprintf("environment variable %s not set", envVar), nil)
	}
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, NewEncryptionError("failed to decode hex key from environment variable", err)
	}
	return key, nil
}

// LoadCurrentKey resolves the configured key source into a MasterKey.
func (km *KeyManager) LoadCurrentKey() (MasterKey, error) {
	cfg := km.config
	if cfg.KeyRetriever != nil {
		raw, err := cfg.KeyRetriever()
		if err != nil {
			return MasterKey{}, NewEncryptionError("key retriever failed", err)
		}
		return NewMasterKey(cfg.KeyVersion, raw)
	}

	var (
		raw []byte
		err error
	)
	switch cfg.KeySource {
	case KeySourceHex:
		return ParseHexKey(cfg.KeyVersion, cfg.KeyHex)
	case KeySourceEnv:
		raw, err = km.LoadKeyFromEnv(cfg.KeyEnvVar)
	case KeySourceFile:
		raw, err = km.LoadKeyFromFile(cfg.KeyPath)
	case KeySourcePassphrase:
		passphrase := cfg.Passphrase
		if passphrase == "" && cfg.PassphraseEnvVar != "" {
			passphrase = os.Getenv(cfg.PassphraseEnvVar)
		}
		var salt []byte
		salt, err = hex.DecodeString(cfg.SaltHex)
		if err != nil {
			return MasterKey{}, NewEncryptionError("failed to decode salt", err)
		}
		raw, err = km.DeriveKeyFromPassphrase(passphrase, salt)
	default:
		return MasterKey{}, NewConfigurationError(fmt.Sprintf("invalid key source: %s", cfg.KeySource), nil)
	}
	if err != nil {
		return MasterKey{}, err
	}
	return NewMasterKey(cfg.KeyVersion, raw)
}

// LoadKeyRing loads the current key plus any configured previous keys.
func (km *KeyManager) LoadKeyRing() (*KeyRing, error) {
	current, err := km.LoadCurrentKey()
	if err != nil {
		return nil, err
	}

	previous := make([]MasterKey, 0, len(km.config.PreviousKeys))
	for _, pk := range km.config.PreviousKeys {
		var k MasterKey
		switch {
		case pk.KeyHex != "":
			k, err = ParseHexKey(pk.Version, pk.KeyHex)
		case pk.KeyPath != "":
			var raw []byte
			raw, err = km.LoadKeyFromFile(pk.KeyPath)
			if err == nil {
				k, err = NewMasterKey(pk.Version, raw)
			}
		default:
			err = NewConfigurationError(fmt.Sprintf("previous key %d has no source", pk.Version), nil)
		}
		if err != nil {
			return nil, err
		}
		previous = append(previous, k)
	}

	return NewKeyRing(current, previous...), nil
}
