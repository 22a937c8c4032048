package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Codec turns bundles into sealed artifacts and back. It performs no I/O.
type Codec struct {
	compression *CompressionManager
	algorithm   CompressionType
	level       int
	random      io.Reader
	now         func() time.Time
}

// NewCodec creates a codec that compresses with the configured algorithm before sealing.
func NewCodec(cfg CompressionConfig) *Codec {
	algorithm := cfg.Algorithm
	if !cfg.Enabled {
		algorithm = CompressionTypeNone
	}
	return &Codec{
		compression: NewCompressionManager(),
		algorithm:   algorithm,
		level:       cfg.Level,
		random:      rand.Reader,
		now:         time.Now,
	}
}

// EncodeBundle serializes a bundle deterministically: map keys are sorted
// by encoding/json and section order comes from the exporter.
func (c *Codec) EncodeBundle(data *BackupData) ([]byte, error) {
	if data == nil {
		return nil, NewEncodingError("bundle cannot be nil", nil)
	}
	out, err := json.Marshal(data)
	if err != nil {
		return nil, NewEncodingError("failed to serialize bundle", err)
	}
	return out, nil
}

// DecodeBundle parses bundle bytes. Numbers are kept as json.Number so that
// re-encoding reproduces the original bytes.
func (c *Codec) DecodeBundle(raw []byte) (*BackupData, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var data BackupData
	if err := dec.Decode(&data); err != nil {
		return nil, NewEncodingError("failed to parse bundle", err)
	}
	if data.Sections == nil {
		data.Sections = map[string][]Record{}
	}
	return &data, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV.
func (c *Codec) Encrypt(plaintext []byte, key MasterKey) (*EncryptedBackup, error) {
	if key.IsZero() {
		return nil, NewEncryptionError("encryption key is not set", nil)
	}

	checksum := CalculateChecksum(plaintext)

	payload, err := c.compression.Compress(plaintext, c.algorithm, c.level)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return nil, NewEncryptionError("failed to generate IV", err)
	}

	eb := &EncryptedBackup{
		FormatVersion: CurrentFormatVersion,
		IV:            iv,
		Checksum:      checksum,
		Compression:   c.algorithm,
		KeyVersion:    key.Version,
		CreatedAt:     c.now().UTC().Truncate(time.Millisecond),
	}
	if eb.Compression == "" {
		eb.Compression = CompressionTypeNone
	}

	sealed := gcm.Seal(nil, iv, payload, additionalData(eb))
	split := len(sealed) - tagSize
	eb.Ciphertext = sealed[:split]
	eb.AuthTag = sealed[split:]
	return eb, nil
}

// Decrypt opens an artifact. A tag mismatch (wrong key or tampering) yields
// an AuthenticationError; a plaintext that does not match the recorded
// checksum yields an IntegrityError.
func (c *Codec) Decrypt(eb *EncryptedBackup, key MasterKey) ([]byte, error) {
	if !ValidateFormat(eb) {
		return nil, NewEncodingError("malformed backup artifact", nil)
	}
	if key.IsZero() {
		return nil, NewEncryptionError("decryption key is not set", nil)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(eb.Ciphertext)+len(eb.AuthTag))
	sealed = append(sealed, eb.Ciphertext...)
	sealed = append(sealed, eb.AuthTag...)

	payload, err := gcm.Open(nil, eb.IV, sealed, additionalData(eb))
	if err != nil {
		return nil, NewAuthenticationError("backup could not be authenticated: wrong key or tampered data", err)
	}

	plaintext, err := c.compression.Decompress(payload, eb.Compression)
	if err != nil {
		return nil, NewIntegrityError("authenticated payload failed to decompress", err)
	}

	if !VerifyChecksum(plaintext, eb.Checksum) {
		return nil, NewIntegrityError("plaintext checksum does not match artifact checksum", nil).
			WithContext("expected", eb.Checksum)
	}
	return plaintext, nil
}

// Seal encodes and encrypts a bundle in one step.
func (c *Codec) Seal(data *BackupData, key MasterKey) (*EncryptedBackup, error) {
	raw, err := c.EncodeBundle(data)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(raw, key)
}

// Open decrypts and decodes an artifact in one step.
func (c *Codec) Open(eb *EncryptedBackup, key MasterKey) (*BackupData, error) {
	raw, err := c.Decrypt(eb, key)
	if err != nil {
		return nil, err
	}
	return c.DecodeBundle(raw)
}

// ValidateFormat checks the artifact's shape without decrypting it.
func ValidateFormat(eb *EncryptedBackup) bool {
	if eb == nil {
		return false
	}
	if eb.FormatVersion < 1 || eb.FormatVersion > CurrentFormatVersion {
		return false
	}
	if len(eb.IV) != ivSize || len(eb.AuthTag) != tagSize {
		return false
	}
	if len(eb.Checksum) != sha256.Size*2 {
		return false
	}
	if _, err := hex.DecodeString(eb.Checksum); err != nil {
		return false
	}
	if eb.Compression != "" && !isValidCompressionType(eb.Compression) {
		return false
	}
	return true
}

// MarshalArtifact renders the canonical file form of an artifact.
func MarshalArtifact(eb *EncryptedBackup) ([]byte, error) {
	if !ValidateFormat(eb) {
		return nil, NewEncodingError("refusing to serialize malformed artifact", nil)
	}
	out, err := json.Marshal(eb)
	if err != nil {
		return nil, NewEncodingError("failed to serialize artifact", err)
	}
	return out, nil
}

// UnmarshalArtifact parses and structurally validates an artifact file.
func UnmarshalArtifact(raw []byte) (*EncryptedBackup, error) {
	var eb EncryptedBackup
	if err := json.Unmarshal(raw, &eb); err != nil {
		return nil, NewEncodingError("failed to parse artifact", err)
	}
	if !ValidateFormat(&eb) {
		return nil, NewEncodingError("artifact failed format validation", nil)
	}
	return &eb, nil
}

func newGCM(key MasterKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// additionalData binds the header fields that change how the payload is read.
func additionalData(eb *EncryptedBackup) []byte {
	compression := eb.Compression
	if compression == "" {
		compression = CompressionTypeNone
	}
	return []byte(fmt.Sprintf("snapvault/v%d/%s", eb.FormatVersion, compression))
}
