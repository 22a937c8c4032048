package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"snapvault/internal/logging"
)

var (
	errBlobNotFound = errors.New("blob not found")
	errBlobExists   = errors.New("blob already exists")
)

// blobInfo describes one stored object.
type blobInfo struct {
	Key  string
	Size int64
}

// blobStore is the minimal surface each object storage driver implements.
// Drivers return errBlobNotFound and errBlobExists for those conditions and
// BackupErrors for everything else.
type blobStore interface {
	Name() string
	Location(key string) string
	// EnsureBucket creates the bucket or container if needed. Concurrent
	// callers and an already existing bucket are not errors.
	EnsureBucket(ctx context.Context) error
	// Put stores data. With ifAbsent set it fails with errBlobExists when
	// the key is already taken.
	Put(ctx context.Context, key string, data []byte, ifAbsent bool) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]blobInfo, error)
}

// ObjectBackend implements Backend on top of a blob driver.
type ObjectBackend struct {
	name   string
	store  blobStore
	logger *logging.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// NewObjectBackend wraps a driver. name is used in logs, metrics and refs.
func NewObjectBackend(name string, store blobStore, logger *logging.Logger) *ObjectBackend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ObjectBackend{name: name, store: store, logger: logger}
}

// Name implements Backend.
func (b *ObjectBackend) Name() string {
	return b.name
}

// Location returns a human readable URL for ref, e.g. s3://bucket/key.
func (b *ObjectBackend) Location(ref string) string {
	return b.store.Location(ref)
}

// EnsureBucket lazily creates the namespace. A failed attempt is retried on
// the next call.
func (b *ObjectBackend) EnsureBucket(ctx context.Context) error {
	b.ensureMu.Lock()
	defer b.ensureMu.Unlock()
	if b.ensured {
		return nil
	}
	if err := b.store.EnsureBucket(ctx); err != nil {
		return err
	}
	b.ensured = true
	return nil
}

// Write implements Backend.
func (b *ObjectBackend) Write(ctx context.Context, key string, artifact *EncryptedBackup, opts WriteOptions) (ref string, err error) {
	start := time.Now()
	var size int64
	defer func() {
		b.observe("write", key, size, start, err)
	}()

	if err := validateObjectKey(key); err != nil {
		return "", err
	}
	data, err := MarshalArtifact(artifact)
	if err != nil {
		return "", err
	}
	size = int64(len(data))

	if err := b.EnsureBucket(ctx); err != nil {
		return "", err
	}

	if opts.Overwrite {
		if err := b.store.Put(ctx, key, data, false); err != nil {
			return "", err
		}
		return key, nil
	}

	err = b.store.Put(ctx, key, data, true)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, errBlobExists) {
		return "", err
	}

	existing, err := b.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return "", NewTransientStorageError(fmt.Sprintf("object %s vanished during write", key), nil)
		}
		return "", err
	}
	if sameArtifact(existing, data) {
		return key, nil
	}
	return "", NewConflictError(fmt.Sprintf("object %s already exists with different content", key), nil).
		WithContext("backend", b.name).
		WithContext("key", key)
}

// Read implements Backend.
func (b *ObjectBackend) Read(ctx context.Context, ref string) (artifact *EncryptedBackup, err error) {
	start := time.Now()
	var size int64
	defer func() {
		b.observe("read", ref, size, start, err)
	}()

	if err := validateObjectKey(ref); err != nil {
		return nil, err
	}
	data, err := b.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("backup object %s not found in %s", ref, b.name), nil)
		}
		return nil, err
	}
	size = int64(len(data))
	return UnmarshalArtifact(data)
}

// ReadRaw returns the stored artifact bytes unchanged.
func (b *ObjectBackend) ReadRaw(ctx context.Context, ref string) ([]byte, error) {
	if err := validateObjectKey(ref); err != nil {
		return nil, err
	}
	data, err := b.store.Get(ctx, ref)
	if errors.Is(err, errBlobNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("backup object %s not found in %s", ref, b.name), nil)
	}
	return data, err
}

// Delete implements Backend. Deleting a missing object succeeds.
func (b *ObjectBackend) Delete(ctx context.Context, ref string) (err error) {
	start := time.Now()
	defer func() {
		b.observe("delete", ref, 0, start, err)
	}()

	if err := validateObjectKey(ref); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, ref); err != nil && !errors.Is(err, errBlobNotFound) {
		return err
	}
	return nil
}

// Usage implements Backend.
func (b *ObjectBackend) Usage(ctx context.Context) (Usage, error) {
	blobs, err := b.store.List(ctx, "")
	if err != nil {
		if errors.Is(err, errBlobNotFound) {
			return Usage{}, nil
		}
		return Usage{}, err
	}
	var u Usage
	for _, blob := range blobs {
		u.Objects++
		u.Bytes += blob.Size
	}
	return u, nil
}

func (b *ObjectBackend) observe(op, key string, size int64, start time.Time, err error) {
	d := time.Since(start)
	RecordStorageOperation(b.name, op, d, err)
	b.logger.LogStorageOperation(b.name, op, key, size, d, err)
}

// ObjectKey builds the canonical key for an owner's backup file.
func ObjectKey(ownerID, filename string) string {
	return path.Join("backups", sanitizeKeySegment(ownerID), sanitizeKeySegment(filename))
}

func sanitizeKeySegment(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return replacer.Replace(s)
}

func validateObjectKey(key string) error {
	if key == "" {
		return NewValidationError("storage key cannot be empty", nil)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return NewValidationError(fmt.Sprintf("invalid storage key %q", key), nil)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return NewValidationError(fmt.Sprintf("invalid storage key %q", key), nil)
		}
	}
	return nil
}

// sameArtifact compares stored bytes against a new artifact. Artifacts that
// differ only in JSON layout are still the same artifact.
func sameArtifact(existing, data []byte) bool {
	if bytes.Equal(existing, data) {
		return true
	}
	a, err := UnmarshalArtifact(existing)
	if err != nil {
		return false
	}
	b, err := UnmarshalArtifact(data)
	if err != nil {
		return false
	}
	return a.FormatVersion == b.FormatVersion &&
		a.Checksum == b.Checksum &&
		a.Compression == b.Compression &&
		bytes.Equal(a.IV, b.IV) &&
		bytes.Equal(a.AuthTag, b.AuthTag) &&
		bytes.Equal(a.Ciphertext, b.Ciphertext)
}
