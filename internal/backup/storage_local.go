package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const tempFilePrefix = ".tmp-"

// LocalStorageProvider stores objects as files below a base directory.
type LocalStorageProvider struct {
	basePath    string
	permissions os.FileMode
}

// NewLocalStorageProvider creates a new LocalStorageProvider instance
func NewLocalStorageProvider(config *LocalConfig) (*LocalStorageProvider, error) {
	if config == nil {
		return nil, NewValidationError("local storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid local storage configuration", err)
	}

	permissions := config.Permissions
	if permissions == 0 {
		permissions = 0750
	}

	return &LocalStorageProvider{
		basePath:    config.BasePath,
		permissions: permissions,
	}, nil
}

// Name implements blobStore.
func (lsp *LocalStorageProvider) Name() string {
	return "local"
}

// Location implements blobStore.
func (lsp *LocalStorageProvider) Location(key string) string {
	return "file://" + lsp.objectPath(key)
}

// EnsureBucket creates the base directory.
func (lsp *LocalStorageProvider) EnsureBucket(ctx context.Context) error {
	if err := os.MkdirAll(lsp.basePath, lsp.permissions); err != nil {
		return NewStorageError("failed to create base directory", err)
	}
	return nil
}

// Put writes to a temp file and moves it into place so readers never see a
// partial object.
func (lsp *LocalStorageProvider) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	if err := ctx.Err(); err != nil {
		return NewTransientStorageError("write cancelled", err)
	}

	target := lsp.objectPath(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, lsp.permissions); err != nil {
		return lsp.fsError("failed to create object directory", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return lsp.fsError("failed to create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return lsp.fsError("failed to write object", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return lsp.fsError("failed to sync object", err)
	}
	if err := tmp.Close(); err != nil {
		return lsp.fsError("failed to close object", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return lsp.fsError("failed to set object permissions", err)
	}

	if ifAbsent {
		// Link fails when target exists, giving create-if-absent semantics.
		if err := os.Link(tmpName, target); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return errBlobExists
			}
			return lsp.fsError("failed to publish object", err)
		}
		return nil
	}

	if err := os.Rename(tmpName, target); err != nil {
		return lsp.fsError("failed to publish object", err)
	}
	return nil
}

// Get implements blobStore.
func (lsp *LocalStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(lsp.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errBlobNotFound
		}
		return nil, lsp.fsError("failed to read object", err)
	}
	return data, nil
}

// Delete implements blobStore.
func (lsp *LocalStorageProvider) Delete(ctx context.Context, key string) error {
	target := lsp.objectPath(key)
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errBlobNotFound
		}
		return lsp.fsError("failed to delete object", err)
	}
	lsp.pruneEmptyDirs(filepath.Dir(target))
	return nil
}

// List implements blobStore.
func (lsp *LocalStorageProvider) List(ctx context.Context, prefix string) ([]blobInfo, error) {
	var blobs []blobInfo
	err := filepath.WalkDir(lsp.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempFilePrefix) {
			return nil
		}
		rel, err := filepath.Rel(lsp.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		blobs = append(blobs, blobInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, lsp.fsError("failed to list objects", err)
	}
	return blobs, nil
}

// GetBasePath returns the base path for storage
func (lsp *LocalStorageProvider) GetBasePath() string {
	return lsp.basePath
}

func (lsp *LocalStorageProvider) objectPath(key string) string {
	return filepath.Join(lsp.basePath, filepath.FromSlash(key))
}

// pruneEmptyDirs removes now-empty directories up to, not including, the base.
func (lsp *LocalStorageProvider) pruneEmptyDirs(dir string) {
	base := filepath.Clean(lsp.basePath)
	for dir != base && strings.HasPrefix(dir, base) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (lsp *LocalStorageProvider) fsError(message string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.ENOSPC) {
		return NewQuotaExceededError(fmt.Sprintf("%s: no space left on device", message), err)
	}
	return NewStorageError(message, err)
}
