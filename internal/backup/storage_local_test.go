package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalBackend(t *testing.T) (*ObjectBackend, string) {
	t.Helper()
	dir := t.TempDir()
	provider, err := NewLocalStorageProvider(&LocalConfig{BasePath: dir, Permissions: 0700})
	require.NoError(t, err)
	return NewObjectBackend("test", provider, nil), dir
}

func sealedSample(t *testing.T) *EncryptedBackup {
	t.Helper()
	eb, err := newTestCodec(CompressionTypeZstd).Seal(sampleBundle(), testKey(t, 1))
	require.NoError(t, err)
	return eb
}

func TestNewLocalStorageProvider(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		config  *LocalConfig
		wantErr bool
	}{
		{"valid config", &LocalConfig{BasePath: tempDir, Permissions: 0755}, false},
		{"nil config", nil, true},
		{"empty base path", &LocalConfig{BasePath: "", Permissions: 0755}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewLocalStorageProvider(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsType(err, BackupErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "local", provider.Name())
			assert.Equal(t, tempDir, provider.GetBasePath())
		})
	}
}

func TestLocalStorageProvider_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	provider, err := NewLocalStorageProvider(&LocalConfig{BasePath: dir})
	require.NoError(t, err)

	key := "backups/alice/one.svb"
	require.NoError(t, provider.Put(ctx, key, []byte("v1"), true))

	info, err := os.Stat(filepath.Join(dir, "backups", "alice", "one.svb"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.ErrorIs(t, provider.Put(ctx, key, []byte("v2"), true), errBlobExists)

	data, err := provider.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data, "a refused create must not touch the object")

	require.NoError(t, provider.Put(ctx, key, []byte("v2"), false))
	data, err = provider.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, provider.Delete(ctx, key))
	_, err = provider.Get(ctx, key)
	assert.ErrorIs(t, err, errBlobNotFound)
	assert.ErrorIs(t, provider.Delete(ctx, key), errBlobNotFound)

	_, err = os.Stat(filepath.Join(dir, "backups"))
	assert.True(t, os.IsNotExist(err), "empty directories are pruned")
	_, err = os.Stat(dir)
	assert.NoError(t, err, "the base directory stays")
}

func TestLocalStorageProvider_List(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	provider, err := NewLocalStorageProvider(&LocalConfig{BasePath: dir})
	require.NoError(t, err)

	require.NoError(t, provider.Put(ctx, "backups/alice/a.svb", []byte("aaaa"), false))
	require.NoError(t, provider.Put(ctx, "backups/bob/b.svb", []byte("bb"), false))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backups", "alice", tempFilePrefix+"123"), []byte("partial"), 0600))

	all, err := provider.List(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []blobInfo{
		{Key: "backups/alice/a.svb", Size: 4},
		{Key: "backups/bob/b.svb", Size: 2},
	}, all)

	bob, err := provider.List(ctx, "backups/bob/")
	require.NoError(t, err)
	assert.Equal(t, []blobInfo{{Key: "backups/bob/b.svb", Size: 2}}, bob)

	missing, err := NewLocalStorageProvider(&LocalConfig{BasePath: filepath.Join(dir, "nope")})
	require.NoError(t, err)
	blobs, err := missing.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestLocalStorageProvider_PutCancelled(t *testing.T) {
	provider, err := NewLocalStorageProvider(&LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = provider.Put(ctx, "backups/a/b", []byte("x"), false)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestObjectBackend_Write(t *testing.T) {
	ctx := context.Background()
	backend, dir := newTestLocalBackend(t)
	eb := sealedSample(t)
	key := ObjectKey("alice", "b-1.svb")

	ref, err := backend.Write(ctx, key, eb, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, key, ref)
	assert.Equal(t, "file://"+filepath.Join(dir, "backups", "alice", "b-1.svb"), backend.Location(ref))

	t.Run("same artifact is idempotent", func(t *testing.T) {
		again, err := backend.Write(ctx, key, eb, WriteOptions{})
		require.NoError(t, err)
		assert.Equal(t, ref, again)
	})

	t.Run("different artifact conflicts", func(t *testing.T) {
		_, err := backend.Write(ctx, key, sealedSample(t), WriteOptions{})
		require.Error(t, err)
		assert.True(t, IsType(err, BackupErrorTypeConflict))

		stored, err := backend.Read(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, eb.IV, stored.IV, "the original object is untouched")
	})

	t.Run("overwrite replaces", func(t *testing.T) {
		replacement := sealedSample(t)
		_, err := backend.Write(ctx, key, replacement, WriteOptions{Overwrite: true})
		require.NoError(t, err)

		stored, err := backend.Read(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, replacement.IV, stored.IV)
	})
}

func TestObjectBackend_ReadDelete(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestLocalBackend(t)
	key := ObjectKey("alice", "b-2.svb")

	_, err := backend.Read(ctx, key)
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeNotFound))

	_, err = backend.ReadRaw(ctx, key)
	assert.True(t, IsType(err, BackupErrorTypeNotFound))

	assert.NoError(t, backend.Delete(ctx, key), "deleting a missing object succeeds")

	eb := sealedSample(t)
	_, err = backend.Write(ctx, key, eb, WriteOptions{})
	require.NoError(t, err)

	raw, err := backend.ReadRaw(ctx, key)
	require.NoError(t, err)
	expected, err := MarshalArtifact(eb)
	require.NoError(t, err)
	assert.Equal(t, expected, raw)

	require.NoError(t, backend.Delete(ctx, key))
	_, err = backend.Read(ctx, key)
	assert.True(t, IsType(err, BackupErrorTypeNotFound))
}

func TestObjectBackend_Usage(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestLocalBackend(t)

	usage, err := backend.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, Usage{}, usage)

	var total int64
	for _, owner := range []string{"alice", "bob"} {
		eb := sealedSample(t)
		_, err := backend.Write(ctx, ObjectKey(owner, "x.svb"), eb, WriteOptions{})
		require.NoError(t, err)
		raw, err := MarshalArtifact(eb)
		require.NoError(t, err)
		total += int64(len(raw))
	}

	usage, err = backend.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Objects)
	assert.Equal(t, total, usage.Bytes)
}

func TestObjectBackend_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestLocalBackend(t)
	eb := sealedSample(t)

	for _, key := range []string{"", "/etc/passwd", "backups/../secret", "backups//x", "a\\b", "backups/./x"} {
		t.Run(key, func(t *testing.T) {
			_, err := backend.Write(ctx, key, eb, WriteOptions{})
			require.Error(t, err)
			assert.True(t, IsType(err, BackupErrorTypeValidation))

			_, err = backend.Read(ctx, key)
			assert.True(t, IsType(err, BackupErrorTypeValidation))
			assert.True(t, IsType(backend.Delete(ctx, key), BackupErrorTypeValidation))
		})
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		owner    string
		filename string
		want     string
	}{
		{"alice", "b-1.svb", "backups/alice/b-1.svb"},
		{"team/alice", "b-1.svb", "backups/team_alice/b-1.svb"},
		{"..", "b-1.svb", "backups/_/b-1.svb"},
		{"bob smith", "a\\b.svb", "backups/bob_smith/a_b.svb"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := ObjectKey(tt.owner, tt.filename)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, validateObjectKey(got))
		})
	}
}

func TestSameArtifact(t *testing.T) {
	eb := sealedSample(t)
	compact, err := MarshalArtifact(eb)
	require.NoError(t, err)

	indented := append([]byte{' ', '\n'}, compact...)
	assert.True(t, sameArtifact(compact, indented), "layout differences are ignored")
	assert.False(t, sameArtifact(compact, []byte("garbage")))

	other, err := MarshalArtifact(sealedSample(t))
	require.NoError(t, err)
	assert.False(t, sameArtifact(compact, other))
}
