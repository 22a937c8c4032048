package backup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/logging"
)

func newTestSystemConfig(t *testing.T) SystemConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := validTestConfig(t)
	cfg.BackupTypes = testBackupTypes
	cfg.Scheduler.DefaultType = "full"
	cfg.Scheduler.Enabled = true
	cfg.LocalStore = LocalStoreConfig{Enabled: true, BasePath: filepath.Join(dir, "local")}
	cfg.Sync.Enabled = true
	cfg.Sync.Path = filepath.Join(dir, "queue")
	cfg.Registry.DSN = "file:" + filepath.Join(dir, "registry.db")
	cfg.Audit = AuditConfig{Enabled: true, File: filepath.Join(dir, "audit.log")}
	return cfg
}

func TestNewSystem(t *testing.T) {
	ctx := context.Background()
	cfg := newTestSystemConfig(t)

	sys, err := NewSystem(ctx, cfg, staticProvider(), logging.NewNopLogger())
	require.NoError(t, err)
	defer sys.Close()

	assert.NotNil(t, sys.Local)
	assert.NotNil(t, sys.Queue)
	assert.NotNil(t, sys.Replayer)
	assert.False(t, sys.Mirror.Enabled())

	rec, err := sys.Service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.LocalPath)

	data, err := sys.Service.RestoreBackup(ctx, rec.ID, MasterKey{})
	require.NoError(t, err)
	assert.Equal(t, 2, data.RecordCount("clients"))

	offline, err := sys.Service.CreateBackup(ctx, "alice", "settings", CreateOptions{Offline: true})
	require.NoError(t, err)
	assert.True(t, offline.IsLocalOnly)

	stats, err := sys.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
}

func TestNewSystem_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		cfg := newTestSystemConfig(t)
		cfg.Encryption.KeyHex = "not-hex"
		_, err := NewSystem(ctx, cfg, staticProvider(), logging.NewNopLogger())
		require.Error(t, err)
	})

	t.Run("no provider and no source", func(t *testing.T) {
		cfg := newTestSystemConfig(t)
		_, err := NewSystem(ctx, cfg, nil, logging.NewNopLogger())
		require.Error(t, err)
		assert.True(t, IsType(err, BackupErrorTypeConfiguration))
	})
}

func TestSystem_StartClose(t *testing.T) {
	ctx := context.Background()
	sys, err := NewSystem(ctx, newTestSystemConfig(t), staticProvider(), logging.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, sys.Start(ctx))
	assert.Error(t, sys.Start(ctx), "starting twice is an error")

	rec, err := sys.Service.CreateBackup(ctx, "bob", "settings", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackupStatusActive, rec.Status)

	require.NoError(t, sys.Close())
	assert.NoError(t, sys.Close(), "closing twice is harmless")

	_, err = sys.Service.GetBackup(ctx, rec.ID)
	assert.Error(t, err, "the registry is closed")
}

func TestSystem_CloseWithoutStart(t *testing.T) {
	sys, err := NewSystem(context.Background(), newTestSystemConfig(t), staticProvider(), nil)
	require.NoError(t, err)
	assert.NoError(t, sys.Close())
}
