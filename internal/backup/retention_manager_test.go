package backup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionManager_RunOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{withMirror: true})

	old, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	kept, err := h.service.CreateBackup(ctx, "alice", "settings", CreateOptions{})
	require.NoError(t, err)
	_, err = h.service.PinBackup(ctx, kept.ID)
	require.NoError(t, err)

	h.now = h.now.AddDate(0, 0, 10)
	recent, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)

	reaper := h.service.reaper
	h.now = h.now.AddDate(0, 0, 25)

	result, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Deleted)
	assert.Empty(t, result.Errors)

	purged, err := h.registry.GetBackup(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusDeleted, purged.Status)
	assert.Empty(t, purged.LocalPath)
	assert.Empty(t, purged.MirrorRef)
	assert.False(t, h.primary.has(old.StoragePath))
	assert.Equal(t, []string{old.MirrorRef}, h.mirror.deleted)

	for _, id := range []string{kept.ID, recent.ID} {
		rec, err := h.registry.GetBackup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, BackupStatusActive, rec.Status)
		assert.True(t, h.primary.has(rec.StoragePath))
	}

	result, err = reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Zero(t, result.Deleted)
}

func TestRetentionManager_PurgeFailureKeepsRecordExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})
	notifier := &recordingNotifier{}
	reaper := h.service.reaper
	reaper.SetNotifier(notifier)

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	h.now = h.now.AddDate(0, 0, 31)

	h.primary.fail(nil, nil, NewTransientStorageError("bucket unreachable", nil))
	result, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Zero(t, result.Deleted)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], rec.ID)

	stored, err := h.registry.GetBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusExpired, stored.Status)

	reaper.alert(ctx, result, nil)
	alerts := notifier.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTypeReapFailure, alerts[0].Type)
	assert.Equal(t, AlertSeverityWarning, alerts[0].Severity)

	h.primary.fail(nil, nil, nil)
	result, err = reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Equal(t, 1, result.Deleted, "the next pass retries the purge")

	reaper.alert(ctx, result, nil)
	assert.Len(t, notifier.sent(), 1, "a clean pass raises no alert")
}

func TestRetentionManager_Purge(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		mirrorErr  error
		wantErr    bool
		wantStatus BackupStatus
	}{
		{"mirror delete succeeds", nil, false, BackupStatusDeleted},
		{"mirror no longer connected", fmt.Errorf("revoked: %w", ErrMirrorNotConnected), false, BackupStatusDeleted},
		{"mirror delete fails", NewTransientStorageError("drive unavailable", nil), true, BackupStatusActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{noLocal: true, withMirror: true})
			rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
			require.NoError(t, err)
			require.NotEmpty(t, rec.MirrorRef)

			h.mirror.deleteErr = tt.mirrorErr
			err = h.service.reaper.Purge(ctx, rec)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			stored, err := h.registry.GetBackup(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
		})
	}
}

func TestRetentionManager_Run(t *testing.T) {
	h := newHarness(t, harnessOptions{noLocal: true})
	reaper := NewRetentionManager(RetentionConfig{ReapInterval: 5 * time.Millisecond}, TimeoutConfig{}, h.registry, h.primary, nil, nil, nil)

	rec, err := h.service.CreateBackup(context.Background(), "alice", "full", CreateOptions{})
	require.NoError(t, err)
	reaper.now = func() time.Time { return h.now.AddDate(1, 0, 0) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	require.Eventually(t, func() bool {
		stored, err := h.registry.GetBackup(context.Background(), rec.ID)
		return err == nil && stored.Status == BackupStatusDeleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRetentionManager_RunRequiresInterval(t *testing.T) {
	h := newHarness(t, harnessOptions{noLocal: true})
	reaper := NewRetentionManager(RetentionConfig{}, TimeoutConfig{}, h.registry, h.primary, nil, nil, nil)
	reaper.config.ReapInterval = 0

	assert.Error(t, reaper.Run(context.Background()))
}
