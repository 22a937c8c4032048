package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRegistry fails every UpdateBackup with a transient error.
type flakyRegistry struct {
	*SQLRegistry
}

func (f flakyRegistry) UpdateBackup(ctx context.Context, rec *BackupRecord) error {
	return NewTransientStorageError("registry unreachable", errors.New("connection refused"))
}

func TestService_CreateBackup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name     string
		owner    string
		opts     CreateOptions
		wantType BackupErrorType
	}{
		{"empty owner", "", CreateOptions{}, BackupErrorTypeValidation},
		{"owner with slash", "alice/../bob", CreateOptions{}, BackupErrorTypeValidation},
		{"subset without subject", "alice", CreateOptions{Scope: ScopeUserSubset}, BackupErrorTypeValidation},
		{"unknown scope", "alice", CreateOptions{Scope: "everything"}, BackupErrorTypeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.service.CreateBackup(ctx, tt.owner, "full", tt.opts)
			require.Error(t, err)
			assert.True(t, IsType(err, tt.wantType))
		})
	}

	t.Run("default type", func(t *testing.T) {
		rec, err := h.service.CreateBackup(ctx, "alice", "", CreateOptions{})
		require.NoError(t, err)
		assert.Equal(t, "full", rec.BackupType)
		assert.True(t, h.primary.has(rec.StoragePath))
	})

	t.Run("user subset", func(t *testing.T) {
		rec, err := h.service.CreateBackup(ctx, "alice", "settings", CreateOptions{Scope: ScopeUserSubset, SubjectID: "client-7"})
		require.NoError(t, err)
		data, err := h.service.RestoreBackup(ctx, rec.ID, MasterKey{})
		require.NoError(t, err)
		assert.Equal(t, ScopeUserSubset, data.Scope)
		assert.Equal(t, "client-7", data.SubjectID)
	})

	t.Run("offline", func(t *testing.T) {
		writes := h.primary.writes
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{Offline: true})
		require.NoError(t, err)
		assert.True(t, rec.IsLocalOnly)
		assert.NotEmpty(t, rec.LocalPath)
		assert.Equal(t, writes, h.primary.writes, "offline backups do not touch the primary store")
		assert.Contains(t, h.queue.queued(), ActionStorageWrite)
	})
}

func TestService_ListAndFindBackups(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})

	first, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	second, err := h.service.CreateBackup(ctx, "alice", "settings", CreateOptions{})
	require.NoError(t, err)
	_, err = h.service.CreateBackup(ctx, "bob", "full", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, h.service.DeleteBackup(ctx, first.ID))

	listed, err := h.service.ListBackups(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, second.ID, listed[0].ID)

	found, err := h.service.FindBackups(ctx, BackupFilter{OwnerID: "alice", Status: BackupStatusDeleted})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first.ID, found[0].ID)

	_, err = h.service.FindBackups(ctx, BackupFilter{Status: "archived", Limit: -1})
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeValidation))
	assert.Equal(t, []string{"status", "limit"}, validationFields(t, err))

	_, err = h.service.ListBackups(ctx, "")
	assert.True(t, IsType(err, BackupErrorTypeValidation))
}

func TestService_DeleteBackup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{withMirror: true})

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, MirrorStatusMirrored, rec.MirrorStatus)
	_, err = h.local.Read(ctx, rec.LocalPath)
	require.NoError(t, err)

	require.NoError(t, h.service.DeleteBackup(ctx, rec.ID))

	assert.False(t, h.primary.has(rec.StoragePath))
	_, err = h.local.Read(ctx, rec.LocalPath)
	assert.True(t, IsType(err, BackupErrorTypeNotFound))
	assert.Equal(t, []string{rec.MirrorRef}, h.mirror.deleted)

	stored, err := h.registry.GetBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusDeleted, stored.Status)
	assert.Empty(t, stored.LocalPath)
	assert.Empty(t, stored.MirrorRef)

	deletes := h.primary.deletes
	require.NoError(t, h.service.DeleteBackup(ctx, rec.ID), "deleting twice succeeds")
	assert.Equal(t, deletes, h.primary.deletes)

	_, err = h.service.RestoreBackup(ctx, rec.ID, MasterKey{})
	assert.True(t, IsType(err, BackupErrorTypeNotFound))

	err = h.service.DeleteBackup(ctx, "8f0e7b52-2c1d-4d8e-9a57-0c3e7f2b9a11")
	assert.True(t, IsType(err, BackupErrorTypeNotFound))
}

func TestService_DeleteBackupPrimaryUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is queued", func(t *testing.T) {
		h := newHarness(t, harnessOptions{noLocal: true})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		h.primary.fail(nil, nil, NewTransientStorageError("bucket unreachable", nil))
		require.NoError(t, h.service.DeleteBackup(ctx, rec.ID))
		assert.Equal(t, []string{ActionStorageDelete}, h.queue.queued())

		stored, err := h.registry.GetBackup(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, BackupStatusActive, stored.Status, "the record changes when the delete replays")
	})

	t.Run("permanent failure is returned", func(t *testing.T) {
		h := newHarness(t, harnessOptions{noLocal: true})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		h.primary.fail(nil, nil, NewStorageError("access denied", nil))
		err = h.service.DeleteBackup(ctx, rec.ID)
		require.Error(t, err)
		assert.True(t, IsType(err, BackupErrorTypeStorage))
		assert.Empty(t, h.queue.queued())
	})
}

func TestService_RestoreBackup(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to the local copy", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		require.NoError(t, h.primary.Delete(ctx, rec.StoragePath))
		data, err := h.service.RestoreBackup(ctx, rec.ID, MasterKey{})
		require.NoError(t, err)
		assert.Equal(t, 1, data.RecordCount("invoices"))

		report, err := h.service.VerifyBackup(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, LocalBackendName, report.Source)
		assert.True(t, report.Valid())
	})

	t.Run("no readable copy", func(t *testing.T) {
		h := newHarness(t, harnessOptions{noLocal: true})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		require.NoError(t, h.primary.Delete(ctx, rec.StoragePath))
		_, err = h.service.RestoreBackup(ctx, rec.ID, MasterKey{})
		assert.True(t, IsType(err, BackupErrorTypeNotFound))
	})

	t.Run("tampered artifact", func(t *testing.T) {
		h := newHarness(t, harnessOptions{noLocal: true})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		tampered := *h.primary.objects[rec.StoragePath]
		tampered.Checksum = CalculateChecksum([]byte("something else"))
		h.primary.objects[rec.StoragePath] = &tampered

		_, err = h.service.RestoreBackup(ctx, rec.ID, MasterKey{})
		assert.True(t, IsType(err, BackupErrorTypeIntegrity))

		report, err := h.service.VerifyBackup(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, report.ChecksumValid)
		assert.False(t, report.Valid())
		assert.NotEmpty(t, report.Errors)
	})

	t.Run("wrong key", func(t *testing.T) {
		h := newHarness(t, harnessOptions{noLocal: true})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		_, err = h.service.RestoreBackup(ctx, rec.ID, otherTestKey(t, 1))
		assert.True(t, IsType(err, BackupErrorTypeAuthentication))
	})

	t.Run("unknown key version", func(t *testing.T) {
		h := newHarness(t, harnessOptions{noLocal: true})
		rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
		require.NoError(t, err)

		rotated := *h.primary.objects[rec.StoragePath]
		rotated.KeyVersion = 9
		h.primary.objects[rec.StoragePath] = &rotated

		_, err = h.service.RestoreBackup(ctx, rec.ID, MasterKey{})
		assert.True(t, IsType(err, BackupErrorTypeEncryption))
	})
}

func TestService_VerifyBackup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{})

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)

	report, err := h.service.VerifyBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid())
	assert.Equal(t, PrimaryBackendName, report.Source)
	assert.Equal(t, map[string]int{"clients": 2, "invoices": 1, "settings": 0}, report.Sections)
	assert.Empty(t, report.Errors)
}

func TestService_ExportArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "exports", rec.Filename)
	n, err := h.service.ExportArtifact(ctx, rec.ID, path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), n)

	want, err := MarshalArtifact(h.primary.objects[rec.StoragePath])
	require.NoError(t, err)
	assert.Equal(t, want, raw)

	parsed, err := UnmarshalArtifact(raw)
	require.NoError(t, err)
	data, err := h.codec.Open(parsed, testKey(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, data.RecordCount("clients"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestService_PinUnpin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)

	pinned, err := h.service.PinBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)
	assert.Nil(t, pinned.ExpiresAt)

	stored, err := h.registry.GetBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPinned)
	assert.Nil(t, stored.ExpiresAt)

	sched, err := NewSchedule("alice", 10, FrequencyDaily, "full", h.now)
	require.NoError(t, err)
	require.NoError(t, h.registry.UpsertSchedule(ctx, sched))
	h.runner.InvalidatePolicy("alice")

	unpinned, err := h.service.UnpinBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, unpinned.IsPinned)
	require.NotNil(t, unpinned.ExpiresAt)
	assert.Equal(t, rec.CreatedAt.AddDate(0, 0, 10), *unpinned.ExpiresAt)
}

func TestService_PinExpiredBackup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	rec.Status = BackupStatusExpired
	require.NoError(t, h.registry.UpdateBackup(ctx, rec))

	pinned, err := h.service.PinBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, BackupStatusActive, pinned.Status)
	assert.True(t, pinned.IsPinned)

	require.NoError(t, h.service.DeleteBackup(ctx, rec.ID))
	_, err = h.service.PinBackup(ctx, rec.ID)
	assert.True(t, IsType(err, BackupErrorTypeNotFound))
}

func TestService_PinQueuedWhenRegistryUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})

	rec, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)

	service, err := NewService(SchedulerConfig{}, TimeoutConfig{}, RetentionConfig{DefaultDays: 30}, ServiceDependencies{
		Registry: flakyRegistry{h.registry},
		Runner:   h.runner,
		Primary:  h.primary,
		Codec:    h.codec,
		Keys:     h.keys,
		Queue:    h.queue,
	})
	require.NoError(t, err)

	pinned, err := service.PinBackup(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)
	assert.Equal(t, []string{ActionMetadataUpdate}, h.queue.queued())

	h.queue.err = errors.New("queue closed")
	_, err = service.UnpinBackup(ctx, rec.ID)
	assert.EqualError(t, err, "queue closed")
}

func TestService_UpdateSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true})

	_, err := h.service.GetSchedule(ctx, "alice")
	assert.True(t, IsType(err, BackupErrorTypeNotFound))

	created, err := h.service.UpdateSchedule(ctx, "alice", SchedulePolicy{})
	require.NoError(t, err)
	assert.Equal(t, 30, created.RetentionDays)
	assert.Equal(t, FrequencyDaily, created.Frequency)
	assert.Equal(t, "full", created.BackupType)
	assert.True(t, created.Enabled)
	assert.Equal(t, h.now.Truncate(24*time.Hour).Add(24*time.Hour), created.NextRunAt)

	updated, err := h.service.UpdateSchedule(ctx, "alice", SchedulePolicy{RetentionDays: 90, BackupType: "settings"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 90, updated.RetentionDays)
	assert.Equal(t, "settings", updated.BackupType)
	assert.Equal(t, created.NextRunAt, updated.NextRunAt, "same frequency keeps the cadence")

	policy, err := h.runner.Policy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 90, policy.RetentionDays, "the cached policy is invalidated")

	h.now = h.now.Add(90 * time.Minute)
	hourly, err := h.service.UpdateSchedule(ctx, "alice", SchedulePolicy{Frequency: FrequencyHourly})
	require.NoError(t, err)
	assert.Equal(t, h.now.Truncate(time.Hour).Add(time.Hour), hourly.NextRunAt)

	disabled := false
	off, err := h.service.UpdateSchedule(ctx, "alice", SchedulePolicy{Enabled: &disabled})
	require.NoError(t, err)
	assert.False(t, off.Enabled)

	stored, err := h.service.GetSchedule(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, FrequencyHourly, stored.Frequency)
	assert.Equal(t, 90, stored.RetentionDays)

	_, err = h.service.UpdateSchedule(ctx, "alice", SchedulePolicy{
		RetentionDays: MaxRetentionDays + 1,
		Frequency:     "every other tuesday",
		BackupType:    "everything",
	})
	require.Error(t, err)
	assert.True(t, IsType(err, BackupErrorTypeValidation))
	assert.Equal(t, []string{"retention_days", "frequency", "backup_type"}, validationFields(t, err))
}

func TestService_JobsAndMirror(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true, withMirror: true})

	_, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)
	_, err = h.service.CreateBackup(ctx, "alice", "settings", CreateOptions{})
	require.NoError(t, err)

	jobs, err := h.service.ListJobs(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	url, err := h.service.MirrorAuthURL("alice")
	require.NoError(t, err)
	assert.Equal(t, "https://consent.example/?state=alice", url)

	assert.NoError(t, h.service.ConnectMirror(ctx, "alice", "auth-code"))
	err = h.service.ConnectMirror(ctx, "alice", "")
	assert.True(t, IsType(err, BackupErrorTypeValidation))
}

func TestService_NoMirrorConfigured(t *testing.T) {
	h := newHarness(t, harnessOptions{noLocal: true})

	_, err := h.service.MirrorAuthURL("alice")
	assert.Error(t, err)
}

func TestService_RejectsMalformedIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{noLocal: true, withMirror: true})
	exportPath := filepath.Join(t.TempDir(), "out.svb")

	calls := []struct {
		name string
		call func() error
	}{
		{"get", func() error { _, err := h.service.GetBackup(ctx, "backup-1"); return err }},
		{"delete", func() error { return h.service.DeleteBackup(ctx, "backup-1") }},
		{"restore", func() error { _, err := h.service.RestoreBackup(ctx, "backup-1", MasterKey{}); return err }},
		{"verify", func() error { _, err := h.service.VerifyBackup(ctx, "backup-1"); return err }},
		{"export", func() error { _, err := h.service.ExportArtifact(ctx, "", exportPath); return err }},
		{"pin", func() error { _, err := h.service.PinBackup(ctx, "backup-1"); return err }},
		{"unpin", func() error { _, err := h.service.UnpinBackup(ctx, "backup-1"); return err }},
		{"schedule", func() error { _, err := h.service.GetSchedule(ctx, "bad owner"); return err }},
		{"jobs", func() error { _, err := h.service.ListJobs(ctx, "bad owner", 5); return err }},
		{"jobs without owner", func() error { _, err := h.service.ListJobs(ctx, "", 5); return err }},
		{"connect mirror", func() error { return h.service.ConnectMirror(ctx, "bad owner", "auth-code") }},
	}
	for _, tt := range calls {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, IsType(err, BackupErrorTypeValidation), "got %v", err)
		})
	}

	_, err := os.Stat(exportPath)
	assert.True(t, os.IsNotExist(err))
}
