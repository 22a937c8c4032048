package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/backup"
	"snapvault/internal/confirmation"
)

func TestParseDate(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339", "2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), false},
		{"days", "7d", now.AddDate(0, 0, -7), false},
		{"weeks", "2w", now.AddDate(0, 0, -14), false},
		{"months", "3m", now.AddDate(0, -3, 0), false},
		{"unknown unit", "3y", time.Time{}, true},
		{"garbage", "yesterday", time.Time{}, true},
		{"too short", "d", time.Time{}, true},
		{"negative", "-1d", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDate(tt.input, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}

	t.Run("plain date is local midnight", func(t *testing.T) {
		got, err := parseDate("2024-03-01", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local), got)
	})
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in), "formatBytes(%d)", tt.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n  b\tc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "never", formatTimePtr(nil))

	ts := time.Date(2024, 6, 15, 12, 30, 0, 0, time.Local)
	assert.Equal(t, "2024-06-15 12:30", formatTime(ts))
	assert.Equal(t, "2024-06-15 12:30", formatTimePtr(&ts))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", backup.NewValidationError("bad", nil), exitUsage},
		{"configuration", backup.NewConfigurationError("bad", nil), exitUsage},
		{"not found", backup.NewNotFoundError("missing", nil), exitNotFound},
		{"integrity", backup.NewIntegrityError("corrupt", nil), exitIntegrity},
		{"authentication", backup.NewAuthenticationError("wrong key", nil), exitIntegrity},
		{"transient", backup.NewTransientStorageError("timeout", nil), exitTransient},
		{"cancelled", backup.NewCancelledError("stopped", nil), exitCancelled},
		{"interrupted", confirmation.ErrInterrupted, exitCancelled},
		{"wrapped not found", fmt.Errorf("get: %w", backup.NewNotFoundError("missing", nil)), exitNotFound},
		{"step wrapped", &backup.StepError{Step: "upload", Err: backup.NewTransientStorageError("503", nil)}, exitTransient},
		{"plain", errors.New("boom"), exitFailure},
		{"storage", backup.NewStorageError("denied", nil), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestDescribeError(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		assert.Equal(t, "boom", describeError(errors.New("boom")))
	})

	t.Run("context lines are sorted", func(t *testing.T) {
		err := backup.NewNotFoundError("backup b-1 not found", nil).
			WithContext("owner", "alice").
			WithContext("hint", "run 'snapvault backup list'")
		assert.Equal(t,
			"NOT_FOUND_ERROR: backup b-1 not found\n  hint: run 'snapvault backup list'\n  owner: alice",
			describeError(err))
	})

	t.Run("failed step prefix", func(t *testing.T) {
		err := &backup.StepError{Step: "encrypt", Err: errors.New("no key")}
		assert.Equal(t, "[encrypt] encrypt: no key", describeError(err))
	})
}

func withListFlags(t *testing.T, status, since, until string, limit int) {
	t.Helper()
	oldStatus, oldSince, oldUntil, oldLimit := listStatus, listStartDate, listEndDate, listLimit
	listStatus, listStartDate, listEndDate, listLimit = status, since, until, limit
	t.Cleanup(func() {
		listStatus, listStartDate, listEndDate, listLimit = oldStatus, oldSince, oldUntil, oldLimit
	})
}

func TestBuildBackupFilter(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("owner and relative range", func(t *testing.T) {
		withListFlags(t, "active", "7d", "1d", 10)

		f, err := buildBackupFilter([]string{"owner-42"}, now)
		require.NoError(t, err)
		assert.Equal(t, "owner-42", f.OwnerID)
		assert.Equal(t, backup.BackupStatusActive, f.Status)
		assert.Equal(t, 10, f.Limit)
		require.NotNil(t, f.CreatedAfter)
		require.NotNil(t, f.CreatedBefore)
		assert.True(t, f.CreatedAfter.Equal(now.AddDate(0, 0, -7)))
		assert.False(t, isPlainOwnerListing(f))
	})

	t.Run("plain owner listing", func(t *testing.T) {
		withListFlags(t, "", "", "", 0)

		f, err := buildBackupFilter([]string{"owner-42"}, now)
		require.NoError(t, err)
		assert.True(t, isPlainOwnerListing(f))
	})

	t.Run("inverted range", func(t *testing.T) {
		withListFlags(t, "", "1d", "7d", 0)

		_, err := buildBackupFilter(nil, now)
		require.Error(t, err)
		assert.True(t, backup.IsType(err, backup.BackupErrorTypeValidation))
	})

	t.Run("bad date", func(t *testing.T) {
		withListFlags(t, "", "last tuesday", "", 0)

		_, err := buildBackupFilter(nil, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--since")
	})

	t.Run("unknown status", func(t *testing.T) {
		withListFlags(t, "archived", "", "", 0)

		_, err := buildBackupFilter(nil, now)
		assert.Error(t, err)
	})
}

func TestWithoutDeleted(t *testing.T) {
	records := []*backup.BackupRecord{
		{ID: "a", Status: backup.BackupStatusActive},
		{ID: "b", Status: backup.BackupStatusDeleted},
		{ID: "c", Status: backup.BackupStatusExpired},
	}
	got := withoutDeleted(records)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")

	require.NoError(t, writeFileAtomic(path, []byte(`{"ok":true}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestRedactConfig(t *testing.T) {
	cfg := &backup.SystemConfig{}
	cfg.Encryption.KeyHex = "00ff"
	cfg.Encryption.PreviousKeys = []backup.PreviousKeyConfig{{Version: 1, KeyHex: "aa"}, {Version: 2, KeyPath: "/k"}}
	cfg.Mirror.ClientSecret = "shh"
	cfg.Storage.S3 = &backup.S3Config{AccessKey: "AKIA", SecretKey: "secret"}

	redactConfig(cfg)

	assert.Equal(t, redacted, cfg.Encryption.KeyHex)
	assert.Equal(t, redacted, cfg.Encryption.PreviousKeys[0].KeyHex)
	assert.Empty(t, cfg.Encryption.PreviousKeys[1].KeyHex)
	assert.Equal(t, redacted, cfg.Mirror.ClientSecret)
	assert.Equal(t, "AKIA", cfg.Storage.S3.AccessKey)
	assert.Equal(t, redacted, cfg.Storage.S3.SecretKey)
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "2024-06-15", "abc123", "go1.25")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown", "unknown") })

	var out bytes.Buffer
	cmd := createVersionCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "snapvault version 1.2.3")
	assert.Contains(t, out.String(), "Commit: abc123")
}

func TestCommandTree(t *testing.T) {
	want := [][]string{
		{"backup", "create"},
		{"backup", "list"},
		{"backup", "restore"},
		{"backup", "verify"},
		{"backup", "pin"},
		{"schedule", "set"},
		{"jobs"},
		{"sync", "replay"},
		{"sync", "discard"},
		{"health"},
		{"key", "derive"},
		{"config", "init"},
		{"mirror", "connect"},
		{"serve"},
	}
	for _, path := range want {
		found, _, err := rootCmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}
}

func TestScheduleSetNeedsAChange(t *testing.T) {
	err := runScheduleSet(scheduleSetCmd, []string{"owner-42"})
	require.Error(t, err)
	assert.True(t, backup.IsType(err, backup.BackupErrorTypeValidation))
}
