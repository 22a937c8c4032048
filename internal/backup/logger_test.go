package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/logging"
)

func readAuditLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestNewAuditLogger(t *testing.T) {
	tests := []struct {
		name           string
		config         AuditLoggerConfig
		expectAuditLog bool
	}{
		{
			name:   "structured logging only",
			config: AuditLoggerConfig{Logger: logging.NewNopLogger()},
		},
		{
			name: "audit trail enabled",
			config: AuditLoggerConfig{
				AuditLogFile:   filepath.Join(t.TempDir(), "audit", "audit.log"),
				EnableAuditLog: true,
			},
			expectAuditLog: true,
		},
		{
			name: "file without enable flag",
			config: AuditLoggerConfig{
				AuditLogFile: filepath.Join(t.TempDir(), "audit.log"),
			},
		},
		{
			name:   "custom correlation id",
			config: AuditLoggerConfig{CorrelationID: "corr-123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			al, err := NewAuditLogger(tt.config)
			require.NoError(t, err)
			defer al.Close()

			assert.NotEmpty(t, al.GetCorrelationID())
			if tt.config.CorrelationID != "" {
				assert.Equal(t, tt.config.CorrelationID, al.GetCorrelationID())
			}
			if tt.expectAuditLog {
				assert.NotNil(t, al.auditLogger)
				assert.FileExists(t, tt.config.AuditLogFile)
			} else {
				assert.Nil(t, al.auditLogger)
			}
		})
	}
}

func TestAuditLogger_LogJobStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	al, err := NewAuditLogger(AuditLoggerConfig{AuditLogFile: path, EnableAuditLog: true, CorrelationID: "corr-1"})
	require.NoError(t, err)

	ctx := logging.CreateContextWithRequestID(context.Background(), "req-9")
	job := &BackupJob{ID: "job-1", OwnerID: "alice", BackupType: "full", Scope: ScopeFull}

	done := al.LogJobStart(ctx, job)
	done(nil, &BackupRecord{ID: "b-1", FileSizeBytes: 42, MirrorStatus: MirrorStatusSkipped})

	failed := al.WithCorrelationID("corr-2").LogJobStart(ctx, job)
	failed(&StepError{Step: StepWritePrimary, Err: errors.New("bucket unreachable")}, nil)
	require.NoError(t, al.Close())

	lines := readAuditLines(t, path)
	require.Len(t, lines, 4)

	assert.Equal(t, "backup_create", lines[0]["operation"])
	assert.Equal(t, "started", lines[0]["result"])
	assert.Equal(t, "req-9", lines[0]["request_id"])

	assert.Equal(t, "success", lines[1]["result"])
	assert.Equal(t, "corr-1", lines[1]["correlation_id"])
	details := lines[1]["details"].(map[string]interface{})
	assert.Equal(t, "b-1", details["backup_id"])

	assert.Equal(t, "failure", lines[3]["result"])
	assert.Equal(t, "corr-2", lines[3]["correlation_id"])
	details = lines[3]["details"].(map[string]interface{})
	assert.Contains(t, details["error"], "bucket unreachable")
}

func TestAuditLogger_Operations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	al, err := NewAuditLogger(AuditLoggerConfig{AuditLogFile: path, EnableAuditLog: true})
	require.NoError(t, err)
	ctx := context.Background()

	al.LogRestore(ctx, "b-1")(nil)
	al.LogDeletion(ctx, "b-1", "requested")(errors.New("denied"))
	al.LogPinChange(ctx, "b-1", true)(nil)
	al.LogPinChange(ctx, "b-1", false)(nil)
	al.LogExport(ctx, "b-1", "/tmp/b-1.svb")(nil)
	al.LogMirrorConnection(ctx, "alice")(nil)
	al.LogScheduleChange(ctx, &BackupSchedule{OwnerID: "alice", Frequency: FrequencyDaily, RetentionDays: 30})(nil)
	require.NoError(t, al.Close())

	lines := readAuditLines(t, path)
	var ops, results []string
	for _, line := range lines {
		ops = append(ops, line["operation"].(string))
		results = append(results, line["result"].(string))
	}
	assert.Equal(t, []string{
		"backup_restore", "backup_delete", "backup_pin", "backup_unpin",
		"backup_export", "mirror_connect", "schedule_update",
	}, ops)
	assert.Equal(t, "failure", results[1])

	details := lines[1]["details"].(map[string]interface{})
	assert.Equal(t, "requested", details["reason"])
	assert.Equal(t, "denied", details["error"])
}

func TestNopAuditLogger(t *testing.T) {
	al := NewNopAuditLogger()
	assert.NotEmpty(t, al.GetCorrelationID())
	assert.NotPanics(t, func() {
		al.LogRestore(context.Background(), "b-1")(errors.New("boom"))
	})
	assert.NoError(t, al.Close())
}
