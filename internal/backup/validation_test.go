package backup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidator_ValidateOwnerID(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"alice", false},
		{"user_42@example.com", false},
		{"tenant:7+eu", false},
		{"", true},
		{"../etc", true},
		{"a/b", true},
		{".hidden", true},
		{strings.Repeat("a", 192), true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := v.ValidateOwnerID(tt.id)
			if tt.wantErr {
				assert.True(t, IsType(err, BackupErrorTypeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidator_BackupID(t *testing.T) {
	v := NewValidator()
	assert.True(t, v.IsValidBackupID("2f1c0c7e-5d5b-4f8e-a0a8-9c2c1d7e4b33"))
	assert.False(t, v.IsValidBackupID("backup-1"))
	assert.NoError(t, v.ValidateBackupID("2f1c0c7e-5d5b-4f8e-a0a8-9c2c1d7e4b33"))
	assert.True(t, IsType(v.ValidateBackupID(""), BackupErrorTypeValidation))
}

func TestValidator_ValidateBackupFilter(t *testing.T) {
	v := NewValidator()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.AddDate(0, 1, 0)

	assert.NoError(t, v.ValidateBackupFilter(BackupFilter{OwnerID: "alice", Status: BackupStatusExpired, CreatedAfter: &early, CreatedBefore: &late}))

	err := v.ValidateBackupFilter(BackupFilter{
		OwnerID:       "a/b",
		Status:        "archived",
		CreatedAfter:  &late,
		CreatedBefore: &early,
		Limit:         -1,
	})
	assert.Equal(t, []string{"owner_id", "created_after", "status", "limit"}, validationFields(t, err))
}

func TestValidator_ValidateSchedulePolicy(t *testing.T) {
	v := NewValidator()
	known := func(name string) bool { return name == "full" }

	assert.NoError(t, v.ValidateSchedulePolicy(SchedulePolicy{}, known), "zero values keep current settings")
	assert.NoError(t, v.ValidateSchedulePolicy(SchedulePolicy{RetentionDays: MaxRetentionDays, Frequency: "0 3 * * 1", BackupType: "full"}, known))

	err := v.ValidateSchedulePolicy(SchedulePolicy{RetentionDays: MaxRetentionDays + 1, Frequency: "fortnightly", BackupType: "partial"}, known)
	assert.Equal(t, []string{"retention_days", "frequency", "backup_type"}, validationFields(t, err))
}

func TestSanitizeWarning(t *testing.T) {
	assert.Equal(t, "mirror upload failed: quota", sanitizeWarning("  mirror upload\n\tfailed:   quota \n"))

	long := sanitizeWarning(strings.Repeat("x", 600))
	assert.Len(t, long, 500)
	assert.True(t, strings.HasSuffix(long, "..."))

	rec := &BackupRecord{}
	addWarning(rec, "local\ncopy skipped")
	assert.Equal(t, []string{"local copy skipped"}, rec.Warnings)
}
