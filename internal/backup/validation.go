package backup

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Owner ids become object key segments, so slashes and dots-only names are
// rejected.
var ownerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@:+-]{0,190}$`)

// MaxRetentionDays bounds a schedule's retention.
const MaxRetentionDays = 3650

// Validator checks caller-supplied identifiers and request parameters.
type Validator struct{}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateOwnerID checks that id can be used as an owner id.
func (v *Validator) ValidateOwnerID(id string) error {
	if id == "" {
		return NewValidationError("owner id is required", nil)
	}
	if !ownerIDPattern.MatchString(id) {
		return NewValidationError(fmt.Sprintf("invalid owner id %q", id), nil).
			WithContext("hint", "use letters, digits and _.@:+- only, at most 191 characters")
	}
	return nil
}

// IsValidBackupID checks if a backup ID has valid format
func (v *Validator) IsValidBackupID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ValidateBackupID returns a ValidationError for malformed ids.
func (v *Validator) ValidateBackupID(id string) error {
	if !v.IsValidBackupID(id) {
		return NewValidationError(fmt.Sprintf("invalid backup id %q", id), nil)
	}
	return nil
}

// ValidateBackupFilter validates backup filter parameters
func (v *Validator) ValidateBackupFilter(filter BackupFilter) error {
	var errs ValidationErrors

	if filter.OwnerID != "" && !ownerIDPattern.MatchString(filter.OwnerID) {
		errs.Add("owner_id", "invalid owner id", filter.OwnerID)
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && filter.CreatedAfter.After(*filter.CreatedBefore) {
		errs.Add("created_after", "start date cannot be after end date",
			fmt.Sprintf("start: %v, end: %v", filter.CreatedAfter, filter.CreatedBefore))
	}
	if filter.Status != "" && !v.IsValidBackupStatus(filter.Status) {
		errs.Add("status", "invalid backup status", filter.Status)
	}
	if filter.Limit < 0 {
		errs.Add("limit", "limit cannot be negative", filter.Limit)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateSchedulePolicy checks a requested schedule change. Zero values
// mean "keep the current setting" and always pass.
func (v *Validator) ValidateSchedulePolicy(policy SchedulePolicy, knownType func(string) bool) error {
	var errs ValidationErrors

	if policy.RetentionDays < 0 || policy.RetentionDays > MaxRetentionDays {
		errs.Add("retention_days", fmt.Sprintf("retention must be between 1 and %d days", MaxRetentionDays), policy.RetentionDays)
	}
	if policy.Frequency != "" {
		if _, err := ParseFrequency(policy.Frequency); err != nil {
			errs.Add("frequency", err.Error(), policy.Frequency)
		}
	}
	if policy.BackupType != "" {
		if !knownType(policy.BackupType) {
			errs.Add("backup_type", "unknown backup type", policy.BackupType)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// IsValidBackupStatus checks if backup status is valid
func (v *Validator) IsValidBackupStatus(status BackupStatus) bool {
	switch status {
	case BackupStatusActive, BackupStatusExpired, BackupStatusDeleted:
		return true
	default:
		return false
	}
}

// addWarning records a stage warning on rec, collapsed to one line and
// bounded in length.
func addWarning(rec *BackupRecord, warning string) {
	rec.Warnings = append(rec.Warnings, sanitizeWarning(warning))
}

func sanitizeWarning(warning string) string {
	warning = strings.Join(strings.Fields(warning), " ")
	if len(warning) > 500 {
		warning = warning[:497] + "..."
	}
	return warning
}
