package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// BackupValidator checks stored artifacts against their registry records.
type BackupValidator struct {
	codec *Codec
}

// VerificationReport is the outcome of a full verification.
type VerificationReport struct {
	BackupID      string         `json:"backup_id"`
	Source        string         `json:"source"`
	FormatValid   bool           `json:"format_valid"`
	ChecksumValid bool           `json:"checksum_valid"`
	Decrypted     bool           `json:"decrypted"`
	Complete      bool           `json:"complete"`
	Sections      map[string]int `json:"sections,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
}

// Valid reports whether every check passed.
func (r *VerificationReport) Valid() bool {
	return r.FormatValid && r.ChecksumValid && r.Decrypted && r.Complete
}

// NewBackupValidator creates a new backup validator
func NewBackupValidator(codec *Codec) *BackupValidator {
	return &BackupValidator{codec: codec}
}

// ValidateIntegrity checks the artifact layout and that its checksum is the
// one registered when the backup was created.
func (v *BackupValidator) ValidateIntegrity(rec *BackupRecord, artifact *EncryptedBackup) error {
	if artifact == nil {
		return NewIntegrityError("artifact is nil", nil)
	}
	if !ValidateFormat(artifact) {
		return NewIntegrityError("stored artifact is malformed or has an unsupported format version", nil).
			WithContext("backup_id", rec.ID)
	}
	if rec.Checksum != "" && artifact.Checksum != rec.Checksum {
		return NewIntegrityError("stored artifact does not match the registered checksum", nil).
			WithContext("backup_id", rec.ID)
	}
	return nil
}

// ValidateRestorability decrypts and decodes the artifact.
func (v *BackupValidator) ValidateRestorability(artifact *EncryptedBackup, key MasterKey) (*BackupData, error) {
	return v.codec.Open(artifact, key)
}

// ValidateCompleteness checks that every expected section is present.
// Empty sections count as present.
func (v *BackupValidator) ValidateCompleteness(data *BackupData, sections []string) error {
	var missing []string
	for _, section := range sections {
		if _, ok := data.Sections[section]; !ok {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return NewIntegrityError(fmt.Sprintf("backup is missing sections %v", missing), nil)
	}
	return nil
}

// Verify runs every check and collects the results instead of stopping at
// the first failure.
func (v *BackupValidator) Verify(rec *BackupRecord, artifact *EncryptedBackup, key MasterKey, sections []string) *VerificationReport {
	report := &VerificationReport{BackupID: rec.ID}

	report.FormatValid = ValidateFormat(artifact)
	if err := v.ValidateIntegrity(rec, artifact); err != nil {
		report.Errors = append(report.Errors, err.Error())
		if !report.FormatValid {
			return report
		}
	} else {
		report.ChecksumValid = true
	}

	data, err := v.ValidateRestorability(artifact, key)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Decrypted = true
	report.Sections = make(map[string]int, len(data.Sections))
	for name, records := range data.Sections {
		report.Sections[name] = len(records)
	}

	if err := v.ValidateCompleteness(data, sections); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Complete = true
	return report
}

// CalculateChecksum calculates a checksum for the given data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that the data matches the expected checksum
func VerifyChecksum(data []byte, expectedChecksum string) bool {
	return CalculateChecksum(data) == expectedChecksum
}
