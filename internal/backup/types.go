package backup

import (
	"os"
	"time"
)

// Scope describes how much of the domain a backup covers.
type Scope string

const (
	ScopeFull         Scope = "full"
	ScopeTenantSubset Scope = "tenant-subset"
	ScopeUserSubset   Scope = "user-subset"
)

const (
	// CurrentSchemaVersion is stamped on every exported bundle.
	CurrentSchemaVersion = 1
	// CurrentFormatVersion is stamped on every sealed artifact.
	CurrentFormatVersion = 1
	// DefaultRetentionDays applies when a schedule does not set one.
	DefaultRetentionDays = 30
)

func isValidScope(s Scope) bool {
	switch s {
	case ScopeFull, ScopeTenantSubset, ScopeUserSubset:
		return true
	}
	return false
}

// Record is one opaque domain record inside a section.
type Record = map[string]interface{}

// BackupData is the plaintext bundle produced by the exporter.
type BackupData struct {
	Scope         Scope               `json:"scope"`
	SubjectID     string              `json:"subject_id"`
	GeneratedAt   time.Time           `json:"generated_at"`
	SchemaVersion int                 `json:"schema_version"`
	Sections      map[string][]Record `json:"sections"`
}

// RecordCount returns the number of records in the named section.
func (d *BackupData) RecordCount(section string) int {
	if d == nil {
		return 0
	}
	return len(d.Sections[section])
}

// EncryptedBackup is the sealed artifact written to storage backends.
type EncryptedBackup struct {
	FormatVersion int             `json:"format_version"`
	IV            []byte          `json:"iv"`
	AuthTag       []byte          `json:"auth_tag"`
	Ciphertext    []byte          `json:"ciphertext"`
	Checksum      string          `json:"checksum"`
	Compression   CompressionType `json:"compression,omitempty"`
	KeyVersion    int             `json:"key_version,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Size returns the number of sealed payload bytes.
func (e *EncryptedBackup) Size() int64 {
	return int64(len(e.Ciphertext) + len(e.IV) + len(e.AuthTag))
}

// BackupStatus is the lifecycle state of a registered backup.
type BackupStatus string

const (
	BackupStatusActive  BackupStatus = "active"
	BackupStatusExpired BackupStatus = "expired"
	BackupStatusDeleted BackupStatus = "deleted"
)

// MirrorStatus records what happened to the optional cloud mirror copy.
type MirrorStatus string

const (
	MirrorStatusNone     MirrorStatus = "none"
	MirrorStatusMirrored MirrorStatus = "mirrored"
	MirrorStatusFailed   MirrorStatus = "failed"
	MirrorStatusSkipped  MirrorStatus = "skipped"
)

// BackupRecord is the registry's metadata about one stored backup.
type BackupRecord struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"owner_id"`
	SecondaryOwnerID string       `json:"secondary_owner_id,omitempty"`
	Filename         string       `json:"filename"`
	StoragePath      string       `json:"storage_path"`
	FileSizeBytes    int64        `json:"file_size_bytes"`
	BackupType       string       `json:"backup_type"`
	Checksum         string       `json:"checksum"`
	FormatVersion    int          `json:"format_version"`
	IsPinned         bool         `json:"is_pinned"`
	Status           BackupStatus `json:"status"`
	IsLocalOnly      bool         `json:"is_local_only"`
	LocalPath        string       `json:"local_path,omitempty"`
	MirrorStatus     MirrorStatus `json:"mirror_status"`
	MirrorRef        string       `json:"mirror_ref,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ComputeExpiry returns created+retention, or nil for pinned backups.
func ComputeExpiry(createdAt time.Time, retentionDays int, pinned bool) *time.Time {
	if pinned {
		return nil
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	t := createdAt.AddDate(0, 0, retentionDays)
	return &t
}

// IsExpired reports whether an unpinned record has passed its expiry.
func (r *BackupRecord) IsExpired(now time.Time) bool {
	return !r.IsPinned && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// BackupSchedule is an owner's recurring backup configuration.
type BackupSchedule struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	RetentionDays int        `json:"retention_days"`
	Frequency     string     `json:"frequency"`
	BackupType    string     `json:"backup_type"`
	Enabled       bool       `json:"enabled"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

// JobStatus is the state of one backup job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Pipeline steps, recorded as BackupJob.FailedStep.
const (
	StepExport       = "export"
	StepEncrypt      = "encrypt"
	StepWritePrimary = "write-primary"
	StepRegister     = "register"
	StepMirror       = "mirror"
	StepWriteLocal   = "write-local"
)

// BackupJob is one attempt to produce a backup.
type BackupJob struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
	OwnerID     string    `json:"owner_id"`
	BackupType  string    `json:"backup_type"`
	Scope       Scope     `json:"scope"`
	SubjectID   string    `json:"subject_id,omitempty"`
	Status      JobStatus `json:"status"`
	AttemptedAt time.Time `json:"attempted_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	FailedStep  string    `json:"failed_step,omitempty"`
	Error       string    `json:"error,omitempty"`
	BackupID    string    `json:"backup_id,omitempty"`
}

// ScopeOptions narrows what the exporter asks the provider for.
type ScopeOptions struct {
	Scope       Scope
	SubjectID   string
	TenantID    string
	IncludeSoft bool
}

// BackupFilter filters registry listings. Zero values match everything.
type BackupFilter struct {
	OwnerID       string
	Status        BackupStatus
	WithLocalCopy bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// CompressionType names the codec applied before sealing.
type CompressionType string

const (
	CompressionTypeNone CompressionType = "NONE"
	CompressionTypeGzip CompressionType = "GZIP"
	CompressionTypeLZ4  CompressionType = "LZ4"
	CompressionTypeZstd CompressionType = "ZSTD"
)

func isValidCompressionType(ct CompressionType) bool {
	switch ct {
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
		return true
	}
	return false
}

// StorageProviderType selects the primary store implementation.
type StorageProviderType string

const (
	StorageProviderLocal StorageProviderType = "LOCAL"
	StorageProviderS3    StorageProviderType = "S3"
	StorageProviderAzure StorageProviderType = "AZURE"
	StorageProviderGCS   StorageProviderType = "GCS"
)

func isValidStorageProviderType(pt StorageProviderType) bool {
	switch pt {
	case StorageProviderLocal, StorageProviderS3, StorageProviderAzure, StorageProviderGCS:
		return true
	}
	return false
}

// StorageConfig defines storage provider configuration
type StorageConfig struct {
	Provider StorageProviderType `yaml:"provider" mapstructure:"provider"`
	Local    *LocalConfig        `yaml:"local,omitempty" mapstructure:"local"`
	S3       *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Azure    *AzureConfig        `yaml:"azure,omitempty" mapstructure:"azure"`
	GCS      *GCSConfig          `yaml:"gcs,omitempty" mapstructure:"gcs"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath    string      `yaml:"base_path" mapstructure:"base_path"`
	Permissions os.FileMode `yaml:"permissions" mapstructure:"permissions"`
}

// S3Config for Amazon S3 or S3-compatible storage
type S3Config struct {
	Bucket         string `yaml:"bucket" mapstructure:"bucket"`
	Region         string `yaml:"region" mapstructure:"region"`
	AccessKey      string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey      string `yaml:"secret_key" mapstructure:"secret_key"`
	Endpoint       string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style,omitempty" mapstructure:"force_path_style"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
}
