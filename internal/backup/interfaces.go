package backup

import (
	"context"
	"time"
)

// DomainDataProvider supplies the records of one section for one owner.
// It is the only way the backup subsystem reads business data.
type DomainDataProvider interface {
	ProvideSection(ctx context.Context, ownerID, section string, opts ScopeOptions) ([]Record, error)
}

// DomainDataProviderFunc adapts a function to DomainDataProvider.
type DomainDataProviderFunc func(ctx context.Context, ownerID, section string, opts ScopeOptions) ([]Record, error)

// ProvideSection implements DomainDataProvider.
func (f DomainDataProviderFunc) ProvideSection(ctx context.Context, ownerID, section string, opts ScopeOptions) ([]Record, error) {
	return f(ctx, ownerID, section, opts)
}

// WriteOptions controls Backend.Write.
type WriteOptions struct {
	// Overwrite replaces an existing object with different content instead
	// of failing with a ConflictError.
	Overwrite bool
}

// Usage reports how much a backend currently holds.
type Usage struct {
	Objects int64 `json:"objects"`
	Bytes   int64 `json:"bytes"`
}

// Backend stores sealed artifacts under opaque keys.
//
// Write is idempotent: writing the same artifact twice succeeds and leaves
// one object. Writing different content under an existing key fails with a
// ConflictError unless Overwrite is set. Read of a missing key fails with
// NotFoundError; Delete of a missing key succeeds.
type Backend interface {
	Name() string
	Write(ctx context.Context, key string, artifact *EncryptedBackup, opts WriteOptions) (string, error)
	Read(ctx context.Context, ref string) (*EncryptedBackup, error)
	Delete(ctx context.Context, ref string) error
	Usage(ctx context.Context) (Usage, error)
}

// Mirror is the optional best-effort cloud copy. Implementations must never
// block a job on failure; callers treat every error as a warning.
type Mirror interface {
	Enabled() bool
	// AuthURL returns the consent page an owner visits to authorize uploads.
	AuthURL(state string) (string, error)
	// Connect exchanges an authorization code and stores the sealed token.
	Connect(ctx context.Context, ownerID, code string) error
	// Upload fails with ErrMirrorNotConnected when the owner has no active
	// connection.
	Upload(ctx context.Context, ownerID, filename string, artifact []byte) (string, error)
	Delete(ctx context.Context, ownerID, ref string) error
}

// MirrorConnection is an owner's authorization for the cloud mirror. The
// token is stored sealed with the master key.
type MirrorConnection struct {
	OwnerID      string    `json:"owner_id"`
	SealedToken  []byte    `json:"-"`
	Active       bool      `json:"active"`
	AuthFailures int       `json:"auth_failures"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry is the durable store of backup metadata, schedules and jobs.
type Registry interface {
	CreateBackup(ctx context.Context, rec *BackupRecord) error
	GetBackup(ctx context.Context, id string) (*BackupRecord, error)
	UpdateBackup(ctx context.Context, rec *BackupRecord) error
	ListBackups(ctx context.Context, filter BackupFilter) ([]*BackupRecord, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*BackupRecord, error)
	ListByStatus(ctx context.Context, status BackupStatus, limit int) ([]*BackupRecord, error)

	GetSchedule(ctx context.Context, ownerID string) (*BackupSchedule, error)
	UpsertSchedule(ctx context.Context, s *BackupSchedule) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*BackupSchedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	CreateJob(ctx context.Context, job *BackupJob) error
	UpdateJob(ctx context.Context, job *BackupJob) error
	GetJob(ctx context.Context, id string) (*BackupJob, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]*BackupJob, error)

	SaveMirrorConnection(ctx context.Context, conn *MirrorConnection) error
	GetMirrorConnection(ctx context.Context, ownerID string) (*MirrorConnection, error)

	Close() error
}

// JobSubmitter accepts jobs for asynchronous execution.
type JobSubmitter interface {
	Submit(job *BackupJob) error
}

// SyncEnqueuer records a storage action to be replayed once the primary
// store is reachable again.
type SyncEnqueuer interface {
	EnqueueAction(ctx context.Context, action string, payload []byte) error
}
