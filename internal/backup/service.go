package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"snapvault/internal/logging"
)

// CreateOptions narrows an on-demand backup.
type CreateOptions struct {
	Scope     Scope
	SubjectID string
	// Offline writes to the local store only and queues the primary upload.
	Offline bool
}

// SchedulePolicy is an owner's requested schedule. Zero values keep the
// current setting.
type SchedulePolicy struct {
	RetentionDays int    `json:"retention_days,omitempty"`
	Frequency     string `json:"frequency,omitempty"`
	BackupType    string `json:"backup_type,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"`
}

// ServiceDependencies are the collaborators of a Service. Local, Mirror and
// Queue are optional.
type ServiceDependencies struct {
	Registry Registry
	Runner   *JobRunner
	Reaper   *RetentionManager
	Primary  Backend
	Local    *LocalStore
	Mirror   Mirror
	Codec    *Codec
	Keys     *KeyRing
	Queue    SyncEnqueuer
	Audit    *AuditLogger
	Logger   *logging.Logger
}

// Service is the public backup API.
type Service struct {
	registry  Registry
	runner    *JobRunner
	reaper    *RetentionManager
	primary   Backend
	local     *LocalStore
	mirror    Mirror
	codec     *Codec
	keys      *KeyRing
	queue     SyncEnqueuer
	audit     *AuditLogger
	validator *BackupValidator
	check     *Validator
	logger    *logging.Logger
	scheduler SchedulerConfig
	timeouts  TimeoutConfig
	retention RetentionConfig
	now       func() time.Time
}

// NewService creates the service.
func NewService(scheduler SchedulerConfig, timeouts TimeoutConfig, retention RetentionConfig, deps ServiceDependencies) (*Service, error) {
	if deps.Registry == nil || deps.Runner == nil || deps.Primary == nil || deps.Codec == nil || deps.Keys == nil {
		return nil, NewConfigurationError("service requires a registry, runner, primary store, codec and key ring", nil)
	}
	scheduler.SetDefaults()
	timeouts.SetDefaults()
	retention.SetDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Audit == nil {
		deps.Audit = NewNopAuditLogger()
	}
	if deps.Mirror == nil {
		deps.Mirror = NoopMirror{}
	}
	if deps.Reaper == nil {
		deps.Reaper = NewRetentionManager(retention, timeouts, deps.Registry, deps.Primary, deps.Local, deps.Mirror, deps.Logger)
	}
	return &Service{
		registry:  deps.Registry,
		runner:    deps.Runner,
		reaper:    deps.Reaper,
		primary:   deps.Primary,
		local:     deps.Local,
		mirror:    deps.Mirror,
		codec:     deps.Codec,
		keys:      deps.Keys,
		queue:     deps.Queue,
		audit:     deps.Audit,
		validator: NewBackupValidator(deps.Codec),
		check:     NewValidator(),
		logger:    deps.Logger,
		scheduler: scheduler,
		timeouts:  timeouts,
		retention: retention,
		now:       time.Now,
	}, nil
}

// CreateBackup runs a backup for owner synchronously and returns its record.
func (s *Service) CreateBackup(ctx context.Context, ownerID, backupType string, opts CreateOptions) (*BackupRecord, error) {
	if err := s.check.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	if backupType == "" {
		backupType = s.scheduler.DefaultType
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopeFull
	}
	if !isValidScope(scope) {
		return nil, NewValidationError(fmt.Sprintf("invalid scope %q", scope), nil)
	}
	if scope != ScopeFull && opts.SubjectID == "" {
		return nil, NewValidationError("subset backups require a subject id", nil)
	}

	job := &BackupJob{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		BackupType: backupType,
		Scope:      scope,
		SubjectID:  opts.SubjectID,
		Status:     JobStatusPending,
	}
	if opts.Offline {
		return s.runner.RunOffline(ctx, job)
	}
	return s.runner.Run(ctx, job)
}

// ListBackups returns owner's backups that have not been deleted, newest
// first.
func (s *Service) ListBackups(ctx context.Context, ownerID string) ([]*BackupRecord, error) {
	if err := s.check.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	all, err := s.registry.ListBackups(ctx, BackupFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	records := make([]*BackupRecord, 0, len(all))
	for _, rec := range all {
		if rec.Status != BackupStatusDeleted {
			records = append(records, rec)
		}
	}
	return records, nil
}

// FindBackups lists registry records matching filter, deleted ones included
// when the filter asks for them.
func (s *Service) FindBackups(ctx context.Context, filter BackupFilter) ([]*BackupRecord, error) {
	if err := s.check.ValidateBackupFilter(filter); err != nil {
		return nil, NewValidationError("invalid backup filter", err)
	}
	return s.registry.ListBackups(ctx, filter)
}

func (s *Service) knownType(backupType string) bool {
	_, ok := s.runner.exporter.Sections(backupType)
	return ok
}

// GetBackup returns one backup record.
func (s *Service) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	return s.lookup(ctx, id)
}

// lookup reads the record of a well-formed backup id.
func (s *Service) lookup(ctx context.Context, id string) (*BackupRecord, error) {
	if err := s.check.ValidateBackupID(id); err != nil {
		return nil, err
	}
	return s.registry.GetBackup(ctx, id)
}

// DeleteBackup removes every copy of a backup and marks it deleted. Deleting
// an already deleted backup succeeds. When the primary store is unreachable
// and a sync queue is configured the delete is queued and replayed later.
func (s *Service) DeleteBackup(ctx context.Context, id string) (err error) {
	done := s.audit.LogDeletion(ctx, id, "requested")
	defer func() { done(err) }()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == BackupStatusDeleted {
		return nil
	}

	err = s.reaper.Purge(ctx, rec)
	if err == nil || !IsTransient(err) || s.queue == nil || rec.StoragePath == "" {
		return err
	}

	payload, merr := marshalPayload(StorageAction{
		BackupID: rec.ID,
		Backend:  PrimaryBackendName,
		Key:      rec.StoragePath,
	})
	if merr != nil {
		return merr
	}
	if qerr := s.queue.EnqueueAction(ctx, ActionStorageDelete, payload); qerr != nil {
		return qerr
	}
	s.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"error":     err.Error(),
	}).Warn("Primary store unreachable, delete queued for replay")
	return nil
}

// RestoreBackup reads, verifies and decrypts a backup. A zero key selects
// the configured key matching the artifact's key version.
func (s *Service) RestoreBackup(ctx context.Context, id string, key MasterKey) (data *BackupData, err error) {
	done := s.audit.LogRestore(ctx, id)
	defer func() { done(err) }()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == BackupStatusDeleted {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s has been deleted", id), nil)
	}

	artifact, _, err := s.readArtifact(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateIntegrity(rec, artifact); err != nil {
		return nil, err
	}

	if key.IsZero() {
		key, err = s.keyFor(artifact)
		if err != nil {
			return nil, err
		}
	}
	return s.validator.ValidateRestorability(artifact, key)
}

// VerifyBackup reads a backup from storage and checks its format, checksum,
// decryption with the configured keys, and that every section of its type
// is present. Nothing is modified.
func (s *Service) VerifyBackup(ctx context.Context, id string) (*VerificationReport, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == BackupStatusDeleted {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s has been deleted", id), nil)
	}

	artifact, source, err := s.readArtifact(ctx, rec)
	if err != nil {
		return nil, err
	}
	key, err := s.keyFor(artifact)
	if err != nil {
		return nil, err
	}
	sections, _ := s.runner.exporter.Sections(rec.BackupType)

	report := s.validator.Verify(rec, artifact, key, sections)
	report.Source = source
	s.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"source":    source,
		"valid":     report.Valid(),
	}).Info("Backup verified")
	return report, nil
}

func (s *Service) keyFor(artifact *EncryptedBackup) (MasterKey, error) {
	if artifact.KeyVersion == 0 {
		return s.keys.Current(), nil
	}
	key, ok := s.keys.Get(artifact.KeyVersion)
	if !ok {
		return MasterKey{}, NewEncryptionError(fmt.Sprintf("no key configured for key version %d", artifact.KeyVersion), nil)
	}
	return key, nil
}

// readArtifact prefers the primary store and falls back to the local copy
// when the primary object is missing or unreachable. It also returns which
// backend served the read.
func (s *Service) readArtifact(ctx context.Context, rec *BackupRecord) (*EncryptedBackup, string, error) {
	var primaryErr error
	if !rec.IsLocalOnly && rec.StoragePath != "" {
		readCtx, cancel := context.WithTimeout(ctx, s.timeouts.Primary)
		artifact, err := s.primary.Read(readCtx, rec.StoragePath)
		cancel()
		if err == nil {
			return artifact, PrimaryBackendName, nil
		}
		if !IsTransient(err) && !IsType(err, BackupErrorTypeNotFound) {
			return nil, "", err
		}
		primaryErr = err
	}

	if rec.LocalPath != "" && s.local != nil {
		readCtx, cancel := context.WithTimeout(ctx, s.timeouts.Local)
		defer cancel()
		artifact, err := s.local.Read(readCtx, rec.LocalPath)
		if err == nil {
			if primaryErr != nil {
				s.logger.WithFields(map[string]interface{}{
					"backup_id": rec.ID,
					"error":     primaryErr.Error(),
				}).Warn("Reading local copy, primary store read failed")
			}
			return artifact, LocalBackendName, nil
		}
		if primaryErr == nil {
			return nil, "", err
		}
	}
	if primaryErr != nil {
		return nil, "", primaryErr
	}
	return nil, "", NewNotFoundError(fmt.Sprintf("backup %s has no readable copy", rec.ID), nil)
}

// ExportArtifact writes the stored artifact to path exactly as stored. The
// file is written to a temporary name first and renamed into place.
func (s *Service) ExportArtifact(ctx context.Context, id, path string) (n int64, err error) {
	done := s.audit.LogExport(ctx, id, path)
	defer func() { done(err) }()

	rec, err := s.lookup(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.Status == BackupStatusDeleted {
		return 0, NewNotFoundError(fmt.Sprintf("backup %s has been deleted", id), nil)
	}
	raw, err := s.readRaw(ctx, rec)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return 0, NewStorageError("failed to create export directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return 0, NewStorageError("failed to create export file", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return 0, NewStorageError("failed to write export file", err)
	}
	if err = tmp.Close(); err != nil {
		return 0, NewStorageError("failed to close export file", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return 0, NewStorageError("failed to move export file into place", err)
	}
	return int64(len(raw)), nil
}

type rawReader interface {
	ReadRaw(ctx context.Context, ref string) ([]byte, error)
}

func (s *Service) readRaw(ctx context.Context, rec *BackupRecord) ([]byte, error) {
	if !rec.IsLocalOnly && rec.StoragePath != "" {
		readCtx, cancel := context.WithTimeout(ctx, s.timeouts.Primary)
		defer cancel()
		if rr, ok := s.primary.(rawReader); ok {
			raw, err := rr.ReadRaw(readCtx, rec.StoragePath)
			if err == nil || s.local == nil || rec.LocalPath == "" {
				return raw, err
			}
		} else {
			artifact, err := s.primary.Read(readCtx, rec.StoragePath)
			if err == nil {
				return MarshalArtifact(artifact)
			}
			if s.local == nil || rec.LocalPath == "" {
				return nil, err
			}
		}
	}
	if s.local == nil || rec.LocalPath == "" {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s has no readable copy", rec.ID), nil)
	}
	readCtx, cancel := context.WithTimeout(ctx, s.timeouts.Local)
	defer cancel()
	return s.local.ReadRaw(readCtx, rec.LocalPath)
}

// PinBackup exempts a backup from expiry. Pinning an expired backup that has
// not been purged yet makes it active again.
func (s *Service) PinBackup(ctx context.Context, id string) (rec *BackupRecord, err error) {
	done := s.audit.LogPinChange(ctx, id, true)
	defer func() { done(err) }()

	rec, err = s.liveRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	pinned := true
	upd := MetadataUpdate{BackupID: rec.ID, IsPinned: &pinned}
	if rec.Status == BackupStatusExpired {
		upd.Status = string(BackupStatusActive)
	}
	if err := s.applyUpdate(ctx, rec, upd); err != nil {
		return nil, err
	}
	return rec, nil
}

// UnpinBackup makes a backup subject to expiry again, using the owner's
// current retention policy.
func (s *Service) UnpinBackup(ctx context.Context, id string) (rec *BackupRecord, err error) {
	done := s.audit.LogPinChange(ctx, id, false)
	defer func() { done(err) }()

	rec, err = s.liveRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := s.runner.Policy(ctx, rec.OwnerID)
	if err != nil {
		return nil, err
	}
	pinned := false
	upd := MetadataUpdate{
		BackupID:  rec.ID,
		IsPinned:  &pinned,
		ExpiresAt: ComputeExpiry(rec.CreatedAt, policy.RetentionDays, false),
	}
	if err := s.applyUpdate(ctx, rec, upd); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) liveRecord(ctx context.Context, id string) (*BackupRecord, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == BackupStatusDeleted {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s has been deleted", id), nil)
	}
	return rec, nil
}

// applyUpdate writes a metadata change. A transient registry failure is
// queued as metadata_update when a sync queue is configured.
func (s *Service) applyUpdate(ctx context.Context, rec *BackupRecord, upd MetadataUpdate) error {
	if err := upd.Apply(rec); err != nil {
		return err
	}
	err := s.registry.UpdateBackup(ctx, rec)
	if err == nil || !IsTransient(err) || s.queue == nil {
		return err
	}
	payload, merr := marshalPayload(upd)
	if merr != nil {
		return merr
	}
	if qerr := s.queue.EnqueueAction(ctx, ActionMetadataUpdate, payload); qerr != nil {
		return qerr
	}
	s.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"error":     err.Error(),
	}).Warn("Registry unreachable, metadata update queued for replay")
	return nil
}

// GetSchedule returns owner's schedule.
func (s *Service) GetSchedule(ctx context.Context, ownerID string) (*BackupSchedule, error) {
	if err := s.check.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	return s.registry.GetSchedule(ctx, ownerID)
}

// UpdateSchedule creates or changes owner's schedule. A changed frequency
// restarts the cadence from now. Retention changes apply to backups created
// afterwards.
func (s *Service) UpdateSchedule(ctx context.Context, ownerID string, policy SchedulePolicy) (sched *BackupSchedule, err error) {
	if err := s.check.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	if err := s.check.ValidateSchedulePolicy(policy, s.knownType); err != nil {
		return nil, NewValidationError("invalid schedule", err)
	}
	now := s.now().UTC()

	sched, err = s.registry.GetSchedule(ctx, ownerID)
	switch {
	case IsType(err, BackupErrorTypeNotFound):
		sched, err = NewSchedule(
			ownerID,
			firstPositive(policy.RetentionDays, s.retention.DefaultDays),
			firstNonEmpty(policy.Frequency, s.scheduler.DefaultFrequency),
			firstNonEmpty(policy.BackupType, s.scheduler.DefaultType),
			now,
		)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if policy.RetentionDays > 0 {
			sched.RetentionDays = policy.RetentionDays
		}
		if policy.BackupType != "" {
			sched.BackupType = policy.BackupType
		}
		if policy.Frequency != "" && policy.Frequency != sched.Frequency {
			next, ferr := NextRun(policy.Frequency, now)
			if ferr != nil {
				return nil, NewValidationError("invalid frequency", ferr)
			}
			sched.Frequency = policy.Frequency
			sched.NextRunAt = next
		}
	}
	if policy.Enabled != nil {
		sched.Enabled = *policy.Enabled
	}

	done := s.audit.LogScheduleChange(ctx, sched)
	defer func() { done(err) }()

	if err = s.registry.UpsertSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.runner.InvalidatePolicy(ownerID)
	return sched, nil
}

// ListJobs returns owner's most recent jobs.
func (s *Service) ListJobs(ctx context.Context, ownerID string, limit int) ([]*BackupJob, error) {
	if err := s.check.ValidateOwnerID(ownerID); err != nil {
		return nil, err
	}
	return s.registry.ListJobs(ctx, ownerID, limit)
}

// MirrorAuthURL returns the consent page for connecting the cloud mirror.
func (s *Service) MirrorAuthURL(state string) (string, error) {
	return s.mirror.AuthURL(state)
}

// ConnectMirror completes the cloud mirror authorization for owner.
func (s *Service) ConnectMirror(ctx context.Context, ownerID, code string) (err error) {
	done := s.audit.LogMirrorConnection(ctx, ownerID)
	defer func() { done(err) }()

	if err := s.check.ValidateOwnerID(ownerID); err != nil {
		return err
	}
	if code == "" {
		return NewValidationError("authorization code is required", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Mirror)
	defer cancel()
	return s.mirror.Connect(ctx, ownerID, code)
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
