package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "snapvault/internal/errors"
	"snapvault/internal/logging"
)

var (
	// ErrRunnerQueueFull is returned by Submit when every queue slot is taken.
	ErrRunnerQueueFull = errors.New("job runner queue is full")
	// ErrRunnerStopped is returned by Submit before Start or after Stop.
	ErrRunnerStopped = errors.New("job runner is not running")
)

// ArtifactExtension is appended to every artifact filename.
const ArtifactExtension = ".svb"

// RunnerDependencies are the collaborators of a JobRunner. Local and Mirror
// are optional.
type RunnerDependencies struct {
	Exporter *Exporter
	Codec    *Codec
	Keys     *KeyRing
	Primary  Backend
	Local    *LocalStore
	Mirror   Mirror
	Registry Registry
	Audit    *AuditLogger
	Notifier AlertSender
	Logger   *logging.Logger
}

// JobRunner executes backup jobs through export, encrypt, write-primary and
// register, followed by the optional mirror and write-local stages.
type JobRunner struct {
	exporter *Exporter
	codec    *Codec
	keys     *KeyRing
	primary  Backend
	local    *LocalStore
	mirror   Mirror
	registry Registry
	audit    *AuditLogger
	notifier AlertSender
	logger   *logging.Logger
	policies *policyCache

	config   RunnerConfig
	timeouts TimeoutConfig
	retry    apperrors.RetryPolicy
	now      func() time.Time

	owners ownerLocks

	mu      sync.Mutex
	queue   chan *BackupJob
	running bool
	wg      sync.WaitGroup
}

// NewJobRunner creates a runner. Call Start before Submit.
func NewJobRunner(config RunnerConfig, timeouts TimeoutConfig, retention RetentionConfig, deps RunnerDependencies) (*JobRunner, error) {
	config.SetDefaults()
	timeouts.SetDefaults()
	retention.SetDefaults()

	if deps.Exporter == nil || deps.Codec == nil || deps.Keys == nil || deps.Primary == nil || deps.Registry == nil {
		return nil, NewConfigurationError("job runner requires an exporter, codec, key ring, primary store and registry", nil)
	}
	if deps.Mirror == nil {
		deps.Mirror = NoopMirror{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Audit == nil {
		deps.Audit = NewNopAuditLogger()
	}

	return &JobRunner{
		exporter: deps.Exporter,
		codec:    deps.Codec,
		keys:     deps.Keys,
		primary:  deps.Primary,
		local:    deps.Local,
		mirror:   deps.Mirror,
		registry: deps.Registry,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		policies: newPolicyCache(deps.Registry, retention.PolicyTTL, retention.DefaultDays),
		config:   config,
		timeouts: timeouts,
		retry: apperrors.RetryPolicy{
			Attempts: config.ExportAttempts,
			Initial:  config.ExportRetryDelay,
			Max:      30 * time.Second,
			Factor:   2.0,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				deps.Logger.WithFields(map[string]interface{}{
					"attempt": attempt,
					"wait":    wait.String(),
					"error":   err.Error(),
				}).Warn("Export failed, retrying")
			},
		},
		now:    time.Now,
		owners: ownerLocks{locks: make(map[string]*ownerLock)},
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.queue = make(chan *BackupJob, r.config.QueueSize)
	r.running = true

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, r.queue)
	}
	r.logger.WithFields(map[string]interface{}{
		"workers":    r.config.Workers,
		"queue_size": r.config.QueueSize,
	}).Info("Job runner started")
}

// Stop stops accepting jobs and waits for queued jobs to drain.
func (r *JobRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Job runner stopped")
}

func (r *JobRunner) worker(ctx context.Context, queue <-chan *BackupJob) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			// Errors are recorded on the job itself.
			_, _ = r.Run(ctx, job)
		}
	}
}

// Submit queues job without waiting. It fails with ErrRunnerQueueFull when
// the queue is at capacity.
func (r *JobRunner) Submit(job *BackupJob) error {
	if err := r.prepare(job); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrRunnerStopped
	}
	select {
	case r.queue <- job:
		return nil
	default:
		return ErrRunnerQueueFull
	}
}

// Run executes job synchronously and returns the registered record. At most
// one job per owner runs at a time; a second caller waits for the first.
func (r *JobRunner) Run(ctx context.Context, job *BackupJob) (*BackupRecord, error) {
	if err := r.prepare(job); err != nil {
		return nil, err
	}

	unlock, err := r.owners.Lock(ctx, job.OwnerID)
	if err != nil {
		return nil, NewCancelledError("cancelled while waiting for another job of this owner", err)
	}
	defer unlock()

	job.Status = JobStatusRunning
	job.AttemptedAt = r.now().UTC()
	createCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
	err = r.registry.CreateJob(createCtx, job)
	cancel()
	if err != nil {
		r.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Warn("Failed to record job start")
	}

	audit := r.audit.WithCorrelationID(job.ID)
	finish := audit.LogJobStart(ctx, job)

	rec, runErr := r.execute(ctx, job)
	r.finish(ctx, job, rec, runErr)
	finish(runErr, rec)

	if runErr != nil {
		return nil, runErr
	}
	return rec, nil
}

func (r *JobRunner) prepare(job *BackupJob) error {
	if job == nil {
		return NewValidationError("job cannot be nil", nil)
	}
	if job.OwnerID == "" {
		return NewValidationError("job owner id is required", nil)
	}
	if _, ok := r.exporter.Sections(job.BackupType); !ok {
		return NewValidationError(fmt.Sprintf("unknown backup type %q", job.BackupType), nil)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Scope == "" {
		job.Scope = ScopeFull
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	return nil
}

func (r *JobRunner) finish(ctx context.Context, job *BackupJob, rec *BackupRecord, err error) {
	job.FinishedAt = r.now().UTC()
	switch {
	case err == nil:
		job.Status = JobStatusSucceeded
		job.BackupID = rec.ID
	case IsType(err, BackupErrorTypeCancelled):
		job.Status = JobStatusCancelled
		job.FailedStep = FailedStep(err)
		job.Error = err.Error()
	default:
		job.Status = JobStatusFailed
		job.FailedStep = FailedStep(err)
		job.Error = err.Error()
	}
	RecordJob(job.Status, job.FailedStep)

	updCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
	defer cancel()
	if uerr := r.registry.UpdateJob(updCtx, job); uerr != nil {
		r.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"status": string(job.Status),
			"error":  uerr.Error(),
		}).Error("Failed to record job result")
	}

	if job.Status == JobStatusFailed && r.notifier != nil {
		r.notifyFailure(ctx, job)
	}
}

func (r *JobRunner) notifyFailure(ctx context.Context, job *BackupJob) {
	alert := NewAlert(AlertTypeBackupFailure, AlertSeverityCritical, job.OwnerID,
		fmt.Sprintf("Backup failed for %s", job.OwnerID),
		fmt.Sprintf("%s backup failed at step %s: %s", job.BackupType, job.FailedStep, job.Error))
	alert.Metadata = map[string]interface{}{
		"job_id":      job.ID,
		"schedule_id": job.ScheduleID,
		"failed_step": job.FailedStep,
	}
	sendCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Probe)
	defer cancel()
	if err := r.notifier.SendNotification(sendCtx, alert); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Warn("Failed to deliver backup failure alert")
	}
}

// execute runs the pipeline. Nothing is registered unless write-primary
// succeeded.
func (r *JobRunner) execute(ctx context.Context, job *BackupJob) (*BackupRecord, error) {
	var (
		data     *BackupData
		artifact *EncryptedBackup
		ref      string
		rec      *BackupRecord
	)
	createdAt := r.now().UTC().Truncate(time.Millisecond)
	backupID := uuid.New().String()
	key := ObjectKey(job.OwnerID, ArtifactFilename(job.BackupType, createdAt, backupID))

	err := r.stage(ctx, job, StepExport, func() error {
		var err error
		data, err = r.export(ctx, job)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, job, StepEncrypt, func() error {
		var err error
		artifact, err = r.codec.Seal(data, r.keys.Current())
		return err
	})
	if err != nil {
		return nil, err
	}

	// A started write is never interrupted; it runs to completion or timeout.
	err = r.stage(ctx, job, StepWritePrimary, func() error {
		writeCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Primary)
		defer cancel()
		var err error
		ref, err = r.primary.Write(writeCtx, key, artifact, WriteOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, job, StepRegister, func() error {
		regCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
		defer cancel()

		policy, err := r.policies.Get(regCtx, job.OwnerID)
		if err != nil {
			return err
		}
		raw, err := MarshalArtifact(artifact)
		if err != nil {
			return err
		}
		rec = &BackupRecord{
			ID:               backupID,
			OwnerID:          job.OwnerID,
			SecondaryOwnerID: secondaryOwner(job),
			Filename:         keyFilename(key),
			StoragePath:      ref,
			FileSizeBytes:    int64(len(raw)),
			BackupType:       job.BackupType,
			Checksum:         artifact.Checksum,
			FormatVersion:    artifact.FormatVersion,
			Status:           BackupStatusActive,
			MirrorStatus:     MirrorStatusNone,
			ExpiresAt:        ComputeExpiry(createdAt, policy.RetentionDays, false),
			CreatedAt:        createdAt,
		}
		return r.registry.CreateBackup(regCtx, rec)
	})
	if err != nil {
		r.discardUnregistered(ctx, job, ref)
		return nil, err
	}

	// Optional stages only ever add warnings to a registered backup.
	changed := r.runMirror(ctx, job, rec, artifact)
	if r.runLocal(ctx, job, rec, key, artifact) {
		changed = true
	}
	if changed {
		updCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
		defer cancel()
		if err := r.registry.UpdateBackup(updCtx, rec); err != nil {
			r.logger.WithFields(map[string]interface{}{
				"backup_id": rec.ID,
				"error":     err.Error(),
			}).Warn("Failed to record mirror and local copy state")
		}
	}
	return rec, nil
}

// export runs the exporter with a fresh timeout per attempt, retrying
// failures whose cause is transient.
func (r *JobRunner) export(ctx context.Context, job *BackupJob) (*BackupData, error) {
	var data *BackupData
	err := apperrors.Retry(ctx, r.retry, func() error {
		exportCtx, cancel := context.WithTimeout(ctx, r.timeouts.Export)
		defer cancel()
		var err error
		data, err = r.exporter.Export(exportCtx, job.OwnerID, job.BackupType, ScopeOptions{Scope: job.Scope, SubjectID: job.SubjectID})
		return err
	})
	return data, err
}

// RunOffline produces a backup while the primary store is unreachable. The
// artifact goes to the local store, is registered as local-only and is
// queued for upload; the sync replayer later writes it to the primary store
// and clears the flag.
func (r *JobRunner) RunOffline(ctx context.Context, job *BackupJob) (*BackupRecord, error) {
	if r.local == nil {
		return nil, NewConfigurationError("offline backups require a local store", nil)
	}
	if err := r.prepare(job); err != nil {
		return nil, err
	}

	unlock, err := r.owners.Lock(ctx, job.OwnerID)
	if err != nil {
		return nil, NewCancelledError("cancelled while waiting for another job of this owner", err)
	}
	defer unlock()

	job.Status = JobStatusRunning
	job.AttemptedAt = r.now().UTC()
	createCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
	if err := r.registry.CreateJob(createCtx, job); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Warn("Failed to record job start")
	}
	cancel()

	finish := r.audit.WithCorrelationID(job.ID).LogJobStart(ctx, job)
	rec, runErr := r.executeOffline(ctx, job)
	r.finish(ctx, job, rec, runErr)
	finish(runErr, rec)

	if runErr != nil {
		return nil, runErr
	}
	return rec, nil
}

func (r *JobRunner) executeOffline(ctx context.Context, job *BackupJob) (*BackupRecord, error) {
	var (
		data     *BackupData
		artifact *EncryptedBackup
		localRef string
		rec      *BackupRecord
	)
	createdAt := r.now().UTC().Truncate(time.Millisecond)
	backupID := uuid.New().String()
	key := ObjectKey(job.OwnerID, ArtifactFilename(job.BackupType, createdAt, backupID))

	err := r.stage(ctx, job, StepExport, func() error {
		var err error
		data, err = r.export(ctx, job)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, job, StepEncrypt, func() error {
		var err error
		artifact, err = r.codec.Seal(data, r.keys.Current())
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, job, StepWriteLocal, func() error {
		writeCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
		defer cancel()
		var err error
		localRef, err = r.local.Write(writeCtx, key, artifact, WriteOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, job, StepRegister, func() error {
		regCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
		defer cancel()

		policy, err := r.policies.Get(regCtx, job.OwnerID)
		if err != nil {
			return err
		}
		raw, err := MarshalArtifact(artifact)
		if err != nil {
			return err
		}
		// Active without a primary copy: the local copy is restorable, and
		// the queued upload clears IsLocalOnly.
		rec = &BackupRecord{
			ID:               backupID,
			OwnerID:          job.OwnerID,
			SecondaryOwnerID: secondaryOwner(job),
			Filename:         keyFilename(key),
			FileSizeBytes:    int64(len(raw)),
			BackupType:       job.BackupType,
			Checksum:         artifact.Checksum,
			FormatVersion:    artifact.FormatVersion,
			Status:           BackupStatusActive,
			IsLocalOnly:      true,
			LocalPath:        localRef,
			MirrorStatus:     MirrorStatusNone,
			ExpiresAt:        ComputeExpiry(createdAt, policy.RetentionDays, false),
			CreatedAt:        createdAt,
		}
		return r.registry.CreateBackup(regCtx, rec)
	})
	if err != nil {
		r.discardLocal(ctx, job, localRef)
		return nil, err
	}

	// The backup is usable from the local store even if its upload could
	// not be queued; the record says so instead of failing the job.
	queueCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
	defer cancel()
	if err := r.local.QueueUpload(queueCtx, backupID, key, localRef); err != nil {
		addWarning(rec, "sync: upload not queued: "+err.Error())
		if uerr := r.registry.UpdateBackup(queueCtx, rec); uerr != nil {
			r.logger.WithFields(map[string]interface{}{
				"backup_id": rec.ID,
				"error":     uerr.Error(),
			}).Warn("Failed to record sync warning")
		}
	}
	return rec, nil
}

func (r *JobRunner) discardLocal(ctx context.Context, job *BackupJob, ref string) {
	delCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
	defer cancel()
	if err := r.local.Delete(delCtx, ref); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"ref":    ref,
			"error":  err.Error(),
		}).Error("Failed to remove unregistered local copy")
	}
}

// stage runs one pipeline stage after checking for cancellation.
func (r *JobRunner) stage(ctx context.Context, job *BackupJob, step string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StepError{Step: step, Err: NewCancelledError("job cancelled before "+step, err)}
	}
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	ObserveStage(step, duration)
	r.logger.LogStageResult(job.ID, step, duration, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !IsType(err, BackupErrorTypeCancelled) {
			err = NewCancelledError(fmt.Sprintf("job cancelled during %s: %v", step, err), ctxErr)
		}
		return &StepError{Step: step, Err: err}
	}
	return nil
}

func (r *JobRunner) runMirror(ctx context.Context, job *BackupJob, rec *BackupRecord, artifact *EncryptedBackup) bool {
	if !r.mirror.Enabled() {
		return false
	}
	if ctx.Err() != nil {
		rec.MirrorStatus = MirrorStatusSkipped
		addWarning(rec, "mirror: skipped because the job was cancelled")
		return true
	}

	start := time.Now()
	raw, err := MarshalArtifact(artifact)
	var mirrorRef string
	if err == nil {
		mirrorCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Mirror)
		mirrorRef, err = r.mirror.Upload(mirrorCtx, rec.OwnerID, rec.Filename, raw)
		cancel()
	}
	duration := time.Since(start)
	ObserveStage(StepMirror, duration)

	switch {
	case err == nil:
		rec.MirrorStatus = MirrorStatusMirrored
		rec.MirrorRef = mirrorRef
	case errors.Is(err, ErrMirrorNotConnected):
		rec.MirrorStatus = MirrorStatusSkipped
		err = nil
	default:
		rec.MirrorStatus = MirrorStatusFailed
		addWarning(rec, "mirror: "+err.Error())
		RecordMirrorFailure(mirrorFailureReason(err))
	}
	r.logger.LogStageResult(job.ID, StepMirror, duration, err)
	return true
}

func (r *JobRunner) runLocal(ctx context.Context, job *BackupJob, rec *BackupRecord, key string, artifact *EncryptedBackup) bool {
	if r.local == nil {
		return false
	}
	if ctx.Err() != nil {
		addWarning(rec, "local: skipped because the job was cancelled")
		return true
	}

	start := time.Now()
	localCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Local)
	localRef, err := r.local.Write(localCtx, key, artifact, WriteOptions{})
	cancel()
	duration := time.Since(start)

	ObserveStage(StepWriteLocal, duration)
	r.logger.LogStageResult(job.ID, StepWriteLocal, duration, err)
	if err != nil {
		addWarning(rec, "local: "+err.Error())
		return true
	}
	rec.LocalPath = localRef
	return true
}

// discardUnregistered removes a primary object whose record could not be
// written, so storage does not hold backups the registry does not know.
func (r *JobRunner) discardUnregistered(ctx context.Context, job *BackupJob, ref string) {
	delCtx, cancel := r.detachedWithCancel(ctx, r.timeouts.Primary)
	defer cancel()
	if err := r.primary.Delete(delCtx, ref); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"job_id": job.ID,
			"ref":    ref,
			"error":  err.Error(),
		}).Error("Failed to remove unregistered primary object")
	}
}

func (r *JobRunner) detachedWithCancel(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Policy returns owner's retention policy, cached for the policy TTL.
func (r *JobRunner) Policy(ctx context.Context, ownerID string) (RetentionPolicy, error) {
	return r.policies.Get(ctx, ownerID)
}

// InvalidatePolicy drops the cached retention policy of owner.
func (r *JobRunner) InvalidatePolicy(ownerID string) {
	r.policies.Invalidate(ownerID)
}

// ArtifactFilename names an artifact after its type, creation time and id.
func ArtifactFilename(backupType string, createdAt time.Time, backupID string) string {
	short := strings.ReplaceAll(backupID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s_%s_%s%s", sanitizeKeySegment(backupType), createdAt.UTC().Format("20060102T150405.000Z"), short, ArtifactExtension)
}

func keyFilename(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func secondaryOwner(job *BackupJob) string {
	if job.Scope == ScopeFull {
		return ""
	}
	return job.SubjectID
}

func mirrorFailureReason(err error) string {
	switch {
	case IsType(err, BackupErrorTypeMirrorAuth):
		return "auth"
	case IsType(err, BackupErrorTypeQuotaExceeded):
		return "quota"
	case IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return "transient"
	default:
		return "other"
	}
}

type ownerLock struct {
	ch   chan struct{}
	refs int
}

// ownerLocks is a keyed mutex that can be abandoned through ctx.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

func (o *ownerLocks) Lock(ctx context.Context, owner string) (func(), error) {
	o.mu.Lock()
	l, ok := o.locks[owner]
	if !ok {
		l = &ownerLock{ch: make(chan struct{}, 1)}
		o.locks[owner] = l
	}
	l.refs++
	o.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		o.release(owner, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.ch
		o.release(owner, l)
	}, nil
}

func (o *ownerLocks) release(owner string, l *ownerLock) {
	o.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, owner)
	}
	o.mu.Unlock()
}
