package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapvault/internal/logging"
)

// RetentionManager expires backups past their expiry and removes the bytes
// of expired backups from every backend holding a copy. All decisions come
// from the registry.
type RetentionManager struct {
	registry Registry
	primary  Backend
	local    *LocalStore
	mirror   Mirror
	notifier AlertSender
	config   RetentionConfig
	timeouts TimeoutConfig
	logger   *logging.Logger
	now      func() time.Time
}

// ReapResult summarizes one reaper pass.
type ReapResult struct {
	Expired        int           `json:"expired"`
	Deleted        int           `json:"deleted"`
	Errors         []string      `json:"errors,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// NewRetentionManager creates the reaper. local and mirror may be nil.
func NewRetentionManager(config RetentionConfig, timeouts TimeoutConfig, registry Registry, primary Backend, local *LocalStore, mirror Mirror, logger *logging.Logger) *RetentionManager {
	config.SetDefaults()
	timeouts.SetDefaults()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &RetentionManager{
		registry: registry,
		primary:  primary,
		local:    local,
		mirror:   mirror,
		config:   config,
		timeouts: timeouts,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNotifier makes failed passes raise a RETENTION_FAILURE alert.
func (rm *RetentionManager) SetNotifier(notifier AlertSender) {
	rm.notifier = notifier
}

// RunOnce moves active backups past expiry to expired, then purges expired
// backups and marks them deleted. A backup whose purge fails stays expired
// and is retried on the next pass.
func (rm *RetentionManager) RunOnce(ctx context.Context) (*ReapResult, error) {
	startTime := time.Now()
	now := rm.now().UTC()
	result := &ReapResult{}

	due, err := rm.registry.ListExpired(ctx, now, rm.config.ReapBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired backups: %w", err)
	}
	for _, rec := range due {
		rec.Status = BackupStatusExpired
		if err := rm.registry.UpdateBackup(ctx, rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("expire %s: %v", rec.ID, err))
			continue
		}
		result.Expired++
		ReapedTotal.WithLabelValues("expired").Inc()
	}

	expired, err := rm.registry.ListByStatus(ctx, BackupStatusExpired, rm.config.ReapBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired backups: %w", err)
	}
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if rec.IsPinned {
			continue
		}
		if err := rm.Purge(ctx, rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("purge %s: %v", rec.ID, err))
			continue
		}
		result.Deleted++
		ReapedTotal.WithLabelValues("deleted").Inc()
	}

	result.ProcessingTime = time.Since(startTime)
	if result.Expired > 0 || result.Deleted > 0 || len(result.Errors) > 0 {
		rm.logger.WithFields(map[string]interface{}{
			"expired":  result.Expired,
			"deleted":  result.Deleted,
			"errors":   len(result.Errors),
			"duration": result.ProcessingTime.String(),
		}).Info("Retention pass completed")
	}
	return result, nil
}

// Purge removes every copy of rec and marks it deleted. It stops at the
// first backend that fails, leaving the record untouched.
func (rm *RetentionManager) Purge(ctx context.Context, rec *BackupRecord) error {
	if rec.StoragePath != "" {
		delCtx, cancel := context.WithTimeout(ctx, rm.timeouts.Primary)
		err := rm.primary.Delete(delCtx, rec.StoragePath)
		cancel()
		if err != nil {
			return err
		}
	}

	if rec.LocalPath != "" && rm.local != nil {
		delCtx, cancel := context.WithTimeout(ctx, rm.timeouts.Local)
		err := rm.local.Delete(delCtx, rec.LocalPath)
		cancel()
		if err != nil {
			return err
		}
	}

	if rec.MirrorRef != "" && rm.mirror.Enabled() {
		delCtx, cancel := context.WithTimeout(ctx, rm.timeouts.Mirror)
		err := rm.mirror.Delete(delCtx, rec.OwnerID, rec.MirrorRef)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrMirrorNotConnected):
			// The owner revoked access; the copy in their drive is theirs now.
			rm.logger.WithFields(map[string]interface{}{
				"backup_id": rec.ID,
				"owner_id":  rec.OwnerID,
			}).Warn("Mirror copy left in place because the mirror is no longer connected")
		default:
			return err
		}
	}

	rec.Status = BackupStatusDeleted
	rec.LocalPath = ""
	rec.MirrorRef = ""
	if err := rm.registry.UpdateBackup(ctx, rec); err != nil {
		return err
	}
	rm.logBackupCleanup(rec)
	return nil
}

// Run calls RunOnce every ReapInterval until ctx is cancelled.
func (rm *RetentionManager) Run(ctx context.Context) error {
	if rm.config.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive")
	}

	rm.logger.Info(fmt.Sprintf("Scheduling retention passes every %v", rm.config.ReapInterval))

	ticker := time.NewTicker(rm.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rm.logger.Info("Retention manager stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := rm.RunOnce(ctx)
			if err != nil {
				rm.logger.Error(fmt.Sprintf("Retention pass failed: %v", err))
			}
			rm.alert(ctx, result, err)
		}
	}
}

func (rm *RetentionManager) alert(ctx context.Context, result *ReapResult, err error) {
	if rm.notifier == nil || ctx.Err() != nil {
		return
	}
	var message string
	switch {
	case err != nil:
		message = err.Error()
	case result != nil && len(result.Errors) > 0:
		message = fmt.Sprintf("%d backups could not be expired or purged, first: %s", len(result.Errors), result.Errors[0])
	default:
		return
	}
	alert := NewAlert(AlertTypeReapFailure, AlertSeverityWarning, "retention", "Retention pass incomplete", message)
	if nerr := rm.notifier.SendNotification(ctx, alert); nerr != nil {
		rm.logger.WithField("error", nerr.Error()).Warn("Failed to deliver retention alert")
	}
}

func (rm *RetentionManager) logBackupCleanup(rec *BackupRecord) {
	fields := map[string]interface{}{
		"backup_id":  rec.ID,
		"owner_id":   rec.OwnerID,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
		"size":       rec.FileSizeBytes,
	}
	if rec.ExpiresAt != nil {
		fields["expires_at"] = rec.ExpiresAt.Format(time.RFC3339)
	}
	rm.logger.WithFields(fields).Info("Backup purged")
}
