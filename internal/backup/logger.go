package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"snapvault/internal/logging"
)

// AuditLogger logs backup lifecycle events with a correlation id and, when
// enabled, appends them to a JSON audit trail.
type AuditLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	auditFile     *os.File
	correlationID string
}

// AuditLoggerConfig holds configuration for AuditLogger.
type AuditLoggerConfig struct {
	Logger         *logging.Logger
	AuditLogFile   string
	CorrelationID  string
	EnableAuditLog bool
}

// LogEntry is one structured lifecycle event.
type LogEntry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	Operation     string                 `json:"operation"`
	BackupID      string                 `json:"backup_id,omitempty"`
	OwnerID       string                 `json:"owner_id,omitempty"`
	Status        string                 `json:"status"`
	Duration      string                 `json:"duration,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(config AuditLoggerConfig) (*AuditLogger, error) {
	correlationID := config.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	al := &AuditLogger{
		logger:        logger,
		correlationID: correlationID,
	}

	if config.EnableAuditLog && config.AuditLogFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.AuditLogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		file, err := os.OpenFile(config.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}

		auditLogger := logrus.New()
		auditLogger.SetOutput(file)
		auditLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		auditLogger.SetLevel(logrus.InfoLevel)

		al.auditLogger = auditLogger
		al.auditFile = file
	}

	return al, nil
}

// NewNopAuditLogger returns an audit logger that writes nowhere.
func NewNopAuditLogger() *AuditLogger {
	return &AuditLogger{logger: logging.NewNopLogger(), correlationID: uuid.New().String()}
}

// GetCorrelationID returns the current correlation ID
func (al *AuditLogger) GetCorrelationID() string {
	return al.correlationID
}

// WithCorrelationID returns a logger sharing outputs but tagging events with id.
func (al *AuditLogger) WithCorrelationID(correlationID string) *AuditLogger {
	return &AuditLogger{
		logger:        al.logger,
		auditLogger:   al.auditLogger,
		correlationID: correlationID,
	}
}

// Close closes the audit trail file.
func (al *AuditLogger) Close() error {
	if al.auditFile == nil {
		return nil
	}
	return al.auditFile.Close()
}

// LogJobStart logs the start of a backup job and returns the completion hook.
func (al *AuditLogger) LogJobStart(ctx context.Context, job *BackupJob) func(error, *BackupRecord) {
	startTime := time.Now()

	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: al.correlationID,
		Operation:     "backup_create",
		OwnerID:       job.OwnerID,
		Status:        "started",
		Success:       true,
		Metadata: map[string]interface{}{
			"job_id":      job.ID,
			"backup_type": job.BackupType,
			"scope":       string(job.Scope),
			"scheduled":   job.ScheduleID != "",
		},
	}

	al.logStructured(entry)
	al.logAudit(ctx, "backup", "create", "started", map[string]interface{}{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
	})

	return func(err error, rec *BackupRecord) {
		duration := time.Since(startTime)
		entry.Timestamp = time.Now()
		entry.Status = "completed"
		entry.Duration = duration.String()
		entry.Success = err == nil

		if err != nil {
			entry.Error = err.Error()
			entry.Status = "failed"
			if step := FailedStep(err); step != "" {
				entry.Metadata["failed_step"] = step
			}
		}

		if rec != nil {
			entry.BackupID = rec.ID
			entry.Metadata["size"] = rec.FileSizeBytes
			entry.Metadata["checksum"] = rec.Checksum
			entry.Metadata["mirror_status"] = string(rec.MirrorStatus)
			if len(rec.Warnings) > 0 {
				entry.Metadata["warnings"] = rec.Warnings
			}
		}

		al.logStructured(entry)
		al.logAudit(ctx, "backup", "create", resultOf(err), map[string]interface{}{
			"job_id":    job.ID,
			"owner_id":  job.OwnerID,
			"backup_id": entry.BackupID,
			"duration":  duration.String(),
			"error":     entry.Error,
		})
	}
}

// LogRestore logs a restore attempt.
func (al *AuditLogger) LogRestore(ctx context.Context, backupID string) func(error) {
	return al.logOperation(ctx, "restore", "backup", backupID, nil)
}

// LogDeletion logs a backup deletion.
func (al *AuditLogger) LogDeletion(ctx context.Context, backupID, reason string) func(error) {
	return al.logOperation(ctx, "delete", "backup", backupID, map[string]interface{}{"reason": reason})
}

// LogPinChange logs a pin or unpin.
func (al *AuditLogger) LogPinChange(ctx context.Context, backupID string, pinned bool) func(error) {
	action := "unpin"
	if pinned {
		action = "pin"
	}
	return al.logOperation(ctx, action, "backup", backupID, nil)
}

// LogExport logs an artifact export to a file.
func (al *AuditLogger) LogExport(ctx context.Context, backupID, path string) func(error) {
	return al.logOperation(ctx, "export", "backup", backupID, map[string]interface{}{"path": path})
}

// LogMirrorConnection logs an owner authorizing the cloud mirror.
func (al *AuditLogger) LogMirrorConnection(ctx context.Context, ownerID string) func(error) {
	return al.logOperation(ctx, "connect", "mirror", "", map[string]interface{}{"owner_id": ownerID})
}

// LogScheduleChange logs an owner changing their schedule.
func (al *AuditLogger) LogScheduleChange(ctx context.Context, sched *BackupSchedule) func(error) {
	return al.logOperation(ctx, "update", "schedule", "", map[string]interface{}{
		"owner_id":       sched.OwnerID,
		"frequency":      sched.Frequency,
		"retention_days": sched.RetentionDays,
		"enabled":        sched.Enabled,
	})
}

func (al *AuditLogger) logOperation(ctx context.Context, action, resource, backupID string, metadata map[string]interface{}) func(error) {
	startTime := time.Now()
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	entry := LogEntry{
		Timestamp:     startTime,
		CorrelationID: al.correlationID,
		Operation:     fmt.Sprintf("%s_%s", resource, action),
		BackupID:      backupID,
		Status:        "started",
		Success:       true,
		Metadata:      metadata,
	}
	al.logStructured(entry)

	return func(err error) {
		entry.Timestamp = time.Now()
		entry.Duration = time.Since(startTime).String()
		entry.Status = "completed"
		entry.Success = err == nil
		if err != nil {
			entry.Status = "failed"
			entry.Error = err.Error()
		}
		al.logStructured(entry)

		details := map[string]interface{}{"duration": entry.Duration}
		if backupID != "" {
			details["backup_id"] = backupID
		}
		for k, v := range metadata {
			details[k] = v
		}
		if entry.Error != "" {
			details["error"] = entry.Error
		}
		al.logAudit(ctx, resource, action, resultOf(err), details)
	}
}

func (al *AuditLogger) logStructured(entry LogEntry) {
	fields := map[string]interface{}{
		"correlation_id": entry.CorrelationID,
		"operation":      entry.Operation,
		"status":         entry.Status,
		"success":        entry.Success,
	}
	if entry.BackupID != "" {
		fields["backup_id"] = entry.BackupID
	}
	if entry.OwnerID != "" {
		fields["owner_id"] = entry.OwnerID
	}
	if entry.Duration != "" {
		fields["duration"] = entry.Duration
	}
	if entry.Error != "" {
		fields["error"] = entry.Error
	}
	for k, v := range entry.Metadata {
		fields[k] = v
	}

	logEntry := al.logger.WithFields(fields)
	switch {
	case !entry.Success:
		logEntry.Error("Backup operation failed")
	case entry.Status == "started":
		logEntry.Debug("Backup operation started")
	default:
		logEntry.Info("Backup operation completed successfully")
	}
}

func (al *AuditLogger) logAudit(ctx context.Context, resource, action, result string, details map[string]interface{}) {
	if al.auditLogger == nil {
		return
	}
	al.auditLogger.WithFields(logrus.Fields{
		"correlation_id": al.correlationID,
		"request_id":     logging.GetRequestIDFromContext(ctx),
		"operation":      fmt.Sprintf("%s_%s", resource, action),
		"resource":       resource,
		"action":         action,
		"result":         result,
		"details":        details,
	}).Info("Audit log entry")
}

func resultOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
