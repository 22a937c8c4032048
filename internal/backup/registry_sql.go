package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	apperrors "snapvault/internal/errors"
	"snapvault/internal/logging"
)

// registryMigrations are applied in order; the index is the schema version.
var registryMigrations = map[string][][]string{
	RegistryDriverSQLite: {
		{
			`CREATE TABLE IF NOT EXISTS backups (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(191) NOT NULL,
				secondary_owner_id VARCHAR(191) NOT NULL DEFAULT '',
				filename VARCHAR(255) NOT NULL,
				storage_path VARCHAR(1024) NOT NULL DEFAULT '',
				file_size_bytes BIGINT NOT NULL DEFAULT 0,
				backup_type VARCHAR(64) NOT NULL,
				checksum CHAR(64) NOT NULL,
				format_version INTEGER NOT NULL,
				is_pinned BOOLEAN NOT NULL DEFAULT 0,
				status VARCHAR(16) NOT NULL,
				is_local_only BOOLEAN NOT NULL DEFAULT 0,
				local_path VARCHAR(1024) NOT NULL DEFAULT '',
				mirror_status VARCHAR(16) NOT NULL DEFAULT 'none',
				mirror_ref VARCHAR(1024) NOT NULL DEFAULT '',
				warnings TEXT,
				expires_at BIGINT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_backups_owner ON backups (owner_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_backups_expiry ON backups (status, expires_at)`,
			`CREATE TABLE IF NOT EXISTS schedules (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(191) NOT NULL UNIQUE,
				retention_days INTEGER NOT NULL,
				frequency VARCHAR(128) NOT NULL,
				backup_type VARCHAR(64) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT 1,
				next_run_at BIGINT NOT NULL,
				last_run_at BIGINT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (enabled, next_run_at)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id VARCHAR(64) PRIMARY KEY,
				schedule_id VARCHAR(64) NOT NULL DEFAULT '',
				owner_id VARCHAR(191) NOT NULL,
				backup_type VARCHAR(64) NOT NULL,
				scope VARCHAR(32) NOT NULL,
				subject_id VARCHAR(191) NOT NULL DEFAULT '',
				status VARCHAR(16) NOT NULL,
				attempted_at BIGINT NOT NULL,
				finished_at BIGINT NULL,
				failed_step VARCHAR(32) NOT NULL DEFAULT '',
				error TEXT,
				backup_id VARCHAR(64) NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner_id, attempted_at)`,
			`CREATE TABLE IF NOT EXISTS mirror_connections (
				owner_id VARCHAR(191) PRIMARY KEY,
				sealed_token BLOB NOT NULL,
				active BOOLEAN NOT NULL DEFAULT 1,
				auth_failures INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				updated_at BIGINT NOT NULL
			)`,
		},
	},
	RegistryDriverMySQL: {
		{
			`CREATE TABLE IF NOT EXISTS backups (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(191) NOT NULL,
				secondary_owner_id VARCHAR(191) NOT NULL DEFAULT '',
				filename VARCHAR(255) NOT NULL,
				storage_path VARCHAR(1024) NOT NULL DEFAULT '',
				file_size_bytes BIGINT NOT NULL DEFAULT 0,
				backup_type VARCHAR(64) NOT NULL,
				checksum CHAR(64) NOT NULL,
				format_version INT NOT NULL,
				is_pinned BOOLEAN NOT NULL DEFAULT 0,
				status VARCHAR(16) NOT NULL,
				is_local_only BOOLEAN NOT NULL DEFAULT 0,
				local_path VARCHAR(1024) NOT NULL DEFAULT '',
				mirror_status VARCHAR(16) NOT NULL DEFAULT 'none',
				mirror_ref VARCHAR(1024) NOT NULL DEFAULT '',
				warnings TEXT,
				expires_at BIGINT NULL,
				created_at BIGINT NOT NULL,
				INDEX idx_backups_owner (owner_id, created_at),
				INDEX idx_backups_expiry (status, expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS schedules (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(191) NOT NULL UNIQUE,
				retention_days INT NOT NULL,
				frequency VARCHAR(128) NOT NULL,
				backup_type VARCHAR(64) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT 1,
				next_run_at BIGINT NOT NULL,
				last_run_at BIGINT NULL,
				INDEX idx_schedules_due (enabled, next_run_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id VARCHAR(64) PRIMARY KEY,
				schedule_id VARCHAR(64) NOT NULL DEFAULT '',
				owner_id VARCHAR(191) NOT NULL,
				backup_type VARCHAR(64) NOT NULL,
				scope VARCHAR(32) NOT NULL,
				subject_id VARCHAR(191) NOT NULL DEFAULT '',
				status VARCHAR(16) NOT NULL,
				attempted_at BIGINT NOT NULL,
				finished_at BIGINT NULL,
				failed_step VARCHAR(32) NOT NULL DEFAULT '',
				error TEXT,
				backup_id VARCHAR(64) NOT NULL DEFAULT '',
				INDEX idx_jobs_owner (owner_id, attempted_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS mirror_connections (
				owner_id VARCHAR(191) PRIMARY KEY,
				sealed_token MEDIUMBLOB NOT NULL,
				active BOOLEAN NOT NULL DEFAULT 1,
				auth_failures INT NOT NULL DEFAULT 0,
				last_error TEXT,
				updated_at BIGINT NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		},
	},
}

const backupColumns = `id, owner_id, secondary_owner_id, filename, storage_path, file_size_bytes,
	backup_type, checksum, format_version, is_pinned, status, is_local_only, local_path,
	mirror_status, mirror_ref, warnings, expires_at, created_at`

const scheduleColumns = `id, owner_id, retention_days, frequency, backup_type, enabled, next_run_at, last_run_at`

const jobColumns = `id, schedule_id, owner_id, backup_type, scope, subject_id, status, attempted_at,
	finished_at, failed_step, error, backup_id`

// SQLRegistry implements Registry on MySQL or SQLite through database/sql.
type SQLRegistry struct {
	db      *sql.DB
	dialect string
	logger  *logging.Logger
}

// OpenRegistry opens the configured database and applies migrations.
func OpenRegistry(ctx context.Context, cfg RegistryConfig, logger *logging.Logger) (*SQLRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid registry configuration", err)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, NewConfigurationError("failed to open registry database", err)
	}

	if cfg.Driver == RegistryDriverSQLite {
		// One writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, registryError("failed to connect to registry database", err)
	}

	reg := NewSQLRegistry(db, cfg.Driver, logger)
	if err := reg.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return reg, nil
}

// NewSQLRegistry wraps an open database. dialect is "sqlite" or "mysql".
func NewSQLRegistry(db *sql.DB, dialect string, logger *logging.Logger) *SQLRegistry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SQLRegistry{db: db, dialect: dialect, logger: logger}
}

// Migrate brings the schema to the latest version. It is safe to run on
// every start.
func (r *SQLRegistry) Migrate(ctx context.Context) error {
	steps, ok := registryMigrations[r.dialect]
	if !ok {
		return NewConfigurationError(fmt.Sprintf("unsupported registry dialect %q", r.dialect), nil)
	}

	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return registryError("failed to create schema_migrations", err)
	}

	var current sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return registryError("failed to read schema version", err)
	}

	for i := int(current.Int64); i < len(steps); i++ {
		version := i + 1
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return registryError("failed to begin migration", err)
		}
		for _, stmt := range steps[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return registryError(fmt.Sprintf("migration %d failed", version), err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, toMillis(time.Now())); err != nil {
			tx.Rollback()
			return registryError(fmt.Sprintf("failed to record migration %d", version), err)
		}
		if err := tx.Commit(); err != nil {
			return registryError(fmt.Sprintf("failed to commit migration %d", version), err)
		}
		r.logger.WithFields(map[string]interface{}{
			"dialect": r.dialect,
			"version": version,
		}).Info("Registry schema migrated")
	}
	return nil
}

// CreateBackup implements Registry.
func (r *SQLRegistry) CreateBackup(ctx context.Context, rec *BackupRecord) error {
	warnings, err := encodeWarnings(rec.Warnings)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO backups (`+backupColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.SecondaryOwnerID, rec.Filename, rec.StoragePath, rec.FileSizeBytes,
		rec.BackupType, rec.Checksum, rec.FormatVersion, rec.IsPinned, string(rec.Status), rec.IsLocalOnly,
		rec.LocalPath, string(rec.MirrorStatus), rec.MirrorRef, warnings, nullMillis(rec.ExpiresAt), toMillis(rec.CreatedAt),
	)
	if err != nil {
		return registryError("failed to insert backup record", err)
	}
	return nil
}

// GetBackup implements Registry.
func (r *SQLRegistry) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	rec, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	if err != nil {
		return nil, registryError("failed to load backup record", err)
	}
	return rec, nil
}

// UpdateBackup implements Registry. Every mutable column is written.
func (r *SQLRegistry) UpdateBackup(ctx context.Context, rec *BackupRecord) error {
	warnings, err := encodeWarnings(rec.Warnings)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE backups SET storage_path = ?, file_size_bytes = ?, is_pinned = ?, status = ?, is_local_only = ?,
			local_path = ?, mirror_status = ?, mirror_ref = ?, warnings = ?, expires_at = ?
		WHERE id = ?`,
		rec.StoragePath, rec.FileSizeBytes, rec.IsPinned, string(rec.Status), rec.IsLocalOnly,
		rec.LocalPath, string(rec.MirrorStatus), rec.MirrorRef, warnings, nullMillis(rec.ExpiresAt),
		rec.ID,
	)
	if err != nil {
		return registryError("failed to update backup record", err)
	}
	return r.requireRow(ctx, res, "backups", "id", rec.ID)
}

// ListBackups implements Registry, newest first.
func (r *SQLRegistry) ListBackups(ctx context.Context, filter BackupFilter) ([]*BackupRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.WithLocalCopy {
		where = append(where, "local_path <> ''")
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, toMillis(*filter.CreatedBefore))
	}

	query := `SELECT ` + backupColumns + ` FROM backups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.queryBackups(ctx, query, args...)
}

// ListExpired implements Registry: active, unpinned records past expiry.
func (r *SQLRegistry) ListExpired(ctx context.Context, now time.Time, limit int) ([]*BackupRecord, error) {
	return r.queryBackups(ctx,
		`SELECT `+backupColumns+` FROM backups
		WHERE status = ? AND is_pinned = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at, id LIMIT ?`,
		string(BackupStatusActive), false, toMillis(now), limit)
}

// ListByStatus implements Registry, oldest first.
func (r *SQLRegistry) ListByStatus(ctx context.Context, status BackupStatus, limit int) ([]*BackupRecord, error) {
	return r.queryBackups(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		string(status), limit)
}

func (r *SQLRegistry) queryBackups(ctx context.Context, query string, args ...interface{}) ([]*BackupRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, registryError("failed to query backups", err)
	}
	defer rows.Close()

	var out []*BackupRecord
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, registryError("failed to scan backup record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, registryError("failed to iterate backups", err)
	}
	return out, nil
}

// GetSchedule implements Registry.
func (r *SQLRegistry) GetSchedule(ctx context.Context, ownerID string) (*BackupSchedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = ?`, ownerID)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("no schedule for owner %s", ownerID), nil)
	}
	if err != nil {
		return nil, registryError("failed to load schedule", err)
	}
	return s, nil
}

// UpsertSchedule implements Registry. There is one schedule per owner.
func (r *SQLRegistry) UpsertSchedule(ctx context.Context, s *BackupSchedule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return registryError("failed to begin schedule upsert", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM schedules WHERE owner_id = ?`, s.OwnerID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.OwnerID, s.RetentionDays, s.Frequency, s.BackupType, s.Enabled,
			toMillis(s.NextRunAt), nullMillis(s.LastRunAt))
		if err != nil {
			return registryError("failed to insert schedule", err)
		}
	case err != nil:
		return registryError("failed to look up schedule", err)
	default:
		s.ID = existingID
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET retention_days = ?, frequency = ?, backup_type = ?, enabled = ?,
				next_run_at = ?, last_run_at = ? WHERE id = ?`,
			s.RetentionDays, s.Frequency, s.BackupType, s.Enabled,
			toMillis(s.NextRunAt), nullMillis(s.LastRunAt), s.ID)
		if err != nil {
			return registryError("failed to update schedule", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return registryError("failed to commit schedule", err)
	}
	return nil
}

// ListDueSchedules implements Registry.
func (r *SQLRegistry) ListDueSchedules(ctx context.Context, now time.Time) ([]*BackupSchedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled = ? AND next_run_at <= ? ORDER BY next_run_at, id`,
		true, toMillis(now))
	if err != nil {
		return nil, registryError("failed to query due schedules", err)
	}
	defer rows.Close()

	var out []*BackupSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, registryError("failed to scan schedule", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, registryError("failed to iterate schedules", err)
	}
	return out, nil
}

// UpdateScheduleRun implements Registry.
func (r *SQLRegistry) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		toMillis(lastRun), toMillis(nextRun), id)
	if err != nil {
		return registryError("failed to update schedule run", err)
	}
	return r.requireRow(ctx, res, "schedules", "id", id)
}

// CreateJob implements Registry.
func (r *SQLRegistry) CreateJob(ctx context.Context, job *BackupJob) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ScheduleID, job.OwnerID, job.BackupType, string(job.Scope), job.SubjectID, string(job.Status),
		toMillis(job.AttemptedAt), nullTimeMillis(job.FinishedAt), job.FailedStep, job.Error, job.BackupID)
	if err != nil {
		return registryError("failed to insert job", err)
	}
	return nil
}

// UpdateJob implements Registry.
func (r *SQLRegistry) UpdateJob(ctx context.Context, job *BackupJob) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempted_at = ?, finished_at = ?, failed_step = ?, error = ?, backup_id = ?
		WHERE id = ?`,
		string(job.Status), toMillis(job.AttemptedAt), nullTimeMillis(job.FinishedAt),
		job.FailedStep, job.Error, job.BackupID, job.ID)
	if err != nil {
		return registryError("failed to update job", err)
	}
	return r.requireRow(ctx, res, "jobs", "id", job.ID)
}

// GetJob implements Registry.
func (r *SQLRegistry) GetJob(ctx context.Context, id string) (*BackupJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("job %s not found", id), nil)
	}
	if err != nil {
		return nil, registryError("failed to load job", err)
	}
	return job, nil
}

// ListJobs implements Registry, newest first.
func (r *SQLRegistry) ListJobs(ctx context.Context, ownerID string, limit int) ([]*BackupJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? ORDER BY attempted_at DESC, id LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, registryError("failed to query jobs", err)
	}
	defer rows.Close()

	var out []*BackupJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, registryError("failed to scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, registryError("failed to iterate jobs", err)
	}
	return out, nil
}

// SaveMirrorConnection implements Registry.
func (r *SQLRegistry) SaveMirrorConnection(ctx context.Context, conn *MirrorConnection) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return registryError("failed to begin mirror connection save", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM mirror_connections WHERE owner_id = ?`, conn.OwnerID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO mirror_connections (owner_id, sealed_token, active, auth_failures, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conn.OwnerID, conn.SealedToken, conn.Active, conn.AuthFailures, conn.LastError, toMillis(conn.UpdatedAt))
	case err != nil:
		return registryError("failed to look up mirror connection", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE mirror_connections SET sealed_token = ?, active = ?, auth_failures = ?, last_error = ?, updated_at = ?
			WHERE owner_id = ?`,
			conn.SealedToken, conn.Active, conn.AuthFailures, conn.LastError, toMillis(conn.UpdatedAt), conn.OwnerID)
	}
	if err != nil {
		return registryError("failed to save mirror connection", err)
	}
	if err := tx.Commit(); err != nil {
		return registryError("failed to commit mirror connection", err)
	}
	return nil
}

// GetMirrorConnection implements Registry.
func (r *SQLRegistry) GetMirrorConnection(ctx context.Context, ownerID string) (*MirrorConnection, error) {
	var (
		conn      MirrorConnection
		lastError sql.NullString
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id, sealed_token, active, auth_failures, last_error, updated_at
		FROM mirror_connections WHERE owner_id = ?`, ownerID).
		Scan(&conn.OwnerID, &conn.SealedToken, &conn.Active, &conn.AuthFailures, &lastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(fmt.Sprintf("no mirror connection for owner %s", ownerID), nil)
	}
	if err != nil {
		return nil, registryError("failed to load mirror connection", err)
	}
	conn.LastError = lastError.String
	conn.UpdatedAt = fromMillis(updatedAt)
	return &conn, nil
}

// Close implements Registry.
func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *SQLRegistry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return registryError("registry is unreachable", err)
	}
	return nil
}

// requireRow turns a zero-row update into NotFound. MySQL reports zero
// affected rows for no-op updates, so existence is checked explicitly.
func (r *SQLRegistry) requireRow(ctx context.Context, res sql.Result, table, column, id string) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ?`, table, column), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError(fmt.Sprintf("%s row %s not found", table, id), nil)
	}
	if err != nil {
		return registryError("failed to verify update", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBackup(row rowScanner) (*BackupRecord, error) {
	var (
		rec       BackupRecord
		status    string
		mirror    string
		warnings  sql.NullString
		expiresAt sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.SecondaryOwnerID, &rec.Filename, &rec.StoragePath,
		&rec.FileSizeBytes, &rec.BackupType, &rec.Checksum, &rec.FormatVersion, &rec.IsPinned, &status,
		&rec.IsLocalOnly, &rec.LocalPath, &mirror, &rec.MirrorRef, &warnings, &expiresAt, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Status = BackupStatus(status)
	rec.MirrorStatus = MirrorStatus(mirror)
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &rec.Warnings); err != nil {
			return nil, fmt.Errorf("invalid warnings column: %w", err)
		}
	}
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		rec.ExpiresAt = &t
	}
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

func scanSchedule(row rowScanner) (*BackupSchedule, error) {
	var (
		s         BackupSchedule
		nextRun   int64
		lastRunAt sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.RetentionDays, &s.Frequency, &s.BackupType, &s.Enabled, &nextRun, &lastRunAt); err != nil {
		return nil, err
	}
	s.NextRunAt = fromMillis(nextRun)
	if lastRunAt.Valid {
		t := fromMillis(lastRunAt.Int64)
		s.LastRunAt = &t
	}
	return &s, nil
}

func scanJob(row rowScanner) (*BackupJob, error) {
	var (
		job         BackupJob
		scope       string
		status      string
		attemptedAt int64
		finishedAt  sql.NullInt64
		errText     sql.NullString
	)
	if err := row.Scan(&job.ID, &job.ScheduleID, &job.OwnerID, &job.BackupType, &scope, &job.SubjectID, &status,
		&attemptedAt, &finishedAt, &job.FailedStep, &errText, &job.BackupID); err != nil {
		return nil, err
	}
	job.Scope = Scope(scope)
	job.Status = JobStatus(status)
	job.AttemptedAt = fromMillis(attemptedAt)
	if finishedAt.Valid {
		job.FinishedAt = fromMillis(finishedAt.Int64)
	}
	job.Error = errText.String
	return &job, nil
}

func encodeWarnings(warnings []string) (interface{}, error) {
	if len(warnings) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(warnings)
	if err != nil {
		return nil, NewEncodingError("failed to encode warnings", err)
	}
	return string(data), nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullTimeMillis(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// registryError classifies database failures so that connection loss and
// lock contention are retried by callers. Duplicate rows are conflicts.
func registryError(message string, err error) error {
	switch {
	case apperrors.IsRetryable(err):
		return NewTransientStorageError("registry: "+message, err)
	case apperrors.KindOf(err) == apperrors.KindConflict:
		return NewConflictError("registry: "+message, err)
	}
	return NewStorageError("registry: "+message, err)
}
