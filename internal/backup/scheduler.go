package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"snapvault/internal/logging"
)

// Scheduler turns due schedules into jobs on a periodic tick. It never waits
// for the jobs it submits.
type Scheduler struct {
	registry Registry
	runner   JobSubmitter
	config   SchedulerConfig
	logger   *logging.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// TickResult summarizes one scheduler tick.
type TickResult struct {
	Due       int
	Submitted int
	Rejected  int
	Errors    []string
}

// NewScheduler creates a scheduler that submits jobs to runner.
func NewScheduler(registry Registry, runner JobSubmitter, config SchedulerConfig, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	config.SetDefaults()
	return &Scheduler{
		registry: registry,
		runner:   runner,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// GetDueSchedules returns enabled schedules with next_run_at <= now.
func (s *Scheduler) GetDueSchedules(ctx context.Context, now time.Time) ([]*BackupSchedule, error) {
	due, err := s.registry.ListDueSchedules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	// The registry filters already; this keeps the contract if a Registry
	// implementation is lenient about disabled rows.
	out := due[:0]
	for _, sched := range due {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			out = append(out, sched)
		}
	}
	return out, nil
}

// UpdateScheduleAfterRun records a run at now and moves next_run_at to the
// next slot after max(now, previous next_run_at). It is called whether or
// not the run succeeded, so a failing owner waits for its next normal slot.
func (s *Scheduler) UpdateScheduleAfterRun(ctx context.Context, sched *BackupSchedule, now time.Time) error {
	next, err := nextRunAfter(sched, now)
	if err != nil {
		return err
	}
	if err := s.registry.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", sched.ID, err)
	}
	last := now
	sched.LastRunAt = &last
	sched.NextRunAt = next
	return nil
}

func nextRunAfter(sched *BackupSchedule, now time.Time) (time.Time, error) {
	from := now
	if sched.NextRunAt.After(from) {
		from = sched.NextRunAt
	}
	next, err := NextRun(sched.Frequency, from)
	if err != nil {
		return time.Time{}, NewValidationError(fmt.Sprintf("schedule %s has an invalid frequency", sched.ID), err)
	}
	if next.IsZero() {
		return time.Time{}, NewValidationError(fmt.Sprintf("frequency %q never fires", sched.Frequency), nil)
	}
	return next, nil
}

// Tick submits one job per due schedule and advances each schedule. A job
// the runner cannot accept is recorded as failed so the owner sees it.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	now := s.now().UTC()
	due, err := s.GetDueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &TickResult{Due: len(due)}
	SchedulesDueTotal.Add(float64(len(due)))

	for _, sched := range due {
		job := &BackupJob{
			ID:          uuid.New().String(),
			ScheduleID:  sched.ID,
			OwnerID:     sched.OwnerID,
			BackupType:  sched.BackupType,
			Scope:       ScopeFull,
			Status:      JobStatusPending,
			AttemptedAt: now,
		}
		if job.BackupType == "" {
			job.BackupType = s.config.DefaultType
		}

		if err := s.runner.Submit(job); err != nil {
			result.Rejected++
			JobsRejectedTotal.Inc()
			s.recordRejected(ctx, job, err)
		} else {
			result.Submitted++
		}

		if err := s.UpdateScheduleAfterRun(ctx, sched, now); err != nil {
			result.Errors = append(result.Errors, err.Error())
			s.logger.WithFields(map[string]interface{}{
				"schedule_id": sched.ID,
				"owner_id":    sched.OwnerID,
				"error":       err.Error(),
			}).Error("Failed to advance schedule")
		}
	}

	if result.Due > 0 {
		s.logger.WithFields(map[string]interface{}{
			"due":       result.Due,
			"submitted": result.Submitted,
			"rejected":  result.Rejected,
		}).Info("Scheduler tick completed")
	}
	return result, nil
}

func (s *Scheduler) recordRejected(ctx context.Context, job *BackupJob, cause error) {
	job.Status = JobStatusFailed
	job.FinishedAt = job.AttemptedAt
	job.Error = cause.Error()
	RecordJob(job.Status, "")

	if err := s.registry.CreateJob(ctx, job); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"owner_id": job.OwnerID,
			"error":    err.Error(),
		}).Error("Failed to record rejected job")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"owner_id": job.OwnerID,
		"error":    cause.Error(),
	}).Warn("Runner rejected scheduled job")
}

// Start registers the tick with a cron runner and returns. The cron runner
// stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	cronLogger := cron.PrintfLogger(s.logger.Logrus())
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(s.config.TickSpec, func() {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.WithField("error", err.Error()).Error("Scheduler tick failed")
		}
	}); err != nil {
		return NewConfigurationError(fmt.Sprintf("invalid scheduler tick spec %q", s.config.TickSpec), err)
	}

	c.Start()
	s.cron = c
	s.logger.WithField("tick_spec", s.config.TickSpec).Info("Scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the tick and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// NewSchedule builds a schedule for owner with defaults from config and the
// first run one frequency slot after now.
func NewSchedule(ownerID string, retentionDays int, frequency, backupType string, now time.Time) (*BackupSchedule, error) {
	if ownerID == "" {
		return nil, NewValidationError("owner id is required", nil)
	}
	if retentionDays <= 0 {
		return nil, NewValidationError("retention days must be positive", nil)
	}
	next, err := NextRun(frequency, now)
	if err != nil {
		return nil, NewValidationError("invalid frequency", err)
	}
	return &BackupSchedule{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		RetentionDays: retentionDays,
		Frequency:     frequency,
		BackupType:    backupType,
		Enabled:       true,
		NextRunAt:     next,
	}, nil
}
