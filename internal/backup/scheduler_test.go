package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	jobs   []*BackupJob
	reject map[string]error
}

func (r *recordingSubmitter) Submit(job *BackupJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reject[job.OwnerID]; err != nil {
		return err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	schedules := map[string]*BackupSchedule{}
	for _, owner := range []string{"alice", "bob", "carol", "dave"} {
		sched, err := NewSchedule(owner, 30, FrequencyDaily, "full", created)
		require.NoError(t, err)
		schedules[owner] = sched
	}
	schedules["bob"].Enabled = false
	schedules["carol"].BackupType = ""
	schedules["dave"].NextRunAt = created.AddDate(0, 0, 5)
	for _, sched := range schedules {
		require.NoError(t, registry.UpsertSchedule(ctx, sched))
	}

	submitter := &recordingSubmitter{reject: map[string]error{"carol": ErrRunnerQueueFull}}
	scheduler := NewScheduler(registry, submitter, SchedulerConfig{DefaultType: "settings"}, nil)
	// Three hours past the first daily slot.
	now := created.AddDate(0, 0, 1).Add(3 * time.Hour)
	scheduler.now = func() time.Time { return now }

	result, err := scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Due)
	assert.Equal(t, 1, result.Submitted)
	assert.Equal(t, 1, result.Rejected)
	assert.Empty(t, result.Errors)

	require.Len(t, submitter.jobs, 1)
	job := submitter.jobs[0]
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, schedules["alice"].ID, job.ScheduleID)
	assert.Equal(t, ScopeFull, job.Scope)
	assert.Equal(t, "full", job.BackupType)
	assert.Equal(t, now, job.AttemptedAt)

	jobs, err := registry.ListJobs(ctx, "carol", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusFailed, jobs[0].Status)
	assert.Equal(t, "settings", jobs[0].BackupType, "an empty schedule type uses the default")
	assert.Equal(t, ErrRunnerQueueFull.Error(), jobs[0].Error)

	for _, owner := range []string{"alice", "carol"} {
		sched, err := registry.GetSchedule(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, created.AddDate(0, 0, 2), sched.NextRunAt, owner)
		require.NotNil(t, sched.LastRunAt, owner)
		assert.Equal(t, now, *sched.LastRunAt, owner)
	}

	result, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Due, "advanced schedules are not due again")
}

func TestScheduler_UpdateScheduleAfterRun(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	scheduler := NewScheduler(registry, &recordingSubmitter{}, SchedulerConfig{}, nil)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		nextRun  time.Time
		now      time.Time
		wantNext time.Time
	}{
		{"late run skips missed slots", base, base.Add(50 * time.Hour), base.AddDate(0, 0, 3)},
		{"early run keeps the cadence", base.AddDate(0, 0, 1), base.Add(time.Hour), base.AddDate(0, 0, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := NewSchedule("alice", 30, FrequencyDaily, "full", base)
			require.NoError(t, err)
			sched.NextRunAt = tt.nextRun
			require.NoError(t, registry.UpsertSchedule(ctx, sched))

			require.NoError(t, scheduler.UpdateScheduleAfterRun(ctx, sched, tt.now))
			assert.Equal(t, tt.wantNext, sched.NextRunAt)

			stored, err := registry.GetSchedule(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, stored.NextRunAt)
		})
	}

	bad := &BackupSchedule{ID: "x", OwnerID: "alice", Frequency: "sometimes"}
	err := scheduler.UpdateScheduleAfterRun(ctx, bad, base)
	assert.True(t, IsType(err, BackupErrorTypeValidation))
}

func TestScheduler_StartStop(t *testing.T) {
	registry := newTestRegistry(t)
	scheduler := NewScheduler(registry, &recordingSubmitter{}, SchedulerConfig{TickSpec: "@every 1h"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, scheduler.Start(ctx))
	assert.Error(t, scheduler.Start(ctx), "starting twice fails")
	scheduler.Stop()
	scheduler.Stop()

	broken := NewScheduler(registry, &recordingSubmitter{}, SchedulerConfig{TickSpec: "not a spec"}, nil)
	err := broken.Start(ctx)
	assert.True(t, IsType(err, BackupErrorTypeConfiguration))
}

func TestNewSchedule(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		owner     string
		days      int
		frequency string
		wantNext  time.Time
		wantErr   bool
	}{
		{"daily", "alice", 30, FrequencyDaily, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), false},
		{"hourly", "alice", 30, FrequencyHourly, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), false},
		{"cron expression", "alice", 30, "15 3 * * *", time.Date(2024, 6, 2, 3, 15, 0, 0, time.UTC), false},
		{"every", "alice", 30, "@every 6h", now.Add(6 * time.Hour), false},
		{"no owner", "", 30, FrequencyDaily, time.Time{}, true},
		{"no retention", "alice", 0, FrequencyDaily, time.Time{}, true},
		{"bad frequency", "alice", 30, "fortnightly", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := NewSchedule(tt.owner, tt.days, tt.frequency, "full", now)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsType(err, BackupErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.True(t, sched.Enabled)
			assert.Equal(t, tt.wantNext, sched.NextRunAt)
		})
	}
}

func TestGetDueSchedules_RegistryError(t *testing.T) {
	registry := newTestRegistry(t)
	scheduler := NewScheduler(registry, &recordingSubmitter{}, SchedulerConfig{}, nil)
	require.NoError(t, registry.Close())

	_, err := scheduler.GetDueSchedules(context.Background(), time.Now())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
