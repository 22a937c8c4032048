package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/syncqueue"
)

type staticStatter struct {
	stats syncqueue.Stats
	err   error
}

func (s staticStatter) Stats(ctx context.Context) (syncqueue.Stats, error) {
	return s.stats, s.err
}

func TestStorageMonitor_CheckHealth(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		usage       Usage
		usageErr    error
		queue       QueueStatter
		wantOverall string
		wantTypes   []AlertType
	}{
		{
			name:        "healthy",
			usage:       Usage{Objects: 3, Bytes: 100},
			queue:       staticStatter{stats: syncqueue.Stats{Queued: 2}},
			wantOverall: HealthHealthy,
		},
		{
			name:        "quota warning",
			usage:       Usage{Objects: 9, Bytes: 900},
			wantOverall: HealthWarning,
			wantTypes:   []AlertType{AlertTypeStorageQuota},
		},
		{
			name:        "quota critical",
			usage:       Usage{Objects: 10, Bytes: 990},
			wantOverall: HealthCritical,
			wantTypes:   []AlertType{AlertTypeStorageQuota},
		},
		{
			name:        "primary unreachable",
			usageErr:    NewTransientStorageError("dial tcp 10.0.0.1:443: i/o timeout", nil),
			wantOverall: HealthCritical,
			wantTypes:   []AlertType{AlertTypeStorageHealth},
		},
		{
			name:        "dead sync items",
			usage:       Usage{Bytes: 10},
			queue:       staticStatter{stats: syncqueue.Stats{Dead: 2}},
			wantOverall: HealthWarning,
			wantTypes:   []AlertType{AlertTypeSyncDead},
		},
		{
			name:        "queue stats unavailable",
			usage:       Usage{Bytes: 10},
			queue:       staticStatter{err: errors.New("queue closed")},
			wantOverall: HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := newMemoryBackend(PrimaryBackendName)
			usage := tt.usage
			primary.usage = &usage
			primary.usageErr = tt.usageErr
			notifier := &recordingNotifier{}

			monitor := NewStorageMonitor(MonitorConfig{PrimaryQuotaBytes: 1000}, TimeoutConfig{}, primary, nil, LocalStoreConfig{}, tt.queue, notifier, nil)
			report, err := monitor.CheckHealth(ctx)
			require.NoError(t, err)

			assert.Equal(t, tt.wantOverall, report.OverallHealth)
			require.Contains(t, report.Backends, PrimaryBackendName)

			var types []AlertType
			for _, alert := range notifier.sent() {
				types = append(types, alert.Type)
			}
			assert.Equal(t, tt.wantTypes, types)
			assert.Len(t, report.Issues, len(tt.wantTypes))
		})
	}
}

func TestStorageMonitor_LocalStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{localCfg: LocalStoreConfig{MaxBytes: 1 << 20}})

	_, err := h.service.CreateBackup(ctx, "alice", "full", CreateOptions{})
	require.NoError(t, err)

	monitor := NewStorageMonitor(MonitorConfig{}, TimeoutConfig{}, h.primary, h.local, LocalStoreConfig{MaxBytes: 1 << 20}, nil, nil, nil)
	report, err := monitor.CheckHealth(ctx)
	require.NoError(t, err)

	assert.Equal(t, HealthHealthy, report.OverallHealth)
	local := report.Backends[LocalBackendName]
	require.NotNil(t, local)
	assert.Equal(t, int64(1), local.Usage.Objects)
	assert.Positive(t, local.Usage.Bytes)
	assert.Nil(t, report.SyncQueue)
}

func TestStorageMonitor_RedactsErrors(t *testing.T) {
	primary := newMemoryBackend(PrimaryBackendName)
	primary.usageErr = errors.New("token refresh failed: refresh_token=deadbeef")

	monitor := NewStorageMonitor(MonitorConfig{}, TimeoutConfig{}, primary, nil, LocalStoreConfig{}, nil, nil, nil)
	report, err := monitor.CheckHealth(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, report.Backends[PrimaryBackendName].Error, "deadbeef")
}

func TestStorageMonitor_WarningSeverity(t *testing.T) {
	monitor := NewStorageMonitor(MonitorConfig{}, TimeoutConfig{}, newMemoryBackend(PrimaryBackendName), nil, LocalStoreConfig{}, nil, nil, nil)

	assert.Equal(t, HealthHealthy, monitor.getWarningSeverity(50))
	assert.Equal(t, HealthWarning, monitor.getWarningSeverity(85))
	assert.Equal(t, HealthCritical, monitor.getWarningSeverity(95))
	assert.Nil(t, monitor.quotaWarning(PrimaryBackendName, 10, 1000))

	w := monitor.quotaWarning(PrimaryBackendName, 960, 1000)
	require.NotNil(t, w)
	assert.Equal(t, HealthCritical, w.Severity)
	assert.InDelta(t, 96.0, w.UsagePercentage, 0.001)
}

func TestStorageMonitor_Run(t *testing.T) {
	primary := newMemoryBackend(PrimaryBackendName)
	primary.usageErr = errors.New("unreachable")
	notifier := &recordingNotifier{}
	monitor := NewStorageMonitor(MonitorConfig{Interval: 5 * time.Millisecond}, TimeoutConfig{}, primary, nil, LocalStoreConfig{}, nil, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	require.Eventually(t, func() bool { return len(notifier.sent()) > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitorConfig_Validate(t *testing.T) {
	cfg := MonitorConfig{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())

	bad := MonitorConfig{WarningPercent: 90, CriticalPercent: 80, PrimaryQuotaBytes: -1}
	assert.Equal(t, []string{"monitor.critical_percent", "monitor.primary_quota_bytes"}, validationFields(t, bad.Validate()))
}
