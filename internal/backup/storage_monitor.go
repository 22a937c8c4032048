package backup

import (
	"context"
	"fmt"
	"time"

	"snapvault/internal/logging"
	"snapvault/internal/syncqueue"
)

// Health states reported by the storage monitor.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// MonitorConfig configures periodic storage health checks.
type MonitorConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval        time.Duration `yaml:"interval" mapstructure:"interval"`
	WarningPercent  float64       `yaml:"warning_percent" mapstructure:"warning_percent"`
	CriticalPercent float64       `yaml:"critical_percent" mapstructure:"critical_percent"`

	// PrimaryQuotaBytes is the primary store budget. Zero disables the
	// primary quota check.
	PrimaryQuotaBytes int64 `yaml:"primary_quota_bytes,omitempty" mapstructure:"primary_quota_bytes"`
	DeadItemsWarning  int   `yaml:"dead_items_warning" mapstructure:"dead_items_warning"`
}

// SetDefaults sets monitor defaults.
func (mc *MonitorConfig) SetDefaults() {
	if mc.Interval == 0 {
		mc.Interval = 5 * time.Minute
	}
	if mc.WarningPercent == 0 {
		mc.WarningPercent = 85
	}
	if mc.CriticalPercent == 0 {
		mc.CriticalPercent = 95
	}
	if mc.DeadItemsWarning == 0 {
		mc.DeadItemsWarning = 1
	}
}

// Validate validates the monitor configuration.
func (mc *MonitorConfig) Validate() error {
	var errs ValidationErrors
	if mc.WarningPercent <= 0 || mc.WarningPercent > 100 {
		errs.Add("monitor.warning_percent", "must be between 0 and 100", mc.WarningPercent)
	}
	if mc.CriticalPercent < mc.WarningPercent || mc.CriticalPercent > 100 {
		errs.Add("monitor.critical_percent", "must be between warning_percent and 100", mc.CriticalPercent)
	}
	if mc.PrimaryQuotaBytes < 0 {
		errs.Add("monitor.primary_quota_bytes", "quota cannot be negative", mc.PrimaryQuotaBytes)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// StorageHealthReport is the result of one monitor pass.
type StorageHealthReport struct {
	OverallHealth string                    `json:"overall_health"`
	Backends      map[string]*BackendHealth `json:"backends"`
	Quotas        []*QuotaWarning           `json:"quotas,omitempty"`
	SyncQueue     *syncqueue.Stats          `json:"sync_queue,omitempty"`
	Issues        []*HealthIssue            `json:"issues,omitempty"`
	GeneratedAt   time.Time                 `json:"generated_at"`
}

// BackendHealth is the state of one storage backend.
type BackendHealth struct {
	Backend      string        `json:"backend"`
	Status       string        `json:"status"`
	Usage        Usage         `json:"usage"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

// QuotaWarning reports a backend close to its budget.
type QuotaWarning struct {
	Backend         string  `json:"backend"`
	UsedBytes       int64   `json:"used_bytes"`
	QuotaBytes      int64   `json:"quota_bytes"`
	UsagePercentage float64 `json:"usage_percentage"`
	Severity        string  `json:"severity"`
	Recommendation  string  `json:"recommendation"`
}

// HealthIssue is one problem found by a pass.
type HealthIssue struct {
	Type     AlertType `json:"type"`
	Severity string    `json:"severity"`
	Subject  string    `json:"subject"`
	Message  string    `json:"message"`
}

// QueueStatter reports sync queue counts.
type QueueStatter interface {
	Stats(ctx context.Context) (syncqueue.Stats, error)
}

// StorageMonitor checks backend reachability, quota use and sync queue
// health, publishes gauges and raises alerts.
type StorageMonitor struct {
	primary  Backend
	local    *LocalStore
	localCfg LocalStoreConfig
	queue    QueueStatter
	notifier AlertSender
	config   MonitorConfig
	timeout  time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// NewStorageMonitor creates a monitor. local, queue and notifier may be nil.
func NewStorageMonitor(config MonitorConfig, timeouts TimeoutConfig, primary Backend, local *LocalStore, localCfg LocalStoreConfig, queue QueueStatter, notifier AlertSender, logger *logging.Logger) *StorageMonitor {
	config.SetDefaults()
	timeouts.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &StorageMonitor{
		primary:  primary,
		local:    local,
		localCfg: localCfg,
		queue:    queue,
		notifier: notifier,
		config:   config,
		timeout:  timeouts.Probe,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckHealth runs one pass and sends an alert for every issue found.
func (sm *StorageMonitor) CheckHealth(ctx context.Context) (*StorageHealthReport, error) {
	report := &StorageHealthReport{
		OverallHealth: HealthHealthy,
		Backends:      make(map[string]*BackendHealth),
		GeneratedAt:   sm.now().UTC(),
	}

	backends := []Backend{sm.primary}
	if sm.local != nil {
		backends = append(backends, sm.local)
	}
	for _, b := range backends {
		health := sm.testBackend(ctx, b)
		report.Backends[health.Backend] = health
		if health.Status != HealthHealthy {
			report.addIssue(&HealthIssue{
				Type:     AlertTypeStorageHealth,
				Severity: HealthCritical,
				Subject:  health.Backend,
				Message:  fmt.Sprintf("backend %s is unreachable: %s", health.Backend, health.Error),
			})
		}
	}

	if h := report.Backends[PrimaryBackendName]; h != nil && h.Status == HealthHealthy && sm.config.PrimaryQuotaBytes > 0 {
		report.addQuota(sm.quotaWarning(PrimaryBackendName, h.Usage.Bytes, sm.config.PrimaryQuotaBytes))
	}
	if h := report.Backends[LocalBackendName]; h != nil && h.Status == HealthHealthy && sm.localCfg.MaxBytes > 0 {
		report.addQuota(sm.quotaWarning(LocalBackendName, h.Usage.Bytes, sm.localCfg.MaxBytes))
	}

	if sm.queue != nil {
		stats, err := sm.queue.Stats(ctx)
		if err != nil {
			sm.logger.WithField("error", err.Error()).Warn("Failed to read sync queue stats")
		} else {
			report.SyncQueue = &stats
			if stats.Dead >= sm.config.DeadItemsWarning {
				report.addIssue(&HealthIssue{
					Type:     AlertTypeSyncDead,
					Severity: HealthWarning,
					Subject:  "sync_queue",
					Message:  fmt.Sprintf("%d sync queue items need manual retry or discard", stats.Dead),
				})
			}
		}
	}

	sm.raise(ctx, report)
	return report, ctx.Err()
}

func (sm *StorageMonitor) testBackend(ctx context.Context, b Backend) *BackendHealth {
	health := &BackendHealth{Backend: b.Name(), Status: HealthHealthy}

	checkCtx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()
	start := time.Now()
	usage, err := b.Usage(checkCtx)
	health.ResponseTime = time.Since(start)

	if err != nil {
		health.Status = HealthCritical
		health.Error = logging.RedactSecrets(err.Error())
		BackendUp.WithLabelValues(health.Backend).Set(0)
		return health
	}
	health.Usage = usage
	BackendUp.WithLabelValues(health.Backend).Set(1)
	BackendUsageBytes.WithLabelValues(health.Backend).Set(float64(usage.Bytes))
	BackendObjects.WithLabelValues(health.Backend).Set(float64(usage.Objects))
	return health
}

// quotaWarning returns nil while usage is below the warning threshold.
func (sm *StorageMonitor) quotaWarning(backend string, used, quota int64) *QuotaWarning {
	pct := float64(used) / float64(quota) * 100
	severity := sm.getWarningSeverity(pct)
	if severity == HealthHealthy {
		return nil
	}
	return &QuotaWarning{
		Backend:         backend,
		UsedBytes:       used,
		QuotaBytes:      quota,
		UsagePercentage: pct,
		Severity:        severity,
		Recommendation:  getQuotaRecommendation(severity),
	}
}

func (sm *StorageMonitor) getWarningSeverity(usagePercentage float64) string {
	switch {
	case usagePercentage >= sm.config.CriticalPercent:
		return HealthCritical
	case usagePercentage >= sm.config.WarningPercent:
		return HealthWarning
	}
	return HealthHealthy
}

func getQuotaRecommendation(severity string) string {
	if severity == HealthCritical {
		return "Immediate action required: shorten retention or raise the quota"
	}
	return "Review retention policies and pinned backups"
}

func (r *StorageHealthReport) addQuota(w *QuotaWarning) {
	if w == nil {
		return
	}
	r.Quotas = append(r.Quotas, w)
	r.addIssue(&HealthIssue{
		Type:     AlertTypeStorageQuota,
		Severity: w.Severity,
		Subject:  w.Backend,
		Message:  fmt.Sprintf("%s store at %.1f%% of its %d byte budget", w.Backend, w.UsagePercentage, w.QuotaBytes),
	})
}

func (r *StorageHealthReport) addIssue(issue *HealthIssue) {
	r.Issues = append(r.Issues, issue)
	if issue.Severity == HealthCritical || r.OverallHealth == HealthHealthy {
		r.OverallHealth = issue.Severity
	}
}

func (sm *StorageMonitor) raise(ctx context.Context, report *StorageHealthReport) {
	for _, issue := range report.Issues {
		sm.logger.WithFields(map[string]interface{}{
			"type":     string(issue.Type),
			"severity": issue.Severity,
			"subject":  issue.Subject,
		}).Warn(issue.Message)

		if sm.notifier == nil {
			continue
		}
		severity := AlertSeverityWarning
		if issue.Severity == HealthCritical {
			severity = AlertSeverityCritical
		}
		alert := NewAlert(issue.Type, severity, issue.Subject, "Storage check: "+issue.Subject, issue.Message)
		if err := sm.notifier.SendNotification(ctx, alert); err != nil {
			sm.logger.WithField("error", err.Error()).Error("Failed to deliver storage alert")
		}
	}
}

// Run calls CheckHealth every Interval until ctx is cancelled.
func (sm *StorageMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sm.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := sm.CheckHealth(ctx); err != nil && ctx.Err() == nil {
				sm.logger.WithField("error", err.Error()).Error("Storage health check failed")
			}
		}
	}
}
