package backup

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"snapvault/internal/logging"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeBackupFailure AlertType = "BACKUP_FAILURE"
	AlertTypeStorageQuota  AlertType = "STORAGE_QUOTA"
	AlertTypeStorageHealth AlertType = "STORAGE_HEALTH"
	AlertTypeSyncDead      AlertType = "SYNC_DEAD_ITEMS"
	AlertTypeReapFailure   AlertType = "RETENTION_FAILURE"
)

// AlertSeverity represents the severity of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "INFO"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

var severityLevels = map[AlertSeverity]int{
	AlertSeverityInfo:     1,
	AlertSeverityWarning:  2,
	AlertSeverityCritical: 3,
}

// Alert is one operator-facing event.
type Alert struct {
	ID        string        `json:"id"`
	Type      AlertType     `json:"type"`
	Severity  AlertSeverity `json:"severity"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`

	// Subject names what the alert is about, such as an owner or a backend.
	// Alerts sharing type and subject share a cooldown.
	Subject  string                 `json:"subject,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewAlert fills ID and Timestamp.
func NewAlert(alertType AlertType, severity AlertSeverity, subject, title, message string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
}

// AlertSender delivers alerts.
type AlertSender interface {
	SendNotification(ctx context.Context, alert Alert) error
}

// NotificationConfig holds configuration for notifications
type NotificationConfig struct {
	Enabled      bool           `yaml:"enabled" mapstructure:"enabled"`
	Webhook      *WebhookConfig `yaml:"webhook,omitempty" mapstructure:"webhook"`
	Slack        *SlackConfig   `yaml:"slack,omitempty" mapstructure:"slack"`
	File         *FileConfig    `yaml:"file,omitempty" mapstructure:"file"`
	MinSeverity  AlertSeverity  `yaml:"min_severity" mapstructure:"min_severity"`
	ExcludeTypes []AlertType    `yaml:"exclude_types,omitempty" mapstructure:"exclude_types"`
	MaxPerHour   int            `yaml:"max_per_hour" mapstructure:"max_per_hour"`
	Cooldown     time.Duration  `yaml:"cooldown" mapstructure:"cooldown"`
}

// WebhookConfig for generic webhook notifications
type WebhookConfig struct {
	URL     string            `yaml:"url" mapstructure:"url"`
	Method  string            `yaml:"method,omitempty" mapstructure:"method"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// SlackConfig for Slack notifications
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel    string `yaml:"channel,omitempty" mapstructure:"channel"`
	Username   string `yaml:"username,omitempty" mapstructure:"username"`
}

// FileConfig for file-based notifications
type FileConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Format string `yaml:"format,omitempty" mapstructure:"format"` // json, text
}

// SetDefaults sets notification defaults.
func (nc *NotificationConfig) SetDefaults() {
	if nc.MinSeverity == "" {
		nc.MinSeverity = AlertSeverityWarning
	}
	if nc.MaxPerHour == 0 {
		nc.MaxPerHour = 30
	}
	if nc.Cooldown == 0 {
		nc.Cooldown = 15 * time.Minute
	}
}

// Validate validates the notification configuration.
func (nc *NotificationConfig) Validate() error {
	if !nc.Enabled {
		return nil
	}
	var errs ValidationErrors
	if _, ok := severityLevels[nc.MinSeverity]; !ok {
		errs.Add("notifications.min_severity", "severity must be INFO, WARNING or CRITICAL", nc.MinSeverity)
	}
	if nc.Webhook == nil && nc.Slack == nil && nc.File == nil {
		errs.Add("notifications", "at least one channel is required when notifications are enabled", nil)
	}
	if nc.Webhook != nil && nc.Webhook.URL == "" {
		errs.Add("notifications.webhook.url", "webhook URL is required", nil)
	}
	if nc.Slack != nil && nc.Slack.WebhookURL == "" {
		errs.Add("notifications.slack.webhook_url", "Slack webhook URL is required", nil)
	}
	if nc.File != nil && nc.File.Path == "" {
		errs.Add("notifications.file.path", "file path is required", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// NotificationChannel interface for different notification methods
type NotificationChannel interface {
	Send(ctx context.Context, msg NotificationMessage) error
	GetType() string
}

// NotificationMessage represents a formatted notification message
type NotificationMessage struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  AlertSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	AlertID   string                 `json:"alert_id"`
	AlertType AlertType              `json:"alert_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Color     string                 `json:"color,omitempty"`
}

// NotificationManager handles sending notifications for backup system alerts
type NotificationManager struct {
	logger   *logging.Logger
	config   NotificationConfig
	channels []NotificationChannel
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	sentLog  []time.Time
}

var _ AlertSender = (*NotificationManager)(nil)

// NewNotificationManager creates a new notification manager
func NewNotificationManager(logger *logging.Logger, config NotificationConfig) *NotificationManager {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	nm := &NotificationManager{
		logger:   logger,
		config:   config,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}

	if config.Webhook != nil {
		nm.channels = append(nm.channels, NewWebhookChannel(*config.Webhook))
	}
	if config.Slack != nil {
		nm.channels = append(nm.channels, NewSlackChannel(*config.Slack))
	}
	if config.File != nil {
		nm.channels = append(nm.channels, NewFileChannel(*config.File))
	}
	return nm
}

// SendNotification sends a notification for an alert through all configured
// channels. It fails only when every channel failed.
func (nm *NotificationManager) SendNotification(ctx context.Context, alert Alert) error {
	if !nm.config.Enabled || len(nm.channels) == 0 {
		return nil
	}
	if !nm.shouldNotify(alert) {
		nm.logger.WithFields(map[string]interface{}{
			"alert_id":   alert.ID,
			"alert_type": string(alert.Type),
			"severity":   string(alert.Severity),
		}).Debug("Alert filtered out, not sending notification")
		return nil
	}
	if !nm.checkRateLimit(alert) {
		nm.logger.WithFields(map[string]interface{}{
			"alert_id":   alert.ID,
			"alert_type": string(alert.Type),
		}).Warn("Notification rate limit exceeded, skipping")
		return nil
	}

	message := formatMessage(alert)
	var failures []string
	for _, channel := range nm.channels {
		if err := channel.Send(ctx, message); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", channel.GetType(), err))
			nm.logger.WithFields(map[string]interface{}{
				"channel":  channel.GetType(),
				"alert_id": alert.ID,
				"error":    err.Error(),
			}).Error("Failed to send notification")
			continue
		}
		nm.logger.WithFields(map[string]interface{}{
			"channel":  channel.GetType(),
			"alert_id": alert.ID,
		}).Debug("Notification sent")
	}

	if len(failures) == len(nm.channels) {
		return fmt.Errorf("all notification channels failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (nm *NotificationManager) shouldNotify(alert Alert) bool {
	level, ok := severityLevels[alert.Severity]
	if !ok || level < severityLevels[nm.config.MinSeverity] {
		return false
	}
	for _, excluded := range nm.config.ExcludeTypes {
		if alert.Type == excluded {
			return false
		}
	}
	return true
}

// checkRateLimit applies the per-subject cooldown and the hourly cap, and
// records the send when both pass.
func (nm *NotificationManager) checkRateLimit(alert Alert) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	now := nm.now()
	key := string(alert.Type) + "|" + alert.Subject
	if last, ok := nm.lastSent[key]; ok && now.Sub(last) < nm.config.Cooldown {
		return false
	}

	cutoff := now.Add(-time.Hour)
	kept := nm.sentLog[:0]
	for _, t := range nm.sentLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	nm.sentLog = kept
	if len(nm.sentLog) >= nm.config.MaxPerHour {
		return false
	}

	nm.lastSent[key] = now
	nm.sentLog = append(nm.sentLog, now)
	return true
}

func formatMessage(alert Alert) NotificationMessage {
	message := NotificationMessage{
		Title:     alert.Title,
		Message:   logging.RedactSecrets(alert.Message),
		Severity:  alert.Severity,
		Timestamp: alert.Timestamp,
		AlertID:   alert.ID,
		AlertType: alert.Type,
		Metadata:  alert.Metadata,
	}
	switch alert.Severity {
	case AlertSeverityInfo:
		message.Color = "#36a64f"
	case AlertSeverityWarning:
		message.Color = "#ff9900"
	case AlertSeverityCritical:
		message.Color = "#ff0000"
	}
	return message
}

// WebhookChannel posts the JSON message to a URL.
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{config: config, client: &http.Client{Timeout: timeout}}
}

// Send implements NotificationChannel.
func (wc *WebhookChannel) Send(ctx context.Context, msg NotificationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}
	return postJSON(ctx, wc.client, method, wc.config.URL, wc.config.Headers, payload)
}

// GetType returns the channel type
func (wc *WebhookChannel) GetType() string { return "webhook" }

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	config SlackConfig
	client *http.Client
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(config SlackConfig) *SlackChannel {
	return &SlackChannel{config: config, client: &http.Client{Timeout: 30 * time.Second}}
}

// Send implements NotificationChannel.
func (sc *SlackChannel) Send(ctx context.Context, msg NotificationMessage) error {
	fields := []map[string]interface{}{
		{"title": "Type", "value": string(msg.AlertType), "short": true},
		{"title": "Severity", "value": string(msg.Severity), "short": true},
	}
	payload := map[string]interface{}{
		"text": msg.Title,
		"attachments": []map[string]interface{}{{
			"color":  msg.Color,
			"text":   msg.Message,
			"fields": fields,
			"ts":     msg.Timestamp.Unix(),
		}},
	}
	if sc.config.Channel != "" {
		payload["channel"] = sc.config.Channel
	}
	if sc.config.Username != "" {
		payload["username"] = sc.config.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return postJSON(ctx, sc.client, http.MethodPost, sc.config.WebhookURL, nil, body)
}

// GetType returns the channel type
func (sc *SlackChannel) GetType() string { return "slack" }

func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer drainAndClose(resp)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// FileChannel appends notifications to a file.
type FileChannel struct {
	config FileConfig
	mu     sync.Mutex
}

// NewFileChannel creates a new file notification channel
func NewFileChannel(config FileConfig) *FileChannel {
	return &FileChannel{config: config}
}

// Send implements NotificationChannel.
func (fc *FileChannel) Send(ctx context.Context, msg NotificationMessage) error {
	var content string
	switch fc.config.Format {
	case "json":
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal notification to JSON: %w", err)
		}
		content = string(data) + "\n"
	default:
		content = fmt.Sprintf("[%s] %s - %s: %s\n",
			msg.Timestamp.Format(time.RFC3339), msg.Severity, msg.AlertType, msg.Title)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(fc.config.Path), 0755); err != nil {
		return fmt.Errorf("failed to create notification directory: %w", err)
	}
	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write notification to file: %w", err)
	}
	return nil
}

// GetType returns the channel type
func (fc *FileChannel) GetType() string { return "file" }
