package backup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method  string
	headers http.Header
	body    map[string]interface{}
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{method: r.Method, headers: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestNotificationManager_FiltersAlerts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")
	nm := NewNotificationManager(nil, NotificationConfig{
		Enabled:      true,
		File:         &FileConfig{Path: path},
		MinSeverity:  AlertSeverityWarning,
		ExcludeTypes: []AlertType{AlertTypeStorageQuota},
	})

	tests := []struct {
		name  string
		alert Alert
		want  bool
	}{
		{"below minimum severity", NewAlert(AlertTypeBackupFailure, AlertSeverityInfo, "alice", "t", "m"), false},
		{"excluded type", NewAlert(AlertTypeStorageQuota, AlertSeverityCritical, "local", "t", "m"), false},
		{"unknown severity", NewAlert(AlertTypeBackupFailure, "LOUD", "alice", "t", "m"), false},
		{"warning", NewAlert(AlertTypeBackupFailure, AlertSeverityWarning, "alice", "t", "m"), true},
		{"critical", NewAlert(AlertTypeStorageHealth, AlertSeverityCritical, "primary", "t", "m"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nm.shouldNotify(tt.alert))
		})
	}
}

func TestNotificationManager_RateLimit(t *testing.T) {
	nm := NewNotificationManager(nil, NotificationConfig{
		Enabled:    true,
		File:       &FileConfig{Path: filepath.Join(t.TempDir(), "alerts.log")},
		MaxPerHour: 3,
		Cooldown:   10 * time.Minute,
	})
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	nm.now = func() time.Time { return now }

	alice := NewAlert(AlertTypeBackupFailure, AlertSeverityWarning, "alice", "t", "m")
	bob := NewAlert(AlertTypeBackupFailure, AlertSeverityWarning, "bob", "t", "m")

	assert.True(t, nm.checkRateLimit(alice))
	assert.False(t, nm.checkRateLimit(alice), "same type and subject is in cooldown")
	assert.True(t, nm.checkRateLimit(bob), "another subject has its own cooldown")

	now = now.Add(11 * time.Minute)
	assert.True(t, nm.checkRateLimit(alice))

	carol := NewAlert(AlertTypeBackupFailure, AlertSeverityWarning, "carol", "t", "m")
	assert.False(t, nm.checkRateLimit(carol), "hourly cap reached")

	now = now.Add(time.Hour)
	assert.True(t, nm.checkRateLimit(carol), "the hourly window slides")
}

func TestNotificationManager_SendNotification(t *testing.T) {
	ctx := context.Background()
	webhook, webhookRequests := newCaptureServer(t, http.StatusOK)
	slack, slackRequests := newCaptureServer(t, http.StatusOK)
	path := filepath.Join(t.TempDir(), "alerts", "alerts.log")

	nm := NewNotificationManager(nil, NotificationConfig{
		Enabled: true,
		Webhook: &WebhookConfig{URL: webhook.URL, Method: http.MethodPut, Headers: map[string]string{"X-Token": "abc"}},
		Slack:   &SlackConfig{WebhookURL: slack.URL, Channel: "#ops", Username: "snapvault"},
		File:    &FileConfig{Path: path, Format: "json"},
	})

	alert := NewAlert(AlertTypeBackupFailure, AlertSeverityCritical, "alice", "Backup failed", "export timed out")
	require.NoError(t, nm.SendNotification(ctx, alert))

	reqs := webhookRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].method)
	assert.Equal(t, "abc", reqs[0].headers.Get("X-Token"))
	assert.Equal(t, "application/json", reqs[0].headers.Get("Content-Type"))
	assert.Equal(t, "Backup failed", reqs[0].body["title"])
	assert.Equal(t, string(AlertTypeBackupFailure), reqs[0].body["alert_type"])
	assert.Equal(t, "#ff0000", reqs[0].body["color"])

	reqs = slackRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "#ops", reqs[0].body["channel"])
	assert.Equal(t, "snapvault", reqs[0].body["username"])
	assert.Equal(t, "Backup failed", reqs[0].body["text"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var msg NotificationMessage
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &msg))
	assert.Equal(t, alert.ID, msg.AlertID)
	assert.Equal(t, "export timed out", msg.Message)
}

func TestNotificationManager_ChannelFailures(t *testing.T) {
	ctx := context.Background()
	failing, _ := newCaptureServer(t, http.StatusInternalServerError)
	path := filepath.Join(t.TempDir(), "alerts.log")

	t.Run("one channel still delivers", func(t *testing.T) {
		nm := NewNotificationManager(nil, NotificationConfig{
			Enabled: true,
			Webhook: &WebhookConfig{URL: failing.URL},
			File:    &FileConfig{Path: path},
		})
		alert := NewAlert(AlertTypeSyncDead, AlertSeverityWarning, "queue", "Dead items", "2 items")
		require.NoError(t, nm.SendNotification(ctx, alert))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "WARNING - SYNC_DEAD_ITEMS: Dead items")
	})

	t.Run("every channel failing is an error", func(t *testing.T) {
		nm := NewNotificationManager(nil, NotificationConfig{
			Enabled: true,
			Webhook: &WebhookConfig{URL: failing.URL},
		})
		alert := NewAlert(AlertTypeSyncDead, AlertSeverityWarning, "queue", "Dead items", "2 items")
		err := nm.SendNotification(ctx, alert)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("disabled manager is silent", func(t *testing.T) {
		nm := NewNotificationManager(nil, NotificationConfig{Webhook: &WebhookConfig{URL: failing.URL}})
		alert := NewAlert(AlertTypeSyncDead, AlertSeverityCritical, "queue", "Dead items", "2 items")
		assert.NoError(t, nm.SendNotification(ctx, alert))
	})
}

func TestNotificationConfig_Validate(t *testing.T) {
	tests := []struct {
		name       string
		config     NotificationConfig
		wantFields []string
	}{
		{"disabled", NotificationConfig{}, nil},
		{"valid file channel", NotificationConfig{Enabled: true, MinSeverity: AlertSeverityInfo, File: &FileConfig{Path: "a.log"}}, nil},
		{"no channels", NotificationConfig{Enabled: true, MinSeverity: AlertSeverityWarning}, []string{"notifications"}},
		{
			"empty urls and bad severity",
			NotificationConfig{Enabled: true, MinSeverity: "LOUD", Webhook: &WebhookConfig{}, Slack: &SlackConfig{}},
			[]string{"notifications.min_severity", "notifications.webhook.url", "notifications.slack.webhook_url"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantFields, validationFields(t, err))
		})
	}
}

func TestFormatMessage_RedactsSecrets(t *testing.T) {
	alert := NewAlert(AlertTypeBackupFailure, AlertSeverityCritical, "alice", "Mirror upload failed",
		`token endpoint said refresh_token=1//0gAbCdEf is invalid`)
	msg := formatMessage(alert)
	assert.NotContains(t, msg.Message, "1//0gAbCdEf")
	assert.Contains(t, msg.Message, "refresh_token=")
	assert.Equal(t, "#ff0000", msg.Color)
}
