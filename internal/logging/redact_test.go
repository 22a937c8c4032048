package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "query string token",
			input: "refresh_token=abc123&grant_type=refresh",
			want:  "refresh_token=***&grant_type=refresh",
		},
		{
			name:  "json secret",
			input: `{"client_secret":"s3cr3t"}`,
			want:  `{"client_secret":"***"}`,
		},
		{
			name:  "nothing to redact",
			input: "uploaded owner/backup.json",
			want:  "uploaded owner/backup.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactSecrets(tt.input); got != tt.want {
				t.Errorf("RedactSecrets() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRedactSecretsTruncates(t *testing.T) {
	got := RedactSecrets(strings.Repeat("a", 600))
	if !strings.HasSuffix(got, "... [truncated]") {
		t.Errorf("expected truncation suffix, got %q", got[len(got)-20:])
	}
}

func TestLoggerRedactsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.WithField("error", errors.New("exchange failed: refresh_token=rt-secret").Error()).
		Warn("Token refresh failed for access_token=at-secret")

	out := buf.String()
	if strings.Contains(out, "rt-secret") || strings.Contains(out, "at-secret") {
		t.Errorf("secrets leaked into log output: %q", out)
	}
	if !strings.Contains(out, "refresh_token=***") {
		t.Errorf("expected redacted field, got %q", out)
	}
}
