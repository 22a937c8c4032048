package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: Config{Level: LogLevelNormal, Format: "text"},
			want:   LogLevelNormal,
		},
		{
			name:   "verbose json",
			config: Config{Level: LogLevelVerbose, Format: "json"},
			want:   LogLevelVerbose,
		},
		{
			name:   "quiet config",
			config: Config{Level: LogLevelQuiet, Format: "text"},
			want:   LogLevelQuiet,
		},
		{
			name:   "empty level falls back to normal",
			config: Config{},
			want:   LogLevelNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if logger.GetLevel() != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	path := t.TempDir() + "/snapvault.log"
	var buf bytes.Buffer

	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, LogFile: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("hello file")

	if !strings.Contains(buf.String(), "hello file") {
		t.Errorf("expected message in primary output, got %q", buf.String())
	}
}

func TestNewLoggerBadFile(t *testing.T) {
	_, err := NewLogger(Config{LogFile: t.TempDir() + "/missing/dir/x.log"})
	if err == nil {
		t.Fatal("expected error for unwritable log file")
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf, Format: "json"})

	ctx := CreateContextWithRequestID(context.Background(), "req-42")
	logger.WithContext(ctx).Info("traced")

	if !strings.Contains(buf.String(), `"request_id":"req-42"`) {
		t.Errorf("expected request id in output, got %q", buf.String())
	}
}

func TestLogStageResult(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf, Format: "text"})

	logger.LogStageResult("job-1", "export", 20*time.Millisecond, nil)
	if !strings.Contains(buf.String(), "Backup stage completed") {
		t.Errorf("expected completion message, got %q", buf.String())
	}

	buf.Reset()
	logger.LogStageResult("job-1", "write-primary", time.Second, errors.New("bucket gone"))
	out := buf.String()
	if !strings.Contains(out, "Backup stage failed") || !strings.Contains(out, "bucket gone") {
		t.Errorf("expected failure with error, got %q", out)
	}
}

func TestLogStageResultNormalLevelIsQuietOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogStageResult("job-1", "export", time.Millisecond, nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output at normal level, got %q", buf.String())
	}
}

func TestLogStorageOperation(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogStorageOperation("s3", "write", "owner/a.json", 128, time.Millisecond, errors.New("timeout"))
	out := buf.String()
	if !strings.Contains(out, "storage_write") || !strings.Contains(out, "timeout") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestLogSyncReplay(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogSyncReplay(3, 0, 0, time.Second)
	if !strings.Contains(buf.String(), "Sync replay finished") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	logger.LogSyncReplay(3, 1, 1, time.Second)
	if !strings.Contains(buf.String(), "with failures") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestSetLevel(t *testing.T) {
	logger := NewNopLogger()
	logger.SetLevel(LogLevelDebug)

	if logger.GetLevel() != LogLevelDebug {
		t.Errorf("GetLevel() = %v, want debug", logger.GetLevel())
	}
	if !logger.IsLevelEnabled(LogLevelVerbose) {
		t.Error("verbose should be enabled at debug level")
	}
}

func TestIsLevelEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	tests := []struct {
		level LogLevel
		want  bool
	}{
		{LogLevelQuiet, true},
		{LogLevelNormal, true},
		{LogLevelVerbose, false},
		{LogLevelDebug, false},
		{LogLevel("bogus"), false},
	}

	for _, tt := range tests {
		if got := logger.IsLevelEnabled(tt.level); got != tt.want {
			t.Errorf("IsLevelEnabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	done := logger.LogOperationStart("create_backup", map[string]interface{}{"owner_id": "u1"})
	done(nil)
	out := buf.String()
	if !strings.Contains(out, "Operation completed") || !strings.Contains(out, "owner_id=u1") {
		t.Errorf("unexpected output %q", out)
	}

	buf.Reset()
	done = logger.LogOperationStart("create_backup", nil)
	done(errors.New("boom"))
	if !strings.Contains(buf.String(), "Operation failed") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestGetRequestIDFromContext(t *testing.T) {
	if got := GetRequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
	ctx := CreateContextWithRequestID(context.Background(), "abc")
	if got := GetRequestIDFromContext(ctx); got != "abc" {
		t.Errorf("GetRequestIDFromContext() = %q, want abc", got)
	}
}
