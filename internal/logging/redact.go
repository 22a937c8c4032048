package logging

import (
	"regexp"

	"github.com/sirupsen/logrus"
)

var secretPattern = regexp.MustCompile(`(?i)((?:access_token|refresh_token|client_secret|secret_key|account_key|master_key|key_hex)["']?\s*[:=]\s*["']?)([^"'\s,&}]+)`)

const maxRedactedLength = 500

// RedactSecrets masks credential values in free-form text before it is
// logged or stored.
func RedactSecrets(s string) string {
	s = secretPattern.ReplaceAllString(s, "${1}***")
	if len(s) > maxRedactedLength {
		return s[:maxRedactedLength] + "... [truncated]"
	}
	return s
}

// redactHook scrubs the message and string fields of every entry, so a
// driver error quoting a token cannot reach the log output.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (redactHook) Fire(entry *logrus.Entry) error {
	entry.Message = secretPattern.ReplaceAllString(entry.Message, "${1}***")
	for k, v := range entry.Data {
		if s, ok := v.(string); ok {
			entry.Data[k] = secretPattern.ReplaceAllString(s, "${1}***")
		}
	}
	return nil
}
