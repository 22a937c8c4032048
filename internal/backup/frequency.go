package backup

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Named schedule frequencies. Anything else is treated as a cron expression.
const (
	FrequencyHourly  = "hourly"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

var frequencyDescriptors = map[string]string{
	FrequencyHourly:  "@hourly",
	FrequencyDaily:   "@daily",
	FrequencyWeekly:  "@weekly",
	FrequencyMonthly: "@monthly",
}

var frequencyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseFrequency accepts a named frequency, a five-field cron expression or
// a descriptor such as "@every 6h".
func ParseFrequency(frequency string) (cron.Schedule, error) {
	expr := strings.TrimSpace(strings.ToLower(frequency))
	if expr == "" {
		return nil, fmt.Errorf("frequency cannot be empty")
	}
	if d, ok := frequencyDescriptors[expr]; ok {
		expr = d
	} else {
		expr = strings.TrimSpace(frequency)
	}
	sched, err := frequencyParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid frequency %q: %w", frequency, err)
	}
	return sched, nil
}

// NextRun returns the first slot of frequency strictly after from, in UTC.
func NextRun(frequency string, from time.Time) (time.Time, error) {
	sched, err := ParseFrequency(frequency)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from.UTC()), nil
}
