package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"snapvault/internal/backup"
	"snapvault/internal/display"
	"snapvault/internal/syncqueue"
)

const timeLayout = "2006-01-02 15:04"

var backupHeaders = []string{"ID", "Owner", "Type", "Created", "Size", "Status", "Pinned", "Expires", "Mirror", "Local"}

func backupRow(rec *backup.BackupRecord) []string {
	local := "-"
	switch {
	case rec.IsLocalOnly:
		local = "only"
	case rec.LocalPath != "":
		local = "yes"
	}
	return []string{
		rec.ID,
		rec.OwnerID,
		rec.BackupType,
		formatTime(rec.CreatedAt),
		formatBytes(rec.FileSizeBytes),
		string(rec.Status),
		strconv.FormatBool(rec.IsPinned),
		formatTimePtr(rec.ExpiresAt),
		string(rec.MirrorStatus),
		local,
	}
}

func printBackups(p *display.Printer, records []*backup.BackupRecord) error {
	if p.Format().Structured() {
		return p.Structured(records)
	}
	if len(records) == 0 {
		p.Info("No backups found")
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, backupRow(rec))
	}
	return p.Table(backupHeaders, rows)
}

func printBackup(p *display.Printer, rec *backup.BackupRecord) error {
	return p.Result(rec, func() {
		pairs := [][2]string{
			{"ID", rec.ID},
			{"Owner", rec.OwnerID},
			{"Type", rec.BackupType},
			{"Created", formatTime(rec.CreatedAt)},
			{"Size", formatBytes(rec.FileSizeBytes)},
			{"Status", string(rec.Status)},
			{"Pinned", strconv.FormatBool(rec.IsPinned)},
			{"Expires", formatTimePtr(rec.ExpiresAt)},
			{"Storage path", orDash(rec.StoragePath)},
			{"Local copy", orDash(rec.LocalPath)},
			{"Mirror", string(rec.MirrorStatus)},
			{"Checksum", rec.Checksum},
		}
		if rec.SecondaryOwnerID != "" {
			pairs = append(pairs, [2]string{"Subject", rec.SecondaryOwnerID})
		}
		p.KeyValues(pairs)
		for _, w := range rec.Warnings {
			p.Warning(w)
		}
	})
}

func printJobs(p *display.Printer, jobs []*backup.BackupJob) error {
	if p.Format().Structured() {
		return p.Structured(jobs)
	}
	if len(jobs) == 0 {
		p.Info("No jobs found")
		return nil
	}
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			job.OwnerID,
			job.BackupType,
			string(job.Status),
			formatTime(job.AttemptedAt),
			orDash(job.FailedStep),
			orDash(job.BackupID),
			orDash(truncate(job.Error, 60)),
		})
	}
	return p.Table([]string{"ID", "Owner", "Type", "Status", "Attempted", "Failed Step", "Backup", "Error"}, rows)
}

func printSchedule(p *display.Printer, sched *backup.BackupSchedule) error {
	return p.Result(sched, func() {
		last := "-"
		if sched.LastRunAt != nil {
			last = formatTime(*sched.LastRunAt)
		}
		p.KeyValues([][2]string{
			{"Owner", sched.OwnerID},
			{"Enabled", strconv.FormatBool(sched.Enabled)},
			{"Frequency", sched.Frequency},
			{"Backup type", sched.BackupType},
			{"Retention", fmt.Sprintf("%d days", sched.RetentionDays)},
			{"Next run", formatTime(sched.NextRunAt)},
			{"Last run", last},
		})
	})
}

func printSyncItems(p *display.Printer, items []*syncqueue.Item) error {
	if p.Format().Structured() {
		return p.Structured(items)
	}
	if len(items) == 0 {
		p.Info("Sync queue is empty")
		return nil
	}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		next := "-"
		if item.State == syncqueue.StateRetrying {
			next = formatTime(item.NextAttemptAt)
		}
		rows = append(rows, []string{
			item.ID,
			item.ActionType,
			string(item.State),
			strconv.Itoa(item.Retries),
			formatTime(item.CreatedAt),
			next,
			orDash(truncate(item.LastError, 60)),
		})
	}
	return p.Table([]string{"ID", "Action", "State", "Retries", "Queued", "Next Attempt", "Last Error"}, rows)
}

func printHealth(p *display.Printer, report *backup.StorageHealthReport) error {
	return p.Result(report, func() {
		p.Header("Storage health: " + report.OverallHealth)
		rows := make([][]string, 0, len(report.Backends))
		for _, name := range []string{backup.PrimaryBackendName, backup.LocalBackendName} {
			h, ok := report.Backends[name]
			if !ok {
				continue
			}
			rows = append(rows, []string{
				h.Backend,
				h.Status,
				strconv.FormatInt(h.Usage.Objects, 10),
				formatBytes(h.Usage.Bytes),
				h.ResponseTime.Round(time.Millisecond).String(),
				orDash(h.Error),
			})
		}
		_ = p.Table([]string{"Backend", "Status", "Objects", "Size", "Latency", "Error"}, rows)

		if report.SyncQueue != nil {
			s := report.SyncQueue
			p.KeyValues([][2]string{
				{"Sync queued", strconv.Itoa(s.Queued)},
				{"Sync retrying", strconv.Itoa(s.Retrying)},
				{"Sync dead", strconv.Itoa(s.Dead)},
			})
		}
		for _, issue := range report.Issues {
			if issue.Severity == backup.HealthCritical {
				p.Error(issue.Message)
			} else {
				p.Warning(issue.Message)
			}
		}
	})
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return formatTime(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// parseDate accepts RFC 3339, a plain date, or a relative age such as 7d,
// 2w or 3m counted back from now.
func parseDate(dateStr string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", dateStr, time.Local); err == nil {
		return t, nil
	}

	if len(dateStr) < 2 {
		return time.Time{}, fmt.Errorf("invalid date format: %s", dateStr)
	}
	n, err := strconv.Atoi(dateStr[:len(dateStr)-1])
	if err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("invalid relative date format: %s", dateStr)
	}
	switch dateStr[len(dateStr)-1] {
	case 'd':
		return now.AddDate(0, 0, -n), nil
	case 'w':
		return now.AddDate(0, 0, -n*7), nil
	case 'm':
		return now.AddDate(0, -n, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid date format: %s", dateStr)
}
