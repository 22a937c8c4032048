package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"snapvault/internal/backup"
	"snapvault/internal/display"
)

var (
	scheduleRetention int
	scheduleFrequency string
	scheduleType      string
	scheduleEnable    bool
	scheduleDisable   bool

	jobsLimit int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change an owner's backup schedule",
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <owner-id>",
	Short: "Show an owner's schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			sched, err := sys.Service.GetSchedule(ctx, args[0])
			if err != nil {
				return err
			}
			return printSchedule(p, sched)
		})
	},
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set <owner-id>",
	Short: "Change an owner's schedule",
	Long: `Change an owner's schedule. Only the given flags change; the rest of
the schedule is kept. A new retention period applies to backups created
from now on.

Frequencies: hourly, daily, weekly, monthly, @every <duration>, or a
five-field cron expression.

Examples:
  snapvault schedule set owner-42 --frequency weekly --retention-days 90
  snapvault schedule set owner-42 --frequency "30 2 * * *"
  snapvault schedule set owner-42 --disable`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleSet,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs <owner-id>",
	Short: "List an owner's recent backup jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			jobs, err := sys.Service.ListJobs(ctx, args[0], jobsLimit)
			if err != nil {
				return err
			}
			return printJobs(p, jobs)
		})
	},
}

func init() {
	scheduleSetCmd.Flags().IntVar(&scheduleRetention, "retention-days", 0, "days to keep new backups")
	scheduleSetCmd.Flags().StringVar(&scheduleFrequency, "frequency", "", "how often to back up")
	scheduleSetCmd.Flags().StringVar(&scheduleType, "type", "", "backup type to run")
	scheduleSetCmd.Flags().BoolVar(&scheduleEnable, "enable", false, "enable scheduled backups")
	scheduleSetCmd.Flags().BoolVar(&scheduleDisable, "disable", false, "disable scheduled backups")
	scheduleSetCmd.MarkFlagsMutuallyExclusive("enable", "disable")

	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")

	scheduleCmd.AddCommand(scheduleGetCmd, scheduleSetCmd)
	rootCmd.AddCommand(scheduleCmd, jobsCmd)
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	policy := backup.SchedulePolicy{
		RetentionDays: scheduleRetention,
		Frequency:     scheduleFrequency,
		BackupType:    scheduleType,
	}
	if scheduleEnable || scheduleDisable {
		enabled := scheduleEnable
		policy.Enabled = &enabled
	}
	if policy == (backup.SchedulePolicy{}) {
		return backup.NewValidationError("nothing to change", nil).
			WithContext("hint", "pass --retention-days, --frequency, --type, --enable or --disable")
	}

	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		sched, err := sys.Service.UpdateSchedule(ctx, args[0], policy)
		if err != nil {
			return err
		}
		p.Success(fmt.Sprintf("Schedule for %s updated", sched.OwnerID))
		return printSchedule(p, sched)
	})
}
