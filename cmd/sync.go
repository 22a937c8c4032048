package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"snapvault/internal/backup"
	"snapvault/internal/display"
	"snapvault/internal/syncqueue"
)

var syncDeadOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and drive the offline sync queue",
	Long: `Storage actions that could not reach the primary store are queued and
replayed once it is reachable again. Items that exhausted their retries are
dead and block later actions on the same backup until retried or discarded.`,
}

var syncListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			var (
				items []*syncqueue.Item
				err   error
			)
			if syncDeadOnly {
				items, err = sys.Queue.Dead(ctx)
			} else {
				items, err = sys.Queue.List(ctx)
			}
			if err != nil {
				return err
			}
			return printSyncItems(p, items)
		})
	},
}

var syncStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count queued actions by state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			stats, err := sys.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			return p.Result(stats, func() {
				p.KeyValues([][2]string{
					{"Queued", fmt.Sprint(stats.Queued)},
					{"In flight", fmt.Sprint(stats.InFlight)},
					{"Retrying", fmt.Sprint(stats.Retrying)},
					{"Dead", fmt.Sprint(stats.Dead)},
					{"Oldest", formatTime(stats.Oldest)},
				})
			})
		})
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Give a dead action a fresh set of retries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			item, err := sys.Queue.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			p.Success(fmt.Sprintf("Action %s requeued", item.ID))
			return nil
		})
	},
}

var syncDiscardCmd = &cobra.Command{
	Use:   "discard <item-id>",
	Short: "Drop a queued action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			if err := sys.Queue.Discard(ctx, args[0]); err != nil {
				return err
			}
			p.Success(fmt.Sprintf("Action %s discarded", args[0]))
			return nil
		})
	},
}

var syncReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay due actions now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			result, err := sys.Replayer.RunOnce(ctx)
			if err != nil {
				return err
			}
			return p.Result(result, func() {
				p.KeyValues([][2]string{
					{"Processed", fmt.Sprint(result.Processed)},
					{"Failed", fmt.Sprint(result.Failed)},
					{"Dead", fmt.Sprint(result.Dead)},
					{"Blocked", fmt.Sprint(result.Blocked)},
				})
				if result.Dead > 0 {
					p.Warning("Some actions exhausted their retries; see 'snapvault sync list --dead'")
				}
			})
		})
	},
}

func init() {
	syncListCmd.Flags().BoolVar(&syncDeadOnly, "dead", false, "only dead actions")

	syncCmd.AddCommand(syncListCmd, syncStatsCmd, syncRetryCmd, syncDiscardCmd, syncReplayCmd)
	rootCmd.AddCommand(syncCmd)
}

func withQueue(cmd *cobra.Command, fn func(ctx context.Context, sys *backup.System, p *display.Printer) error) error {
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		if sys.Queue == nil {
			return backup.NewConfigurationError("sync queue is disabled", nil).
				WithContext("hint", "set sync.enabled: true")
		}
		return fn(ctx, sys, p)
	})
}
