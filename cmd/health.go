package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"snapvault/internal/backup"
	"snapvault/internal/display"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the storage backends and the sync queue",
	Long: `Probe the primary object store and the local store, report their
usage against the configured quotas and summarise the sync queue.
Exits non-zero when the overall health is critical.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
			report, err := sys.Monitor.CheckHealth(ctx)
			if err != nil {
				return err
			}
			if err := printHealth(p, report); err != nil {
				return err
			}
			if report.OverallHealth == backup.HealthCritical {
				return backup.NewStorageError("storage health is critical", nil)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
