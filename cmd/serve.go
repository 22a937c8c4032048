package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	apperrors "snapvault/internal/errors"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, retention reaper and sync replayer",
	Long: `Run snapvault in the foreground. Due schedules are turned into backup
jobs, expired backups are reaped, queued storage actions are replayed and,
when metrics.listen is set, Prometheus metrics are served on /metrics.

SIGINT or SIGTERM stops the scheduler, lets running jobs finish and closes
every store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sys, logger, err := openSystem(ctx)
	if err != nil {
		return err
	}

	shutdown := apperrors.NewShutdownHooks()
	shutdown.Add(sys.Close)

	if err := sys.Start(ctx); err != nil {
		_ = sys.Close()
		return err
	}

	if addr := sys.Config.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithField("error", err.Error()).Error("Metrics server stopped")
			}
		}()
		shutdown.Add(func() error {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		logger.WithField("listen", addr).Info("Serving metrics")
	}

	// Runs first on shutdown: stop feeding new work before closing stores.
	shutdown.Add(func() error {
		logger.Info("Shutting down")
		cancel()
		return nil
	})

	shutdown.Listen()
	logger.WithFields(map[string]interface{}{
		"scheduler": sys.Config.Scheduler.Enabled,
		"sync":      sys.Queue != nil,
		"monitor":   sys.Config.Monitor.Enabled,
	}).Info("snapvault running")

	shutdown.Wait()
	return nil
}
