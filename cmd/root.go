package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"snapvault/internal/backup"
	"snapvault/internal/config"
	"snapvault/internal/display"
	"snapvault/internal/logging"
)

var cfgFile string

// Global flag variables
var (
	logLevel     string
	logFormat    string
	logFile      string
	outputFormat string
	theme        string
	tableStyle   string
	noColor      bool
	quiet        bool
	autoApprove  bool
)

// Version information, set by SetVersionInfo.
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "snapvault",
	Short: "Encrypted, scheduled per-owner backups of business data",
	Long: `snapvault exports an owner's business records, encrypts them with
AES-256-GCM and keeps the result in a primary object store, an optional
on-device copy and an optional cloud drive mirror. Schedules, retention
and pinning are tracked per owner in a SQL registry.

Examples:
  # Write a starter configuration
  snapvault config init --path snapvault.yaml

  # Run the scheduler, reaper and sync replayer
  snapvault serve --config snapvault.yaml

  # Back up one owner now and list their backups as JSON
  snapvault backup create owner-42
  snapvault backup list owner-42 --output json

  # Restore with the configured keys
  snapvault backup restore 6f1c... --out restored.json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describeError(err))
		os.Exit(exitCode(err))
	}
}

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./snapvault.yaml, $HOME/.config/snapvault/snapvault.yaml)")
	flags.StringVar(&logLevel, "log-level", "normal", "log level (quiet, normal, verbose, debug)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	flags.StringVar(&theme, "theme", "dark", "color theme (dark, light, plain)")
	flags.StringVar(&tableStyle, "table-style", "default", "table style (default, rounded, minimal)")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	flags.BoolVarP(&autoApprove, "yes", "y", false, "answer yes to confirmation prompts")

	rootCmd.AddCommand(createVersionCommand())
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapvault version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}

// newLogger builds the process logger. Logs go to stderr so that command
// output on stdout stays parseable.
func newLogger() (*logging.Logger, error) {
	level := logging.LogLevel(strings.ToLower(logLevel))
	switch level {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		return nil, backup.NewValidationError(fmt.Sprintf("invalid --log-level %q", logLevel), nil)
	}
	if quiet {
		level = logging.LogLevelQuiet
	}
	return logging.NewLogger(logging.Config{
		Level:   level,
		Output:  os.Stderr,
		Format:  logFormat,
		LogFile: logFile,
	})
}

func newPrinter(cmd *cobra.Command) (*display.Printer, error) {
	return display.NewPrinter(&display.DisplayConfig{
		ColorEnabled: !noColor,
		Theme:        theme,
		OutputFormat: outputFormat,
		QuietMode:    quiet,
		TableStyle:   tableStyle,
		Writer:       cmd.OutOrStdout(),
		ErrWriter:    cmd.ErrOrStderr(),
	})
}

func loadConfig() (*backup.SystemConfig, error) {
	return config.NewLoader().Load(cfgFile)
}

// openSystem builds the backup system without starting background work.
// Without a source database, commands that need to export fail with a
// configuration error while every other command keeps working.
func openSystem(ctx context.Context) (*backup.System, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	var provider backup.DomainDataProvider
	if cfg.Source.DSN == "" {
		provider = backup.DomainDataProviderFunc(func(context.Context, string, string, backup.ScopeOptions) ([]backup.Record, error) {
			return nil, backup.NewConfigurationError("no source database configured: set source.dsn", nil)
		})
	}

	sys, err := backup.NewSystem(ctx, *cfg, provider, logger)
	if err != nil {
		return nil, nil, err
	}
	return sys, logger, nil
}

// withSystem opens the system, runs fn and closes the system again.
func withSystem(cmd *cobra.Command, fn func(ctx context.Context, sys *backup.System, p *display.Printer) error) error {
	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	sys, _, err := openSystem(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sys.Close(); cerr != nil {
			p.Warning(fmt.Sprintf("close: %v", cerr))
		}
	}()
	return fn(ctx, sys, p)
}
