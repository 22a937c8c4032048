package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"snapvault/internal/backup"
	"snapvault/internal/confirmation"
	"snapvault/internal/display"
)

var (
	// Backup creation flags
	createScope   string
	createSubject string
	createOffline bool

	// Backup listing flags
	listStatus    string
	listStartDate string
	listEndDate   string
	listLocalOnly bool
	listLimit     int
	listAll       bool

	// Restore flags
	restoreKeyFile    string
	restoreKeyHex     string
	restoreKeyVersion int
	restoreOutput     string
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, inspect, restore and delete backups",
	Long: `Create, inspect, restore and delete encrypted backups.

Examples:
  # Back up owner-42 with their configured backup type
  snapvault backup create owner-42

  # Back up a single client of owner-42
  snapvault backup create owner-42 --scope user-subset --subject client-7

  # Back up to the local store only and upload when the primary is back
  snapvault backup create owner-42 --offline

  # Backups created in the last week, as YAML
  snapvault backup list owner-42 --since 7d --output yaml

  # Restore with an explicit key file
  snapvault backup restore <backup-id> --key-file old.key --out data.json`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <owner-id> [backup-type]",
	Short: "Run a backup now",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list [owner-id]",
	Short: "List backups, newest first",
	Long: `List backups, newest first.

With an owner id and no filters the owner's live backups are listed. Filters
or --all query the registry directly and may include deleted backups.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBackupList,
}

var backupGetCmd = &cobra.Command{
	Use:   "get <backup-id>",
	Short: "Show one backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupGet,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete every copy of a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Decrypt a backup and write its records as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupRestore,
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup-id>",
	Short: "Check that a backup is intact and restorable",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupVerify,
}

var backupPinCmd = &cobra.Command{
	Use:   "pin <backup-id>",
	Short: "Keep a backup until it is unpinned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPinChange(cmd, args[0], true)
	},
}

var backupUnpinCmd = &cobra.Command{
	Use:   "unpin <backup-id>",
	Short: "Let a backup expire under its retention again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPinChange(cmd, args[0], false)
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export <backup-id> <path>",
	Short: "Copy the encrypted artifact to a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runBackupExport,
}

func init() {
	backupCreateCmd.Flags().StringVar(&createScope, "scope", string(backup.ScopeFull), "backup scope (full, tenant-subset, user-subset)")
	backupCreateCmd.Flags().StringVar(&createSubject, "subject", "", "subject id for subset scopes")
	backupCreateCmd.Flags().BoolVar(&createOffline, "offline", false, "write to the local store and queue the primary upload")

	backupListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, expired, deleted)")
	backupListCmd.Flags().StringVar(&listStartDate, "since", "", "created at or after (RFC 3339, YYYY-MM-DD, or 7d/2w/3m)")
	backupListCmd.Flags().StringVar(&listEndDate, "until", "", "created at or before")
	backupListCmd.Flags().BoolVar(&listLocalOnly, "with-local-copy", false, "only backups with an on-device copy")
	backupListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of backups")
	backupListCmd.Flags().BoolVar(&listAll, "all", false, "include deleted backups")

	backupRestoreCmd.Flags().StringVar(&restoreKeyFile, "key-file", "", "master key file (raw or hex)")
	backupRestoreCmd.Flags().StringVar(&restoreKeyHex, "key-hex", "", "master key as hex")
	backupRestoreCmd.Flags().IntVar(&restoreKeyVersion, "key-version", 0, "version of the supplied key")
	backupRestoreCmd.Flags().StringVar(&restoreOutput, "out", "", "write restored records to this file instead of stdout")
	backupRestoreCmd.MarkFlagsMutuallyExclusive("key-file", "key-hex")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupGetCmd, backupDeleteCmd,
		backupRestoreCmd, backupVerifyCmd, backupPinCmd, backupUnpinCmd, backupExportCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	backupType := ""
	if len(args) == 2 {
		backupType = args[1]
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		rec, err := sys.Service.CreateBackup(ctx, args[0], backupType, backup.CreateOptions{
			Scope:     backup.Scope(createScope),
			SubjectID: createSubject,
			Offline:   createOffline,
		})
		if err != nil {
			return err
		}
		if rec.IsLocalOnly {
			p.Warning("Primary upload queued; the backup is on this device only for now")
		}
		p.Success(fmt.Sprintf("Backup %s created (%s)", rec.ID, formatBytes(rec.FileSizeBytes)))
		return printBackup(p, rec)
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	filter, err := buildBackupFilter(args, time.Now())
	if err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		var records []*backup.BackupRecord
		if isPlainOwnerListing(filter) {
			records, err = sys.Service.ListBackups(ctx, filter.OwnerID)
		} else {
			records, err = sys.Service.FindBackups(ctx, filter)
		}
		if err != nil {
			return err
		}
		if !listAll && filter.Status == "" {
			records = withoutDeleted(records)
		}
		if listLimit > 0 && len(records) > listLimit {
			records = records[:listLimit]
		}
		return printBackups(p, records)
	})
}

func buildBackupFilter(args []string, now time.Time) (backup.BackupFilter, error) {
	filter := backup.BackupFilter{
		Status:        backup.BackupStatus(listStatus),
		WithLocalCopy: listLocalOnly,
		Limit:         listLimit,
	}
	if len(args) == 1 {
		filter.OwnerID = args[0]
	}
	if listStartDate != "" {
		t, err := parseDate(listStartDate, now)
		if err != nil {
			return filter, backup.NewValidationError("invalid --since", err)
		}
		filter.CreatedAfter = &t
	}
	if listEndDate != "" {
		t, err := parseDate(listEndDate, now)
		if err != nil {
			return filter, backup.NewValidationError("invalid --until", err)
		}
		filter.CreatedBefore = &t
	}
	if err := backup.NewValidator().ValidateBackupFilter(filter); err != nil {
		return filter, backup.NewValidationError("invalid filter", err)
	}
	return filter, nil
}

func isPlainOwnerListing(f backup.BackupFilter) bool {
	return f.OwnerID != "" && f.Status == "" && !f.WithLocalCopy &&
		f.CreatedAfter == nil && f.CreatedBefore == nil && !listAll
}

func withoutDeleted(records []*backup.BackupRecord) []*backup.BackupRecord {
	out := records[:0]
	for _, rec := range records {
		if rec.Status != backup.BackupStatusDeleted {
			out = append(out, rec)
		}
	}
	return out
}

func runBackupGet(cmd *cobra.Command, args []string) error {
	if err := backup.NewValidator().ValidateBackupID(args[0]); err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		rec, err := sys.Service.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		return printBackup(p, rec)
	})
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	if err := backup.NewValidator().ValidateBackupID(args[0]); err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		rec, err := sys.Service.GetBackup(ctx, args[0])
		if err != nil {
			return err
		}
		if rec.Status == backup.BackupStatusDeleted {
			p.Info(fmt.Sprintf("Backup %s is already deleted", rec.ID))
			return nil
		}

		req := confirmation.Request{
			Action: "Delete backup",
			Details: [][2]string{
				{"ID", rec.ID},
				{"Owner", rec.OwnerID},
				{"Created", formatTime(rec.CreatedAt)},
				{"Size", formatBytes(rec.FileSizeBytes)},
			},
			Destructive: true,
		}
		if rec.IsPinned {
			req.Warnings = append(req.Warnings, "This backup is pinned and would otherwise be kept forever")
		}
		if rec.MirrorStatus == backup.MirrorStatusMirrored {
			req.Warnings = append(req.Warnings, "The cloud drive copy is deleted as well")
		}

		cs := confirmation.NewConfirmationServiceWithIO(cmd.InOrStdin(), cmd.ErrOrStderr(), !noColor)
		ok, err := cs.Confirm(req, autoApprove)
		if err != nil {
			return err
		}
		if !ok {
			p.Info("Delete cancelled")
			return nil
		}

		if err := sys.Service.DeleteBackup(ctx, rec.ID); err != nil {
			return err
		}
		p.Success(fmt.Sprintf("Backup %s deleted", rec.ID))
		return nil
	})
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	if err := backup.NewValidator().ValidateBackupID(args[0]); err != nil {
		return err
	}
	key, err := restoreKey()
	if err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		data, err := sys.Service.RestoreBackup(ctx, args[0], key)
		if err != nil {
			return err
		}

		if restoreOutput == "" {
			return p.Structured(data)
		}
		encoded, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return backup.NewEncodingError("failed to encode restored data", err)
		}
		if err := writeFileAtomic(restoreOutput, append(encoded, '\n')); err != nil {
			return err
		}
		total := 0
		for _, records := range data.Sections {
			total += len(records)
		}
		p.Success(fmt.Sprintf("Restored %d records in %d sections to %s", total, len(data.Sections), restoreOutput))
		return nil
	})
}

// restoreKey returns the key given on the command line, or a zero key to
// use the configured ones.
func restoreKey() (backup.MasterKey, error) {
	switch {
	case restoreKeyHex != "":
		return backup.ParseHexKey(restoreKeyVersion, restoreKeyHex)
	case restoreKeyFile != "":
		raw, err := backup.NewKeyManager(&backup.EncryptionConfig{}).LoadKeyFromFile(restoreKeyFile)
		if err != nil {
			return backup.MasterKey{}, err
		}
		return backup.NewMasterKey(restoreKeyVersion, raw)
	}
	return backup.MasterKey{}, nil
}

func runBackupVerify(cmd *cobra.Command, args []string) error {
	if err := backup.NewValidator().ValidateBackupID(args[0]); err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		report, err := sys.Service.VerifyBackup(ctx, args[0])
		if err != nil {
			return err
		}
		if err := p.Result(report, func() {
			p.KeyValues([][2]string{
				{"Backup", report.BackupID},
				{"Read from", report.Source},
				{"Format", passFail(report.FormatValid)},
				{"Checksum", passFail(report.ChecksumValid)},
				{"Decryption", passFail(report.Decrypted)},
				{"Sections", passFail(report.Complete)},
			})
			for name, n := range report.Sections {
				p.Info(fmt.Sprintf("%s: %d records", name, n))
			}
			for _, e := range report.Errors {
				p.Error(e)
			}
		}); err != nil {
			return err
		}
		if !report.Valid() {
			return backup.NewIntegrityError(fmt.Sprintf("backup %s failed verification", report.BackupID), nil)
		}
		p.Success("Backup verified")
		return nil
	})
}

func passFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

func runPinChange(cmd *cobra.Command, id string, pin bool) error {
	if err := backup.NewValidator().ValidateBackupID(id); err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		var (
			rec *backup.BackupRecord
			err error
		)
		if pin {
			rec, err = sys.Service.PinBackup(ctx, id)
		} else {
			rec, err = sys.Service.UnpinBackup(ctx, id)
		}
		if err != nil {
			return err
		}
		if pin {
			p.Success(fmt.Sprintf("Backup %s pinned", rec.ID))
		} else {
			p.Success(fmt.Sprintf("Backup %s unpinned, expires %s", rec.ID, formatTimePtr(rec.ExpiresAt)))
		}
		return printBackup(p, rec)
	})
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	if err := backup.NewValidator().ValidateBackupID(args[0]); err != nil {
		return err
	}
	return withSystem(cmd, func(ctx context.Context, sys *backup.System, p *display.Printer) error {
		n, err := sys.Service.ExportArtifact(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		p.Success(fmt.Sprintf("Exported %s to %s", formatBytes(n), args[1]))
		return nil
	})
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".tmp-" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
