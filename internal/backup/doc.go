// Package backup produces, stores, restores and expires encrypted per-owner
// backups of domain data.
//
// A backup job exports the sections of a backup type through a
// DomainDataProvider, seals the bundle with AES-256-GCM, writes it to the
// primary object store and registers it. Only registered artifacts count as
// backups. Mirroring to a cloud drive and keeping an on-device copy follow
// as best-effort stages that add warnings instead of failing the job.
//
// Core components:
//
//   - Exporter: reads the sections of a backup type
//   - Codec: compresses, encrypts and checks artifacts
//   - ObjectBackend: the primary store on local disk, S3, GCS or Azure
//   - LocalStore: the bounded on-device copy
//   - SQLRegistry: backup, schedule, job and mirror connection records
//   - JobRunner: the pipeline, one job per owner at a time
//   - Scheduler: starts jobs for due schedules
//   - RetentionManager: expires and purges old backups
//   - SyncHandler: replays storage actions queued while offline
//   - Service: the public API used by the command line
//
// Example usage:
//
//	sys, err := backup.NewSystem(ctx, cfg, provider, logger)
//	if err != nil {
//		return err
//	}
//	defer sys.Close()
//
//	if err := sys.Start(ctx); err != nil {
//		return err
//	}
//	rec, err := sys.Service.CreateBackup(ctx, "owner-1", "full", backup.CreateOptions{})
//	if err != nil {
//		return fmt.Errorf("backup failed at %s: %w", backup.FailedStep(err), err)
//	}
//	data, err := sys.Service.RestoreBackup(ctx, rec.ID, backup.MasterKey{})
package backup
