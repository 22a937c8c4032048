package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"snapvault/internal/logging"
	"snapvault/internal/syncqueue"
)

// System owns every long-lived component built from a SystemConfig.
type System struct {
	Config    SystemConfig
	Registry  *SQLRegistry
	Primary   *ObjectBackend
	Local     *LocalStore
	Mirror    Mirror
	Codec     *Codec
	Keys      *KeyRing
	Queue     *syncqueue.Queue
	Replayer  *syncqueue.Replayer
	Runner    *JobRunner
	Scheduler *Scheduler
	Reaper    *RetentionManager
	Service   *Service
	Audit     *AuditLogger
	Notifier  *NotificationManager
	Monitor   *StorageMonitor

	logger  *logging.Logger
	source  *SQLSectionProvider
	closers []func() error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewSystem validates cfg and builds the components. provider may be nil
// when cfg.Source names a database to read sections from.
func NewSystem(ctx context.Context, cfg SystemConfig, provider DomainDataProvider, logger *logging.Logger) (_ *System, err error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid configuration", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	s := &System{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.closeAll()
		}
	}()

	if provider == nil {
		if cfg.Source.DSN == "" {
			return nil, NewConfigurationError("no domain data provider: set source.dsn or supply a provider", nil)
		}
		s.source, err = OpenSQLSectionProvider(ctx, cfg.Source, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.source.Close)
		provider = s.source
	}

	s.Keys, err = NewKeyManager(&cfg.Encryption).LoadKeyRing()
	if err != nil {
		return nil, err
	}
	s.Codec = NewCodec(cfg.Compression)

	s.Audit, err = NewAuditLogger(AuditLoggerConfig{
		Logger:         logger,
		AuditLogFile:   cfg.Audit.File,
		EnableAuditLog: cfg.Audit.Enabled,
	})
	if err != nil {
		return nil, NewConfigurationError("failed to open audit log", err)
	}
	s.closers = append(s.closers, s.Audit.Close)

	s.Registry, err = OpenRegistry(ctx, cfg.Registry, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Registry.Close)

	s.Primary, err = NewStorageProviderFactory().CreatePrimaryStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	var enqueuer SyncEnqueuer
	if cfg.Sync.Enabled {
		s.Queue, err = syncqueue.Open(syncqueue.Config{
			Path:       cfg.Sync.Path,
			MaxRetries: cfg.Sync.MaxRetries,
			BaseDelay:  cfg.Sync.BaseDelay,
			MaxDelay:   cfg.Sync.MaxDelay,
		}, logger)
		if err != nil {
			return nil, NewConfigurationError("failed to open sync queue", err)
		}
		s.closers = append(s.closers, s.Queue.Close)
		enqueuer = s.Queue
	}

	if cfg.LocalStore.Enabled {
		s.Local, err = NewLocalStore(cfg.LocalStore, s.Registry, enqueuer, logger)
		if err != nil {
			return nil, err
		}
	}

	s.Mirror = NoopMirror{}
	if cfg.Mirror.Enabled {
		s.Mirror, err = NewDriveMirror(cfg.Mirror, s.Registry, s.Codec, s.Keys, logger)
		if err != nil {
			return nil, err
		}
	}

	s.Notifier = NewNotificationManager(logger, cfg.Notifications)

	exporter := NewExporter(provider, cfg.BackupTypes, cfg.Runner.SectionParallelism, cfg.Timeouts.Export, logger)
	s.Runner, err = NewJobRunner(cfg.Runner, cfg.Timeouts, cfg.Retention, RunnerDependencies{
		Exporter: exporter,
		Codec:    s.Codec,
		Keys:     s.Keys,
		Primary:  s.Primary,
		Local:    s.Local,
		Mirror:   s.Mirror,
		Registry: s.Registry,
		Audit:    s.Audit,
		Notifier: s.Notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	s.Reaper = NewRetentionManager(cfg.Retention, cfg.Timeouts, s.Registry, s.Primary, s.Local, s.Mirror, logger)
	s.Reaper.SetNotifier(s.Notifier)
	s.Scheduler = NewScheduler(s.Registry, s.Runner, cfg.Scheduler, logger)

	s.Service, err = NewService(cfg.Scheduler, cfg.Timeouts, cfg.Retention, ServiceDependencies{
		Registry: s.Registry,
		Runner:   s.Runner,
		Reaper:   s.Reaper,
		Primary:  s.Primary,
		Local:    s.Local,
		Mirror:   s.Mirror,
		Codec:    s.Codec,
		Keys:     s.Keys,
		Queue:    enqueuer,
		Audit:    s.Audit,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	if s.Queue != nil {
		var probe syncqueue.Probe = PrimaryProbe(s.Primary)
		if cfg.Sync.ProbeURL != "" {
			probe = syncqueue.NewHTTPProbe(cfg.Sync.ProbeURL, cfg.Timeouts.Probe)
		}
		handler := NewSyncHandler(s.Primary, s.Local, s.Mirror, s.Registry, cfg.Timeouts, logger)
		s.Replayer = syncqueue.NewReplayer(s.Queue, handler, probe, syncqueue.ReplayerConfig{
			Workers:      cfg.Sync.Workers,
			ProbeTimeout: cfg.Timeouts.Probe,
		}, logger)
	}

	var queueStats QueueStatter
	if s.Queue != nil {
		queueStats = s.Queue
	}
	s.Monitor = NewStorageMonitor(cfg.Monitor, cfg.Timeouts, s.Primary, s.Local, cfg.LocalStore, queueStats, s.Notifier, logger)

	logger.WithFields(map[string]interface{}{
		"storage":  cfg.Storage.Provider,
		"registry": cfg.Registry.Driver,
		"local":    cfg.LocalStore.Enabled,
		"mirror":   cfg.Mirror.Enabled,
		"sync":     cfg.Sync.Enabled,
	}).Info("Backup system initialized")
	return s, nil
}

// Start launches the runner pool and, as configured, the scheduler, the
// reaper and the sync replayer. They all stop on Close or when ctx ends.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("backup system already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.Runner.Start(ctx)

	if s.Config.Scheduler.Enabled {
		if err := s.Scheduler.Start(ctx); err != nil {
			cancel()
			s.Runner.Stop()
			return err
		}
	}

	s.goBackground(func() error { return s.Reaper.Run(ctx) })
	if s.Config.Monitor.Enabled {
		s.goBackground(func() error { return s.Monitor.Run(ctx) })
	}
	if s.Replayer != nil {
		s.goBackground(func() error { return s.Replayer.Run(ctx, s.Config.Sync.Interval) })
	}

	s.started = true
	return nil
}

func (s *System) goBackground(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WithField("error", err.Error()).Error("Background task exited")
		}
	}()
}

// Close stops background work, drains the runner and releases every
// resource. It is safe to call on a system that was never started.
func (s *System) Close() error {
	s.mu.Lock()
	if s.started {
		s.Scheduler.Stop()
		s.Runner.Stop()
		s.cancel()
		s.started = false
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.closeAll()
}

func (s *System) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
