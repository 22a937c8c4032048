package backup

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Key sources understood by KeyManager.
const (
	KeySourceHex        = "hex"
	KeySourceEnv        = "env"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
)

// Registry drivers.
const (
	RegistryDriverSQLite = "sqlite"
	RegistryDriverMySQL  = "mysql"
)

// SystemConfig is the complete snapvault configuration.
type SystemConfig struct {
	Storage     StorageConfig       `yaml:"storage" mapstructure:"storage"`
	LocalStore  LocalStoreConfig    `yaml:"local_store" mapstructure:"local_store"`
	Mirror      MirrorConfig        `yaml:"mirror" mapstructure:"mirror"`
	Encryption  EncryptionConfig    `yaml:"encryption" mapstructure:"encryption"`
	Compression CompressionConfig   `yaml:"compression" mapstructure:"compression"`
	Registry    RegistryConfig      `yaml:"registry" mapstructure:"registry"`
	Source      SourceConfig        `yaml:"source" mapstructure:"source"`
	Scheduler   SchedulerConfig     `yaml:"scheduler" mapstructure:"scheduler"`
	Runner      RunnerConfig        `yaml:"runner" mapstructure:"runner"`
	Sync        SyncConfig          `yaml:"sync" mapstructure:"sync"`
	Timeouts    TimeoutConfig       `yaml:"timeouts" mapstructure:"timeouts"`
	Retention   RetentionConfig     `yaml:"retention" mapstructure:"retention"`
	BackupTypes map[string][]string `yaml:"backup_types" mapstructure:"backup_types"`
	Metrics     MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	Audit       AuditConfig         `yaml:"audit" mapstructure:"audit"`
	Monitor     MonitorConfig       `yaml:"monitor" mapstructure:"monitor"`

	Notifications NotificationConfig `yaml:"notifications" mapstructure:"notifications"`
}

// LocalStoreConfig configures the on-device copy.
type LocalStoreConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	BasePath   string `yaml:"base_path" mapstructure:"base_path"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxBytes   int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// MirrorConfig configures the optional cloud drive mirror.
type MirrorConfig struct {
	Enabled            bool          `yaml:"enabled" mapstructure:"enabled"`
	ClientID           string        `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret       string        `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURL        string        `yaml:"redirect_url" mapstructure:"redirect_url"`
	FolderID           string        `yaml:"folder_id" mapstructure:"folder_id"`
	AuthURL            string        `yaml:"auth_url,omitempty" mapstructure:"auth_url"`
	TokenURL           string        `yaml:"token_url,omitempty" mapstructure:"token_url"`
	APIBaseURL         string        `yaml:"api_base_url,omitempty" mapstructure:"api_base_url"`
	UploadBaseURL      string        `yaml:"upload_base_url,omitempty" mapstructure:"upload_base_url"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures" mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// PreviousKeyConfig points at a retired key still needed for restores.
type PreviousKeyConfig struct {
	Version int    `yaml:"version" mapstructure:"version"`
	KeyHex  string `yaml:"key_hex,omitempty" mapstructure:"key_hex"`
	KeyPath string `yaml:"key_path,omitempty" mapstructure:"key_path"`
}

// EncryptionConfig defines where the master key comes from.
type EncryptionConfig struct {
	KeySource        string              `yaml:"key_source" mapstructure:"key_source"`
	KeyHex           string              `yaml:"key_hex,omitempty" mapstructure:"key_hex"`
	KeyPath          string              `yaml:"key_path,omitempty" mapstructure:"key_path"`
	KeyEnvVar        string              `yaml:"key_env_var,omitempty" mapstructure:"key_env_var"`
	Passphrase       string              `yaml:"-" mapstructure:"passphrase"`
	PassphraseEnvVar string              `yaml:"passphrase_env_var,omitempty" mapstructure:"passphrase_env_var"`
	SaltHex          string              `yaml:"salt_hex,omitempty" mapstructure:"salt_hex"`
	KeyVersion       int                 `yaml:"key_version" mapstructure:"key_version"`
	PreviousKeys     []PreviousKeyConfig `yaml:"previous_keys,omitempty" mapstructure:"previous_keys"`

	// KeyRetriever overrides the configured source, e.g. in tests.
	KeyRetriever func() ([]byte, error) `yaml:"-" mapstructure:"-"`
}

// CompressionConfig defines compression settings
type CompressionConfig struct {
	Enabled   bool            `yaml:"enabled" mapstructure:"enabled"`
	Algorithm CompressionType `yaml:"algorithm" mapstructure:"algorithm"`
	Level     int             `yaml:"level" mapstructure:"level"`
}

// RegistryConfig selects the SQL database holding backup metadata.
type RegistryConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"`
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// SourceConfig points the SQL section provider at the business database.
// Leave DSN empty when the embedding application supplies its own provider.
type SourceConfig struct {
	Driver           string            `yaml:"driver" mapstructure:"driver"`
	DSN              string            `yaml:"dsn,omitempty" mapstructure:"dsn"`
	OwnerColumn      string            `yaml:"owner_column" mapstructure:"owner_column"`
	SubjectColumn    string            `yaml:"subject_column,omitempty" mapstructure:"subject_column"`
	TenantColumn     string            `yaml:"tenant_column,omitempty" mapstructure:"tenant_column"`
	SoftDeleteColumn string            `yaml:"soft_delete_column,omitempty" mapstructure:"soft_delete_column"`
	Tables           map[string]string `yaml:"tables,omitempty" mapstructure:"tables"`
	QueryTimeout     time.Duration     `yaml:"query_timeout" mapstructure:"query_timeout"`
}

// SchedulerConfig configures the periodic due-schedule check.
type SchedulerConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	TickSpec         string `yaml:"tick_spec" mapstructure:"tick_spec"`
	DefaultFrequency string `yaml:"default_frequency" mapstructure:"default_frequency"`
	DefaultType      string `yaml:"default_type" mapstructure:"default_type"`
}

// RunnerConfig bounds job concurrency and export retries.
type RunnerConfig struct {
	Workers            int           `yaml:"workers" mapstructure:"workers"`
	QueueSize          int           `yaml:"queue_size" mapstructure:"queue_size"`
	SectionParallelism int           `yaml:"section_parallelism" mapstructure:"section_parallelism"`
	ExportAttempts     int           `yaml:"export_attempts" mapstructure:"export_attempts"`
	ExportRetryDelay   time.Duration `yaml:"export_retry_delay" mapstructure:"export_retry_delay"`
}

// SyncConfig configures the durable sync queue and its replayer.
type SyncConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Path       string        `yaml:"path" mapstructure:"path"`
	Workers    int           `yaml:"workers" mapstructure:"workers"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	ProbeURL   string        `yaml:"probe_url,omitempty" mapstructure:"probe_url"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// TimeoutConfig bounds every external call.
type TimeoutConfig struct {
	Export  time.Duration `yaml:"export" mapstructure:"export"`
	Primary time.Duration `yaml:"primary" mapstructure:"primary"`
	Mirror  time.Duration `yaml:"mirror" mapstructure:"mirror"`
	Local   time.Duration `yaml:"local" mapstructure:"local"`
	Probe   time.Duration `yaml:"probe" mapstructure:"probe"`
}

// RetentionConfig controls expiry and the reaper.
type RetentionConfig struct {
	DefaultDays  int           `yaml:"default_days" mapstructure:"default_days"`
	ReapInterval time.Duration `yaml:"reap_interval" mapstructure:"reap_interval"`
	ReapBatch    int           `yaml:"reap_batch" mapstructure:"reap_batch"`
	PolicyTTL    time.Duration `yaml:"policy_ttl" mapstructure:"policy_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty" mapstructure:"listen"`
}

// AuditConfig enables the JSON audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	File    string `yaml:"file,omitempty" mapstructure:"file"`
}

// DefaultBackupTypes maps backup types to the sections they export.
func DefaultBackupTypes() map[string][]string {
	return map[string][]string{
		"full":     {"appointments", "clients", "invoices", "services", "settings"},
		"settings": {"settings"},
	}
}

// SetDefaults fills unset values.
func (c *SystemConfig) SetDefaults() {
	c.Storage.SetDefaults()
	c.LocalStore.SetDefaults()
	c.Mirror.SetDefaults()
	c.Encryption.SetDefaults()
	c.Compression.SetDefaults()
	c.Registry.SetDefaults()
	c.Source.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Runner.SetDefaults()
	c.Sync.SetDefaults()
	c.Timeouts.SetDefaults()
	c.Retention.SetDefaults()
	c.Monitor.SetDefaults()
	c.Notifications.SetDefaults()
	if len(c.BackupTypes) == 0 {
		c.BackupTypes = DefaultBackupTypes()
	}
}

// Validate validates the whole configuration.
func (c *SystemConfig) Validate() error {
	var errs ValidationErrors

	errs.Merge("storage", c.Storage.Validate())
	errs.Merge("local_store", c.LocalStore.Validate())
	errs.Merge("mirror", c.Mirror.Validate())
	errs.Merge("encryption", c.Encryption.Validate())
	errs.Merge("compression", c.Compression.Validate())
	errs.Merge("registry", c.Registry.Validate())
	errs.Merge("source", c.Source.Validate())
	errs.Merge("scheduler", c.Scheduler.Validate(c.BackupTypes))
	errs.Merge("runner", c.Runner.Validate())
	errs.Merge("sync", c.Sync.Validate())
	errs.Merge("retention", c.Retention.Validate())
	errs.Merge("monitor", c.Monitor.Validate())
	errs.Merge("notifications", c.Notifications.Validate())

	if len(c.BackupTypes) == 0 {
		errs.Add("backup_types", "at least one backup type must be configured", nil)
	}
	for name, sections := range c.BackupTypes {
		if len(sections) == 0 {
			errs.Add("backup_types."+name, "backup type must list at least one section", nil)
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates the StorageConfig struct
func (sc *StorageConfig) Validate() error {
	var errs ValidationErrors

	if !isValidStorageProviderType(sc.Provider) {
		errs.Add("storage.provider", "invalid storage provider type", sc.Provider)
		return errs
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			errs.Add("storage.local", "local storage configuration is required", nil)
		} else {
			errs.Merge("storage.local", sc.Local.Validate())
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			errs.Add("storage.s3", "S3 storage configuration is required", nil)
		} else {
			errs.Merge("storage.s3", sc.S3.Validate())
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			errs.Add("storage.azure", "Azure storage configuration is required", nil)
		} else {
			errs.Merge("storage.azure", sc.Azure.Validate())
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			errs.Add("storage.gcs", "GCS storage configuration is required", nil)
		} else {
			errs.Merge("storage.gcs", sc.GCS.Validate())
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Provider == "" {
		sc.Provider = StorageProviderLocal
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		if sc.Local.BasePath == "" {
			sc.Local.BasePath = "./data/primary"
		}
		if sc.Local.Permissions == 0 {
			sc.Local.Permissions = 0750
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if sc.S3.Region == "" {
			sc.S3.Region = "us-east-1"
		}
	}
}

// Validate validates the LocalConfig struct
func (lc *LocalConfig) Validate() error {
	var errs ValidationErrors
	if lc.BasePath == "" {
		errs.Add("base_path", "base path is required for local storage", lc.BasePath)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates the S3Config struct
func (s3c *S3Config) Validate() error {
	var errs ValidationErrors
	if s3c.Bucket == "" {
		errs.Add("bucket", "S3 bucket name is required", s3c.Bucket)
	}
	if s3c.Region == "" {
		errs.Add("region", "S3 region is required", s3c.Region)
	}
	if (s3c.AccessKey == "") != (s3c.SecretKey == "") {
		errs.Add("access_key", "S3 access key and secret key must be set together", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates the AzureConfig struct
func (ac *AzureConfig) Validate() error {
	var errs ValidationErrors
	if ac.AccountName == "" {
		errs.Add("account_name", "Azure account name is required", ac.AccountName)
	}
	if ac.AccountKey == "" {
		errs.Add("account_key", "Azure account key is required", nil)
	}
	if ac.ContainerName == "" {
		errs.Add("container_name", "Azure container name is required", ac.ContainerName)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates the GCSConfig struct
func (gc *GCSConfig) Validate() error {
	var errs ValidationErrors
	if gc.Bucket == "" {
		errs.Add("bucket", "GCS bucket name is required", gc.Bucket)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets local store defaults.
func (lc *LocalStoreConfig) SetDefaults() {
	if lc.BasePath == "" {
		lc.BasePath = "./data/local"
	}
	if lc.MaxBackups == 0 {
		lc.MaxBackups = 10
	}
}

// Validate validates the local store configuration.
func (lc *LocalStoreConfig) Validate() error {
	var errs ValidationErrors
	if lc.Enabled && lc.BasePath == "" {
		errs.Add("local_store.base_path", "base path is required when the local store is enabled", nil)
	}
	if lc.MaxBackups < 0 {
		errs.Add("local_store.max_backups", "max backups cannot be negative", lc.MaxBackups)
	}
	if lc.MaxBytes < 0 {
		errs.Add("local_store.max_bytes", "max bytes cannot be negative", lc.MaxBytes)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets mirror defaults.
func (mc *MirrorConfig) SetDefaults() {
	if mc.BreakerMaxFailures == 0 {
		mc.BreakerMaxFailures = 5
	}
	if mc.BreakerTimeout == 0 {
		mc.BreakerTimeout = 5 * time.Minute
	}
}

// Validate validates the mirror configuration.
func (mc *MirrorConfig) Validate() error {
	var errs ValidationErrors
	if mc.Enabled {
		if mc.ClientID == "" {
			errs.Add("mirror.client_id", "client id is required when the mirror is enabled", nil)
		}
		if mc.ClientSecret == "" {
			errs.Add("mirror.client_secret", "client secret is required when the mirror is enabled", nil)
		}
		if mc.RedirectURL == "" {
			errs.Add("mirror.redirect_url", "redirect url is required when the mirror is enabled", nil)
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets encryption defaults.
func (ec *EncryptionConfig) SetDefaults() {
	if ec.KeySource == "" {
		ec.KeySource = KeySourceEnv
	}
	if ec.KeySource == KeySourceEnv && ec.KeyEnvVar == "" {
		ec.KeyEnvVar = "SNAPVAULT_MASTER_KEY"
	}
	if ec.KeyVersion == 0 {
		ec.KeyVersion = 1
	}
}

// Validate validates the EncryptionConfig
func (ec *EncryptionConfig) Validate() error {
	var errs ValidationErrors

	switch ec.KeySource {
	case KeySourceHex:
		if ec.KeyHex == "" {
			errs.Add("encryption.key_hex", "key_hex is required for hex key source", nil)
		}
	case KeySourceEnv:
		if ec.KeyEnvVar == "" {
			errs.Add("encryption.key_env_var", "key environment variable name is required for env key source", nil)
		}
	case KeySourceFile:
		if ec.KeyPath == "" {
			errs.Add("encryption.key_path", "key file path is required for file key source", nil)
		}
	case KeySourcePassphrase:
		if ec.Passphrase == "" && ec.PassphraseEnvVar == "" {
			errs.Add("encryption.passphrase", "passphrase or passphrase_env_var is required for passphrase key source", nil)
		}
		if ec.SaltHex == "" {
			errs.Add("encryption.salt_hex", "salt is required for passphrase key source", nil)
		}
	default:
		if ec.KeyRetriever == nil {
			errs.Add("encryption.key_source", "invalid key source, must be 'hex', 'env', 'file' or 'passphrase'", ec.KeySource)
		}
	}

	if ec.KeyVersion < 1 {
		errs.Add("encryption.key_version", "key version must be positive", ec.KeyVersion)
	}
	seen := map[int]bool{ec.KeyVersion: true}
	for _, pk := range ec.PreviousKeys {
		if seen[pk.Version] {
			errs.Add("encryption.previous_keys", fmt.Sprintf("duplicate key version %d", pk.Version), pk.Version)
		}
		seen[pk.Version] = true
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets compression defaults.
func (cc *CompressionConfig) SetDefaults() {
	if cc.Enabled && cc.Algorithm == "" {
		cc.Algorithm = CompressionTypeZstd
	}
	if cc.Enabled && cc.Level == 0 {
		switch cc.Algorithm {
		case CompressionTypeGzip:
			cc.Level = 6
		case CompressionTypeLZ4:
			cc.Level = 1
		case CompressionTypeZstd:
			cc.Level = 3
		}
	}
}

// Validate validates the CompressionConfig
func (cc *CompressionConfig) Validate() error {
	var errs ValidationErrors
	if cc.Enabled && !isValidCompressionType(cc.Algorithm) {
		errs.Add("compression.algorithm", "invalid compression algorithm", cc.Algorithm)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets registry defaults.
func (rc *RegistryConfig) SetDefaults() {
	if rc.Driver == "" {
		rc.Driver = RegistryDriverSQLite
	}
	if rc.DSN == "" && rc.Driver == RegistryDriverSQLite {
		rc.DSN = "file:./data/registry.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	if rc.MaxOpenConns == 0 {
		rc.MaxOpenConns = 10
	}
	if rc.MaxIdleConns == 0 {
		rc.MaxIdleConns = 5
	}
	if rc.ConnMaxLifetime == 0 {
		rc.ConnMaxLifetime = 30 * time.Minute
	}
}

// Validate validates the registry configuration.
func (rc *RegistryConfig) Validate() error {
	var errs ValidationErrors
	switch rc.Driver {
	case RegistryDriverSQLite, RegistryDriverMySQL:
	default:
		errs.Add("registry.driver", "registry driver must be 'sqlite' or 'mysql'", rc.Driver)
	}
	if rc.DSN == "" {
		errs.Add("registry.dsn", "registry DSN is required", nil)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets source defaults.
func (sc *SourceConfig) SetDefaults() {
	if sc.Driver == "" {
		sc.Driver = RegistryDriverSQLite
	}
	if sc.OwnerColumn == "" {
		sc.OwnerColumn = "owner_id"
	}
	if sc.QueryTimeout == 0 {
		sc.QueryTimeout = 30 * time.Second
	}
}

// Validate validates the source configuration. An empty DSN is valid.
func (sc *SourceConfig) Validate() error {
	if sc.DSN == "" {
		return nil
	}
	var errs ValidationErrors
	switch sc.Driver {
	case RegistryDriverSQLite, RegistryDriverMySQL:
	default:
		errs.Add("source.driver", "source driver must be 'sqlite' or 'mysql'", sc.Driver)
	}
	for name, col := range map[string]string{
		"source.owner_column":       sc.OwnerColumn,
		"source.subject_column":     sc.SubjectColumn,
		"source.tenant_column":      sc.TenantColumn,
		"source.soft_delete_column": sc.SoftDeleteColumn,
	} {
		if col != "" && !isSQLIdentifier(col) {
			errs.Add(name, "not a valid column name", col)
		}
	}
	for section, table := range sc.Tables {
		if !isSQLIdentifier(table) {
			errs.Add("source.tables."+section, "not a valid table name", table)
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets scheduler defaults.
func (sc *SchedulerConfig) SetDefaults() {
	if sc.TickSpec == "" {
		sc.TickSpec = "@every 1m"
	}
	if sc.DefaultFrequency == "" {
		sc.DefaultFrequency = FrequencyDaily
	}
	if sc.DefaultType == "" {
		sc.DefaultType = "full"
	}
}

// Validate validates the scheduler configuration against the known backup types.
func (sc *SchedulerConfig) Validate(backupTypes map[string][]string) error {
	var errs ValidationErrors
	if _, err := cron.ParseStandard(sc.TickSpec); err != nil {
		errs.Add("scheduler.tick_spec", "invalid tick spec: "+err.Error(), sc.TickSpec)
	}
	if _, err := ParseFrequency(sc.DefaultFrequency); err != nil {
		errs.Add("scheduler.default_frequency", err.Error(), sc.DefaultFrequency)
	}
	if len(backupTypes) > 0 {
		if _, ok := backupTypes[sc.DefaultType]; !ok {
			errs.Add("scheduler.default_type", "default backup type is not configured", sc.DefaultType)
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets runner defaults.
func (rc *RunnerConfig) SetDefaults() {
	if rc.Workers == 0 {
		rc.Workers = 4
	}
	if rc.QueueSize == 0 {
		rc.QueueSize = 64
	}
	if rc.SectionParallelism == 0 {
		rc.SectionParallelism = 4
	}
	if rc.ExportAttempts == 0 {
		rc.ExportAttempts = 3
	}
	if rc.ExportRetryDelay == 0 {
		rc.ExportRetryDelay = 2 * time.Second
	}
}

// Validate validates the runner configuration.
func (rc *RunnerConfig) Validate() error {
	var errs ValidationErrors
	if rc.Workers < 1 {
		errs.Add("runner.workers", "workers must be at least 1", rc.Workers)
	}
	if rc.QueueSize < 1 {
		errs.Add("runner.queue_size", "queue size must be at least 1", rc.QueueSize)
	}
	if rc.ExportAttempts < 1 {
		errs.Add("runner.export_attempts", "export attempts must be at least 1", rc.ExportAttempts)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets sync queue defaults.
func (sc *SyncConfig) SetDefaults() {
	if sc.Path == "" {
		sc.Path = "./data/syncqueue"
	}
	if sc.Workers == 0 {
		sc.Workers = 4
	}
	if sc.Interval == 0 {
		sc.Interval = time.Minute
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = 5
	}
	if sc.BaseDelay == 0 {
		sc.BaseDelay = 30 * time.Second
	}
	if sc.MaxDelay == 0 {
		sc.MaxDelay = time.Hour
	}
}

// Validate validates the sync configuration.
func (sc *SyncConfig) Validate() error {
	var errs ValidationErrors
	if sc.Enabled && sc.Path == "" {
		errs.Add("sync.path", "queue path is required when sync is enabled", nil)
	}
	if sc.MaxRetries < 1 {
		errs.Add("sync.max_retries", "max retries must be at least 1", sc.MaxRetries)
	}
	if sc.Workers < 1 {
		errs.Add("sync.workers", "workers must be at least 1", sc.Workers)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SetDefaults sets timeouts.
func (tc *TimeoutConfig) SetDefaults() {
	if tc.Export == 0 {
		tc.Export = 30 * time.Second
	}
	if tc.Primary == 0 {
		tc.Primary = 2 * time.Minute
	}
	if tc.Mirror == 0 {
		tc.Mirror = 2 * time.Minute
	}
	if tc.Local == 0 {
		tc.Local = 30 * time.Second
	}
	if tc.Probe == 0 {
		tc.Probe = 5 * time.Second
	}
}

// SetDefaults sets retention defaults.
func (rc *RetentionConfig) SetDefaults() {
	if rc.DefaultDays == 0 {
		rc.DefaultDays = DefaultRetentionDays
	}
	if rc.ReapInterval == 0 {
		rc.ReapInterval = time.Hour
	}
	if rc.ReapBatch == 0 {
		rc.ReapBatch = 100
	}
	if rc.PolicyTTL == 0 {
		rc.PolicyTTL = 5 * time.Minute
	}
}

// Validate validates the retention configuration.
func (rc *RetentionConfig) Validate() error {
	var errs ValidationErrors
	if rc.DefaultDays < 1 {
		errs.Add("retention.default_days", "default retention must be at least one day", rc.DefaultDays)
	}
	if rc.ReapBatch < 1 {
		errs.Add("retention.reap_batch", "reap batch must be at least 1", rc.ReapBatch)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}
