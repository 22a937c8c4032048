package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"snapvault/internal/logging"
)

// Backend names used in logs, metrics and sync queue payloads.
const (
	PrimaryBackendName = "primary"
	LocalBackendName   = "local"
)

// Sync queue action types.
const (
	ActionStorageWrite   = "storage_write"
	ActionStorageDelete  = "storage_delete"
	ActionMetadataUpdate = "metadata_update"
)

// StorageAction is the payload of storage_write and storage_delete items.
type StorageAction struct {
	BackupID string `json:"backup_id,omitempty"`
	Backend  string `json:"backend"`
	Key      string `json:"key"`
	LocalRef string `json:"local_ref,omitempty"`
}

// MetadataUpdate is the payload of metadata_update items.
type MetadataUpdate struct {
	BackupID  string     `json:"backup_id"`
	IsPinned  *bool      `json:"is_pinned,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// LocalStore is the on-device copy. It enforces a capacity cap by evicting
// backups the registry says are safe to drop.
type LocalStore struct {
	backend    *ObjectBackend
	registry   Registry
	queue      SyncEnqueuer
	maxBackups int
	maxBytes   int64
	logger     *logging.Logger
	now        func() time.Time

	mu sync.Mutex
}

// NewLocalStore creates the local store. queue may be nil when offline
// replay is disabled.
func NewLocalStore(cfg LocalStoreConfig, registry Registry, queue SyncEnqueuer, logger *logging.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	fs, err := NewLocalStorageProvider(&LocalConfig{BasePath: cfg.BasePath, Permissions: 0700})
	if err != nil {
		return nil, err
	}
	return &LocalStore{
		backend:    NewObjectBackend(LocalBackendName, fs, logger),
		registry:   registry,
		queue:      queue,
		maxBackups: cfg.MaxBackups,
		maxBytes:   cfg.MaxBytes,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Name implements Backend.
func (ls *LocalStore) Name() string {
	return LocalBackendName
}

// Write implements Backend, evicting older local copies first if the store
// is full. QuotaExceededError means nothing could be evicted.
func (ls *LocalStore) Write(ctx context.Context, key string, artifact *EncryptedBackup, opts WriteOptions) (string, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	data, err := MarshalArtifact(artifact)
	if err != nil {
		return "", err
	}
	if err := ls.makeRoom(ctx, int64(len(data)), key); err != nil {
		return "", err
	}
	return ls.backend.Write(ctx, key, artifact, opts)
}

// WriteUnconfirmed stores a copy the primary store has not confirmed and
// queues a storage_write so the replayer uploads it later.
func (ls *LocalStore) WriteUnconfirmed(ctx context.Context, backupID, key string, artifact *EncryptedBackup) (string, error) {
	ref, err := ls.Write(ctx, key, artifact, WriteOptions{})
	if err != nil {
		return "", err
	}
	return ref, ls.QueueUpload(ctx, backupID, key, ref)
}

// QueueUpload records that the local copy at ref still has to be written to
// the primary store under key.
func (ls *LocalStore) QueueUpload(ctx context.Context, backupID, key, ref string) error {
	if ls.queue == nil {
		return NewConfigurationError("sync queue is disabled; local copy will not be uploaded", nil)
	}
	payload, err := json.Marshal(StorageAction{
		BackupID: backupID,
		Backend:  PrimaryBackendName,
		Key:      key,
		LocalRef: ref,
	})
	if err != nil {
		return NewEncodingError("failed to encode sync payload", err)
	}
	return ls.queue.EnqueueAction(ctx, ActionStorageWrite, payload)
}

// Read implements Backend.
func (ls *LocalStore) Read(ctx context.Context, ref string) (*EncryptedBackup, error) {
	return ls.backend.Read(ctx, ref)
}

// ReadRaw returns the stored artifact bytes unchanged.
func (ls *LocalStore) ReadRaw(ctx context.Context, ref string) ([]byte, error) {
	return ls.backend.ReadRaw(ctx, ref)
}

// Delete implements Backend.
func (ls *LocalStore) Delete(ctx context.Context, ref string) error {
	return ls.backend.Delete(ctx, ref)
}

// Usage implements Backend.
func (ls *LocalStore) Usage(ctx context.Context) (Usage, error) {
	return ls.backend.Usage(ctx)
}

// makeRoom evicts until one more object of size bytes fits. Decisions come
// from the registry, never from the directory listing.
func (ls *LocalStore) makeRoom(ctx context.Context, size int64, key string) error {
	if ls.maxBackups <= 0 && ls.maxBytes <= 0 {
		return nil
	}
	if ls.maxBytes > 0 && size > ls.maxBytes {
		return NewQuotaExceededError(fmt.Sprintf("backup of %d bytes exceeds local store capacity of %d bytes", size, ls.maxBytes), nil)
	}

	held, err := ls.registry.ListBackups(ctx, BackupFilter{WithLocalCopy: true})
	if err != nil {
		return err
	}

	var (
		count int
		bytes int64
	)
	for _, rec := range held {
		if rec.LocalPath == key {
			// Rewriting an existing copy does not grow the store.
			return nil
		}
		count++
		bytes += rec.FileSizeBytes
	}

	fits := func() bool {
		if ls.maxBackups > 0 && count+1 > ls.maxBackups {
			return false
		}
		if ls.maxBytes > 0 && bytes+size > ls.maxBytes {
			return false
		}
		return true
	}
	if fits() {
		return nil
	}

	for _, victim := range evictionOrder(held, ls.now()) {
		if fits() {
			break
		}
		if err := ls.evict(ctx, victim); err != nil {
			return err
		}
		count--
		bytes -= victim.FileSizeBytes
	}
	if !fits() {
		return NewQuotaExceededError("local store is full and holds only pinned or unsynced backups", nil).
			WithContext("backups", count).
			WithContext("bytes", bytes)
	}
	return nil
}

func (ls *LocalStore) evict(ctx context.Context, rec *BackupRecord) error {
	if err := ls.backend.Delete(ctx, rec.LocalPath); err != nil {
		return err
	}
	rec.LocalPath = ""
	if err := ls.registry.UpdateBackup(ctx, rec); err != nil {
		return err
	}
	LocalEvictionsTotal.Inc()
	ls.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"owner_id":  rec.OwnerID,
	}).Info("Evicted local backup copy")
	return nil
}

// evictionOrder returns evictable records: expired first, then oldest.
// Pinned backups and copies not yet on the primary store are never evicted.
func evictionOrder(records []*BackupRecord, now time.Time) []*BackupRecord {
	var candidates []*BackupRecord
	for _, rec := range records {
		if rec.IsPinned || rec.IsLocalOnly {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ei := candidates[i].Status == BackupStatusExpired || candidates[i].IsExpired(now)
		ej := candidates[j].Status == BackupStatusExpired || candidates[j].IsExpired(now)
		if ei != ej {
			return ei
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates
}
