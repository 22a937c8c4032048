package backup

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"snapvault/internal/logging"
	"snapvault/internal/syncqueue"
)

// SyncHandler replays queued storage actions against the primary and local
// stores and brings the registry in line once they succeed.
type SyncHandler struct {
	primary  Backend
	local    *LocalStore
	mirror   Mirror
	registry Registry
	timeouts TimeoutConfig
	logger   *logging.Logger
}

var _ syncqueue.Handler = (*SyncHandler)(nil)

// NewSyncHandler creates the handler. local and mirror may be nil; without
// a local store storage_write items fail permanently.
func NewSyncHandler(primary Backend, local *LocalStore, mirror Mirror, registry Registry, timeouts TimeoutConfig, logger *logging.Logger) *SyncHandler {
	timeouts.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &SyncHandler{
		primary:  primary,
		local:    local,
		mirror:   mirror,
		registry: registry,
		timeouts: timeouts,
		logger:   logger,
	}
}

// GroupKey orders actions on the same backup, or on the same object when no
// backup is named.
func (h *SyncHandler) GroupKey(item *syncqueue.Item) string {
	switch item.ActionType {
	case ActionMetadataUpdate:
		var upd MetadataUpdate
		if err := item.UnmarshalPayload(&upd); err == nil && upd.BackupID != "" {
			return "backup:" + upd.BackupID
		}
	case ActionStorageWrite, ActionStorageDelete:
		var act StorageAction
		if err := item.UnmarshalPayload(&act); err == nil {
			if act.BackupID != "" {
				return "backup:" + act.BackupID
			}
			return "object:" + act.Key
		}
	}
	return ""
}

// Handle implements syncqueue.Handler.
func (h *SyncHandler) Handle(ctx context.Context, item *syncqueue.Item) error {
	switch item.ActionType {
	case ActionStorageWrite:
		var act StorageAction
		if err := item.UnmarshalPayload(&act); err != nil {
			return NewEncodingError("invalid storage_write payload", err)
		}
		return h.replayWrite(ctx, act)
	case ActionStorageDelete:
		var act StorageAction
		if err := item.UnmarshalPayload(&act); err != nil {
			return NewEncodingError("invalid storage_delete payload", err)
		}
		return h.replayDelete(ctx, act)
	case ActionMetadataUpdate:
		var upd MetadataUpdate
		if err := item.UnmarshalPayload(&upd); err != nil {
			return NewEncodingError("invalid metadata_update payload", err)
		}
		return h.replayMetadata(ctx, upd)
	default:
		return NewValidationError(fmt.Sprintf("unknown sync action %q", item.ActionType), nil)
	}
}

// replayWrite uploads a local-only copy to the primary store and clears the
// record's local-only flag.
func (h *SyncHandler) replayWrite(ctx context.Context, act StorageAction) error {
	if act.Backend != PrimaryBackendName {
		return NewValidationError(fmt.Sprintf("storage_write to %q cannot be replayed", act.Backend), nil)
	}
	if h.local == nil {
		return NewConfigurationError("local store is not configured", nil)
	}

	var rec *BackupRecord
	if act.BackupID != "" {
		got, err := h.getRecord(ctx, act.BackupID)
		if IsType(err, BackupErrorTypeNotFound) {
			h.logger.WithFields(map[string]interface{}{
				"backup_id": act.BackupID,
				"key":       act.Key,
			}).Warn("Dropping upload of a backup the registry no longer knows")
			return nil
		}
		if err != nil {
			return err
		}
		if got.Status == BackupStatusDeleted {
			return nil
		}
		rec = got
	}

	localRef := act.LocalRef
	if localRef == "" {
		localRef = act.Key
	}
	readCtx, cancel := context.WithTimeout(ctx, h.timeouts.Local)
	artifact, err := h.local.Read(readCtx, localRef)
	cancel()
	if err != nil {
		return err
	}

	// A started upload runs to completion or timeout.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeouts.Primary)
	ref, err := h.primary.Write(writeCtx, act.Key, artifact, WriteOptions{})
	cancel()
	if err != nil {
		return err
	}

	if rec == nil {
		return nil
	}
	rec.StoragePath = ref
	rec.IsLocalOnly = false
	if rec.LocalPath == "" {
		rec.LocalPath = localRef
	}
	updCtx, cancel := context.WithTimeout(ctx, h.timeouts.Local)
	defer cancel()
	if err := h.registry.UpdateBackup(updCtx, rec); err != nil {
		return err
	}
	h.logger.WithFields(map[string]interface{}{
		"backup_id": rec.ID,
		"ref":       ref,
	}).Info("Local backup uploaded to primary store")
	return nil
}

// replayDelete removes an object and, when it names a backup, finishes the
// purge the delete request started.
func (h *SyncHandler) replayDelete(ctx context.Context, act StorageAction) error {
	var target Backend
	timeout := h.timeouts.Primary
	switch act.Backend {
	case PrimaryBackendName:
		target = h.primary
	case LocalBackendName:
		if h.local == nil {
			return nil
		}
		target = h.local
		timeout = h.timeouts.Local
	default:
		return NewValidationError(fmt.Sprintf("storage_delete on %q cannot be replayed", act.Backend), nil)
	}

	delCtx, cancel := context.WithTimeout(ctx, timeout)
	err := target.Delete(delCtx, act.Key)
	cancel()
	if err != nil {
		return err
	}

	if act.BackupID == "" || act.Backend != PrimaryBackendName {
		return nil
	}
	rec, err := h.getRecord(ctx, act.BackupID)
	if IsType(err, BackupErrorTypeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.LocalPath != "" && h.local != nil {
		localCtx, cancel := context.WithTimeout(ctx, h.timeouts.Local)
		err := h.local.Delete(localCtx, rec.LocalPath)
		cancel()
		if err != nil {
			return err
		}
	}
	if rec.MirrorRef != "" && h.mirror.Enabled() {
		mirrorCtx, cancel := context.WithTimeout(ctx, h.timeouts.Mirror)
		err := h.mirror.Delete(mirrorCtx, rec.OwnerID, rec.MirrorRef)
		cancel()
		if err != nil && !errors.Is(err, ErrMirrorNotConnected) {
			return err
		}
	}
	rec.Status = BackupStatusDeleted
	rec.LocalPath = ""
	rec.MirrorRef = ""
	updCtx, cancel := context.WithTimeout(ctx, h.timeouts.Local)
	defer cancel()
	return h.registry.UpdateBackup(updCtx, rec)
}

func (h *SyncHandler) replayMetadata(ctx context.Context, upd MetadataUpdate) error {
	rec, err := h.getRecord(ctx, upd.BackupID)
	if err != nil {
		return err
	}
	if err := upd.Apply(rec); err != nil {
		return err
	}
	updCtx, cancel := context.WithTimeout(ctx, h.timeouts.Local)
	defer cancel()
	return h.registry.UpdateBackup(updCtx, rec)
}

func (h *SyncHandler) getRecord(ctx context.Context, id string) (*BackupRecord, error) {
	getCtx, cancel := context.WithTimeout(ctx, h.timeouts.Local)
	defer cancel()
	return h.registry.GetBackup(getCtx, id)
}

// Apply copies the update onto rec. Pinning clears the expiry.
func (u MetadataUpdate) Apply(rec *BackupRecord) error {
	if u.IsPinned != nil {
		rec.IsPinned = *u.IsPinned
		if rec.IsPinned {
			rec.ExpiresAt = nil
		}
	}
	if u.ExpiresAt != nil && !rec.IsPinned {
		t := u.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}
	if u.Status != "" {
		switch BackupStatus(u.Status) {
		case BackupStatusActive, BackupStatusExpired, BackupStatusDeleted:
			rec.Status = BackupStatus(u.Status)
		default:
			return NewValidationError(fmt.Sprintf("unknown backup status %q", u.Status), nil)
		}
	}
	return nil
}

func marshalPayload(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, NewEncodingError("failed to encode sync payload", err)
	}
	return payload, nil
}

// PrimaryProbe confirms the primary store answers a real request.
func PrimaryProbe(primary Backend) syncqueue.ProbeFunc {
	return func(ctx context.Context) error {
		_, err := primary.Usage(ctx)
		return err
	}
}
