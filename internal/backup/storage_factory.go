package backup

import (
	"context"
	"fmt"

	"snapvault/internal/logging"
)

// StorageProviderFactory creates blob drivers from configuration.
type StorageProviderFactory struct{}

// NewStorageProviderFactory creates a new storage provider factory
func NewStorageProviderFactory() *StorageProviderFactory {
	return &StorageProviderFactory{}
}

// createBlobStore returns the driver for config.Provider.
func (spf *StorageProviderFactory) createBlobStore(ctx context.Context, config StorageConfig) (blobStore, error) {
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case StorageProviderLocal:
		return NewLocalStorageProvider(config.Local)
	case StorageProviderS3:
		return NewS3StorageProvider(config.S3)
	case StorageProviderAzure:
		return NewAzureStorageProvider(config.Azure)
	case StorageProviderGCS:
		return NewGCSStorageProvider(ctx, config.GCS)
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// CreatePrimaryStore builds the primary store backend.
func (spf *StorageProviderFactory) CreatePrimaryStore(ctx context.Context, config StorageConfig, logger *logging.Logger) (*ObjectBackend, error) {
	store, err := spf.createBlobStore(ctx, config)
	if err != nil {
		return nil, err
	}
	return NewObjectBackend(PrimaryBackendName, store, logger), nil
}

// GetSupportedProviders returns a list of supported storage provider types
func (spf *StorageProviderFactory) GetSupportedProviders() []StorageProviderType {
	return []StorageProviderType{
		StorageProviderLocal,
		StorageProviderS3,
		StorageProviderAzure,
		StorageProviderGCS,
	}
}
