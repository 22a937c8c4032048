package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageProviderFactory_GetSupportedProviders(t *testing.T) {
	factory := NewStorageProviderFactory()
	assert.Equal(t, []StorageProviderType{
		StorageProviderLocal,
		StorageProviderS3,
		StorageProviderAzure,
		StorageProviderGCS,
	}, factory.GetSupportedProviders())
}

func TestStorageProviderFactory_CreateBlobStore(t *testing.T) {
	ctx := context.Background()
	factory := NewStorageProviderFactory()

	tests := []struct {
		name     string
		config   StorageConfig
		wantName string
		wantErr  bool
	}{
		{
			name:     "local",
			config:   StorageConfig{Provider: StorageProviderLocal, Local: &LocalConfig{BasePath: t.TempDir()}},
			wantName: "local",
		},
		{
			name: "s3 with static credentials",
			config: StorageConfig{Provider: StorageProviderS3, S3: &S3Config{
				Bucket:         "snapvault",
				Region:         "eu-west-1",
				AccessKey:      "AKIAEXAMPLE",
				SecretKey:      "secret",
				Endpoint:       "http://localhost:9000",
				ForcePathStyle: true,
			}},
			wantName: "s3",
		},
		{
			name: "azure",
			config: StorageConfig{Provider: StorageProviderAzure, Azure: &AzureConfig{
				AccountName:   "snapvault",
				AccountKey:    "c2VjcmV0LWtleQ==",
				ContainerName: "backups",
			}},
			wantName: "azure",
		},
		{
			name:    "unknown provider",
			config:  StorageConfig{Provider: "FTP"},
			wantErr: true,
		},
		{
			name:    "s3 without bucket",
			config:  StorageConfig{Provider: StorageProviderS3, S3: &S3Config{Region: "eu-west-1"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := factory.createBlobStore(ctx, tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsType(err, BackupErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, store.Name())
		})
	}
}

func TestStorageProviderFactory_CreatePrimaryStore(t *testing.T) {
	factory := NewStorageProviderFactory()

	backend, err := factory.CreatePrimaryStore(context.Background(), StorageConfig{
		Provider: StorageProviderLocal,
		Local:    &LocalConfig{BasePath: t.TempDir()},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, PrimaryBackendName, backend.Name())

	_, err = backend.Write(context.Background(), ObjectKey("alice", "b.svb"), sealedSample(t), WriteOptions{})
	assert.NoError(t, err)
}
