package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureStorageProvider stores objects as block blobs in one container.
type AzureStorageProvider struct {
	containerURL  azblob.ContainerURL
	containerName string
}

// NewAzureStorageProvider creates a new AzureStorageProvider instance
func NewAzureStorageProvider(config *AzureConfig) (*AzureStorageProvider, error) {
	if config == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid Azure storage configuration", err)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureStorageProvider{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(config.ContainerName),
		containerName: config.ContainerName,
	}, nil
}

// Name implements blobStore.
func (azp *AzureStorageProvider) Name() string {
	return "azure"
}

// Location implements blobStore.
func (azp *AzureStorageProvider) Location(key string) string {
	return fmt.Sprintf("azure://%s/%s", azp.containerName, key)
}

// EnsureBucket creates the container; ContainerAlreadyExists is success.
func (azp *AzureStorageProvider) EnsureBucket(ctx context.Context) error {
	_, err := azp.containerURL.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone)
	if err != nil {
		if azureServiceCode(err) == azblob.ServiceCodeContainerAlreadyExists {
			return nil
		}
		return azureError("failed to create container", err)
	}
	return nil
}

// Put implements blobStore. ifAbsent uses an If-None-Match: * condition.
func (azp *AzureStorageProvider) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	blobURL := azp.containerURL.NewBlockBlobURL(key)

	conditions := azblob.BlobAccessConditions{}
	if ifAbsent {
		conditions.ModifiedAccessConditions = azblob.ModifiedAccessConditions{IfNoneMatch: azblob.ETagAny}
	}

	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:        4 * 1024 * 1024,
		Parallelism:      4,
		AccessConditions: conditions,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/json",
		},
	})
	if err != nil {
		if ifAbsent && (azureServiceCode(err) == azblob.ServiceCodeBlobAlreadyExists ||
			azureStatus(err) == http.StatusConflict || azureStatus(err) == http.StatusPreconditionFailed) {
			return errBlobExists
		}
		return azureError("failed to upload blob to Azure", err)
	}
	return nil
}

// Get implements blobStore.
func (azp *AzureStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	blobURL := azp.containerURL.NewBlockBlobURL(key)

	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, errBlobNotFound
		}
		return nil, azureError("failed to download blob from Azure", err)
	}

	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, NewTransientStorageError("failed to read blob body", err)
	}
	return buf.Bytes(), nil
}

// Delete implements blobStore.
func (azp *AzureStorageProvider) Delete(ctx context.Context, key string) error {
	blobURL := azp.containerURL.NewBlockBlobURL(key)
	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		if isAzureNotFound(err) {
			return errBlobNotFound
		}
		return azureError("failed to delete blob from Azure", err)
	}
	return nil
}

// List implements blobStore.
func (azp *AzureStorageProvider) List(ctx context.Context, prefix string) ([]blobInfo, error) {
	var blobs []blobInfo
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := azp.containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: prefix,
		})
		if err != nil {
			if isAzureNotFound(err) {
				return nil, errBlobNotFound
			}
			return nil, azureError("failed to list blobs", err)
		}
		for _, item := range resp.Segment.BlobItems {
			var size int64
			if item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			blobs = append(blobs, blobInfo{Key: item.Name, Size: size})
		}
		marker = resp.NextMarker
	}
	return blobs, nil
}

// GetContainerName returns the Azure container name
func (azp *AzureStorageProvider) GetContainerName() string {
	return azp.containerName
}

func azureServiceCode(err error) azblob.ServiceCodeType {
	var serr azblob.StorageError
	if errors.As(err, &serr) {
		return serr.ServiceCode()
	}
	return ""
}

func azureStatus(err error) int {
	var serr azblob.StorageError
	if errors.As(err, &serr) && serr.Response() != nil {
		return serr.Response().StatusCode
	}
	return 0
}

func isAzureNotFound(err error) bool {
	switch azureServiceCode(err) {
	case azblob.ServiceCodeBlobNotFound, azblob.ServiceCodeContainerNotFound:
		return true
	}
	return azureStatus(err) == http.StatusNotFound
}

func azureError(message string, err error) error {
	var serr azblob.StorageError
	if errors.As(err, &serr) {
		if serr.Temporary() || azureStatus(err) >= http.StatusInternalServerError {
			return NewTransientStorageError(message, err)
		}
		return NewStorageError(message, err)
	}
	return NewTransientStorageError(message, err)
}
