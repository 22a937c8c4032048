package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStorageProvider stores objects in a Google Cloud Storage bucket.
type GCSStorageProvider struct {
	client     *storage.Client
	bucketName string
	projectID  string
}

// NewGCSStorageProvider creates a new GCSStorageProvider instance
func NewGCSStorageProvider(ctx context.Context, config *GCSConfig) (*GCSStorageProvider, error) {
	if config == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid GCS storage configuration", err)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorageProvider{
		client:     client,
		bucketName: config.Bucket,
		projectID:  config.ProjectID,
	}, nil
}

// Name implements blobStore.
func (gcsp *GCSStorageProvider) Name() string {
	return "gcs"
}

// Location implements blobStore.
func (gcsp *GCSStorageProvider) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s", gcsp.bucketName, key)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (gcsp *GCSStorageProvider) EnsureBucket(ctx context.Context) error {
	bucket := gcsp.client.Bucket(gcsp.bucketName)
	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return gcsError("failed to check bucket", err)
	}
	if gcsp.projectID == "" {
		return NewConfigurationError(fmt.Sprintf("bucket %s does not exist and no project id is configured to create it", gcsp.bucketName), err)
	}

	if err := bucket.Create(ctx, gcsp.projectID, nil); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			return nil
		}
		return gcsError("failed to create bucket", err)
	}
	return nil
}

// Put implements blobStore. ifAbsent uses a DoesNotExist precondition.
func (gcsp *GCSStorageProvider) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	object := gcsp.client.Bucket(gcsp.bucketName).Object(key)
	if ifAbsent {
		object = object.If(storage.Conditions{DoesNotExist: true})
	}

	writer := object.NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return gcsError("failed to write object to GCS", err)
	}
	if err := writer.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return errBlobExists
		}
		return gcsError("failed to upload object to GCS", err)
	}
	return nil
}

// Get implements blobStore.
func (gcsp *GCSStorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := gcsp.client.Bucket(gcsp.bucketName).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errBlobNotFound
		}
		return nil, gcsError("failed to download object from GCS", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewTransientStorageError("failed to read object body", err)
	}
	return data, nil
}

// Delete implements blobStore.
func (gcsp *GCSStorageProvider) Delete(ctx context.Context, key string) error {
	if err := gcsp.client.Bucket(gcsp.bucketName).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return errBlobNotFound
		}
		return gcsError("failed to delete object from GCS", err)
	}
	return nil
}

// List implements blobStore.
func (gcsp *GCSStorageProvider) List(ctx context.Context, prefix string) ([]blobInfo, error) {
	var blobs []blobInfo
	it := gcsp.client.Bucket(gcsp.bucketName).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, storage.ErrBucketNotExist) {
				return nil, errBlobNotFound
			}
			return nil, gcsError("failed to list objects", err)
		}
		blobs = append(blobs, blobInfo{Key: attrs.Name, Size: attrs.Size})
	}
	return blobs, nil
}

// Close closes the GCS client
func (gcsp *GCSStorageProvider) Close() error {
	return gcsp.client.Close()
}

func gcsError(message string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError) {
		return NewTransientStorageError(message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientStorageError(message, err)
	}
	return NewStorageError(message, err)
}
