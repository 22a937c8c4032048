package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3StorageProvider stores objects in an S3 or S3-compatible bucket.
type S3StorageProvider struct {
	client s3iface.S3API
	bucket string
	region string
}

// NewS3StorageProvider creates a new S3StorageProvider instance
func NewS3StorageProvider(config *S3Config) (*S3StorageProvider, error) {
	if config == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}

	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid S3 storage configuration", err)
	}

	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(config.ForcePathStyle)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	return newS3StorageProvider(s3.New(sess), config.Bucket, config.Region), nil
}

func newS3StorageProvider(client s3iface.S3API, bucket, region string) *S3StorageProvider {
	return &S3StorageProvider{client: client, bucket: bucket, region: region}
}

// Name implements blobStore.
func (s3p *S3StorageProvider) Name() string {
	return "s3"
}

// Location implements blobStore.
func (s3p *S3StorageProvider) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s3p.bucket, key)
}

// EnsureBucket creates the bucket unless it already exists. Losing a create
// race to another caller is success.
func (s3p *S3StorageProvider) EnsureBucket(ctx context.Context) error {
	_, err := s3p.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s3p.bucket)})
	if err == nil {
		return nil
	}
	if !isS3NotFound(err) {
		return s3Error("failed to check bucket", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s3p.bucket)}
	if s3p.region != "" && s3p.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(s3p.region),
		}
	}
	_, err = s3p.client.CreateBucketWithContext(ctx, input)
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) {
			switch aerr.Code() {
			case s3.ErrCodeBucketAlreadyOwnedByYou, s3.ErrCodeBucketAlreadyExists:
				return nil
			}
		}
		return s3Error("failed to create bucket", err)
	}
	return nil
}

// Put implements blobStore. S3 has no create-if-absent in this SDK, so
// ifAbsent is a HEAD check before the PUT.
func (s3p *S3StorageProvider) Put(ctx context.Context, key string, data []byte, ifAbsent bool) error {
	if ifAbsent {
		_, err := s3p.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s3p.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return errBlobExists
		}
		if !isS3NotFound(err) {
			return s3Error("failed to check object", err)
		}
	}

	_, err := s3p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s3p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s3Error("failed to upload object to S3", err)
	}
	return nil
}

// Get implements blobStore.
func (s3p *S3StorageProvider) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s3p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errBlobNotFound
		}
		return nil, s3Error("failed to download object from S3", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, NewTransientStorageError("failed to read object body", err)
	}
	return data, nil
}

// Delete implements blobStore. S3 deletes are already idempotent.
func (s3p *S3StorageProvider) Delete(ctx context.Context, key string) error {
	_, err := s3p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s3p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return errBlobNotFound
		}
		return s3Error("failed to delete object from S3", err)
	}
	return nil
}

// List implements blobStore.
func (s3p *S3StorageProvider) List(ctx context.Context, prefix string) ([]blobInfo, error) {
	var blobs []blobInfo
	err := s3p.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3p.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			blobs = append(blobs, blobInfo{Key: aws.StringValue(obj.Key), Size: aws.Int64Value(obj.Size)})
		}
		return true
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errBlobNotFound
		}
		return nil, s3Error("failed to list objects", err)
	}
	return blobs, nil
}

// GetBucket returns the S3 bucket name
func (s3p *S3StorageProvider) GetBucket() string {
	return s3p.bucket
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// s3Error maps SDK failures onto the backup error taxonomy. The SDK reports
// an expired context as RequestCanceled and does not unwrap to it.
func s3Error(message string, err error) error {
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return NewTransientStorageError(message, err)
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == request.CanceledErrorCode &&
		errors.Is(aerr.OrigErr(), context.DeadlineExceeded) {
		return NewTransientStorageError(message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientStorageError(message, err)
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() >= http.StatusInternalServerError {
		return NewTransientStorageError(message, err)
	}
	return NewStorageError(message, err)
}
