// Package objectstore defines the object-store contract from section 6 and
// an S3-backed implementation, grounded on checkpoint.S3Store's bucket/key
// URI handling and the teacher's narrow per-service client interfaces.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sorensen/exportjob/joberrors"
)

// UploadResult is the outcome of uploadStream/uploadBuffer/uploadFile, per
// section 6.
type UploadResult struct {
	ETag     string
	Location string
}

// Metadata is the response shape for getFileMetadata, per section 6.
type Metadata struct {
	ContentLength int64
	ETag          string
	LastModified  time.Time
}

// UploadOptions configures an upload, per section 6's "options?" parameter.
type UploadOptions struct {
	ContentType string
	PartSize    int64
}

// Store is the object-store contract from section 6.
type Store interface {
	UploadStream(ctx context.Context, bucket, key string, body io.Reader, opts *UploadOptions) (UploadResult, error)
	UploadBuffer(ctx context.Context, bucket, key string, data []byte, opts *UploadOptions) (UploadResult, error)
	DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	FileExists(ctx context.Context, bucket, key string) (bool, error)
	DeleteFile(ctx context.Context, bucket, key string) error
	DeleteFiles(ctx context.Context, bucket string, keys []string) error
	GetFileMetadata(ctx context.Context, bucket, key string) (Metadata, error)
	GetPresignedURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// defaultPartSize matches the 8-16 MiB guidance from spec section 4.2.
const defaultPartSize = 8 * 1024 * 1024

// Client narrows the AWS S3 SDK surface this package calls, following the
// same compile-time-checked interface pattern as aws.S3Client.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ Client = (*s3.Client)(nil)

// S3Store implements Store using aws-sdk-go-v2's multipart uploader so
// uploadStream never buffers a whole artifact in memory, per spec section
// 4.2's single-pass requirement.
type S3Store struct {
	client   Client
	presign  *s3.PresignClient
	partSize int64
}

// New creates an S3Store. partSize defaults to 8 MiB when zero.
func New(client Client, presign *s3.PresignClient, partSize int64) *S3Store {
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	return &S3Store{client: client, presign: presign, partSize: partSize}
}

// UploadStream uploads body as a multipart upload without buffering it
// whole. manager.Uploader has no manual abort call; cancelling ctx aborts
// the in-flight multipart upload, which is how the streaming pipeline
// (section 4.2 step 5) discards a partial object on pipeline error.
func (s *S3Store) UploadStream(ctx context.Context, bucket, key string, body io.Reader, opts *UploadOptions) (UploadResult, error) {
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.partSize
		if opts != nil && opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
	})

	input := &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   body,
	}
	if opts != nil && opts.ContentType != "" {
		input.ContentType = &opts.ContentType
	}

	out, err := uploader.Upload(ctx, input)
	if err != nil {
		return UploadResult{}, joberrors.Wrap(joberrors.KindUploadFailed, "multipart upload failed", err)
	}

	result := UploadResult{Location: out.Location}
	if out.ETag != nil {
		result.ETag = *out.ETag
	}
	return result, nil
}

func (s *S3Store) UploadBuffer(ctx context.Context, bucket, key string, data []byte, opts *UploadOptions) (UploadResult, error) {
	input := &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}
	if opts != nil && opts.ContentType != "" {
		input.ContentType = &opts.ContentType
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return UploadResult{}, joberrors.Wrap(joberrors.KindUploadFailed, "put object failed", err)
	}
	result := UploadResult{}
	if out.ETag != nil {
		result.ETag = *out.ETag
	}
	return result, nil
}

func (s *S3Store) DownloadStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, joberrors.New(joberrors.KindNotFound, "object not found: "+key)
		}
		return nil, joberrors.Wrap(joberrors.KindDownloadFailed, "get object failed", err)
	}
	return out.Body, nil
}

func (s *S3Store) FileExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) DeleteFile(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	return err
}

func (s *S3Store) DeleteFiles(ctx context.Context, bucket string, keys []string) error {
	objects := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		key := k
		objects = append(objects, types.ObjectIdentifier{Key: &key})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: &bucket,
		Delete: &types.Delete{Objects: objects},
	})
	return err
}

func (s *S3Store) GetFileMetadata(ctx context.Context, bucket, key string) (Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{}
	if out.ContentLength != nil {
		meta.ContentLength = *out.ContentLength
	}
	if out.ETag != nil {
		meta.ETag = *out.ETag
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	return meta, nil
}

func (s *S3Store) GetPresignedURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	out, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

var _ Store = (*S3Store)(nil)
