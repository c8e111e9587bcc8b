package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vexa-ai/vexa/pkg/config"
)

// S3Store stores blobs in an S3-compatible bucket. MinIO deployments set
// a custom endpoint and path-style addressing.
type S3Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds the S3 client from the storage config. Static
// credentials are used when configured; otherwise the default AWS chain.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "s3_storage", "bucket", cfg.Bucket),
	}, nil
}

// Put uploads the blob.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// spooledObject is an S3 body spooled to a temp file so callers get a
// seekable reader; the file is unlinked on close.
type spooledObject struct {
	*os.File
}

func (o *spooledObject) Close() error {
	name := o.File.Name()
	err := o.File.Close()
	_ = os.Remove(name)
	return err
}

// Open downloads the object into a temp file and returns a seekable
// handle over it. S3 bodies do not seek, and recording playback needs
// Range support.
func (s *S3Store) Open(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	tmp, err := os.CreateTemp("", "vexa-media-*")
	if err != nil {
		return nil, fmt.Errorf("storage: spool temp: %w", err)
	}
	if _, err := io.Copy(tmp, out.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("storage: spool %s: %w", key, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("storage: rewind spool: %w", err)
	}

	obj := &Object{
		ReadSeekCloser: &spooledObject{File: tmp},
		Size:           aws.ToInt64(out.ContentLength),
		ModTime:        aws.ToTime(out.LastModified),
		ContentType:    aws.ToString(out.ContentType),
	}
	if obj.ModTime.IsZero() {
		obj.ModTime = time.Now()
	}
	return obj, nil
}

// Delete removes the object. Missing keys are not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}
