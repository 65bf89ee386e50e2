package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "pindrop-sync/internal/errors"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOService is a BlobStore backed by an S3-compatible MinIO bucket.
type MinIOService struct {
	client *minio.Client
	bucket string
}

func NewMinIOService(cfg MinIOConfig) (*MinIOService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOService{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinIOService) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", classifyMinIOError(err))
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", classifyMinIOError(err))
	}
	return nil
}

func (s *MinIOService) Upload(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectPath, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", classifyMinIOError(err))
	}

	u := *s.client.EndpointURL()
	u.Path = "/" + s.bucket + "/" + objectPath
	return u.String(), nil
}

func (s *MinIOService) Download(ctx context.Context, rawURL string) ([]byte, error) {
	object, err := s.objectFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIOError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", classifyMinIOError(err))
	}
	return data, nil
}

func (s *MinIOService) Delete(ctx context.Context, rawURL string) error {
	object, err := s.objectFromURL(rawURL)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinIOError(err)
	}
	return nil
}

// objectFromURL extracts the object name from a URL returned by Upload.
func (s *MinIOService) objectFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: object url: %v", apperrors.ErrInvalidInput, err)
	}
	object, ok := strings.CutPrefix(u.Path, "/"+s.bucket+"/")
	if !ok || object == "" {
		return "", fmt.Errorf("%w: url %q is not in bucket %s", apperrors.ErrInvalidInput, rawURL, s.bucket)
	}
	return object, nil
}

// classifyMinIOError maps S3 error responses onto engine errors. err must be
// the unwrapped client error.
func classifyMinIOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return fmt.Errorf("%w: %v", apperrors.ErrNotFound, err)
	case resp.Code == "ExpiredToken" || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", apperrors.ErrAuthExpired, err)
	case resp.Code == "AccessDenied":
		return fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %v", apperrors.ErrServiceUnavailable, err)
	}
	return err
}
