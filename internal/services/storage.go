package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	apperrors "pindrop-sync/internal/errors"
)

const gcsPublicHost = "storage.googleapis.com"

// StorageService is a BlobStore backed by the Firebase Cloud Storage bucket.
type StorageService struct {
	client     *storage.Client
	bucketName string
}

func NewStorageService(client *storage.Client, bucketName string) *StorageService {
	return &StorageService{
		client:     client,
		bucketName: bucketName,
	}
}

// Uploads size bytes from r to objectPath and returns the object's URL.
func (s *StorageService) Upload(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error) {
	w := s.client.Bucket(s.bucketName).Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=604800"

	if _, err := io.Copy(w, io.LimitReader(r, size)); err != nil {
		_ = w.Close()
		return "", classifyStorageError(fmt.Errorf("failed to write object: %w", err))
	}
	if err := w.Close(); err != nil {
		return "", classifyStorageError(fmt.Errorf("failed to finalize object: %w", err))
	}

	return fmt.Sprintf("https://%s/%s/%s", gcsPublicHost, s.bucketName, escapeObjectPath(objectPath)), nil
}

// Retrieves an object by URL and returns its contents.
func (s *StorageService) Download(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, object, err := parseObjectURL(rawURL)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, classifyStorageError(fmt.Errorf("failed to read object: %w", err))
	}
	return data, nil
}

// Deletes an object by URL.
func (s *StorageService) Delete(ctx context.Context, rawURL string) error {
	bucket, object, err := parseObjectURL(rawURL)
	if err != nil {
		return err
	}
	if err := s.client.Bucket(bucket).Object(object).Delete(ctx); err != nil {
		return classifyStorageError(err)
	}
	return nil
}

// parseObjectURL accepts gs://bucket/object, the public
// https://storage.googleapis.com/bucket/object form and Firebase download
// URLs (https://firebasestorage.googleapis.com/v0/b/bucket/o/object).
func parseObjectURL(rawURL string) (bucket, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: object url: %v", apperrors.ErrInvalidInput, err)
	}

	switch {
	case u.Scheme == "gs":
		bucket, object = u.Host, strings.TrimPrefix(u.Path, "/")
	case u.Host == gcsPublicHost:
		bucket, object, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	case u.Host == "firebasestorage.googleapis.com":
		rest, ok := strings.CutPrefix(u.Path, "/v0/b/")
		if ok {
			bucket, object, ok = strings.Cut(rest, "/o/")
		}
		if !ok {
			return "", "", fmt.Errorf("%w: unrecognized firebase url %q", apperrors.ErrInvalidInput, rawURL)
		}
	default:
		return "", "", fmt.Errorf("%w: not a cloud storage url %q", apperrors.ErrInvalidInput, rawURL)
	}

	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: incomplete object url %q", apperrors.ErrInvalidInput, rawURL)
	}
	return bucket, object, nil
}

func escapeObjectPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// classifyStorageError maps Cloud Storage failures onto engine errors.
func classifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %v", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", apperrors.ErrAuthExpired, err)
		case apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %v", apperrors.ErrNotFound, err)
		case apiErr.Code == http.StatusRequestTimeout, apiErr.Code == http.StatusTooManyRequests, apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", apperrors.ErrServiceUnavailable, err)
		}
	}
	return err
}
