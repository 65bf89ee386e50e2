// Package jobs persists the upload queue and the failed-uploads store.
package jobs

import (
	"context"
	"time"

	"pindrop-sync/internal/models"
)

// Repository is the durable backing of the upload queue. Jobs are kept in
// queue order; the head is the job with the lowest position.
type Repository interface {
	Append(ctx context.Context, job *models.UploadJob) error
	Head(ctx context.Context) (*models.UploadJob, error)
	Get(ctx context.Context, id string) (*models.UploadJob, error)
	Update(ctx context.Context, job *models.UploadJob) error
	MoveToFront(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.UploadJob, error)
	Count(ctx context.Context) (int, error)
	ResetInFlight(ctx context.Context) (int, error)

	MoveToFailed(ctx context.Context, job *models.UploadJob, failedAt time.Time) error
	ListFailed(ctx context.Context) ([]models.FailedUpload, error)
	CountFailed(ctx context.Context) (int, error)
	DeleteFailed(ctx context.Context, contentKey string) error
	RequeueFailed(ctx context.Context) ([]models.UploadJob, error)
}
