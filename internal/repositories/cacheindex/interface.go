// Package cacheindex persists the disk-tier index of the blob cache.
package cacheindex

import (
	"context"

	"pindrop-sync/internal/models"
)

// Repository is the durable index of cached blobs.
type Repository interface {
	Upsert(ctx context.Context, entry models.CacheEntry) error
	Delete(ctx context.Context, key string) error
	// DeleteIfPath removes the entry for key only while it still points at path.
	DeleteIfPath(ctx context.Context, key, path string) error
	GetAll(ctx context.Context) ([]models.CacheEntry, error)
}
