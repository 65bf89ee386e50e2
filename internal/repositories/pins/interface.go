// Package pins persists the last reconciled pin set for offline start-up.
package pins

import (
	"context"

	"pindrop-sync/internal/models"
)

// Repository stores the most recent reconciled snapshot of pins.
type Repository interface {
	// ReplaceAll atomically swaps the stored set for pins.
	ReplaceAll(ctx context.Context, pins []models.Pin) error
	GetAll(ctx context.Context) ([]models.Pin, error)
}
