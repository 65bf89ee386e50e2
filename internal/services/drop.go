package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/utils"
)

// DropRequest asks for a new pin at Coordinate with the video at SourcePath.
type DropRequest struct {
	SourcePath      string
	Coordinate      models.Coordinate
	Category        string
	CurrentLocation *models.Coordinate
}

// DropServiceDeps are the collaborators of the drop service. MediaDir is the
// directory recordings must be submitted from.
type DropServiceDeps struct {
	Queue          Enqueuer
	Reconciler     SnapshotApplier
	Pins           PinReader
	Store          PinStore
	Blobs          BlobStore
	Cache          BlobCacher
	Identity       IdentityProvider
	Media          MediaTool
	MediaDir       string
	DeviceID       string
	NetworkTimeout time.Duration
	Logger         *slog.Logger
}

// DropService validates and enqueues new pins, and deletes the user's own.
type DropService struct {
	queue      Enqueuer
	reconciler SnapshotApplier
	pins       PinReader
	store      PinStore
	blobs      BlobStore
	cache      BlobCacher
	identity   IdentityProvider
	media      MediaTool
	mediaDir   string
	deviceID   string
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewDropService(deps DropServiceDeps) *DropService {
	if deps.NetworkTimeout <= 0 {
		deps.NetworkTimeout = DefaultNetworkTimeout
	}
	return &DropService{
		queue:      deps.Queue,
		reconciler: deps.Reconciler,
		pins:       deps.Pins,
		store:      deps.Store,
		blobs:      deps.Blobs,
		cache:      deps.Cache,
		identity:   deps.Identity,
		media:      deps.Media,
		mediaDir:   deps.MediaDir,
		deviceID:   deps.DeviceID,
		timeout:    deps.NetworkTimeout,
		logger:     logging.Component(deps.Logger, "drop"),
		now:        time.Now,
	}
}

// Drop checks the request and enqueues its upload. The recording must lie
// inside the media directory and be within the size and duration limits.
// Nothing is enqueued when any check fails.
func (s *DropService) Drop(ctx context.Context, req DropRequest) (*models.UploadJob, error) {
	eligible, err := utils.IsEligible(req.Coordinate, req.CurrentLocation)
	if err != nil {
		return nil, err
	}
	if !eligible {
		distance := utils.Distance(req.Coordinate, *req.CurrentLocation)
		return nil, fmt.Errorf("%w: %.0f m away, limit is %.0f m", apperrors.ErrTooFar, distance, utils.MaxDropDistanceMeters)
	}

	category, err := models.ParseCategory(req.Category)
	if err != nil {
		return nil, err
	}

	userID, ok := s.identity.CurrentUserID()
	if !ok {
		return nil, fmt.Errorf("%w: not signed in", apperrors.ErrUnauthorized)
	}

	source, err := utils.ConfinedPath(s.mediaDir, req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: video: %v", apperrors.ErrInvalidInput, err)
	}
	size, err := utils.FileSize(source)
	if err != nil {
		return nil, fmt.Errorf("%w: video: %v", apperrors.ErrInvalidInput, err)
	}
	if size > MaxVideoBytes {
		return nil, fmt.Errorf("%w: %d bytes", apperrors.ErrMediaTooLarge, size)
	}
	duration, err := s.media.Probe(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: unreadable video: %v", apperrors.ErrInvalidInput, err)
	}
	if duration > MaxVideoDuration {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrMediaTooLong, duration)
	}

	job := &models.UploadJob{
		ID:         uuid.NewString(),
		SourcePath: source,
		Coordinate: req.Coordinate,
		Category:   category,
		OwnerID:    userID,
		DeviceID:   s.deviceID,
		CreatedAt:  s.now(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes one of the current user's pins: remote video, remote
// record, cached video, then the local copy.
func (s *DropService) Delete(ctx context.Context, pinID string) error {
	pin, err := s.lookup(ctx, pinID)
	if err != nil {
		return err
	}

	userID, ok := s.identity.CurrentUserID()
	if !ok || pin.OwnerID != userID {
		return fmt.Errorf("%w: pin belongs to another user", apperrors.ErrUnauthorized)
	}

	netCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, url := range []string{pin.VideoURL, pin.ThumbnailURL} {
		if url == "" {
			continue
		}
		if err := s.blobs.Delete(netCtx, url); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("failed to delete pin media: %w", asTimeout(netCtx, err))
		}
	}
	if err := s.store.DeletePin(netCtx, pin.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to delete pin record: %w", asTimeout(netCtx, err))
	}

	if pin.VideoURL != "" {
		if err := s.cache.Remove(models.CacheKeyFor(pin.VideoURL)); err != nil {
			s.logger.Warn("failed to evict deleted video", "pin_id", pin.ID, "error", err)
		}
	}

	removal := models.Snapshot{Changes: []models.Change{{Kind: models.ChangeRemoved, ID: pin.ID}}}
	if err := s.reconciler.Apply(ctx, removal); err != nil {
		return err
	}

	s.logger.Info("pin deleted", "pin_id", pin.ID)
	return nil
}

func (s *DropService) lookup(ctx context.Context, pinID string) (models.Pin, error) {
	if pin, ok := s.pins.Get(pinID); ok {
		return pin, nil
	}

	getCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pin, err := s.store.GetPin(getCtx, pinID)
	if err != nil {
		return models.Pin{}, asTimeout(getCtx, err)
	}
	return *pin, nil
}
