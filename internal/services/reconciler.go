package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/metrics"
	"pindrop-sync/internal/models"
	pinsrepo "pindrop-sync/internal/repositories/pins"
)

const (
	DefaultResubscribeBackoff    = 2 * time.Second
	DefaultMaxResubscribeBackoff = time.Minute
)

// SyncReconciler keeps the local pin set in step with the remote collection
// and persists every merged result for offline start-up.
type SyncReconciler struct {
	store     PinStore
	pins      PinSet
	snapshots pinsrepo.Repository
	notices   Notifier
	metrics   *metrics.EngineMetrics
	logger    *slog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex
	onApplied func(fresh []models.Pin)
}

func NewSyncReconciler(store PinStore, set PinSet, snapshots pinsrepo.Repository, notices Notifier, m *metrics.EngineMetrics, logger *slog.Logger) *SyncReconciler {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &SyncReconciler{
		store:       store,
		pins:        set,
		snapshots:   snapshots,
		notices:     notices,
		metrics:     m,
		logger:      logging.Component(logger, "reconciler"),
		baseBackoff: DefaultResubscribeBackoff,
		maxBackoff:  DefaultMaxResubscribeBackoff,
	}
}

// OnApplied registers fn to receive the pins of each applied snapshot whose
// video is new to the local set. fn must not block.
func (r *SyncReconciler) OnApplied(fn func(fresh []models.Pin)) {
	r.mu.Lock()
	r.onApplied = fn
	r.mu.Unlock()
}

// LoadCached seeds the local set from the last persisted snapshot.
func (r *SyncReconciler) LoadCached(ctx context.Context) (int, error) {
	stored, err := r.snapshots.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pin snapshot: %w", err)
	}

	valid := stored[:0]
	for _, p := range stored {
		if err := p.Validate(); err != nil {
			r.logger.Warn("skipping invalid cached pin", "pin_id", p.ID, "error", err)
			continue
		}
		valid = append(valid, p)
	}

	r.mu.Lock()
	r.pins.ReplaceAll(valid)
	r.mu.Unlock()

	r.metrics.PinCount.Set(float64(len(valid)))
	r.logger.Info("loaded cached pins", "count", len(valid))
	return len(valid), nil
}

// Apply merges one change batch. Undecodable records are dropped, removals
// delete by id, and the merged set replaces the persisted snapshot. An
// initial batch is the whole remote collection, so committed pins it does not
// name are removed. Applying the same batch twice leaves the same state.
func (r *SyncReconciler) Apply(ctx context.Context, snap models.Snapshot) error {
	r.mu.Lock()

	var (
		fresh   []models.Pin
		dropped int
		pruned  int
	)
	for _, ch := range snap.Changes {
		switch ch.Kind {
		case models.ChangeAdded, models.ChangeModified:
			pin, err := DecodePin(ch.ID, ch.Data)
			if err != nil {
				dropped++
				r.metrics.RecordsDropped.Inc()
				r.logger.Warn("dropping malformed pin record", "pin_id", ch.ID, "error", err)
				continue
			}
			if old, ok := r.pins.Get(pin.ID); !ok || old.VideoURL != pin.VideoURL {
				fresh = append(fresh, pin)
			}
			r.pins.Upsert(pin)
		case models.ChangeRemoved:
			r.pins.Remove(ch.ID)
		default:
			dropped++
			r.metrics.RecordsDropped.Inc()
			r.logger.Warn("dropping change of unknown kind", "pin_id", ch.ID, "kind", ch.Kind)
		}
	}
	if snap.Initial {
		pruned = r.pruneMissing(snap)
	}

	all := r.pins.All()
	err := r.snapshots.ReplaceAll(ctx, all)
	onApplied := r.onApplied
	r.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		err = fmt.Errorf("%w: persist pin snapshot: %v", apperrors.ErrStorageUnwritable, err)
		r.notices.Post(models.NoticeBlocking, "Saved pins could not be written to this device.", "")
		r.logger.Error("failed to persist pin snapshot", "error", err)
		return err
	}

	r.metrics.SnapshotsApplied.Inc()
	r.metrics.PinCount.Set(float64(len(all)))
	r.logger.Debug("snapshot applied",
		"changes", len(snap.Changes),
		"dropped", dropped,
		"pruned", pruned,
		"initial", snap.Initial,
		"pins", len(all),
	)

	if onApplied != nil && len(fresh) > 0 {
		onApplied(fresh)
	}
	return nil
}

// pruneMissing removes committed pins that the full remote listing in snap
// does not name. Records present but undecodable keep their local copy.
func (r *SyncReconciler) pruneMissing(snap models.Snapshot) int {
	listed := make(map[string]struct{}, len(snap.Changes))
	for _, ch := range snap.Changes {
		if ch.Kind != models.ChangeRemoved {
			listed[ch.ID] = struct{}{}
		}
	}

	pruned := 0
	for _, p := range r.pins.All() {
		if _, ok := listed[p.ID]; ok || p.Pending() {
			continue
		}
		if r.pins.Remove(p.ID) {
			pruned++
		}
	}
	return pruned
}

// Run keeps a subscription open until ctx is cancelled, resubscribing with
// exponential backoff after errors. Local state is kept while offline. Only
// a failure to persist state ends the loop.
func (r *SyncReconciler) Run(ctx context.Context) error {
	backoff := r.baseBackoff
	offline := false

	for {
		applied, err := r.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if apperrors.KindOf(err) == apperrors.KindFatal {
			return err
		}
		if applied {
			backoff = r.baseBackoff
			offline = false
		}

		if errors.Is(err, apperrors.ErrServiceUnavailable) {
			if !offline {
				r.notices.Post(models.NoticeTransient, "You're offline. Showing saved pins.", "")
				offline = true
			}
			r.logger.Warn("pin subscription unavailable", "error", err, "retry_in", backoff)
		} else {
			r.logger.Error("pin subscription failed", "error", err, "retry_in", backoff)
		}

		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}

// consume applies snapshots from one subscription until it fails.
func (r *SyncReconciler) consume(ctx context.Context) (applied bool, err error) {
	stream := r.store.Subscribe(ctx)
	defer stream.Stop()

	for {
		snap, err := stream.Next()
		if err != nil {
			return applied, err
		}
		if snap == nil {
			continue
		}
		if err := r.Apply(ctx, *snap); err != nil {
			return applied, err
		}
		applied = true
	}
}

// DecodePin strictly converts a raw remote record into a Pin. Anything that
// does not fit the pin model is rejected with ErrMalformedRecord.
func DecodePin(id string, data map[string]any) (models.Pin, error) {
	if data == nil {
		return models.Pin{}, fmt.Errorf("%w: no data", apperrors.ErrMalformedRecord)
	}
	if id == "" {
		id, _ = data["id"].(string)
	}

	lat, err := numberField(data, "latitude")
	if err != nil {
		return models.Pin{}, err
	}
	lon, err := numberField(data, "longitude")
	if err != nil {
		return models.Pin{}, err
	}
	category, err := stringField(data, "incidentType")
	if err != nil {
		return models.Pin{}, err
	}
	videoURL, err := stringField(data, "videoURL")
	if err != nil {
		return models.Pin{}, err
	}
	owner, err := stringField(data, "userId")
	if err != nil {
		return models.Pin{}, err
	}

	cat, err := models.ParseCategory(category)
	if err != nil {
		return models.Pin{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if !models.IsRemoteURL(videoURL) {
		return models.Pin{}, fmt.Errorf("%w: bad video url %q", apperrors.ErrMalformedRecord, videoURL)
	}

	pin := models.Pin{
		ID:           id,
		Coordinate:   models.Coordinate{Lat: lat, Lon: lon},
		Category:     cat,
		VideoURL:     videoURL,
		ThumbnailURL: optionalString(data, "thumbnailURL"),
		OwnerID:      strings.TrimSpace(owner),
		DeviceID:     optionalString(data, "deviceId"),
		PlaceName:    optionalString(data, "placeName"),
	}
	if t, ok := data["createdAt"].(time.Time); ok {
		pin.CreatedAt = t
	}
	if pin.ThumbnailURL != "" && !models.IsRemoteURL(pin.ThumbnailURL) {
		pin.ThumbnailURL = ""
	}

	if err := pin.Validate(); err != nil {
		return models.Pin{}, err
	}
	return pin, nil
}

func numberField(data map[string]any, key string) (float64, error) {
	switch v := data[key].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("%w: missing %s", apperrors.ErrMalformedRecord, key)
	default:
		return 0, fmt.Errorf("%w: %s is %T, not a number", apperrors.ErrMalformedRecord, key, v)
	}
}

func stringField(data map[string]any, key string) (string, error) {
	switch v := data[key].(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("%w: missing %s", apperrors.ErrMalformedRecord, key)
	default:
		return "", fmt.Errorf("%w: %s is %T, not a string", apperrors.ErrMalformedRecord, key, v)
	}
}

func optionalString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
