package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/models"
)

const (
	defaultPrefetchConcurrency = 2
	// maxPrefetchPending bounds the downloads waiting for the prefetch loop.
	maxPrefetchPending = 16
)

// VideoService serves pin videos for playback: cache first, then a single
// shared download per URL, then into the cache.
type VideoService struct {
	cache   BlobCacher
	blobs   BlobStore
	pins    PinReader
	timeout time.Duration
	limit   int
	logger  *slog.Logger

	group singleflight.Group

	prefetchMu sync.Mutex
	pending    map[string]string
	kick       chan struct{}
}

func NewVideoService(cache BlobCacher, blobs BlobStore, pins PinReader, networkTimeout time.Duration, prefetchConcurrency int, logger *slog.Logger) *VideoService {
	if networkTimeout <= 0 {
		networkTimeout = DefaultNetworkTimeout
	}
	if prefetchConcurrency <= 0 {
		prefetchConcurrency = defaultPrefetchConcurrency
	}
	return &VideoService{
		cache:   cache,
		blobs:   blobs,
		pins:    pins,
		timeout: networkTimeout,
		limit:   prefetchConcurrency,
		logger:  logging.Component(logger, "video"),
		pending: make(map[string]string),
		kick:    make(chan struct{}, 1),
	}
}

// Fetch returns the video bytes of a committed pin.
func (s *VideoService) Fetch(ctx context.Context, pinID string) ([]byte, error) {
	pin, ok := s.pins.Get(pinID)
	if !ok {
		return nil, fmt.Errorf("%w: pin %s", apperrors.ErrNotFound, pinID)
	}
	if pin.Pending() {
		return nil, fmt.Errorf("%w: pin %s has no video yet", apperrors.ErrNotFound, pinID)
	}
	return s.FetchURL(ctx, pin.VideoURL)
}

// FetchURL returns the blob at url, downloading it at most once at a time.
func (s *VideoService) FetchURL(ctx context.Context, url string) ([]byte, error) {
	key := models.CacheKeyFor(url)
	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		data, err := s.blobs.Download(dctx, url)
		if err != nil {
			return nil, asTimeout(dctx, err)
		}
		if err := s.cache.Put(key, data); err != nil {
			s.logger.Warn("failed to cache video", "url", url, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("shared video download", "url", url)
	}
	return v.([]byte), nil
}

// SchedulePrefetch queues the videos of pins for background download. It
// never blocks; repeated URLs are coalesced, and pins beyond the pending
// limit are skipped rather than queued.
func (s *VideoService) SchedulePrefetch(pins []models.Pin) {
	skipped := 0
	s.prefetchMu.Lock()
	for _, p := range pins {
		if p.Pending() {
			continue
		}
		key := models.CacheKeyFor(p.VideoURL)
		if _, queued := s.pending[key]; !queued && len(s.pending) >= maxPrefetchPending {
			skipped++
			continue
		}
		s.pending[key] = p.VideoURL
	}
	s.prefetchMu.Unlock()

	if skipped > 0 {
		s.logger.Debug("prefetch backlog full", "skipped", skipped)
	}

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RunPrefetch downloads scheduled videos until ctx is cancelled.
func (s *VideoService) RunPrefetch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}

		s.prefetchMu.Lock()
		urls := make([]string, 0, len(s.pending))
		for _, u := range s.pending {
			urls = append(urls, u)
		}
		clear(s.pending)
		s.prefetchMu.Unlock()

		if err := s.Prefetch(ctx, urls); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("prefetch failed", "error", err)
		}
	}
}

// Prefetch warms the cache with urls, running a bounded number of downloads
// at once. Individual download failures are logged, not returned.
func (s *VideoService) Prefetch(ctx context.Context, urls []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)

	fetched := 0
	var mu sync.Mutex
	for _, url := range urls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := s.FetchURL(gctx, url); err != nil {
				s.logger.Debug("prefetch skipped", "url", url, "error", err)
				return nil
			}
			mu.Lock()
			fetched++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if fetched > 0 {
		s.logger.Info("prefetched videos", "count", fetched)
	}
	return ctx.Err()
}
