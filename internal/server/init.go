package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"pindrop-sync/internal/config"
	"pindrop-sync/internal/db"
	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/handlers"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/metrics"
	"pindrop-sync/internal/middleware"
	"pindrop-sync/internal/repositories/cacheindex"
	"pindrop-sync/internal/repositories/jobs"
	"pindrop-sync/internal/repositories/pins"
	"pindrop-sync/internal/router"
	"pindrop-sync/internal/services"
)

// Services holds all initialized services for the application
type Services struct {
	Pins       *services.PinRepository
	Notices    *services.NoticeBoard
	Identity   *services.StaticIdentity
	Cache      *services.BlobCache
	Queue      *services.UploadQueue
	Reconciler *services.SyncReconciler
	Videos     *services.VideoService
	Drops      *services.DropService
	Limiter    *middleware.RateLimiter

	registry *prometheus.Registry
	cfg      *config.Config
	logger   *slog.Logger
	closers  []func() error
}

// ClientOptions returns the Google client options for the configured
// credentials, preferring inline JSON over the credentials file.
func ClientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.FirebaseCredentialsJSON != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.FirebaseCredentialsJSON))}
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.FirebaseCredentialsPath)}
}

// OpenBlobStore connects to the configured blob backend. The returned close
// function releases the client.
func OpenBlobStore(ctx context.Context, cfg *config.Config) (services.BlobStore, func() error, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendMinIO:
		minioService, err := services.NewMinIOService(services.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := minioService.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return minioService, func() error { return nil }, nil
	default:
		storageClient, err := storage.NewClient(ctx, ClientOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		return services.NewStorageService(storageClient, cfg.FirebaseBucketName), storageClient.Close, nil
	}
}

// InitServices initializes all application services based on configuration.
// Returns the initialized services or an error if initialization fails.
func InitServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Services, err error) {
	svcs := &Services{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = svcs.Close()
		}
	}()

	// Metrics
	svcs.registry = prometheus.NewRegistry()
	svcs.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics, err := metrics.NewEngineMetrics(svcs.registry)
	if err != nil {
		return nil, err
	}

	// Local state
	conn, err := db.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	svcs.closers = append(svcs.closers, conn.Close)

	// Remote services
	firestoreClient, err := firestore.NewClient(ctx, cfg.FirebaseProjectID, ClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	svcs.closers = append(svcs.closers, firestoreClient.Close)
	pinStore := services.NewFirestoreService(firestoreClient, cfg.PinsCollection)

	blobs, closeBlobs, err := OpenBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svcs.closers = append(svcs.closers, closeBlobs)

	// Core services
	svcs.Pins = services.NewPinRepository()
	svcs.Notices = services.NewNoticeBoard(logger)
	svcs.Identity = services.NewStaticIdentity(cfg.EngineUserID, cfg.DeviceID)

	svcs.Cache, err = services.NewBlobCache(ctx, services.BlobCacheConfig{
		Dir:            cfg.CacheDir,
		MaxBytes:       cfg.CacheMaxBytes,
		MemoryMaxBytes: cfg.CacheMemoryMaxBytes,
		Retention:      cfg.CacheRetention,
		SweepInterval:  cfg.CacheSweepInterval,
	}, cacheindex.NewSQLiteRepository(conn), engineMetrics, logger)
	if err != nil {
		return nil, err
	}

	svcs.Reconciler = services.NewSyncReconciler(pinStore, svcs.Pins, pins.NewSQLiteRepository(conn), svcs.Notices, engineMetrics, logger)

	ffmpeg := services.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	deps := services.UploadQueueDeps{
		Jobs:       jobs.NewSQLiteRepository(conn),
		Transcoder: services.NewVideoTranscoder(ffmpeg, cfg.TranscodeDir(), logger),
		Blobs:      blobs,
		Store:      pinStore,
		Pins:       svcs.Pins,
		Identity:   svcs.Identity,
		Thumbnails: services.NewImageThumbnailer(ffmpeg, 0),
		Notices:    svcs.Notices,
		Metrics:    engineMetrics,
		Logger:     logger,
	}
	if cfg.GeocodingEnabled {
		deps.Places = services.NewGeocodingService(nil, logger)
	}
	svcs.Queue = services.NewUploadQueue(deps, services.UploadQueueConfig{
		BaseBackoff:    cfg.UploadBaseBackoff,
		PollInterval:   cfg.QueuePollInterval,
		NetworkTimeout: cfg.NetworkTimeout,
	})

	svcs.Videos = services.NewVideoService(svcs.Cache, blobs, svcs.Pins, cfg.NetworkTimeout, cfg.PrefetchConcurrency, logger)
	if err := os.MkdirAll(cfg.MediaDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: media dir: %v", apperrors.ErrStorageUnwritable, err)
	}
	svcs.Drops = services.NewDropService(services.DropServiceDeps{
		Queue:          svcs.Queue,
		Reconciler:     svcs.Reconciler,
		Pins:           svcs.Pins,
		Store:          pinStore,
		Blobs:          blobs,
		Cache:          svcs.Cache,
		Identity:       svcs.Identity,
		Media:          ffmpeg,
		MediaDir:       cfg.MediaDir,
		DeviceID:       cfg.DeviceID,
		NetworkTimeout: cfg.NetworkTimeout,
		Logger:         logger,
	})
	svcs.Limiter = middleware.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)

	if cfg.PrefetchEnabled {
		svcs.Reconciler.OnApplied(svcs.Videos.SchedulePrefetch)
	}

	// Restore what the previous run left behind
	if n, err := svcs.Queue.Recover(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Info("recovered interrupted uploads", "count", n)
	}
	n, err := svcs.Reconciler.LoadCached(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded saved pins", "count", n)

	return svcs, nil
}

// CreateHandler creates an HTTP handler with all middleware applied
func (s *Services) CreateHandler() http.Handler {
	h := handlers.New(handlers.Deps{
		Pins:     s.Pins,
		Drops:    s.Drops,
		Videos:   s.Videos,
		Uploads:  s.Queue,
		Notices:  s.Notices,
		Identity: s.Identity,
		Logger:   s.logger,
	})

	metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})

	mux := router.Setup(h, metricsHandler)

	// Apply global middleware, outermost last
	wrapped := middleware.APIKeyAuth(s.cfg.APIKeys, "/health")(mux)
	wrapped = s.Limiter.Limit(wrapped)
	wrapped = middleware.Logger(logging.Component(s.logger, "access"))(wrapped)
	wrapped = middleware.RequestID(wrapped)
	wrapped = middleware.CORS(wrapped, s.cfg.AllowedOrigins)

	return wrapped
}

// Run drives the background loops until ctx is cancelled. A loop that stops
// on a fatal error leaves the others running.
func (s *Services) Run(ctx context.Context) error {
	var g errgroup.Group

	g.Go(func() error {
		if err := s.Queue.Run(ctx); err != nil {
			s.logger.Error("upload queue stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.Reconciler.Run(ctx); err != nil {
			s.logger.Error("sync reconciler stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		s.Cache.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.Limiter.Run(ctx)
		return nil
	})
	if s.cfg.PrefetchEnabled {
		g.Go(func() error {
			s.Videos.RunPrefetch(ctx)
			return nil
		})
	}

	return g.Wait()
}

// Close releases clients and the database in reverse order of creation.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// OpenDB opens the engine database at the configured path. Used by tools that
// inspect state without starting the engine.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return db.Open(ctx, cfg.DatabasePath())
}
