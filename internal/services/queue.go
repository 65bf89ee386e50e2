package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/metrics"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/repositories/jobs"
	"pindrop-sync/internal/utils"
)

const (
	MaxUploadAttempts        = 3
	DefaultUploadBaseBackoff = 2 * time.Second
	DefaultQueuePollInterval = 30 * time.Second
	DefaultNetworkTimeout    = 5 * time.Minute

	placeLookupTimeout = 10 * time.Second
)

type UploadQueueConfig struct {
	BaseBackoff    time.Duration
	PollInterval   time.Duration
	NetworkTimeout time.Duration
}

// UploadQueueDeps are the collaborators of the upload queue. Places and
// Thumbnails are optional.
type UploadQueueDeps struct {
	Jobs       jobs.Repository
	Transcoder Transcoder
	Blobs      BlobStore
	Store      PinStore
	Pins       PinWriter
	Identity   IdentityProvider
	Places     PlaceResolver
	Thumbnails Thumbnailer
	Notices    Notifier
	Metrics    *metrics.EngineMetrics
	Logger     *slog.Logger
}

// UploadQueue is the durable FIFO of upload jobs. A single worker drains it
// one job at a time: transcode, upload, commit.
type UploadQueue struct {
	jobs       jobs.Repository
	transcoder Transcoder
	blobs      BlobStore
	store      PinStore
	pins       PinWriter
	identity   IdentityProvider
	places     PlaceResolver
	thumbnails Thumbnailer
	notices    Notifier
	metrics    *metrics.EngineMetrics
	logger     *slog.Logger

	cfg  UploadQueueConfig
	now  func() time.Time
	wake chan struct{}

	// procMu keeps a single job in flight.
	procMu sync.Mutex

	// stateMu orders state transitions of the worker against Cancel.
	stateMu   sync.Mutex
	cancelled map[string]bool
}

func NewUploadQueue(deps UploadQueueDeps, cfg UploadQueueConfig) *UploadQueue {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultUploadBaseBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultQueuePollInterval
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewUnregistered()
	}

	return &UploadQueue{
		jobs:       deps.Jobs,
		transcoder: deps.Transcoder,
		blobs:      deps.Blobs,
		store:      deps.Store,
		pins:       deps.Pins,
		identity:   deps.Identity,
		places:     deps.Places,
		thumbnails: deps.Thumbnails,
		notices:    deps.Notices,
		metrics:    deps.Metrics,
		logger:     logging.Component(deps.Logger, "upload_queue"),
		cfg:        cfg,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		cancelled:  make(map[string]bool),
	}
}

// Recover returns jobs interrupted by a previous shutdown or crash to a
// runnable state. Call it once before Run.
func (q *UploadQueue) Recover(ctx context.Context) (int, error) {
	n, err := q.jobs.ResetInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: recover upload queue: %v", apperrors.ErrStorageUnwritable, err)
	}
	if n > 0 {
		q.logger.Info("recovered interrupted uploads", "count", n)
	}
	q.refreshGauges(ctx)
	return n, nil
}

// Enqueue durably appends job and wakes the worker. The job's state and
// retry bookkeeping are reset.
func (q *UploadQueue) Enqueue(ctx context.Context, job *models.UploadJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
	}
	job.State = models.JobPending
	job.RetryCount = 0
	job.LastError = ""
	job.NextAttemptAt = time.Time{}
	job.CancelRequested = false

	if err := q.jobs.Append(ctx, job); err != nil {
		return fmt.Errorf("%w: enqueue upload: %v", apperrors.ErrStorageUnwritable, err)
	}

	q.logger.Info("upload enqueued", "job_id", job.ID, "category", job.Category)
	q.refreshGauges(ctx)
	q.signal()
	return nil
}

// Resume wakes the worker, e.g. after connectivity comes back.
func (q *UploadQueue) Resume() {
	q.logger.Debug("queue resumed")
	q.signal()
}

// ProcessNext runs the job at the head of the queue, if it is due. It
// reports whether a job was attempted. Pipeline failures are turned into
// job bookkeeping; only fatal storage errors are returned.
func (q *UploadQueue) ProcessNext(ctx context.Context) (bool, error) {
	q.procMu.Lock()
	defer q.procMu.Unlock()

	job, err := q.jobs.Head(ctx)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read queue head: %v", apperrors.ErrStorageUnwritable, err)
	}
	if job.State == models.JobRetrying && q.now().Before(job.NextAttemptAt) {
		return false, nil
	}

	err = q.process(ctx, job)
	q.refreshGauges(ctx)
	return true, err
}

// Run is the worker loop. It wakes on Enqueue, Resume, backoff expiry and
// every poll interval, and returns when ctx is cancelled or on a fatal error.
func (q *UploadQueue) Run(ctx context.Context) error {
	q.logger.Info("upload worker started", "poll_interval", q.cfg.PollInterval)

	for {
		processed, err := q.ProcessNext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindFatal {
				q.notices.Post(models.NoticeBlocking, "Uploads stopped: this device's storage is not writable.", "")
				return err
			}
			q.logger.Error("upload attempt failed", "error", err)
		}
		if processed {
			continue
		}

		timer := time.NewTimer(q.idleWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Cancel removes a pending job. A job being compressed is cancelled once
// compression finishes, before anything is uploaded. Later stages cannot
// be cancelled.
func (q *UploadQueue) Cancel(ctx context.Context, id string) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	job, err := q.jobs.Get(ctx, id)
	if err != nil {
		return err
	}

	switch job.State {
	case models.JobPending:
		if err := q.jobs.Delete(ctx, id); err != nil {
			return err
		}
		q.metrics.UploadAttempts.WithLabelValues("cancelled").Inc()
		q.logger.Info("upload cancelled", "job_id", id)
		q.refreshGauges(ctx)
		return nil
	case models.JobCompressing:
		q.cancelled[id] = true
		job.CancelRequested = true
		if err := q.jobs.Update(ctx, job); err != nil {
			return err
		}
		q.logger.Info("upload cancel requested during compression", "job_id", id)
		return nil
	default:
		return fmt.Errorf("%w: job is %s", apperrors.ErrNotCancellable, job.State)
	}
}

func (q *UploadQueue) ListPending(ctx context.Context) ([]models.UploadJob, error) {
	return q.jobs.List(ctx)
}

func (q *UploadQueue) ListFailed(ctx context.Context) ([]models.FailedUpload, error) {
	return q.jobs.ListFailed(ctx)
}

// RetryFailed re-enqueues every failed upload with a fresh retry budget.
func (q *UploadQueue) RetryFailed(ctx context.Context) (int, error) {
	requeued, err := q.jobs.RequeueFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: requeue failed uploads: %v", apperrors.ErrStorageUnwritable, err)
	}

	q.logger.Info("failed uploads requeued", "count", len(requeued))
	q.refreshGauges(ctx)
	q.signal()
	return len(requeued), nil
}

// process runs one attempt of job through the pipeline stages.
func (q *UploadQueue) process(ctx context.Context, job *models.UploadJob) error {
	log := q.logger.With("job_id", job.ID, "attempt", job.RetryCount+1)

	uploadPath := job.SourcePath
	defer func() {
		if uploadPath != job.SourcePath {
			_ = utils.RemoveIfExists(uploadPath)
		}
	}()

	if job.VideoURL == "" {
		if ok, err := q.enter(ctx, job, models.JobCompressing); !ok {
			return err
		}
		out, err := q.transcoder.Transcode(ctx, job.SourcePath)
		if err != nil {
			return q.handleFailure(ctx, job, err)
		}
		uploadPath = out

		if ok, err := q.enter(ctx, job, models.JobUploading); !ok {
			return err
		}
		url, err := q.uploadVideo(ctx, job, uploadPath)
		if err != nil {
			return q.handleFailure(ctx, job, err)
		}
		job.VideoURL = url
		log.Info("video uploaded", "url", url)

		q.uploadThumbnail(ctx, job, uploadPath)
	} else {
		log.Info("video already uploaded, resuming at commit")
	}

	if ok, err := q.enter(ctx, job, models.JobCommitting); !ok {
		return err
	}
	pin := job.Pin(q.placeName(ctx, job))
	commitCtx, cancel := context.WithTimeout(ctx, q.cfg.NetworkTimeout)
	_, err := q.store.AddPin(commitCtx, &pin)
	err = asTimeout(commitCtx, err)
	cancel()
	if err != nil {
		return q.handleFailure(ctx, job, err)
	}

	q.pins.Upsert(pin)

	job.State = models.JobDone
	if err := q.jobs.Delete(ctx, job.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("%w: remove finished job: %v", apperrors.ErrStorageUnwritable, err)
	}
	if err := utils.RemoveIfExists(job.SourcePath); err != nil {
		log.Warn("failed to remove source media", "error", err)
	}

	q.metrics.UploadAttempts.WithLabelValues("success").Inc()
	log.Info("pin committed", "pin_id", pin.ID)
	return nil
}

// enter moves job into state unless a cancel is pending, in which case the
// job is dropped. It reports whether processing should continue.
func (q *UploadQueue) enter(ctx context.Context, job *models.UploadJob, state models.JobState) (bool, error) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	if q.cancelled[job.ID] || job.CancelRequested {
		delete(q.cancelled, job.ID)
		if err := q.jobs.Delete(ctx, job.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return false, fmt.Errorf("%w: remove cancelled job: %v", apperrors.ErrStorageUnwritable, err)
		}
		q.metrics.UploadAttempts.WithLabelValues("cancelled").Inc()
		q.notices.Post(models.NoticeTransient, "Upload cancelled.", job.ID)
		q.logger.Info("upload cancelled", "job_id", job.ID, "at", state)
		return false, nil
	}

	job.State = state
	if err := q.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Cancelled while pending, between Head and here.
			return false, nil
		}
		return false, fmt.Errorf("%w: update job state: %v", apperrors.ErrStorageUnwritable, err)
	}
	return true, nil
}

func (q *UploadQueue) uploadVideo(ctx context.Context, job *models.UploadJob, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open upload file: %v", apperrors.ErrInvalidInput, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat upload file: %v", apperrors.ErrInvalidInput, err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, q.cfg.NetworkTimeout)
	defer cancel()

	url, err := q.blobs.Upload(uploadCtx, "videos/"+job.ID+".mp4", f, info.Size(), "video/mp4")
	return url, asTimeout(uploadCtx, err)
}

// uploadThumbnail is best effort; a pin without a poster frame is fine.
func (q *UploadQueue) uploadThumbnail(ctx context.Context, job *models.UploadJob, videoPath string) {
	if q.thumbnails == nil || job.ThumbnailURL != "" {
		return
	}

	thumbCtx, cancel := context.WithTimeout(ctx, q.cfg.NetworkTimeout)
	defer cancel()

	data, err := q.thumbnails.Thumbnail(thumbCtx, videoPath)
	if err != nil {
		q.logger.Warn("thumbnail extraction failed", "job_id", job.ID, "error", err)
		return
	}
	url, err := q.blobs.Upload(thumbCtx, "thumbnails/"+job.ID+".jpg", bytes.NewReader(data), int64(len(data)), "image/jpeg")
	if err != nil {
		q.logger.Warn("thumbnail upload failed", "job_id", job.ID, "error", err)
		return
	}
	job.ThumbnailURL = url
}

func (q *UploadQueue) placeName(ctx context.Context, job *models.UploadJob) string {
	if q.places == nil {
		return ""
	}

	lookupCtx, cancel := context.WithTimeout(ctx, placeLookupTimeout)
	defer cancel()

	name, err := q.places.ReverseGeocode(lookupCtx, job.Coordinate)
	if err != nil {
		q.logger.Warn("reverse geocoding failed", "job_id", job.ID, "error", err)
		return ""
	}
	return name
}

// handleFailure turns a failed attempt into job bookkeeping: a backoff
// retry at the head of the queue, or the failed store once the attempts are
// used up or the error cannot be retried.
func (q *UploadQueue) handleFailure(ctx context.Context, job *models.UploadJob, cause error) error {
	if ctx.Err() != nil {
		// Shutting down: the job stays in flight and is recovered on restart.
		return nil
	}

	job.LastError = cause.Error()
	log := q.logger.With("job_id", job.ID, "attempt", job.RetryCount+1, "error", cause)

	if apperrors.KindOf(cause) == apperrors.KindFatal {
		return cause
	}
	if !apperrors.IsRetryable(cause) {
		log.Warn("upload rejected, not retrying")
		job.RetryCount++
		return q.fail(ctx, job, cause, false)
	}

	if errors.Is(cause, apperrors.ErrAuthExpired) && q.identity != nil {
		if err := q.identity.RefreshToken(ctx); err != nil {
			log.Warn("token refresh failed", "refresh_error", err)
		}
	}

	if job.RetryCount+1 >= MaxUploadAttempts {
		job.RetryCount = MaxUploadAttempts
		log.Warn("upload attempts exhausted")
		// A timed out commit may still have been written remotely, so the
		// uploaded video is kept and a retry resumes at the commit.
		return q.fail(ctx, job, cause, job.State == models.JobCommitting)
	}

	delay := q.cfg.BaseBackoff * time.Duration(1<<uint(job.RetryCount))
	job.RetryCount++
	job.State = models.JobRetrying
	job.NextAttemptAt = q.now().Add(delay)

	q.stateMu.Lock()
	if q.cancelled[job.ID] {
		job.CancelRequested = true
	}
	err := q.jobs.Update(ctx, job)
	if err == nil {
		err = q.jobs.MoveToFront(ctx, job.ID)
	}
	q.stateMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: schedule retry: %v", apperrors.ErrStorageUnwritable, err)
	}

	q.metrics.UploadAttempts.WithLabelValues("retry").Inc()
	q.notices.Post(models.NoticeTransient, fmt.Sprintf("Upload failed, retrying in %s.", delay), job.ID)
	log.Warn("upload failed, retry scheduled", "delay", delay)
	return nil
}

// fail parks job in the failed store. The source media is kept so the
// upload can be retried later. Uploaded blobs are deleted unless keepUploads
// is set. A job whose cancel is pending is dropped instead.
func (q *UploadQueue) fail(ctx context.Context, job *models.UploadJob, cause error, keepUploads bool) error {
	q.stateMu.Lock()
	cancelled := q.cancelled[job.ID] || job.CancelRequested
	delete(q.cancelled, job.ID)
	q.stateMu.Unlock()

	if cancelled || !keepUploads {
		q.deleteOrphans(ctx, job)
	}
	if cancelled {
		if err := q.jobs.Delete(ctx, job.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: remove cancelled job: %v", apperrors.ErrStorageUnwritable, err)
		}
		q.metrics.UploadAttempts.WithLabelValues("cancelled").Inc()
		q.notices.Post(models.NoticeTransient, "Upload cancelled.", job.ID)
		q.logger.Info("upload cancelled after a failed attempt", "job_id", job.ID)
		return nil
	}

	job.State = models.JobFailed
	job.NextAttemptAt = time.Time{}

	q.stateMu.Lock()
	err := q.jobs.MoveToFailed(ctx, job, q.now())
	q.stateMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: record failed upload: %v", apperrors.ErrStorageUnwritable, err)
	}

	q.metrics.UploadAttempts.WithLabelValues("failed").Inc()
	if apperrors.KindOf(cause) == apperrors.KindValidation {
		q.notices.Post(models.NoticePersistent, fmt.Sprintf("Your upload was rejected: %v.", cause), job.ID)
	} else {
		q.notices.Post(models.NoticePersistent, "Your upload could not be completed. Retry saved upload.", job.ID)
	}
	q.logger.Error("upload failed permanently", "job_id", job.ID, "attempts", job.RetryCount,
		"error", job.LastError, "kept_uploads", job.VideoURL != "")
	return nil
}

func (q *UploadQueue) deleteOrphans(ctx context.Context, job *models.UploadJob) {
	for _, url := range []string{job.VideoURL, job.ThumbnailURL} {
		if url == "" {
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, q.cfg.NetworkTimeout)
		if err := q.blobs.Delete(delCtx, url); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			q.logger.Warn("failed to delete orphaned upload", "job_id", job.ID, "url", url, "error", err)
		}
		cancel()
	}
	job.VideoURL = ""
	job.ThumbnailURL = ""
}

// idleWait is how long the worker sleeps when nothing is due.
func (q *UploadQueue) idleWait(ctx context.Context) time.Duration {
	wait := q.cfg.PollInterval
	head, err := q.jobs.Head(ctx)
	if err == nil && head.State == models.JobRetrying {
		if d := head.NextAttemptAt.Sub(q.now()); d < wait {
			wait = max(d, time.Millisecond)
		}
	}
	return wait
}

func (q *UploadQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *UploadQueue) refreshGauges(ctx context.Context) {
	if n, err := q.jobs.Count(ctx); err == nil {
		q.metrics.QueueDepth.Set(float64(n))
	}
	if n, err := q.jobs.CountFailed(ctx); err == nil {
		q.metrics.FailedUploads.Set(float64(n))
	}
}

// asTimeout reports err as ErrTimeout when opCtx hit its deadline.
func asTimeout(opCtx context.Context, err error) error {
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	return err
}
