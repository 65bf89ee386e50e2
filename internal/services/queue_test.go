package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/metrics"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/repositories/jobs"
	"pindrop-sync/internal/utils"
)

var here = models.Coordinate{Lat: 34.0522, Lon: -118.2437}

type queueEnv struct {
	queue    *UploadQueue
	drops    *DropService
	jobs     *jobs.SQLiteRepository
	blobs    *fakeBlobStore
	store    *fakePinStore
	pins     *PinRepository
	tool     *fakeTool
	notices  *NoticeBoard
	identity *fakeIdentity
	metrics  *metrics.EngineMetrics
	clock    *fakeClock
	dir      string
}

func newQueueEnv(t *testing.T, transcoder Transcoder) *queueEnv {
	t.Helper()
	dir := t.TempDir()
	env := &queueEnv{
		jobs:     jobs.NewSQLiteRepository(newTestDB(t)),
		blobs:    newFakeBlobStore(),
		store:    newFakePinStore(),
		pins:     NewPinRepository(),
		tool:     &fakeTool{duration: 90 * time.Second, outputSize: 10 << 20},
		notices:  NewNoticeBoard(logging.Discard()),
		identity: &fakeIdentity{userID: "user-1"},
		metrics:  metrics.NewUnregistered(),
		clock:    newFakeClock(),
		dir:      dir,
	}
	if transcoder == nil {
		transcoder = NewVideoTranscoder(env.tool, filepath.Join(dir, "transcode"), logging.Discard())
	}

	env.queue = NewUploadQueue(UploadQueueDeps{
		Jobs:       env.jobs,
		Transcoder: transcoder,
		Blobs:      env.blobs,
		Store:      env.store,
		Pins:       env.pins,
		Identity:   env.identity,
		Notices:    env.notices,
		Metrics:    env.metrics,
		Logger:     logging.Discard(),
	}, UploadQueueConfig{BaseBackoff: 2 * time.Second, PollInterval: time.Hour, NetworkTimeout: time.Minute})
	env.queue.now = env.clock.Now

	reconciler := NewSyncReconciler(env.store, env.pins, &memorySnapshots{}, env.notices, env.metrics, logging.Discard())
	env.drops = NewDropService(DropServiceDeps{
		Queue:          env.queue,
		Reconciler:     reconciler,
		Pins:           env.pins,
		Store:          env.store,
		Blobs:          env.blobs,
		Cache:          &nopCache{},
		Identity:       env.identity,
		Media:          env.tool,
		MediaDir:       dir,
		DeviceID:       "device-1",
		NetworkTimeout: time.Minute,
		Logger:         logging.Discard(),
	})
	env.drops.now = env.clock.Now
	return env
}

func (e *queueEnv) drop(t *testing.T, meters float64, sourceSize int64) (*models.UploadJob, error) {
	t.Helper()
	src := writeSparse(t, e.dir, "recording.mov", sourceSize)
	current := here
	return e.drops.Drop(context.Background(), DropRequest{
		SourcePath:      src,
		Coordinate:      utils.OffsetNorth(here, meters),
		Category:        "physical",
		CurrentLocation: &current,
	})
}

func (e *queueEnv) queueLen(t *testing.T) int {
	t.Helper()
	n, err := e.jobs.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestDropUploadCommitScenario(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()

	job, err := env.drop(t, 50, 40<<20)
	require.NoError(t, err)
	assert.Equal(t, 1, env.queueLen(t))

	processed, err := env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	pin, ok := env.pins.Get(job.ID)
	require.True(t, ok, "committed pin must be in the repository")
	assert.NotEmpty(t, pin.VideoURL)
	assert.Equal(t, models.CategoryPhysical, pin.Category)
	assert.Equal(t, "user-1", pin.OwnerID)
	assert.Equal(t, "device-1", pin.DeviceID)

	env.blobs.mu.Lock()
	uploaded := len(env.blobs.objects[pin.VideoURL])
	env.blobs.mu.Unlock()
	assert.Equal(t, 10<<20, uploaded, "the smaller transcoded file is uploaded")

	assert.Equal(t, 0, env.queueLen(t))
	assert.False(t, utils.FileExists(job.SourcePath), "source media is removed after commit")
	leftovers, _ := filepath.Glob(filepath.Join(env.dir, "transcode", "*"))
	assert.Empty(t, leftovers)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UploadAttempts.WithLabelValues("success")))
}

func TestDropTooFarScenario(t *testing.T) {
	env := newQueueEnv(t, nil)

	_, err := env.drop(t, 300, 1<<20)
	assert.ErrorIs(t, err, apperrors.ErrTooFar)
	assert.Equal(t, 0, env.queueLen(t))
}

func TestDropValidation(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()
	src := writeSparse(t, env.dir, "clip.mov", 1<<20)

	_, err := env.drops.Drop(ctx, DropRequest{SourcePath: src, Coordinate: here, Category: "verbal"})
	assert.ErrorIs(t, err, apperrors.ErrLocationUnavailable)

	current := here
	_, err = env.drops.Drop(ctx, DropRequest{SourcePath: src, Coordinate: here, Category: "robbery", CurrentLocation: &current})
	assert.ErrorIs(t, err, apperrors.ErrInvalidCategory)

	big := writeSparse(t, env.dir, "big.mov", MaxVideoBytes+1)
	_, err = env.drops.Drop(ctx, DropRequest{SourcePath: big, Coordinate: here, Category: "verbal", CurrentLocation: &current})
	assert.ErrorIs(t, err, apperrors.ErrMediaTooLarge)

	env.tool.duration = MaxVideoDuration + time.Second
	_, err = env.drops.Drop(ctx, DropRequest{SourcePath: src, Coordinate: here, Category: "verbal", CurrentLocation: &current})
	assert.ErrorIs(t, err, apperrors.ErrMediaTooLong)
	env.tool.duration = MaxVideoDuration

	env.identity.userID = ""
	_, err = env.drops.Drop(ctx, DropRequest{SourcePath: src, Coordinate: here, Category: "verbal", CurrentLocation: &current})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	assert.Equal(t, 0, env.queueLen(t))
}

func TestUploadFailsAfterThreeAttempts(t *testing.T) {
	env := newQueueEnv(t, nil)
	env.blobs.alwaysFail = apperrors.ErrServiceUnavailable
	ctx := context.Background()

	job, err := env.drop(t, 10, 40<<20)
	require.NoError(t, err)

	// Attempt 1 fails: retry in 2s.
	processed, err := env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	head, err := env.jobs.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetrying, head.State)
	assert.Equal(t, 1, head.RetryCount)
	assert.WithinDuration(t, env.clock.Now().Add(2*time.Second), head.NextAttemptAt, 0)

	// Not due yet.
	processed, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	// Attempt 2 fails: retry in 4s.
	env.clock.Advance(2 * time.Second)
	processed, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	head, err = env.jobs.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, head.RetryCount)
	assert.WithinDuration(t, env.clock.Now().Add(4*time.Second), head.NextAttemptAt, 0)

	// Attempt 3 fails: moved to the failed store.
	env.clock.Advance(4 * time.Second)
	processed, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	uploads, _ := env.blobs.counts()
	assert.Equal(t, 3, uploads)
	assert.Equal(t, 0, env.queueLen(t))

	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].Job.ID)
	assert.Equal(t, MaxUploadAttempts, failed[0].Job.RetryCount)
	assert.Equal(t, job.ContentKey(), failed[0].ContentKey)

	assert.True(t, utils.FileExists(job.SourcePath), "source media is kept for a manual retry")
	assert.Zero(t, env.pins.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.FailedUploads))

	var persistent int
	for _, n := range env.notices.List() {
		if n.Level == models.NoticePersistent && n.JobID == job.ID {
			persistent++
		}
	}
	assert.Equal(t, 1, persistent)
}

func TestDropRejectsSourceOutsideMediaDir(t *testing.T) {
	env := newQueueEnv(t, nil)
	current := here

	outside := writeSparse(t, t.TempDir(), "private.db", 1<<10)
	_, err := env.drops.Drop(context.Background(), DropRequest{
		SourcePath:      outside,
		Coordinate:      here,
		Category:        "verbal",
		CurrentLocation: &current,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = env.drops.Drop(context.Background(), DropRequest{
		SourcePath:      filepath.Join(env.dir, "..", filepath.Base(filepath.Dir(outside)), "private.db"),
		Coordinate:      here,
		Category:        "verbal",
		CurrentLocation: &current,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	assert.Equal(t, 0, env.queueLen(t))
	assert.Zero(t, env.tool.probeCalls)
	assert.True(t, utils.FileExists(outside))
}

func TestUploadValidationErrorFailsImmediately(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)

	// The recording is replaced by a longer one after submission.
	env.tool.duration = 4 * time.Minute
	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)

	n, err := env.jobs.CountFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	uploads, _ := env.blobs.counts()
	assert.Zero(t, uploads)

	var notice *models.Notice
	for _, n := range env.notices.List() {
		if n.JobID == job.ID && n.Level == models.NoticePersistent {
			notice = &n
		}
	}
	require.NotNil(t, notice)
	assert.Contains(t, notice.Message, "rejected")
	assert.NotContains(t, notice.Message, "Retry")
}

func TestCommitRetryReusesUploadedVideo(t *testing.T) {
	env := newQueueEnv(t, nil)
	env.store.addErrs = []error{apperrors.ErrTimeout}
	ctx := context.Background()

	job, err := env.drop(t, 10, 40<<20)
	require.NoError(t, err)

	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	head, err := env.jobs.Head(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, head.VideoURL, "uploaded url survives the failed commit")

	env.clock.Advance(2 * time.Second)
	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)

	uploads, _ := env.blobs.counts()
	assert.Equal(t, 1, uploads)
	_, encodes := env.tool.calls()
	assert.Equal(t, 1, encodes)
	_, ok := env.pins.Get(job.ID)
	assert.True(t, ok)
}

func TestCommitTimeoutKeepsUploadedVideo(t *testing.T) {
	env := newQueueEnv(t, nil)
	env.store.addErrs = []error{apperrors.ErrTimeout, apperrors.ErrTimeout, apperrors.ErrTimeout}
	env.store.writeOnError = true
	ctx := context.Background()

	job, err := env.drop(t, 10, 40<<20)
	require.NoError(t, err)

	for range MaxUploadAttempts {
		_, err = env.queue.ProcessNext(ctx)
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
	}

	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	videoURL := failed[0].Job.VideoURL
	require.NotEmpty(t, videoURL, "the commit may have landed, so the video stays")

	env.blobs.mu.Lock()
	assert.Empty(t, env.blobs.deleted)
	assert.Contains(t, env.blobs.objects, videoURL)
	env.blobs.mu.Unlock()

	env.store.mu.Lock()
	remote, ok := env.store.pins[job.ID]
	env.store.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, videoURL, remote.VideoURL)

	// The retry resumes at the commit and rewrites the same record.
	_, err = env.queue.RetryFailed(ctx)
	require.NoError(t, err)
	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)

	uploads, _ := env.blobs.counts()
	assert.Equal(t, 1, uploads)
	pin, ok := env.pins.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, videoURL, pin.VideoURL)
}

func TestRejectedCommitDeletesOrphanedVideo(t *testing.T) {
	env := newQueueEnv(t, nil)
	env.store.addErrs = []error{apperrors.ErrUnauthorized}
	ctx := context.Background()

	_, err := env.drop(t, 10, 40<<20)
	require.NoError(t, err)

	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, env.queueLen(t))

	failed, err := env.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Empty(t, failed[0].Job.VideoURL)

	env.blobs.mu.Lock()
	defer env.blobs.mu.Unlock()
	assert.Len(t, env.blobs.deleted, 1)
	assert.Empty(t, env.blobs.objects)
}

func TestAuthExpiredRefreshesToken(t *testing.T) {
	env := newQueueEnv(t, nil)
	env.blobs.uploadErrs = []error{apperrors.ErrAuthExpired}
	ctx := context.Background()

	_, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)

	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.identity.refreshes)

	env.clock.Advance(2 * time.Second)
	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.pins.Len())
}

func TestRetryFailedRequeuesWithFreshBudget(t *testing.T) {
	env := newQueueEnv(t, nil)
	env.blobs.alwaysFail = errors.New("connection reset by peer")
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)
	for range MaxUploadAttempts {
		_, err = env.queue.ProcessNext(ctx)
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
	}
	require.Equal(t, 0, env.queueLen(t))

	env.blobs.alwaysFail = nil
	n, err := env.queue.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := env.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, models.JobPending, pending[0].State)

	_, err = env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	_, ok := env.pins.Get(job.ID)
	assert.True(t, ok)
}

func TestCancelPendingJob(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)

	require.NoError(t, env.queue.Cancel(ctx, job.ID))
	assert.Equal(t, 0, env.queueLen(t))
	assert.True(t, utils.FileExists(job.SourcePath))

	assert.ErrorIs(t, env.queue.Cancel(ctx, job.ID), apperrors.ErrNotFound)
}

func TestCancelRejectedOnceUploading(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)
	job.State = models.JobUploading
	require.NoError(t, env.jobs.Update(ctx, job))

	assert.ErrorIs(t, env.queue.Cancel(ctx, job.ID), apperrors.ErrNotCancellable)
	assert.Equal(t, 1, env.queueLen(t))
}

// blockingTranscoder holds the job in Compressing until released.
type blockingTranscoder struct {
	started chan struct{}
	release chan struct{}
	out     string
	err     error
}

func (b *blockingTranscoder) Transcode(ctx context.Context, sourcePath string) (string, error) {
	close(b.started)
	<-b.release
	return b.out, b.err
}

func TestCancelDuringCompressionIsDeferred(t *testing.T) {
	bt := &blockingTranscoder{started: make(chan struct{}), release: make(chan struct{})}
	env := newQueueEnv(t, bt)
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)
	bt.out = writeSparse(t, env.dir, "compressed.mp4", 1<<10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.queue.ProcessNext(ctx)
		assert.NoError(t, err)
	}()

	<-bt.started
	current, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompressing, current.State)

	require.NoError(t, env.queue.Cancel(ctx, job.ID))
	close(bt.release)
	wg.Wait()

	uploads, _ := env.blobs.counts()
	assert.Zero(t, uploads, "nothing is uploaded for a cancelled job")
	assert.Equal(t, 0, env.queueLen(t))
	assert.Zero(t, env.pins.Len())
	assert.False(t, utils.FileExists(bt.out), "compressed intermediate is cleaned up")
}

func TestCancelSurvivesFailedCompression(t *testing.T) {
	bt := &blockingTranscoder{
		started: make(chan struct{}),
		release: make(chan struct{}),
		err:     fmt.Errorf("%w: encoder crashed", apperrors.ErrTranscodeFailed),
	}
	env := newQueueEnv(t, bt)
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := env.queue.ProcessNext(ctx)
		assert.NoError(t, err)
	}()

	<-bt.started
	require.NoError(t, env.queue.Cancel(ctx, job.ID))
	close(bt.release)
	wg.Wait()

	stored, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetrying, stored.State)
	assert.True(t, stored.CancelRequested, "the retry bookkeeping keeps the cancel")

	// A restart forgets the in-memory flag; the persisted one still applies.
	env.queue.cancelled = make(map[string]bool)
	env.clock.Advance(time.Minute)
	processed, err := env.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, env.queueLen(t))
	uploads, _ := env.blobs.counts()
	assert.Zero(t, uploads)
}

func TestRecoverResetsInterruptedJobs(t *testing.T) {
	env := newQueueEnv(t, nil)
	ctx := context.Background()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)
	job.State = models.JobUploading
	require.NoError(t, env.jobs.Update(ctx, job))

	n, err := env.queue.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.State)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	env := newQueueEnv(t, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.queue.Run(ctx) }()

	job, err := env.drop(t, 10, 1<<20)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := env.pins.Get(job.ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	env.queue.Resume()
	cancel()
	assert.NoError(t, <-done)
}

// memorySnapshots is an in-memory pin snapshot store.
type memorySnapshots struct {
	mu   sync.Mutex
	pins []models.Pin
	err  error
}

func (m *memorySnapshots) ReplaceAll(ctx context.Context, pins []models.Pin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.pins = append([]models.Pin(nil), pins...)
	return nil
}

func (m *memorySnapshots) GetAll(ctx context.Context) ([]models.Pin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Pin(nil), m.pins...), nil
}

type nopCache struct{}

func (nopCache) Get(string) ([]byte, bool) { return nil, false }
func (nopCache) Put(string, []byte) error  { return nil }
func (nopCache) Remove(string) error       { return nil }
