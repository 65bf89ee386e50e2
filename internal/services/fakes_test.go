package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pindrop-sync/internal/db"
	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// writeSparse creates a file of the given size without writing its bytes.
func writeSparse(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTool struct {
	mu          sync.Mutex
	duration    time.Duration
	probeErr    error
	outputSize  int64
	encodeErr   error
	encodeHook  func()
	frame       []byte
	probeCalls  int
	encodeCalls int
}

func (f *fakeTool) Probe(ctx context.Context, path string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.duration, f.probeErr
}

func (f *fakeTool) Encode(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	f.encodeCalls++
	hook, err, size := f.encodeHook, f.encodeErr, f.outputSize
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	out, createErr := os.Create(dst)
	if createErr != nil {
		return createErr
	}
	defer out.Close()
	return out.Truncate(size)
}

func (f *fakeTool) ExtractFrame(ctx context.Context, src string) ([]byte, error) {
	if f.frame == nil {
		return nil, fmt.Errorf("no frame")
	}
	return f.frame, nil
}

func (f *fakeTool) calls() (probe, encode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeCalls, f.encodeCalls
}

type fakeBlobStore struct {
	mu            sync.Mutex
	objects       map[string][]byte
	uploadErrs    []error
	alwaysFail    error
	uploads       int
	downloads     int
	deleted       []string
	downloadDelay time.Duration
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Upload(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	f.uploads++
	var err error
	switch {
	case f.alwaysFail != nil:
		err = f.alwaysFail
	case len(f.uploadErrs) > 0:
		err, f.uploadErrs = f.uploadErrs[0], f.uploadErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return "", err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("short upload: %d of %d bytes", len(data), size)
	}

	url := "https://storage.googleapis.com/test-bucket/" + objectPath
	f.mu.Lock()
	f.objects[url] = data
	f.mu.Unlock()
	return url, nil
}

func (f *fakeBlobStore) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	delay := f.downloadDelay
	data, ok := f.objects[url]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return data, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, url)
	delete(f.objects, url)
	return nil
}

func (f *fakeBlobStore) put(url string, data []byte) {
	f.mu.Lock()
	f.objects[url] = data
	f.mu.Unlock()
}

func (f *fakeBlobStore) counts() (uploads, downloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads, f.downloads
}

type streamItem struct {
	snap *models.Snapshot
	err  error
}

type fakeStream struct {
	ctx      context.Context
	items    chan streamItem
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeStream(ctx context.Context, items ...streamItem) *fakeStream {
	s := &fakeStream{ctx: ctx, items: make(chan streamItem, len(items)+1), stopped: make(chan struct{})}
	for _, it := range items {
		s.items <- it
	}
	return s
}

func (s *fakeStream) Next() (*models.Snapshot, error) {
	select {
	case it := <-s.items:
		return it.snap, it.err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case <-s.stopped:
		return nil, context.Canceled
	}
}

func (s *fakeStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

type fakePinStore struct {
	mu        sync.Mutex
	pins      map[string]models.Pin
	addErrs   []error
	addCalls  int
	// writeOnError stores the pin even when an error is returned, like a
	// commit that lands remotely but times out locally.
	writeOnError bool
	deleted   []string
	subscribe func(ctx context.Context) SnapshotStream
}

func newFakePinStore() *fakePinStore {
	return &fakePinStore{pins: make(map[string]models.Pin)}
}

func (f *fakePinStore) Subscribe(ctx context.Context) SnapshotStream {
	if f.subscribe != nil {
		return f.subscribe(ctx)
	}
	return newFakeStream(ctx)
}

func (f *fakePinStore) AddPin(ctx context.Context, pin *models.Pin) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if len(f.addErrs) > 0 {
		err := f.addErrs[0]
		f.addErrs = f.addErrs[1:]
		if f.writeOnError {
			f.pins[pin.ID] = *pin
		}
		return "", err
	}
	f.pins[pin.ID] = *pin
	return pin.ID, nil
}

func (f *fakePinStore) DeletePin(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.pins, id)
	return nil
}

func (f *fakePinStore) GetPin(ctx context.Context, id string) (*models.Pin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pins[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &p, nil
}

type fakeIdentity struct {
	mu        sync.Mutex
	userID    string
	refreshes int
}

func (f *fakeIdentity) CurrentUserID() (string, bool) {
	return f.userID, f.userID != ""
}

func (f *fakeIdentity) RefreshToken(ctx context.Context) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	return nil
}

// testPin returns a committed pin owned by owner.
func testPin(id, owner string, created time.Time) models.Pin {
	return models.Pin{
		ID:         id,
		Coordinate: models.Coordinate{Lat: 51.5074, Lon: -0.1278},
		Category:   models.CategoryVerbal,
		VideoURL:   "https://storage.googleapis.com/test-bucket/videos/" + id + ".mp4",
		OwnerID:    owner,
		CreatedAt:  created,
	}
}

// pinData is the remote record shape of p.
func pinData(p models.Pin) map[string]any {
	return map[string]any{
		"id":           p.ID,
		"latitude":     p.Coordinate.Lat,
		"longitude":    p.Coordinate.Lon,
		"incidentType": string(p.Category),
		"videoURL":     p.VideoURL,
		"userId":       p.OwnerID,
		"createdAt":    p.CreatedAt,
	}
}
