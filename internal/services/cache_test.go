package services

import (
	"bytes"
	"context"
	"os"
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
	"pindrop-sync/internal/repositories/cacheindex"
)

type cacheEnv struct {
	cache   *BlobCache
	index   *cacheindex.SQLiteRepository
	metrics *metrics.EngineMetrics
	clock   *fakeClock
	cfg     BlobCacheConfig
}

func newCacheEnv(t *testing.T, cfg BlobCacheConfig) *cacheEnv {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "cache")
	}
	index := cacheindex.NewSQLiteRepository(newTestDB(t))
	m := metrics.NewUnregistered()

	c, err := NewBlobCache(context.Background(), cfg, index, m, logging.Discard())
	require.NoError(t, err)

	clock := newFakeClock()
	c.now = clock.Now
	return &cacheEnv{cache: c, index: index, metrics: m, clock: clock, cfg: cfg}
}

func entryPath(t *testing.T, c *BlobCache, key string) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	de, ok := c.entries[key]
	require.True(t, ok, "no cache entry for %q", key)
	return de.entry.Path
}

func blob(size int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, size)
}

func TestBlobCachePutGetBothTiers(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	data := []byte("not really an mp4 but close enough")
	key := models.CacheKeyFor("https://storage.googleapis.com/b/videos/1.mp4")

	require.NoError(t, env.cache.Put(key, data))

	got, ok := env.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheHits.WithLabelValues("memory")))

	env.cache.PurgeMemory()
	got, ok = env.cache.Get(key)
	require.True(t, ok)
	assert.Equal(t, data, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheHits.WithLabelValues("disk")))

	_, ok = env.cache.Get(models.CacheKeyFor("https://example.com/missing.mp4"))
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheMisses))
}

func TestBlobCacheReturnedBytesAreCopies(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	require.NoError(t, env.cache.Put("k", []byte("abc")))

	got, ok := env.cache.Get("k")
	require.True(t, ok)
	got[0] = 'z'

	again, ok := env.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), again)
}

func TestBlobCacheEvictsOldestFirst(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{MaxBytes: 1000, SafetyMargin: 100, MemoryMaxBytes: 1000})

	require.NoError(t, env.cache.Put("a", blob(400, 'a')))
	aPath := entryPath(t, env.cache, "a")
	env.clock.Advance(time.Minute)
	require.NoError(t, env.cache.Put("b", blob(400, 'b')))
	env.clock.Advance(time.Minute)
	require.NoError(t, env.cache.Put("c", blob(300, 'c')))

	_, ok := env.cache.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = env.cache.Get("b")
	assert.True(t, ok)
	_, ok = env.cache.Get("c")
	assert.True(t, ok)

	stats := env.cache.Stats()
	assert.Equal(t, int64(700), stats.TotalBytes)
	assert.LessOrEqual(t, stats.TotalBytes, stats.MaxBytes)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheEvictions.WithLabelValues("size")))

	_, err := os.Stat(aPath)
	assert.True(t, os.IsNotExist(err))

	rows, err := env.index.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestBlobCacheTotalNeverExceedsCeiling(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{MaxBytes: 1000, SafetyMargin: 100, MemoryMaxBytes: 200})

	for i := range 20 {
		env.clock.Advance(time.Second)
		require.NoError(t, env.cache.Put(string(rune('a'+i)), blob(150+i*10, byte(i))))
		assert.LessOrEqual(t, env.cache.Stats().TotalBytes, int64(1000))
	}

	stats := env.cache.Stats()
	assert.LessOrEqual(t, stats.MemoryBytes, int64(200))
}

func TestBlobCacheSkipsEntriesBeingRead(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{MaxBytes: 1000, SafetyMargin: 100})

	require.NoError(t, env.cache.Put("a", blob(400, 'a')))
	env.clock.Advance(time.Minute)
	require.NoError(t, env.cache.Put("b", blob(400, 'b')))
	env.clock.Advance(time.Minute)

	// Pin "a" as if a reader were mid-read.
	env.cache.mu.Lock()
	env.cache.entries["a"].readers++
	env.cache.mu.Unlock()

	require.NoError(t, env.cache.Put("c", blob(300, 'c')))

	env.cache.mu.Lock()
	_, aPresent := env.cache.entries["a"]
	_, bPresent := env.cache.entries["b"]
	env.cache.entries["a"].readers--
	env.cache.mu.Unlock()

	assert.True(t, aPresent)
	assert.False(t, bPresent)
}

func TestBlobCacheRejectsOversizedEntries(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{MaxBytes: 1000, SafetyMargin: 100})

	err := env.cache.Put("big", blob(901, 'x'))
	assert.ErrorIs(t, err, apperrors.ErrEntryTooLarge)

	err = env.cache.Put("../escape", []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBlobCacheDropsCorruptEntries(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	require.NoError(t, env.cache.Put("k", []byte("original payload")))
	env.cache.PurgeMemory()

	require.NoError(t, os.WriteFile(entryPath(t, env.cache, "k"), []byte("tampered payload"), 0o600))

	_, ok := env.cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, env.cache.Stats().Entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheEvictions.WithLabelValues("corrupt")))
}

func TestBlobCacheOverwriteLastWriteWins(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	require.NoError(t, env.cache.Put("k", blob(10, 'a')))
	require.NoError(t, env.cache.Put("k", blob(20, 'b')))

	got, ok := env.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, blob(20, 'b'), got)
	assert.Equal(t, int64(20), env.cache.Stats().TotalBytes)
}

func TestBlobCacheConcurrentPutsSameKey(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.cache.Put("k", blob(64, byte('a'+i))))
		}()
	}
	wg.Wait()

	got, ok := env.cache.Get("k")
	require.True(t, ok)
	require.Len(t, got, 64)
	assert.Equal(t, blob(64, got[0]), got, "payload must come from a single write")
	assert.Equal(t, int64(64), env.cache.Stats().TotalBytes)
}

func TestBlobCacheSweepRemovesExpired(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{Retention: 7 * 24 * time.Hour})

	require.NoError(t, env.cache.Put("old", []byte("old")))
	env.clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, env.cache.Put("new", []byte("new")))

	n, err := env.cache.Sweep(env.clock.Now().Add(24*time.Hour + time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := env.cache.Get("old")
	assert.False(t, ok)
	_, ok = env.cache.Get("new")
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheEvictions.WithLabelValues("age")))
}

func TestBlobCacheReloadsIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	conn := newTestDB(t)
	index := cacheindex.NewSQLiteRepository(conn)
	ctx := context.Background()

	first, err := NewBlobCache(ctx, BlobCacheConfig{Dir: dir}, index, nil, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, first.Put("kept", []byte("kept")))
	require.NoError(t, first.Put("lost", []byte("lost")))
	require.NoError(t, os.Remove(entryPath(t, first, "lost")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tempFilePrefix+"123"), []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.1"), []byte("unindexed"), 0o600))

	second, err := NewBlobCache(ctx, BlobCacheConfig{Dir: dir}, index, nil, logging.Discard())
	require.NoError(t, err)

	got, ok := second.Get("kept")
	require.True(t, ok)
	assert.Equal(t, []byte("kept"), got)
	_, ok = second.Get("lost")
	assert.False(t, ok)
	assert.Equal(t, 1, second.Stats().Entries)

	_, err = os.Stat(filepath.Join(dir, tempFilePrefix+"123"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "orphan.1"))
	assert.True(t, os.IsNotExist(err))
}

func TestBlobCacheOverwriteRemovesSupersededFile(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	require.NoError(t, env.cache.Put("k", blob(10, 'a')))
	oldPath := entryPath(t, env.cache, "k")
	require.NoError(t, env.cache.Put("k", blob(20, 'b')))

	assert.NotEqual(t, oldPath, entryPath(t, env.cache, "k"))
	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))

	files, err := os.ReadDir(env.cfg.Dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestBlobCacheLateDiscardKeepsNewerWrite(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	ctx := context.Background()

	require.NoError(t, env.cache.Put("k", blob(10, 'a')))
	env.cache.mu.Lock()
	stale := *env.cache.entries["k"]
	env.cache.mu.Unlock()

	require.NoError(t, env.cache.Put("k", blob(20, 'b')))

	// An eviction and a failed verification of the old generation that
	// finish only after the rewrite.
	require.NoError(t, env.cache.discard([]models.CacheEntry{stale.entry}, "size"))
	env.cache.dropIfCurrent("k", stale.gen, "corrupt")

	env.cache.PurgeMemory()
	got, ok := env.cache.Get("k")
	require.True(t, ok, "the newer write must still be on disk")
	assert.Equal(t, blob(20, 'b'), got)

	rows, err := env.index.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, entryPath(t, env.cache, "k"), rows[0].Path)
}

func TestBlobCacheConcurrentPutsKeepDiskAndIndexInStep(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{MaxBytes: 2000, SafetyMargin: 100, MemoryMaxBytes: 500})
	keys := []string{"a", "b", "c", "d", "e"}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 40 {
				key := keys[(w+i)%len(keys)]
				assert.NoError(t, env.cache.Put(key, blob(300+w*10, byte(w))))
				if _, ok := env.cache.Get(keys[i%len(keys)]); ok && i%7 == 0 {
					_, _ = env.cache.Sweep(env.clock.Now())
				}
			}
		}()
	}
	wg.Wait()

	rows, err := env.index.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, env.cache.Stats().Entries)
	for _, row := range rows {
		assert.Equal(t, entryPath(t, env.cache, row.Key), row.Path)
		info, err := os.Stat(row.Path)
		require.NoError(t, err, "indexed payload for %q must exist", row.Key)
		assert.Equal(t, row.Size, info.Size())
	}

	env.cache.PurgeMemory()
	for _, row := range rows {
		_, ok := env.cache.Get(row.Key)
		assert.True(t, ok, "entry %q must be served from disk", row.Key)
	}
	assert.LessOrEqual(t, env.cache.Stats().TotalBytes, int64(2000))
}

func TestBlobCacheRemove(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{})
	require.NoError(t, env.cache.Put("k", []byte("data")))
	require.NoError(t, env.cache.Remove("k"))
	require.NoError(t, env.cache.Remove("k"))

	_, ok := env.cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), env.cache.Stats().TotalBytes)
}

func TestBlobCacheRunStopsWithContext(t *testing.T) {
	env := newCacheEnv(t, BlobCacheConfig{SweepInterval: time.Millisecond})
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.cache.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done
}
