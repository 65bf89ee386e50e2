package services

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/metrics"
	"pindrop-sync/internal/models"
	"pindrop-sync/internal/repositories/cacheindex"
)

const (
	DefaultCacheMaxBytes      int64 = 500 << 20
	DefaultCacheSafetyMargin  int64 = 10 << 20
	DefaultCacheRetention           = 7 * 24 * time.Hour
	DefaultCacheSweepInterval       = time.Hour

	keyLockStripes = 64
	tempFilePrefix = ".tmp-"
)

type BlobCacheConfig struct {
	Dir            string
	MaxBytes       int64
	MemoryMaxBytes int64
	SafetyMargin   int64
	Retention      time.Duration
	SweepInterval  time.Duration
}

type diskEntry struct {
	entry   models.CacheEntry
	gen     uint64
	readers int
}

type memItem struct {
	data    []byte
	gen     uint64
	created time.Time
}

// BlobCache is a two-tier blob cache. The disk tier is authoritative and
// bounded by MaxBytes; the memory tier only ever holds a subset of it.
//
// Every write of a key gets a fresh generation and its own payload file, so
// removing a superseded generation never touches the current one.
type BlobCache struct {
	cfg     BlobCacheConfig
	index   cacheindex.Repository
	metrics *metrics.EngineMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]*diskEntry
	total    int64
	reserved int64
	nextGen  uint64

	mem   *gocache.Cache
	memMu sync.Mutex

	keyLocks [keyLockStripes]sync.Mutex
}

// NewBlobCache opens the cache in cfg.Dir and loads its persisted index.
// Index rows whose payload is missing or has the wrong size are dropped.
func NewBlobCache(ctx context.Context, cfg BlobCacheConfig, index cacheindex.Repository, m *metrics.EngineMetrics, logger *slog.Logger) (*BlobCache, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultCacheMaxBytes
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin >= cfg.MaxBytes {
		cfg.SafetyMargin = min(DefaultCacheSafetyMargin, cfg.MaxBytes/10)
	}
	if cfg.MemoryMaxBytes < 0 || cfg.MemoryMaxBytes > cfg.MaxBytes {
		cfg.MemoryMaxBytes = cfg.MaxBytes
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultCacheRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultCacheSweepInterval
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", apperrors.ErrStorageUnwritable, err)
	}

	c := &BlobCache{
		cfg:     cfg,
		index:   index,
		metrics: m,
		logger:  logging.Component(logger, "blob_cache"),
		now:     time.Now,
		entries: make(map[string]*diskEntry),
		// Generations stay unique across restarts.
		nextGen: uint64(time.Now().UnixNano()),
		// No janitor: expired items are purged by Sweep.
		mem: gocache.New(cfg.Retention, 0),
	}

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *BlobCache) load(ctx context.Context) error {
	rows, err := c.index.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	live := make(map[string]bool, len(rows))
	for _, e := range rows {
		info, statErr := os.Stat(e.Path)
		if statErr != nil || info.Size() != e.Size {
			c.logger.Warn("dropping stale cache entry", "key", e.Key, "error", statErr)
			if err := c.index.Delete(ctx, e.Key); err != nil {
				return fmt.Errorf("failed to drop stale cache entry: %w", err)
			}
			continue
		}
		c.nextGen++
		c.entries[e.Key] = &diskEntry{entry: e, gen: c.nextGen}
		c.total += e.Size
		live[filepath.Clean(e.Path)] = true
	}

	// Leftovers from interrupted writes and payloads no row points at.
	if files, err := os.ReadDir(c.cfg.Dir); err == nil {
		for _, f := range files {
			path := filepath.Join(c.cfg.Dir, f.Name())
			if f.Type().IsRegular() && !live[path] {
				_ = os.Remove(path)
			}
		}
	}

	c.updateGauges()
	c.logger.Info("blob cache loaded", "entries", len(c.entries), "bytes", c.total)
	return nil
}

// Get returns the blob for key. Memory hits are only served while the disk
// entry they were copied from is still current; disk reads are verified
// against the recorded size and checksum.
func (c *BlobCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	de, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.metrics.CacheMisses.Inc()
		return nil, false
	}
	de.readers++
	entry, gen := de.entry, de.gen
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		de.readers--
		c.mu.Unlock()
	}()

	if v, found := c.mem.Get(key); found {
		if item, ok := v.(memItem); ok && item.gen == gen {
			c.metrics.CacheHits.WithLabelValues("memory").Inc()
			return bytes.Clone(item.data), true
		}
	}

	data, err := os.ReadFile(entry.Path)
	if err != nil || int64(len(data)) != entry.Size || models.Checksum(data) != entry.Checksum {
		c.logger.Warn("cache entry failed verification", "key", key, "error", err)
		c.dropIfCurrent(key, gen, "corrupt")
		c.metrics.CacheMisses.Inc()
		return nil, false
	}

	c.metrics.CacheHits.WithLabelValues("disk").Inc()
	c.remember(key, data, gen, entry.CreatedAt)
	return data, true
}

// Put stores data under key, evicting the oldest unpinned entries first if
// the ceiling would be crossed. Writes to the same key are serialized and
// the last one wins.
func (c *BlobCache) Put(key string, data []byte) error {
	if !validCacheKey(key) {
		return fmt.Errorf("%w: cache key %q", apperrors.ErrInvalidInput, key)
	}
	size := int64(len(data))
	if size > c.cfg.MaxBytes-c.cfg.SafetyMargin {
		return fmt.Errorf("%w: %d bytes", apperrors.ErrEntryTooLarge, size)
	}

	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	victims, err := c.makeRoomLocked(key, size)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.reserved += size
	c.nextGen++
	gen := c.nextGen
	c.mu.Unlock()

	c.discard(victims, "size")

	path := c.payloadPath(key, gen)
	if err := writeFileAtomic(c.cfg.Dir, path, data); err != nil {
		c.release(size)
		return fmt.Errorf("%w: write cache file: %v", apperrors.ErrStorageUnwritable, err)
	}

	entry := models.CacheEntry{
		Key:       key,
		Path:      path,
		Size:      size,
		Checksum:  models.Checksum(data),
		CreatedAt: c.now(),
	}
	// The row lands before the entry becomes visible to eviction.
	if err := c.index.Upsert(context.Background(), entry); err != nil {
		c.release(size)
		_ = os.Remove(path)
		return fmt.Errorf("%w: %v", apperrors.ErrStorageUnwritable, err)
	}

	c.mu.Lock()
	c.reserved -= size
	old, replaced := c.entries[key]
	if replaced {
		c.total -= old.entry.Size
	}
	c.entries[key] = &diskEntry{entry: entry, gen: gen}
	c.total += size
	c.mu.Unlock()

	if replaced {
		if err := os.Remove(old.entry.Path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove superseded cache file", "key", key, "error", err)
		}
	}

	c.remember(key, data, gen, entry.CreatedAt)
	c.updateGauges()
	return nil
}

func (c *BlobCache) release(size int64) {
	c.mu.Lock()
	c.reserved -= size
	c.mu.Unlock()
}

// Remove deletes key from both tiers. Removing a missing key is not an error.
func (c *BlobCache) Remove(key string) error {
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	de, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.total -= de.entry.Size
	}
	c.mu.Unlock()

	c.mem.Delete(key)
	if !ok {
		return nil
	}
	if err := os.Remove(de.entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove cache file: %v", apperrors.ErrStorageUnwritable, err)
	}
	if err := c.index.Delete(context.Background(), key); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStorageUnwritable, err)
	}
	c.updateGauges()
	return nil
}

// Sweep removes entries older than the retention window and returns how
// many were removed. Entries being read are left for the next sweep.
func (c *BlobCache) Sweep(now time.Time) (int, error) {
	c.mem.DeleteExpired()

	c.mu.Lock()
	var victims []models.CacheEntry
	for key, de := range c.entries {
		if de.readers > 0 || now.Sub(de.entry.CreatedAt) <= c.cfg.Retention {
			continue
		}
		victims = append(victims, de.entry)
		delete(c.entries, key)
		c.total -= de.entry.Size
	}
	c.mu.Unlock()

	if err := c.discard(victims, "age"); err != nil {
		return len(victims), err
	}
	if len(victims) > 0 {
		c.logger.Info("swept expired cache entries", "count", len(victims))
	}
	return len(victims), nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (c *BlobCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(c.now()); err != nil {
				c.logger.Error("cache sweep failed", "error", err)
			}
		}
	}
}

// PurgeMemory empties the memory tier. The disk tier is untouched.
func (c *BlobCache) PurgeMemory() {
	c.mem.Flush()
}

func (c *BlobCache) Stats() models.CacheStats {
	c.mu.Lock()
	stats := models.CacheStats{
		Entries:    len(c.entries),
		TotalBytes: c.total,
		MaxBytes:   c.cfg.MaxBytes,
	}
	for _, de := range c.entries {
		if stats.OldestEntry.IsZero() || de.entry.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = de.entry.CreatedAt
		}
	}
	c.mu.Unlock()

	for _, it := range c.mem.Items() {
		if item, ok := it.Object.(memItem); ok {
			stats.MemoryEntries++
			stats.MemoryBytes += int64(len(item.data))
		}
	}
	return stats
}

// makeRoomLocked picks eviction victims so that size more bytes fit under
// the ceiling with the safety margin to spare. Victims are unlinked from the
// index map before returning. c.mu must be held.
func (c *BlobCache) makeRoomLocked(key string, size int64) ([]models.CacheEntry, error) {
	used := c.total + c.reserved
	if old, ok := c.entries[key]; ok {
		used -= old.entry.Size
	}
	if used+size <= c.cfg.MaxBytes {
		return nil, nil
	}

	candidates := make([]*diskEntry, 0, len(c.entries))
	for k, de := range c.entries {
		if k == key || de.readers > 0 {
			continue
		}
		candidates = append(candidates, de)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.CreatedAt.Before(candidates[j].entry.CreatedAt)
	})

	target := c.cfg.MaxBytes - c.cfg.SafetyMargin
	n := 0
	for n < len(candidates) && used+size > target {
		used -= candidates[n].entry.Size
		n++
	}
	if used+size > c.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: not enough evictable space for %d bytes", apperrors.ErrEntryTooLarge, size)
	}

	victims := make([]models.CacheEntry, 0, n)
	for _, de := range candidates[:n] {
		victims = append(victims, de.entry)
		delete(c.entries, de.entry.Key)
		c.total -= de.entry.Size
	}
	return victims, nil
}

// discard deletes payloads and index rows of entries already unlinked from
// the in-memory index. A newer generation of the same key written meanwhile
// has its own file and row, and is left alone.
func (c *BlobCache) discard(victims []models.CacheEntry, reason string) error {
	var firstErr error
	for _, e := range victims {
		c.forgetMemory(e.Key, e.Path)
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("%w: remove cache file: %v", apperrors.ErrStorageUnwritable, err)
		}
		if err := c.index.DeleteIfPath(context.Background(), e.Key, e.Path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %v", apperrors.ErrStorageUnwritable, err)
		}
		c.metrics.CacheEvictions.WithLabelValues(reason).Inc()
		c.logger.Debug("evicted cache entry", "key", e.Key, "reason", reason, "size", e.Size)
	}
	if len(victims) > 0 {
		c.updateGauges()
	}
	return firstErr
}

func (c *BlobCache) dropIfCurrent(key string, gen uint64, reason string) {
	c.mu.Lock()
	de, ok := c.entries[key]
	if !ok || de.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.total -= de.entry.Size
	c.mu.Unlock()

	if err := c.discard([]models.CacheEntry{de.entry}, reason); err != nil {
		c.logger.Error("failed to drop cache entry", "key", key, "error", err)
	}
}

// forgetMemory drops the memory copy of key unless it belongs to a newer
// generation than the payload at path.
func (c *BlobCache) forgetMemory(key, path string) {
	c.mu.Lock()
	de, ok := c.entries[key]
	current := ok && de.entry.Path != path
	c.mu.Unlock()

	if !current {
		c.mem.Delete(key)
	}
}

// remember copies data into the memory tier and trims the tier, oldest
// first, back under MemoryMaxBytes.
func (c *BlobCache) remember(key string, data []byte, gen uint64, created time.Time) {
	if int64(len(data)) > c.cfg.MemoryMaxBytes {
		return
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()

	c.mem.Set(key, memItem{data: bytes.Clone(data), gen: gen, created: created}, gocache.DefaultExpiration)

	type sized struct {
		key     string
		size    int64
		created time.Time
	}
	var (
		items []sized
		total int64
	)
	for k, it := range c.mem.Items() {
		if item, ok := it.Object.(memItem); ok {
			items = append(items, sized{key: k, size: int64(len(item.data)), created: item.created})
			total += int64(len(item.data))
		}
	}
	if total <= c.cfg.MemoryMaxBytes {
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].created.Before(items[j].created) })
	for _, it := range items {
		if total <= c.cfg.MemoryMaxBytes {
			break
		}
		c.mem.Delete(it.key)
		total -= it.size
	}
}

func (c *BlobCache) updateGauges() {
	c.mu.Lock()
	entries, total := len(c.entries), c.total
	c.mu.Unlock()

	c.metrics.CacheEntries.Set(float64(entries))
	c.metrics.CacheBytes.Set(float64(total))
}

func (c *BlobCache) payloadPath(key string, gen uint64) string {
	return filepath.Join(c.cfg.Dir, key+"."+strconv.FormatUint(gen, 36))
}

func (c *BlobCache) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.keyLocks[h.Sum32()%keyLockStripes]
}

func validCacheKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, `/\`) && key != "." && key != ".." && !strings.HasPrefix(key, tempFilePrefix)
}

// writeFileAtomic writes data to a temp file in dir and renames it over path.
func writeFileAtomic(dir, path string, data []byte) error {
	f, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
