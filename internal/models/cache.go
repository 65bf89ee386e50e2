package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CacheEntry describes one blob held in the disk tier.
type CacheEntry struct {
	Key       string
	Path      string
	Size      int64
	Checksum  string
	CreatedAt time.Time
}

// CacheStats summarizes cache occupancy.
type CacheStats struct {
	Entries       int       `json:"entries"`
	TotalBytes    int64     `json:"totalBytes"`
	MaxBytes      int64     `json:"maxBytes"`
	MemoryEntries int       `json:"memoryEntries"`
	MemoryBytes   int64     `json:"memoryBytes"`
	OldestEntry   time.Time `json:"oldestEntry,omitzero"`
}

// CacheKeyFor derives the stable cache key for a remote blob URL.
func CacheKeyFor(remoteURL string) string {
	sum := sha256.Sum256([]byte(remoteURL))
	return hex.EncodeToString(sum[:])
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
