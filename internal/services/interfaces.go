package services

import (
	"context"
	"io"
	"time"

	"pindrop-sync/internal/models"
)

// IdentityProvider exposes the signed-in user. The auth protocol itself lives
// outside the engine.
type IdentityProvider interface {
	CurrentUserID() (string, bool)
	RefreshToken(ctx context.Context) error
}

// BlobStore holds uploaded video and thumbnail objects.
type BlobStore interface {
	// Upload stores size bytes from r under objectPath and returns the
	// object's absolute URL.
	Upload(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// SnapshotStream delivers remote change batches until stopped.
type SnapshotStream interface {
	Next() (*models.Snapshot, error)
	Stop()
}

// PinStore is the remote realtime pin collection.
type PinStore interface {
	Subscribe(ctx context.Context) SnapshotStream
	AddPin(ctx context.Context, pin *models.Pin) (string, error)
	DeletePin(ctx context.Context, id string) error
	GetPin(ctx context.Context, id string) (*models.Pin, error)
}

// Transcoder turns a source recording into the file that gets uploaded.
type Transcoder interface {
	Transcode(ctx context.Context, sourcePath string) (string, error)
}

// MediaTool wraps the external media binaries.
type MediaTool interface {
	Probe(ctx context.Context, path string) (time.Duration, error)
	Encode(ctx context.Context, src, dst string) error
	ExtractFrame(ctx context.Context, src string) ([]byte, error)
}

// PlaceResolver maps a coordinate to a human readable place name.
type PlaceResolver interface {
	ReverseGeocode(ctx context.Context, c models.Coordinate) (string, error)
}

// Thumbnailer renders a poster image for a video file.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoPath string) ([]byte, error)
}

// Notifier posts user-visible notices.
type Notifier interface {
	Post(level models.NoticeLevel, message, jobID string) models.Notice
}

// PinReader is the read side of the local pin set.
type PinReader interface {
	All() []models.Pin
	Get(id string) (models.Pin, bool)
	Filter(f models.PinFilter) []models.Pin
	Len() int
}

// PinWriter mutates the local pin set. Only the upload queue and the sync
// reconciler hold one.
type PinWriter interface {
	Upsert(pin models.Pin)
	Remove(id string) bool
	ReplaceAll(pins []models.Pin)
}

// PinSet is a local pin set that can be both read and written.
type PinSet interface {
	PinReader
	PinWriter
}

// BlobCacher is the playback cache seen by its consumers.
type BlobCacher interface {
	Get(key string) ([]byte, bool)
	Put(key string, data []byte) error
	Remove(key string) error
}

// Enqueuer accepts new upload jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.UploadJob) error
}

// SnapshotApplier merges a change batch into local state.
type SnapshotApplier interface {
	Apply(ctx context.Context, snap models.Snapshot) error
}
