package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type JobState string

const (
	JobPending     JobState = "pending"
	JobCompressing JobState = "compressing"
	JobUploading   JobState = "uploading"
	JobCommitting  JobState = "committing"
	JobRetrying    JobState = "retrying"
	JobDone        JobState = "done"
	JobFailed      JobState = "failed"
)

// InFlight reports whether a worker was executing a stage in this state.
func (s JobState) InFlight() bool {
	return s == JobCompressing || s == JobUploading || s == JobCommitting
}

// UploadJob is one pending video upload, from media selection to committed pin.
// The job ID doubles as the pin ID.
type UploadJob struct {
	ID              string     `json:"id"`
	SourcePath      string     `json:"sourcePath"`
	Coordinate      Coordinate `json:"coordinate"`
	Category        Category   `json:"category"`
	OwnerID         string     `json:"ownerId"`
	DeviceID        string     `json:"deviceId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	RetryCount      int        `json:"retryCount"`
	LastError       string     `json:"lastError,omitempty"`
	State           JobState   `json:"state"`
	NextAttemptAt   time.Time  `json:"nextAttemptAt,omitzero"`
	VideoURL        string     `json:"videoURL,omitempty"`
	ThumbnailURL    string     `json:"thumbnailURL,omitempty"`
	CancelRequested bool       `json:"cancelRequested,omitempty"`
}

// ContentKey identifies the job by what it uploads rather than by attempt,
// so the same recording lands in the failed store only once.
func (j UploadJob) ContentKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%.7f|%.7f|%s|%s", j.SourcePath, j.Coordinate.Lat, j.Coordinate.Lon, j.Category, j.OwnerID)
	return hex.EncodeToString(h.Sum(nil))
}

// Pin builds the pin this job commits.
func (j UploadJob) Pin(placeName string) Pin {
	return Pin{
		ID:           j.ID,
		Coordinate:   j.Coordinate,
		Category:     j.Category,
		VideoURL:     j.VideoURL,
		ThumbnailURL: j.ThumbnailURL,
		OwnerID:      j.OwnerID,
		DeviceID:     j.DeviceID,
		PlaceName:    placeName,
		CreatedAt:    j.CreatedAt,
	}
}

// FailedUpload is a job that exhausted its retries and awaits manual retry.
type FailedUpload struct {
	ContentKey string    `json:"contentKey"`
	Job        UploadJob `json:"job"`
	FailedAt   time.Time `json:"failedAt"`
}
