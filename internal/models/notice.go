package models

import "time"

type NoticeLevel string

const (
	// NoticeTransient is dismissible and informational.
	NoticeTransient NoticeLevel = "transient"
	// NoticePersistent stays until the user acts on it.
	NoticePersistent NoticeLevel = "persistent"
	// NoticeBlocking reports a condition the engine cannot recover from.
	NoticeBlocking NoticeLevel = "blocking"
)

type Notice struct {
	ID        string      `json:"id"`
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	JobID     string      `json:"jobId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}
