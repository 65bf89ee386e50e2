package services

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/models"
)

const maxNotices = 100

// NoticeBoard keeps the notices shown to the user, newest last.
type NoticeBoard struct {
	mu      sync.Mutex
	notices []models.Notice
	logger  *slog.Logger
	now     func() time.Time
}

func NewNoticeBoard(logger *slog.Logger) *NoticeBoard {
	return &NoticeBoard{
		logger: logging.Component(logger, "notices"),
		now:    time.Now,
	}
}

// Post records a notice. The oldest non-blocking notice is dropped once the
// board is full.
func (b *NoticeBoard) Post(level models.NoticeLevel, message, jobID string) models.Notice {
	n := models.Notice{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		JobID:     jobID,
		CreatedAt: b.now(),
	}

	b.mu.Lock()
	if len(b.notices) >= maxNotices {
		for i, old := range b.notices {
			if old.Level != models.NoticeBlocking {
				b.notices = append(b.notices[:i], b.notices[i+1:]...)
				break
			}
		}
	}
	b.notices = append(b.notices, n)
	b.mu.Unlock()

	b.logger.Info("notice posted", "level", level, "message", message, "job_id", jobID)
	return n
}

// List returns a copy of the current notices.
func (b *NoticeBoard) List() []models.Notice {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Notice, len(b.notices))
	copy(out, b.notices)
	return out
}

// Dismiss removes a notice. Blocking notices stay until restart.
func (b *NoticeBoard) Dismiss(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, n := range b.notices {
		if n.ID != id {
			continue
		}
		if n.Level == models.NoticeBlocking {
			return fmt.Errorf("%w: blocking notices cannot be dismissed", apperrors.ErrInvalidInput)
		}
		b.notices = append(b.notices[:i], b.notices[i+1:]...)
		return nil
	}
	return apperrors.ErrNotFound
}

// Blocked reports whether a blocking notice is active.
func (b *NoticeBoard) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, n := range b.notices {
		if n.Level == models.NoticeBlocking {
			return true
		}
	}
	return false
}
