package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	apperrors "pindrop-sync/internal/errors"
	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/utils"
)

const (
	MaxVideoDuration           = 180 * time.Second
	MaxVideoBytes        int64 = 100 << 20
	DefaultEncodeTimeout       = 10 * time.Minute
)

// VideoTranscoder validates a recording and re-encodes it for upload.
type VideoTranscoder struct {
	tool          MediaTool
	workDir       string
	encodeTimeout time.Duration
	logger        *slog.Logger
}

func NewVideoTranscoder(tool MediaTool, workDir string, logger *slog.Logger) *VideoTranscoder {
	return &VideoTranscoder{
		tool:          tool,
		workDir:       workDir,
		encodeTimeout: DefaultEncodeTimeout,
		logger:        logging.Component(logger, "transcoder"),
	}
}

// Transcode returns the path of the file to upload. Size and duration limits
// are checked before any encoding. When the encode does not shrink the file
// the source path itself is returned.
//
// The encoder is not interrupted by ctx; a cancellation is reported once the
// encode has returned.
func (t *VideoTranscoder) Transcode(ctx context.Context, sourcePath string) (string, error) {
	size, err := utils.FileSize(sourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: source media: %v", apperrors.ErrInvalidInput, err)
	}
	if size > MaxVideoBytes {
		return "", fmt.Errorf("%w: %d bytes", apperrors.ErrMediaTooLarge, size)
	}
	if ctx.Err() != nil {
		return "", apperrors.ErrTranscodeCancelled
	}

	duration, err := t.tool.Probe(ctx, sourcePath)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.ErrTranscodeCancelled
		}
		return "", fmt.Errorf("%w: probe: %v", apperrors.ErrTranscodeFailed, err)
	}
	if duration > MaxVideoDuration {
		return "", fmt.Errorf("%w: %s", apperrors.ErrMediaTooLong, duration)
	}
	if ctx.Err() != nil {
		return "", apperrors.ErrTranscodeCancelled
	}

	if err := os.MkdirAll(t.workDir, 0o700); err != nil {
		return "", fmt.Errorf("%w: transcode dir: %v", apperrors.ErrStorageUnwritable, err)
	}
	dst := filepath.Join(t.workDir, uuid.NewString()+".mp4")

	encodeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.encodeTimeout)
	defer cancel()

	start := time.Now()
	err = t.tool.Encode(encodeCtx, sourcePath, dst)
	if err != nil {
		_ = utils.RemoveIfExists(dst)
		if ctx.Err() != nil {
			return "", apperrors.ErrTranscodeCancelled
		}
		if errors.Is(encodeCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: encode timed out after %s", apperrors.ErrTranscodeFailed, t.encodeTimeout)
		}
		return "", fmt.Errorf("%w: %v", apperrors.ErrTranscodeFailed, err)
	}
	if ctx.Err() != nil {
		_ = utils.RemoveIfExists(dst)
		return "", apperrors.ErrTranscodeCancelled
	}

	outSize, err := utils.FileSize(dst)
	if err != nil {
		return "", fmt.Errorf("%w: encoded output: %v", apperrors.ErrTranscodeFailed, err)
	}
	if outSize >= size {
		_ = utils.RemoveIfExists(dst)
		t.logger.Info("encode did not shrink video, keeping original", "source", sourcePath, "size", size, "encoded", outSize)
		return sourcePath, nil
	}

	t.logger.Info("video transcoded", "source", sourcePath, "size", size, "encoded", outSize, "took", time.Since(start))
	return dst, nil
}
