package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
)

const defaultThumbnailWidth = 480

// ImageThumbnailer renders JPEG poster frames.
type ImageThumbnailer struct {
	tool  MediaTool
	width int
}

func NewImageThumbnailer(tool MediaTool, width int) *ImageThumbnailer {
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	return &ImageThumbnailer{tool: tool, width: width}
}

// Thumbnail extracts a frame from videoPath and returns it as a JPEG no
// wider than the configured width.
func (t *ImageThumbnailer) Thumbnail(ctx context.Context, videoPath string) ([]byte, error) {
	frame, err := t.tool.ExtractFrame(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if img.Bounds().Dx() > t.width {
		img = imaging.Resize(img, t.width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
