package services

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"pindrop-sync/internal/utils"
)

// FFmpeg runs the ffprobe and ffmpeg binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Probe returns the container duration of the media file at path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := run(cmd)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return utils.ParseProbeDuration(string(out))
}

// Encode re-encodes src to an H.264/AAC mp4 at dst, with the moov atom up
// front for progressive playback.
func (f *FFmpeg) Encode(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-y",
		"-v", "error",
		"-i", src,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "28",
		"-maxrate", "2M",
		"-bufsize", "4M",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dst,
	)

	if _, err := run(cmd); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w", err)
	}
	return nil
}

// ExtractFrame returns a PNG of the frame one second into src, or the
// first frame for shorter clips.
func (f *FFmpeg) ExtractFrame(ctx context.Context, src string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-ss", "1",
		"-i", src,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	out, err := run(cmd)
	if err == nil && len(out) > 0 {
		return out, nil
	}

	cmd = exec.CommandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-i", src,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	out, err = run(cmd)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame extraction failed: %w", err)
	}
	return out, nil
}

func run(cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
