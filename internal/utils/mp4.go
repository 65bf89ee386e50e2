package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseProbeDuration parses the duration printed by
// `ffprobe -show_entries format=duration -of default=noprint_wrappers=1:nokey=1`.
// It tolerates a "duration=" prefix and surrounding noise lines.
func ParseProbeDuration(output string) (time.Duration, error) {
	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "duration=")
		if line == "" || line == "N/A" {
			continue
		}
		seconds, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		if seconds < 0 {
			return 0, fmt.Errorf("negative duration %q", line)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("no duration found in ffprobe output: %q", output)
}

// FileSize returns the size of the file at path.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

// RemoveIfExists deletes path, ignoring a missing file.
func RemoveIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists reports whether a regular file exists at path.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
