package utils

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ConfinedPath resolves path against root and returns its absolute, symlink
// free form. Relative paths are taken relative to root. Anything that
// resolves outside root is rejected.
func ConfinedPath(root, path string) (string, error) {
	if root == "" {
		return "", errors.New("no media directory configured")
	}
	if path == "" {
		return "", errors.New("empty path")
	}

	base, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	base, err = filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("media directory: %w", err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(base, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s is outside the media directory", path)
	}
	return resolved, nil
}
