package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrPathTraversal indicates a path escapes its allowed root.
	ErrPathTraversal = errors.New("path escapes allowed root")
)

// ContainedPath resolves path for a remote request. With an empty root any
// path is accepted and made absolute. Otherwise a relative path is taken
// relative to root, and the result must not leave root.
func ContainedPath(path, root string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrEmptyPath
	}
	if root == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolving path: %w", err)
		}
		return abs, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving allowed root: %w", err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absRoot, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return abs, nil
}
