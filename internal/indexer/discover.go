package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/ignore"
)

// file is a discovered document. Rel uses forward slashes.
type file struct {
	rel  string
	abs  string
	size int64
}

// validateRoot cleans root and checks that it is a directory.
func validateRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: path cannot be empty", ErrInvalidRoot)
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: path does not exist: %s", ErrInvalidRoot, abs)
		}
		return "", fmt.Errorf("%w: stat %s: %v", ErrInvalidRoot, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: path must be a directory: %s", ErrInvalidRoot, abs)
	}
	return abs, nil
}

// matcher builds the ignore matcher for root.
func (p *Pipeline) matcher(root string) (*ignore.Matcher, error) {
	parser, err := ignore.NewParser(p.cfg.IgnoreFiles, p.cfg.Include, p.cfg.Exclude)
	if err != nil {
		return nil, err
	}
	return parser.ParseProject(root)
}

func (p *Pipeline) supported(rel string) bool {
	return slices.Contains(p.cfg.Extensions, strings.ToLower(filepath.Ext(rel)))
}

// discover walks root and returns eligible documents sorted by path, plus
// the paths of documents skipped for size. Unreadable directories are
// reported as warnings and skipped.
func (p *Pipeline) discover(ctx context.Context, root string, m *ignore.Matcher) (files []file, oversize []string, warnings []string, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			warnings = append(warnings, fmt.Sprintf("skipping %s: %v", path, walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if m.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !p.supported(rel) || m.Ignored(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping %s: %v", rel, err))
			return nil
		}
		if info.Size() > p.cfg.MaxFileSize {
			p.logger.Debug("file exceeds max size",
				zap.String("path", rel),
				zap.Int64("size", info.Size()),
				zap.Int64("max_file_size", p.cfg.MaxFileSize),
			)
			oversize = append(oversize, rel)
			return nil
		}
		files = append(files, file{rel: rel, abs: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, warnings, fmt.Errorf("walking %s: %w", root, err)
	}
	slices.SortFunc(files, func(a, b file) int { return strings.Compare(a.rel, b.rel) })
	return files, oversize, warnings, nil
}

// relative resolves path, absolute or relative to root, into a
// slash-separated path inside root.
func relative(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}
