// Package watch keeps the index in sync with a documentation tree by
// re-indexing documents as they change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// ErrWatcherFailed indicates the filesystem watcher could not be set up.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Indexer is the part of the pipeline the watcher drives.
// *indexer.Pipeline implements it.
type Indexer interface {
	IndexFile(ctx context.Context, root, path string) (*indexer.Report, error)
	RemoveFile(ctx context.Context, root, path string) (int, error)
	IndexDirectory(ctx context.Context, root string, opts indexer.Options) (*indexer.Report, error)
}

// Config controls the watcher.
type Config struct {
	// Debounce is how long the tree must be quiet before pending changes
	// are applied (default 500ms).
	Debounce time.Duration

	// IgnoreFiles are ignore-file names whose change triggers a full
	// rescan (default .gitignore and .docindexignore).
	IgnoreFiles []string
}

type action int

const (
	actionIndex action = iota
	actionRemove
)

// Watcher applies filesystem changes under root to the index.
type Watcher struct {
	root     string
	idx      Indexer
	cfg      Config
	fs       *fsnotify.Watcher
	logger   *zap.Logger
	dirs     map[string]bool
	pending  map[string]action
	rescan   bool
	flushes  chan FlushResult
	closeErr error
	once     sync.Once
}

// FlushResult summarizes one batch of applied changes.
type FlushResult struct {
	Rescan  bool
	Indexed []string
	Removed []string
	Errors  []error
}

// New creates a Watcher and registers every directory under root. Changes
// made after New returns are observed once Run is called.
func New(root string, idx Indexer, cfg Config, logger *zap.Logger) (*Watcher, error) {
	if idx == nil {
		return nil, errors.New("indexer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if len(cfg.IgnoreFiles) == 0 {
		cfg.IgnoreFiles = []string{".gitignore", ".docindexignore"}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", indexer.ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", indexer.ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", indexer.ErrInvalidRoot, abs)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	w := &Watcher{
		root:    abs,
		idx:     idx,
		cfg:     cfg,
		fs:      fw,
		logger:  logger,
		dirs:    make(map[string]bool),
		pending: make(map[string]action),
		flushes: make(chan FlushResult, 16),
	}
	if err := w.addTree(abs); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Flushes reports each applied batch. Results are dropped when nobody
// reads them.
func (w *Watcher) Flushes() <-chan FlushResult {
	return w.flushes
}

// Run processes events until ctx is cancelled. Pending changes that have
// not been flushed when ctx ends are dropped. The watcher is closed when
// Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	w.logger.Info("watching for changes",
		zap.String("root", w.root),
		zap.Int("directories", len(w.dirs)),
		zap.Duration("debounce", w.cfg.Debounce),
	)

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.handle(ev) {
				timer.Reset(w.cfg.Debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// Close releases the underlying watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		w.closeErr = w.fs.Close()
	})
	return w.closeErr
}

// handle records ev and reports whether anything became pending.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	path := filepath.Clean(ev.Name)
	base := filepath.Base(path)
	if w.isIgnoreFile(base) {
		w.rescan = true
		return true
	}
	if hidden(base) {
		return false
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// Already gone again.
			w.pending[path] = actionRemove
			return true
		}
		if info.IsDir() {
			if err := w.addTree(path); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", path), zap.Error(err))
			}
			w.rescan = true
			return true
		}
		w.pending[path] = actionIndex
		return true
	case ev.Has(fsnotify.Write):
		w.pending[path] = actionIndex
		return true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.dirs[path] {
			w.forgetTree(path)
			w.rescan = true
			return true
		}
		w.pending[path] = actionRemove
		return true
	}
	return false
}

// flush applies pending changes. A rescan replaces individual changes with
// a pruning, skip-unchanged pass over the whole tree.
func (w *Watcher) flush(ctx context.Context) {
	var res FlushResult
	defer func() {
		w.pending = make(map[string]action)
		w.rescan = false
		select {
		case w.flushes <- res:
		default:
		}
	}()

	if w.rescan {
		res.Rescan = true
		rep, err := w.idx.IndexDirectory(ctx, w.root, indexer.Options{Prune: true, SkipUnchanged: true})
		if err != nil {
			res.Errors = append(res.Errors, err)
			w.logError("rescan failed", w.root, err)
			return
		}
		w.logger.Info("tree rescanned", zap.String("summary", rep.String()))
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		act := w.pending[path]
		if act == actionIndex {
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				act = actionRemove
			}
		}

		switch act {
		case actionIndex:
			rep, err := w.idx.IndexFile(ctx, w.root, path)
			if err != nil {
				res.Errors = append(res.Errors, err)
				w.logError("re-index failed", path, err)
				continue
			}
			if rep.DocumentsSeen > 0 {
				res.Indexed = append(res.Indexed, path)
			}
		case actionRemove:
			n, err := w.idx.RemoveFile(ctx, w.root, path)
			if err != nil {
				res.Errors = append(res.Errors, err)
				w.logError("removal failed", path, err)
				continue
			}
			if n > 0 {
				res.Removed = append(res.Removed, path)
			}
		}
	}
	w.logger.Debug("changes applied",
		zap.Int("indexed", len(res.Indexed)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("errors", len(res.Errors)),
	)
}

func (w *Watcher) logError(msg, path string, err error) {
	if errors.Is(err, vectorstore.ErrStoreUnavailable) {
		w.logger.Error(msg, zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Warn(msg, zap.String("path", path), zap.Error(err))
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("skipping unreadable directory", zap.String("path", path), zap.Error(err))
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if w.dirs[path] {
			return nil
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		w.dirs[path] = true
		return nil
	})
}

// forgetTree drops dir and its descendants. fsnotify removes the watches
// of deleted directories itself.
func (w *Watcher) forgetTree(dir string) {
	prefix := dir + string(filepath.Separator)
	for d := range w.dirs {
		if d == dir || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
}

func (w *Watcher) isIgnoreFile(base string) bool {
	for _, name := range w.cfg.IgnoreFiles {
		if base == name {
			return true
		}
	}
	return false
}

// hidden covers dot directories such as .git and editor swap files.
func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}
