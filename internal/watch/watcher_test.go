package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/chunking"
	"github.com/fyrsmithlabs/docindex/internal/embeddings"
	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

const testDebounce = 50 * time.Millisecond

type call struct {
	op   string
	path string
	opts indexer.Options
}

type fakeIndexer struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeIndexer) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeIndexer) IndexFile(_ context.Context, _, path string) (*indexer.Report, error) {
	f.record(call{op: "index", path: path})
	if f.err != nil {
		return nil, f.err
	}
	return &indexer.Report{DocumentsSeen: 1, DocumentsSucceeded: 1}, nil
}

func (f *fakeIndexer) RemoveFile(_ context.Context, _, path string) (int, error) {
	f.record(call{op: "remove", path: path})
	return 1, f.err
}

func (f *fakeIndexer) IndexDirectory(_ context.Context, root string, opts indexer.Options) (*indexer.Report, error) {
	f.record(call{op: "rescan", path: root, opts: opts})
	return &indexer.Report{Root: root}, f.err
}

func (f *fakeIndexer) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// startWatcher runs a watcher over dir until the test ends.
func startWatcher(t *testing.T, dir string, idx Indexer) *Watcher {
	t.Helper()
	w, err := New(dir, idx, Config{Debounce: testDebounce}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return w
}

func nextFlush(t *testing.T, w *Watcher) FlushResult {
	t.Helper()
	select {
	case res := <-w.Flushes():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for flush")
		return FlushResult{}
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNew_InvalidRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), &fakeIndexer{}, Config{}, nil)
	assert.ErrorIs(t, err, indexer.ErrInvalidRoot)

	file := filepath.Join(t.TempDir(), "file.md")
	write(t, file, "# x")
	_, err = New(file, &fakeIndexer{}, Config{}, nil)
	assert.ErrorIs(t, err, indexer.ErrInvalidRoot)

	_, err = New(t.TempDir(), nil, Config{}, nil)
	assert.Error(t, err)
}

func TestNew_WatchesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "guides", "deep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))

	w, err := New(dir, &fakeIndexer{}, Config{}, nil)
	require.NoError(t, err)
	defer w.Close()

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.True(t, w.dirs[abs])
	assert.True(t, w.dirs[filepath.Join(abs, "guides", "deep")])
	assert.False(t, w.dirs[filepath.Join(abs, ".git")], "hidden directories are not watched")
	assert.Equal(t, 500*time.Millisecond, w.cfg.Debounce)
	assert.Equal(t, []string{".gitignore", ".docindexignore"}, w.cfg.IgnoreFiles)
}

func TestWatcher_IndexesNewAndChangedFiles(t *testing.T) {
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	idx := &fakeIndexer{}
	w := startWatcher(t, dir, idx)

	path := filepath.Join(dir, "guide.md")
	write(t, path, "# Guide\n")
	write(t, path, "# Guide\n\nMore text.\n")

	res := nextFlush(t, w)
	assert.False(t, res.Rescan)
	assert.Equal(t, []string{path}, res.Indexed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []call{{op: "index", path: path}}, idx.snapshot(), "writes inside one debounce window coalesce")
}

func TestWatcher_RemovesDeletedFiles(t *testing.T) {
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dir, "old.md")
	write(t, path, "# Old\n")

	idx := &fakeIndexer{}
	w := startWatcher(t, dir, idx)
	require.NoError(t, os.Remove(path))

	res := nextFlush(t, w)
	assert.Equal(t, []string{path}, res.Removed)
	assert.Equal(t, []call{{op: "remove", path: path}}, idx.snapshot())
}

func TestWatcher_SkipsHiddenFiles(t *testing.T) {
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	idx := &fakeIndexer{}
	w := startWatcher(t, dir, idx)

	write(t, filepath.Join(dir, ".guide.md.swp"), "swap")
	write(t, filepath.Join(dir, "guide.md~"), "backup")
	write(t, filepath.Join(dir, "guide.md"), "# Guide\n")

	res := nextFlush(t, w)
	assert.Equal(t, []string{filepath.Join(dir, "guide.md")}, res.Indexed)
}

func TestWatcher_RescansOnStructuralChanges(t *testing.T) {
	t.Run("new directory", func(t *testing.T) {
		dir, err := filepath.Abs(t.TempDir())
		require.NoError(t, err)
		idx := &fakeIndexer{}
		w := startWatcher(t, dir, idx)

		require.NoError(t, os.Mkdir(filepath.Join(dir, "api"), 0o755))

		res := nextFlush(t, w)
		assert.True(t, res.Rescan)
		calls := idx.snapshot()
		require.NotEmpty(t, calls)
		assert.Equal(t, call{op: "rescan", path: dir, opts: indexer.Options{Prune: true, SkipUnchanged: true}}, calls[0])
	})

	t.Run("ignore file changed", func(t *testing.T) {
		dir, err := filepath.Abs(t.TempDir())
		require.NoError(t, err)
		idx := &fakeIndexer{}
		w := startWatcher(t, dir, idx)

		write(t, filepath.Join(dir, ".docindexignore"), "drafts/\n")

		res := nextFlush(t, w)
		assert.True(t, res.Rescan)
	})

	t.Run("directory removed", func(t *testing.T) {
		dir, err := filepath.Abs(t.TempDir())
		require.NoError(t, err)
		sub := filepath.Join(dir, "old")
		require.NoError(t, os.Mkdir(sub, 0o755))
		idx := &fakeIndexer{}
		w := startWatcher(t, dir, idx)

		require.NoError(t, os.RemoveAll(sub))

		res := nextFlush(t, w)
		assert.True(t, res.Rescan)
	})
}

func TestWatcher_ReportsErrorsAndKeepsRunning(t *testing.T) {
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	idx := &fakeIndexer{err: errors.New("store is down")}
	w := startWatcher(t, dir, idx)

	write(t, filepath.Join(dir, "a.md"), "# A\n")
	res := nextFlush(t, w)
	require.Len(t, res.Errors, 1)
	assert.Empty(t, res.Indexed)

	idx.mu.Lock()
	idx.err = nil
	idx.mu.Unlock()

	write(t, filepath.Join(dir, "b.md"), "# B\n")
	res = nextFlush(t, w)
	assert.Equal(t, []string{filepath.Join(dir, "b.md")}, res.Indexed)
}

func TestWatcher_KeepsIndexInSync(t *testing.T) {
	dir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       t.TempDir(),
		Collection: "docs",
		Settings: vectorstore.Settings{
			Metric:    vectorstore.MetricCosine,
			Model:     embeddings.HashingModel,
			Dimension: embeddings.DefaultHashingDimension,
		},
	}, zap.NewNop())
	require.NoError(t, err)
	chunker, err := chunking.New(chunking.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	embedder := embeddings.NewResilient(embeddings.NewHashingProvider(0), embeddings.ResilientConfig{BatchSize: 8}, zap.NewNop())
	pipeline, err := indexer.New(indexer.DefaultConfig(), chunker, embedder, store, indexer.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	w := startWatcher(t, dir, pipeline)
	ctx := context.Background()

	path := filepath.Join(dir, "setup.md")
	write(t, path, "# Setup\n\nFollow these setup instructions to install the tool.\n")
	nextFlush(t, w)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, os.Remove(path))
	nextFlush(t, w)

	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
