package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docindex/internal/chunking"
	"github.com/fyrsmithlabs/docindex/internal/embeddings"
	"github.com/fyrsmithlabs/docindex/internal/logging"
	"github.com/fyrsmithlabs/docindex/internal/secrets"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

const guideDoc = `# Guide

Intro text for the guide.

## Install

Run the installer before anything else.

` + "```bash\nmake install\n```\n"

const apiDoc = `---
title: API Reference
tags: [api, errors]
---
# API

## Errors

Errors are wrapped with context.

` + "```go\nreturn fmt.Errorf(\"open: %w\", err)\n```\n"

const brokenDoc = `---
title: [unclosed
---
# Broken

This document has malformed front matter but is still indexed.
`

func newTestStore(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
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
	return store
}

func newTestEmbedder(p embeddings.Provider) *embeddings.Resilient {
	return embeddings.NewResilient(p, embeddings.ResilientConfig{BatchSize: 8}, zap.NewNop())
}

func newTestPipeline(t *testing.T, store vectorstore.Store, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	chunker, err := chunking.New(chunking.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	p, err := New(cfg, chunker, newTestEmbedder(embeddings.NewHashingProvider(0)), store, opts...)
	require.NoError(t, err)
	return p
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func sourcePaths(t *testing.T, store vectorstore.Store) []string {
	t.Helper()
	recs, err := store.Sources(context.Background())
	require.NoError(t, err)
	paths := make([]string, len(recs))
	for i, r := range recs {
		paths[i] = r.SourcePath
	}
	return paths
}

func TestIndexDirectory_Idempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"guide.md":         guideDoc,
		"api/reference.md": apiDoc,
	})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	first, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.DocumentsSeen)
	assert.Equal(t, 2, first.DocumentsSucceeded)
	assert.Zero(t, first.DocumentsFailed)
	require.Positive(t, first.ChunksStored)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ChunksStored, count)

	second, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, first.ChunksStored, second.ChunksStored)
	assert.Zero(t, second.ChunksRemoved)

	again, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, again, "re-indexing must not duplicate chunks")
	assert.Equal(t, []string{"api/reference.md", "guide.md"}, sourcePaths(t, store))
}

func TestIndexDirectory_StoresMetadata(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"api/reference.md": apiDoc})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)

	rec, err := store.Source(ctx, rep.Root, "api/reference.md")
	require.NoError(t, err)
	assert.Equal(t, embeddings.HashingModel, rec.Model)
	assert.Len(t, rec.ContentHash, 64)
	require.Equal(t, rec.ChunkCount, len(rec.ChunkIDs))

	var sawCode bool
	for _, id := range rec.ChunkIDs {
		doc, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "api/reference.md", doc.Metadata[chunking.FieldSourcePath])
		assert.Equal(t, "api", doc.Metadata[chunking.FieldSection])
		assert.Equal(t, "API Reference", doc.Metadata["fm.title"])
		assert.NotEmpty(t, strings.TrimSpace(doc.Content))
		if doc.Metadata[chunking.FieldChunkType] == string(chunking.TypeCode) {
			sawCode = true
			assert.Equal(t, "go", doc.Metadata[chunking.FieldLanguageTag])
			assert.Equal(t, "Errors", doc.Metadata[chunking.FieldSectionHeading])
		}
	}
	assert.True(t, sawCode, "code block should be stored as its own chunk")
}

func TestIndexDirectory_BadFrontMatter(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	files := map[string]string{"broken.md": brokenDoc}
	for i := 0; i < 9; i++ {
		files[fmt.Sprintf("guides/guide-%d.md", i)] = fmt.Sprintf("---\ntitle: Guide %d\n---\n%s", i, guideDoc)
	}
	writeFiles(t, root, files)
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 10, rep.DocumentsSeen)
	assert.Zero(t, rep.DocumentsFailed)
	assert.Equal(t, 10, rep.DocumentsSucceeded)
	assert.Positive(t, rep.ChunksStored)
	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, strings.Join(rep.Warnings, "\n"), "broken.md")

	for rel := range files {
		rec, err := store.Source(ctx, rep.Root, rel)
		require.NoError(t, err, rel)
		assert.NotEmpty(t, rec.ChunkIDs, "%s has no stored chunks", rel)
	}

	rec, err := store.Source(ctx, rep.Root, "broken.md")
	require.NoError(t, err)
	require.NotEmpty(t, rec.ChunkIDs)
	doc, err := store.Get(ctx, rec.ChunkIDs[0])
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "malformed front matter")
	for k := range doc.Metadata {
		assert.False(t, strings.HasPrefix(k, chunking.FrontMatterPrefix), "unexpected front-matter key %s", k)
	}
}

func TestIndexDirectory_RemovesStaleChunks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"guide.md": guideDoc})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	first, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	require.Greater(t, first.ChunksStored, 1)

	writeFiles(t, root, map[string]string{"guide.md": "# Guide\n\nIntro text for the guide.\n"})
	second, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, second.ChunksStored)
	assert.Equal(t, first.ChunksStored-1, second.ChunksRemoved)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIndexDirectory_SkipUnchanged(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"guide.md":         guideDoc,
		"api/reference.md": apiDoc,
	})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	_, err := p.IndexDirectory(ctx, root, Options{SkipUnchanged: true})
	require.NoError(t, err)

	writeFiles(t, root, map[string]string{"guide.md": guideDoc + "\nOne more line.\n"})
	rep, err := p.IndexDirectory(ctx, root, Options{SkipUnchanged: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DocumentsUnchanged)
	assert.Equal(t, 1, rep.DocumentsSucceeded)
}

func TestIndexDirectory_Prune(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"guide.md":         guideDoc,
		"api/reference.md": apiDoc,
	})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	_, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	before, err := store.Count(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "api", "reference.md")))

	t.Run("kept without prune", func(t *testing.T) {
		rep, err := p.IndexDirectory(ctx, root, Options{})
		require.NoError(t, err)
		assert.Zero(t, rep.DocumentsPruned)
		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, count)
	})

	t.Run("removed with prune", func(t *testing.T) {
		rep, err := p.IndexDirectory(ctx, root, Options{Prune: true})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.DocumentsPruned)
		assert.Positive(t, rep.ChunksRemoved)
		assert.Equal(t, []string{"guide.md"}, sourcePaths(t, store))

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, before-rep.ChunksRemoved, count)
	})
}

func TestIndexDirectory_MultipleRoots(t *testing.T) {
	ctx := context.Background()
	rootA, rootB := t.TempDir(), t.TempDir()
	writeFiles(t, rootA, map[string]string{
		"README.md": guideDoc,
		"alpha.md":  "# Alpha\n\nOnly in the first tree.\n",
	})
	writeFiles(t, rootB, map[string]string{
		"README.md": apiDoc,
		"beta.md":   "# Beta\n\nOnly in the second tree.\n",
	})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	repA, err := p.IndexDirectory(ctx, rootA, Options{})
	require.NoError(t, err)
	repB, err := p.IndexDirectory(ctx, rootB, Options{Prune: true})
	require.NoError(t, err)
	assert.Zero(t, repB.DocumentsPruned, "prune only considers the indexed root")
	assert.Zero(t, repB.ChunksRemoved, "equal paths under another root are not stale")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, repA.ChunksStored+repB.ChunksStored, count)
	assert.Equal(t, []string{"README.md", "alpha.md", "README.md", "beta.md"}, sourcePaths(t, store))

	readmeA, err := store.Source(ctx, repA.Root, "README.md")
	require.NoError(t, err)
	readmeB, err := store.Source(ctx, repB.Root, "README.md")
	require.NoError(t, err)
	assert.NotEqual(t, readmeA.ContentHash, readmeB.ContentHash)
	for _, id := range readmeA.ChunkIDs {
		assert.NotContains(t, readmeB.ChunkIDs, id)
	}

	t.Run("prune stays within its root", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(rootA, "alpha.md")))
		rep, err := p.IndexDirectory(ctx, rootA, Options{Prune: true})
		require.NoError(t, err)
		assert.Equal(t, 1, rep.DocumentsPruned)

		_, err = store.Source(ctx, repA.Root, "alpha.md")
		assert.ErrorIs(t, err, vectorstore.ErrNotFound)
		_, err = store.Source(ctx, repB.Root, "beta.md")
		assert.NoError(t, err)
		_, err = store.Source(ctx, repB.Root, "README.md")
		assert.NoError(t, err)
	})
}

func TestIndexDirectory_Discovery(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		".gitignore":               "drafts/\n",
		"a.md":                     "# A\n\nAlpha doc.\n",
		"b.mdx":                    "# B\n\nBeta doc.\n",
		"notes.txt":                "not markdown",
		"drafts/wip.md":            "# WIP\n\nDraft.\n",
		"node_modules/x/readme.md": "# Dependency\n\nVendored.\n",
		"big.md":                   "# Big\n\n" + strings.Repeat("word ", 40),
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "binary.md"), []byte{0xff, 0xfe, 'a'}, 0o644))

	cfg := DefaultConfig()
	cfg.MaxFileSize = 64
	store := newTestStore(t)
	p := newTestPipeline(t, store, cfg)

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, rep.DocumentsSeen)
	assert.Equal(t, 2, rep.DocumentsSucceeded)
	assert.Equal(t, 2, rep.DocumentsSkipped)
	assert.Zero(t, rep.DocumentsFailed)
	assert.Equal(t, []string{"a.md", "b.mdx"}, sourcePaths(t, store))
}

func TestIndexDirectory_ExcludeGlob(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"guide.md":          guideDoc,
		"internal/notes.md": "# Notes\n\nPrivate.\n",
	})
	cfg := DefaultConfig()
	cfg.Exclude = []string{"internal/**"}
	store := newTestStore(t)
	p := newTestPipeline(t, store, cfg)

	_, err := p.IndexDirectory(context.Background(), root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"guide.md"}, sourcePaths(t, store))
}

// explodingProvider fails any call that includes a text containing marker.
type explodingProvider struct {
	*embeddings.HashingProvider
	marker string
}

func (p explodingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	for _, text := range texts {
		if strings.Contains(text, p.marker) {
			return nil, errors.New("model rejected input")
		}
	}
	return p.HashingProvider.EmbedDocuments(ctx, texts)
}

func TestIndexDirectory_EmbeddingFailures(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"flaky.md": "# Flaky\n\nThis paragraph is fine.\n\n```text\nEXPLODE\n```\n",
		"dead.md":  "# Dead\n\nEXPLODE everywhere.\n",
	})
	store := newTestStore(t)
	chunker, err := chunking.New(chunking.DefaultConfig(), nil)
	require.NoError(t, err)
	tl := logging.NewTestLogger()
	embedder := newTestEmbedder(explodingProvider{HashingProvider: embeddings.NewHashingProvider(0), marker: "EXPLODE"})
	p, err := New(DefaultConfig(), chunker, embedder, store, WithLogger(tl.Underlying()))
	require.NoError(t, err)

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.DocumentsSucceeded)
	assert.Equal(t, 1, rep.DocumentsFailed)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "dead.md", rep.Failures[0].Path)
	assert.Equal(t, FailureEmbedding, rep.Failures[0].Kind)

	assert.Equal(t, 1, rep.ChunksStored)
	assert.Equal(t, 2, rep.ChunksSkipped)
	for _, s := range rep.Skipped {
		assert.Contains(t, s.Reason, embeddings.ErrEmbeddingFailed.Error())
	}

	assert.Equal(t, []string{"flaky.md"}, sourcePaths(t, store))
	tl.AssertLogged(t, zapcore.WarnLevel, "chunk skipped")
	tl.AssertLogged(t, zapcore.InfoLevel, "indexing complete")
}

// unavailableStore fails every upsert.
type unavailableStore struct {
	vectorstore.Store
}

func (unavailableStore) Upsert(context.Context, ...vectorstore.Document) error {
	return fmt.Errorf("%w: connection refused", vectorstore.ErrStoreUnavailable)
}

func TestIndexDirectory_StoreUnavailable(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.md": "# A\n\nAlpha.\n",
		"b.md": "# B\n\nBeta.\n",
		"c.md": "# C\n\nGamma.\n",
	})
	cfg := DefaultConfig()
	cfg.Workers = 1
	p := newTestPipeline(t, unavailableStore{Store: newTestStore(t)}, cfg)

	rep, err := p.IndexDirectory(context.Background(), root, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, vectorstore.ErrStoreUnavailable)
	require.NotNil(t, rep, "a partial report is returned with the error")
	assert.Zero(t, rep.DocumentsSucceeded)
	assert.Equal(t, 3, rep.DocumentsSeen)
}

func TestIndexDirectory_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"guide.md": guideDoc})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	assert.Zero(t, rep.DocumentsSucceeded)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIndexDirectory_InvalidRoot(t *testing.T) {
	p := newTestPipeline(t, newTestStore(t), DefaultConfig())

	_, err := p.IndexDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"), Options{})
	assert.ErrorIs(t, err, ErrInvalidRoot)

	f := filepath.Join(t.TempDir(), "file.md")
	require.NoError(t, os.WriteFile(f, []byte("# x\n"), 0o644))
	_, err = p.IndexDirectory(context.Background(), f, Options{})
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestIndexDirectory_RedactsSecrets(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"config.md": "# Config\n\nSet the token to tok_live_0123456789 before running.\n",
	})
	redactor := secrets.NewRedactorWithDetector(func(content string) []secrets.Match {
		if !strings.Contains(content, "tok_live_0123456789") {
			return nil
		}
		return []secrets.Match{{
			Finding: secrets.Finding{RuleID: "test-token", Line: 3},
			Secret:  "tok_live_0123456789",
		}}
	})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig(), WithRedactor(redactor))

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SecretsRedacted)

	rec, err := store.Source(ctx, rep.Root, "config.md")
	require.NoError(t, err)
	require.Len(t, rec.ChunkIDs, 1)
	doc, err := store.Get(ctx, rec.ChunkIDs[0])
	require.NoError(t, err)
	assert.NotContains(t, doc.Content, "tok_live_0123456789")
	assert.Contains(t, doc.Content, secrets.Replacement)
}

func TestIndexFileAndRemoveFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"guide.md":  guideDoc,
		"notes.txt": "ignored",
	})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	rep, err := p.IndexFile(ctx, root, filepath.Join(root, "guide.md"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DocumentsSucceeded)
	stored := rep.ChunksStored

	t.Run("unchanged file is skipped", func(t *testing.T) {
		rep, err := p.IndexFile(ctx, root, "guide.md")
		require.NoError(t, err)
		assert.Equal(t, 1, rep.DocumentsUnchanged)
	})

	t.Run("unsupported file is not indexed", func(t *testing.T) {
		rep, err := p.IndexFile(ctx, root, "notes.txt")
		require.NoError(t, err)
		assert.Zero(t, rep.DocumentsSeen)
	})

	t.Run("path outside root", func(t *testing.T) {
		_, err := p.IndexFile(ctx, root, filepath.Join(t.TempDir(), "other.md"))
		assert.ErrorIs(t, err, ErrInvalidRoot)
	})

	t.Run("remove", func(t *testing.T) {
		n, err := p.RemoveFile(ctx, root, "guide.md")
		require.NoError(t, err)
		assert.Equal(t, stored, n)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
		_, err = store.Source(ctx, rep.Root, "guide.md")
		assert.ErrorIs(t, err, vectorstore.ErrNotFound)

		n, err = p.RemoveFile(ctx, root, "guide.md")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"guide.md": guideDoc})
	store := newTestStore(t)
	p := newTestPipeline(t, store, DefaultConfig())

	rep, err := p.IndexDirectory(ctx, root, Options{})
	require.NoError(t, err)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, rep.ChunksStored, stats.Chunks)
	assert.Equal(t, 1, stats.Sources)
	assert.Equal(t, "docs", stats.Collection)
	assert.Equal(t, embeddings.HashingModel, stats.Model)
	assert.Equal(t, vectorstore.MetricCosine, stats.Metric)
	assert.Equal(t, embeddings.DefaultHashingDimension, stats.Dimension)
}

func TestNew_RequiresDependencies(t *testing.T) {
	chunker, err := chunking.New(chunking.DefaultConfig(), nil)
	require.NoError(t, err)
	embedder := newTestEmbedder(embeddings.NewHashingProvider(0))

	_, err = New(DefaultConfig(), nil, embedder, newTestStore(t))
	assert.Error(t, err)
	_, err = New(DefaultConfig(), chunker, nil, newTestStore(t))
	assert.Error(t, err)
	_, err = New(DefaultConfig(), chunker, embedder, nil)
	assert.Error(t, err)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Extensions: []string{"MD", " .mdx", ""}}.withDefaults()
	assert.Equal(t, []string{".md", ".mdx"}, cfg.Extensions)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, int64(1024*1024), cfg.MaxFileSize)
}
