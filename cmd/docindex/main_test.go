package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/logging"
)

const setupDoc = `# Guide

## Setup

Follow these setup instructions to install the toolkit on your machine.

## Python example

` + "```python\nprint(\"hello from python\")\n```\n"

const deployDoc = `---
title: Deploy
tags: [ops]
---
# Deploy

Ship containers to production clusters with the release pipeline.
`

// isolate points configuration at temp dirs and the hashing embedder.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DOCINDEX_EMBEDDINGS_PROVIDER", "hashing")
	t.Setenv("DOCINDEX_VECTORSTORE_PATH", t.TempDir())
	t.Setenv("DOCINDEX_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func docsTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "guides"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "guides", "setup.md"), []byte(setupDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "deploy.md"), []byte(deployDoc), 0o644))
	return root
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "docindex "+version)
}

func TestIndexSearchCount(t *testing.T) {
	isolate(t)
	root := docsTree(t)

	out, err := execute(t, "index", root, "--json")
	require.NoError(t, err)
	var rep indexer.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 2, rep.DocumentsSucceeded)
	require.Positive(t, rep.ChunksStored)

	out, err = execute(t, "count")
	require.NoError(t, err)
	n, err := strconv.Atoi(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, rep.ChunksStored, n)

	t.Run("json results", func(t *testing.T) {
		out, err := execute(t, "search", "setup", "instructions", "-k", "1", "--json")
		require.NoError(t, err)
		var res searchOutput
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, "setup instructions", res.Query)
		require.Len(t, res.Results, 1)
		assert.Equal(t, "guides/setup.md", res.Results[0].SourcePath)
		assert.Equal(t, "Setup", res.Results[0].Heading)
	})

	t.Run("filtered", func(t *testing.T) {
		out, err := execute(t, "search", "python example", "--filter", "chunk_type=code_block", "--json")
		require.NoError(t, err)
		var res searchOutput
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Len(t, res.Results, 1)
		assert.Equal(t, "python", res.Results[0].Language)
	})

	t.Run("context block", func(t *testing.T) {
		out, err := execute(t, "search", "setup instructions", "-k", "1", "--context", "500")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "[guides/setup.md > Setup]"), out)
	})

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "search", "release pipeline", "-k", "2")
		require.NoError(t, err)
		assert.Contains(t, out, "DISTANCE")
		assert.Contains(t, out, "deploy.md")
	})

	t.Run("bad filter", func(t *testing.T) {
		_, err := execute(t, "search", "anything", "--filter", "nonsense")
		assert.Error(t, err)
	})

	t.Run("re-index is idempotent", func(t *testing.T) {
		_, err := execute(t, "index", root, "--incremental")
		require.NoError(t, err)
		out, err := execute(t, "count")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(n), strings.TrimSpace(out))
	})
}

func TestIndexPrune(t *testing.T) {
	isolate(t)
	root := docsTree(t)

	_, err := execute(t, "index", root)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "deploy.md")))

	out, err := execute(t, "index", root, "--prune", "--json")
	require.NoError(t, err)
	var rep indexer.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.DocumentsPruned)

	out, err = execute(t, "stats", "--json")
	require.NoError(t, err)
	var st indexer.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Sources)
	assert.Equal(t, "docs", st.Collection)
}

func TestIndex_InvalidRoot(t *testing.T) {
	isolate(t)
	_, err := execute(t, "index", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, indexer.ErrInvalidRoot)
}

func TestLogRun(t *testing.T) {
	ctx := logging.WithRunID(context.Background(), "run-42")

	t.Run("finished", func(t *testing.T) {
		tl := logging.NewTestLogger()
		logRun(ctx, tl.Logger, "docs", &indexer.Report{
			Root:            "/srv/docs",
			DocumentsSeen:   3,
			DocumentsFailed: 1,
			ChunksStored:    12,
			Failures:        []indexer.DocumentFailure{{Path: "broken.md", Reason: "read error"}},
		}, nil)

		tl.AssertLogged(t, zapcore.InfoLevel, "index run finished")
		tl.AssertField(t, "index run finished", "run.id", "run-42")
		tl.AssertField(t, "index run finished", "chunks_stored", int64(12))
		tl.AssertLogged(t, zapcore.WarnLevel, "document failed")
		tl.AssertField(t, "document failed", "path", "broken.md")
	})

	t.Run("failed", func(t *testing.T) {
		tl := logging.NewTestLogger()
		logRun(ctx, tl.Logger, "missing", nil, indexer.ErrInvalidRoot)

		tl.AssertLogged(t, zapcore.ErrorLevel, "index run failed")
		tl.AssertField(t, "index run failed", "run.id", "run-42")
		tl.AssertNotLogged(t, zapcore.InfoLevel, "index run finished")
	})
}

func TestReset(t *testing.T) {
	isolate(t)
	_, err := execute(t, "index", docsTree(t))
	require.NoError(t, err)

	_, err = execute(t, "reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	out, err := execute(t, "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "index reset")

	out, err = execute(t, "count")
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))
}

func TestCheckCmd(t *testing.T) {
	isolate(t)
	_, err := execute(t, "index", docsTree(t))
	require.NoError(t, err)

	out, err := execute(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "status:      healthy")

	out, err = execute(t, "check", "--json")
	require.NoError(t, err)
	var h struct {
		CorruptCount int `json:"corrupt_count"`
		Total        int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Zero(t, h.CorruptCount)
	assert.Positive(t, h.Total)
}

func TestContextCmd(t *testing.T) {
	isolate(t)
	_, err := execute(t, "index", docsTree(t))
	require.NoError(t, err)

	reqFile := filepath.Join(t.TempDir(), "requirements.json")
	require.NoError(t, os.WriteFile(reqFile, []byte(`{"use_case":"setup","channels":["twilio"],"languages":["spanish"]}`), 0o644))

	out, err := execute(t, "context", "--requirements", reqFile, "--json")
	require.NoError(t, err)
	var res contextOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{
		"setup agent",
		"pipecat twilio integration",
		"speech to text spanish",
		"pipeline configuration examples",
	}, res.Queries)
	assert.NotEmpty(t, res.Results)
	assert.NotEmpty(t, res.Context)

	_, err = execute(t, "context")
	assert.Error(t, err, "--requirements is required")
}
