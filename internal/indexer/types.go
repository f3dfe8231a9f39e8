package indexer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// ErrInvalidRoot indicates a root that is missing or not a directory.
var ErrInvalidRoot = errors.New("invalid root")

// Config controls document discovery and concurrency.
type Config struct {
	// Extensions lists indexed file extensions, e.g. ".md".
	Extensions []string
	// Workers bounds the number of documents processed concurrently.
	Workers int
	// MaxFileSize skips larger files. Zero means 1MB.
	MaxFileSize int64

	Include     []string
	Exclude     []string
	IgnoreFiles []string
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Extensions:  []string{".md", ".mdx"},
		Workers:     4,
		MaxFileSize: 1024 * 1024,
		IgnoreFiles: []string{".gitignore", ".docindexignore"},
	}
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 1024 * 1024
	}
	if len(c.Extensions) == 0 {
		c.Extensions = DefaultConfig().Extensions
	}
	exts := make([]string, 0, len(c.Extensions))
	for _, e := range c.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	c.Extensions = exts
	return c
}

// Options alter a single run.
type Options struct {
	// Prune deletes catalog entries, and their chunks, for documents that
	// are no longer present under the root.
	Prune bool
	// SkipUnchanged skips documents whose content hash and embedding model
	// match their catalog record.
	SkipUnchanged bool
}

// Failure kinds recorded in a Report.
const (
	FailureRead      = "read"
	FailureEmbedding = "embedding"
)

// DocumentFailure records a document that produced no stored chunks.
type DocumentFailure struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// ChunkSkip records a chunk that could not be embedded.
type ChunkSkip struct {
	Path    string `json:"path"`
	ChunkID string `json:"chunk_id"`
	Key     string `json:"chunk_key"`
	Reason  string `json:"reason"`
}

// Report summarizes an indexing run. It is returned even when the run is
// aborted, describing the work committed so far.
type Report struct {
	Root               string            `json:"root"`
	DocumentsSeen      int               `json:"documents_seen"`
	DocumentsSucceeded int               `json:"documents_succeeded"`
	DocumentsFailed    int               `json:"documents_failed"`
	DocumentsUnchanged int               `json:"documents_unchanged"`
	DocumentsSkipped   int               `json:"documents_skipped"`
	DocumentsPruned    int               `json:"documents_pruned"`
	ChunksStored       int               `json:"chunks_stored"`
	ChunksSkipped      int               `json:"chunks_skipped"`
	ChunksRemoved      int               `json:"chunks_removed"`
	SecretsRedacted    int               `json:"secrets_redacted"`
	Failures           []DocumentFailure `json:"failures,omitempty"`
	Skipped            []ChunkSkip       `json:"skipped_chunks,omitempty"`
	Warnings           []string          `json:"warnings,omitempty"`
	Elapsed            time.Duration     `json:"elapsed"`
}

// String renders a one-line summary.
func (r *Report) String() string {
	return fmt.Sprintf("%d documents (%d ok, %d failed, %d unchanged, %d skipped, %d pruned), %d chunks stored, %d chunks skipped in %s",
		r.DocumentsSeen, r.DocumentsSucceeded, r.DocumentsFailed, r.DocumentsUnchanged,
		r.DocumentsSkipped, r.DocumentsPruned, r.ChunksStored, r.ChunksSkipped,
		r.Elapsed.Round(time.Millisecond))
}

// Stats describes the current index.
type Stats struct {
	Chunks     int                `json:"chunks"`
	Sources    int                `json:"sources"`
	Collection string             `json:"collection"`
	Model      string             `json:"model"`
	Metric     vectorstore.Metric `json:"metric"`
	Dimension  int                `json:"dimension"`
}
