// Package vectorstore persists embedded chunks and answers nearest-neighbour
// queries over them.
//
// Two backends implement Store:
//   - ChromemStore: chromem-go, embedded and persisted to a directory
//   - QdrantStore: a Qdrant server over gRPC
//
// Both keep a source catalog (one SourceRecord per indexed document) and a
// pinned Settings record next to the chunk collection. Results are ordered
// by distance ascending with ties broken by id, for every backend.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"
)

var (
	// ErrStoreUnavailable wraps every failure to open, read or write the
	// backend. Callers treat it as fatal.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrInvalidFilter indicates a malformed filter predicate.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidQuery indicates a non-positive k.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidDocument indicates a document without an id or embedding.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIndexMismatch indicates an index created with different settings.
	ErrIndexMismatch = errors.New("index settings mismatch")

	// ErrNotFound indicates a missing document.
	ErrNotFound = errors.New("not found")
)

// Metric is the distance function of an index.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, s)
	}
}

// Document is one stored vector with its text and flat metadata.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Result is a query hit. Lower Distance is closer.
type Result struct {
	Document
	Distance float64
}

// SourceRecord is the catalog entry for one indexed document. Records are
// keyed by Root and SourcePath together.
type SourceRecord struct {
	Root        string    `json:"root"`
	SourcePath  string    `json:"source_path"`
	ContentHash string    `json:"content_hash"`
	ChunkIDs    []string  `json:"chunk_ids"`
	ChunkCount  int       `json:"chunk_count"`
	IndexedAt   time.Time `json:"indexed_at"`
	Model       string    `json:"model"`
}

// Settings are pinned when an index is created. Opening the index with
// different settings fails with ErrIndexMismatch.
type Settings struct {
	Metric    Metric `json:"metric"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if _, err := ParseMetric(string(s.Metric)); err != nil {
		return err
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, s.Dimension)
	}
	return nil
}

// check compares pinned settings against the requested ones.
func (s Settings) check(want Settings) error {
	if s.Metric != want.Metric || s.Model != want.Model || s.Dimension != want.Dimension {
		return fmt.Errorf("%w: index has metric=%s model=%s dimension=%d, configured metric=%s model=%s dimension=%d (reset the index to change them)",
			ErrIndexMismatch, s.Metric, s.Model, s.Dimension, want.Metric, want.Model, want.Dimension)
	}
	return nil
}

// Store is a persistent vector index.
type Store interface {
	// Upsert inserts or replaces documents by id.
	Upsert(ctx context.Context, docs ...Document) error
	// Query returns at most k documents nearest to vector that satisfy
	// filter, ordered by distance then id.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Result, error)
	// Get returns one document or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)
	// Delete removes documents by id. Missing ids are ignored.
	Delete(ctx context.Context, ids ...string) error
	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Sources lists the catalog sorted by root, then source path.
	Sources(ctx context.Context) ([]SourceRecord, error)
	// Source returns the record for path under root or ErrNotFound.
	Source(ctx context.Context, root, path string) (SourceRecord, error)
	PutSource(ctx context.Context, rec SourceRecord) error
	DeleteSource(ctx context.Context, root, path string) error

	// Settings returns the pinned index settings.
	Settings() Settings
	// Collection names the chunk collection.
	Collection() string
	// Reset removes all chunks and catalog records.
	Reset(ctx context.Context) error
	Close() error
}

// sourceID is the catalog id of the record for path under root.
func sourceID(root, path string) string {
	if root == "" {
		return sourceIDPrefix + path
	}
	return sourceIDPrefix + filepath.ToSlash(root) + "//" + path
}

func sortSources(records []SourceRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Root != records[j].Root {
			return records[i].Root < records[j].Root
		}
		return records[i].SourcePath < records[j].SourcePath
	})
}

func unavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func validateDocuments(docs []Document, dim int) error {
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: empty id", ErrInvalidDocument)
		}
		if len(d.Embedding) == 0 {
			return fmt.Errorf("%w: document %s has no embedding", ErrInvalidDocument, d.ID)
		}
		if len(d.Embedding) != dim {
			return fmt.Errorf("%w: document %s has %d dimensions, index has %d",
				ErrDimensionMismatch, d.ID, len(d.Embedding), dim)
		}
		if isZero(d.Embedding) {
			return fmt.Errorf("%w: document %s has a zero vector", ErrInvalidDocument, d.ID)
		}
	}
	return nil
}

func validateQuery(vector []float32, k, dim int, filter Filter) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, k)
	}
	if len(vector) != dim {
		return fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(vector), dim)
	}
	if isZero(vector) {
		return fmt.Errorf("%w: zero query vector", ErrInvalidQuery)
	}
	return filter.Validate()
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
