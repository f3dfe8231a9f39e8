// Package retrieval answers semantic queries over an index and assembles
// the results into bounded context blocks for prompts.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/chunking"
	"github.com/fyrsmithlabs/docindex/internal/embeddings"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// ErrInvalidQuery indicates a query the caller must fix: an empty query
// text, a negative k, or a malformed filter. It is never retried.
var ErrInvalidQuery = errors.New("invalid query")

var tracer = otel.Tracer("docindex.retrieval")

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds query-time defaults.
type Config struct {
	DefaultK        int
	PerQueryK       int
	MaxContextChars int
}

// DefaultConfig returns k=5, two results per knowledge query, and a 4000
// character context budget.
func DefaultConfig() Config {
	return Config{DefaultK: 5, PerQueryK: 2, MaxContextChars: 4000}
}

// Result is one retrieved chunk. Lower Distance is closer.
type Result struct {
	Chunk    chunking.Chunk `json:"chunk"`
	Distance float64        `json:"distance"`
}

// Retriever runs semantic searches against a store.
type Retriever struct {
	cfg      Config
	embedder QueryEmbedder
	store    vectorstore.Store
	logger   *zap.Logger
}

// New creates a Retriever. Zero config values take their defaults.
func New(cfg Config, embedder QueryEmbedder, store vectorstore.Store, logger *zap.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = def.DefaultK
	}
	if cfg.PerQueryK <= 0 {
		cfg.PerQueryK = def.PerQueryK
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = def.MaxContextChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{cfg: cfg, embedder: embedder, store: store, logger: logger}
}

// Config returns the effective settings.
func (r *Retriever) Config() Config {
	return r.cfg
}

// Search returns up to k chunks nearest to query that satisfy filter,
// ordered by distance with ties broken by chunk id. k == 0 uses the
// configured default; a k larger than the index returns everything that
// matches.
//
// Filter fields may name chunk fields (chunk_type, language_tag, section,
// ...) or front-matter keys, with or without a "front_matter." prefix.
func (r *Retriever) Search(ctx context.Context, query string, k int, filter vectorstore.Filter) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "Retriever.Search")
	defer span.End()
	defer func(start time.Time) { observeSearch(start, err) }(time.Now())

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query text is empty", ErrInvalidQuery)
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", ErrInvalidQuery, k)
	}
	if k == 0 {
		k = r.cfg.DefaultK
	}
	filter = resolveFilter(filter)
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	span.SetAttributes(attribute.Int("k", k), attribute.Int("predicates", len(filter)))

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if errors.Is(err, embeddings.ErrEmptyInput) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.store.Query(ctx, vec, k, filter)
	if err != nil {
		if errors.Is(err, vectorstore.ErrInvalidFilter) || errors.Is(err, vectorstore.ErrInvalidQuery) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying store: %w", err)
	}

	results = make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{
			Chunk:    chunking.FromMetadata(h.ID, h.Content, h.Metadata),
			Distance: h.Distance,
		}
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	r.logger.Debug("search complete",
		zap.Int("k", k),
		zap.Int("predicates", len(filter)),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// resolveFilter maps user-facing field names to stored metadata keys.
func resolveFilter(f vectorstore.Filter) vectorstore.Filter {
	if len(f) == 0 {
		return nil
	}
	out := make(vectorstore.Filter, len(f))
	for i, p := range f {
		p.Field = chunking.ResolveField(p.Field)
		out[i] = p
	}
	return out
}
