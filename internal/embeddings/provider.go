// Package embeddings turns chunk and query text into dense vectors.
//
// Providers:
//   - fastembed: local ONNX models via fastembed-go (cgo builds only)
//   - tei: a HuggingFace text-embeddings-inference server over HTTP
//   - openai: any OpenAI-compatible embeddings endpoint
//   - hashing: deterministic feature hashing, no model download
//
// Providers are wrapped by decorators: Instrument adds OpenTelemetry
// metrics and Resilient adds timeouts, a bounded retry and per-text
// failure isolation.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmbeddingFailed indicates a text could not be embedded.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embeddings.
type Provider interface {
	// EmbedDocuments embeds passages. The result has one vector per input,
	// in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector length produced by the model.
	Dimension() int
	// Model names the model; it is pinned in the index.
	Model() string
	Close() error
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	CacheDir  string
	Dimension int
	BatchSize int
	RateLimit float64
	Timeout   time.Duration
}

// NewProvider builds the configured provider. The result is not yet
// wrapped by any decorator.
func NewProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Provider) {
	case "fastembed", "":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:     cfg.Model,
			CacheDir:  cfg.CacheDir,
			BatchSize: cfg.BatchSize,
		})
	case "tei":
		return NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			RateLimit: cfg.RateLimit,
		}, logger)
	case "hashing":
		return NewHashingProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// knownDimensions lists output sizes of commonly used models.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"all-MiniLM-L6-v2":                       384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// modelDimension resolves a model's vector length: an explicit override
// wins, then the known table, then a guess from the model name.
func modelDimension(model string, override int) int {
	if override > 0 {
		return override
	}
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "base"):
		return 768
	default:
		return 384
	}
}
