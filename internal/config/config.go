// Package config provides configuration loading for docindex.
//
// Configuration is read from an optional YAML file and then overridden by
// DOCINDEX_* environment variables. Every component receives its section
// explicitly; nothing in the module reads ambient state on its own.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete docindex configuration.
type Config struct {
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Indexer     IndexerConfig     `koanf:"indexer"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ChunkingConfig controls how documents are split.
type ChunkingConfig struct {
	MaxChunkSize  int  `koanf:"max_chunk_size"`
	Overlap       int  `koanf:"overlap"`
	RedactSecrets bool `koanf:"redact_secrets"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string   `koanf:"provider"` // fastembed, tei, openai, hashing
	Model     string   `koanf:"model"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	CacheDir  string   `koanf:"cache_dir"`
	Dimension int      `koanf:"dimension"` // 0 = derive from model
	Timeout   Duration `koanf:"timeout"`
	Retries   int      `koanf:"retries"`
	BatchSize int      `koanf:"batch_size"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 = unlimited
}

// VectorStoreConfig selects and configures the vector store.
type VectorStoreConfig struct {
	Provider   string       `koanf:"provider"` // chromem, qdrant
	Path       string       `koanf:"path"`
	Collection string       `koanf:"collection"`
	Compress   bool         `koanf:"compress"`
	Metric     string       `koanf:"metric"` // cosine, l2
	Qdrant     QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig holds connection settings for a Qdrant server.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// IndexerConfig controls document discovery and the worker pool.
type IndexerConfig struct {
	Extensions    []string `koanf:"extensions"`
	Workers       int      `koanf:"workers"`
	MaxFileSize   int64    `koanf:"max_file_size"`
	Include       []string `koanf:"include"`
	Exclude       []string `koanf:"exclude"`
	IgnoreFiles   []string `koanf:"ignore_files"`
	Prune         bool     `koanf:"prune"`
	SkipUnchanged bool     `koanf:"skip_unchanged"`
	WatchDebounce Duration `koanf:"watch_debounce"`
}

// RetrievalConfig holds query-time defaults.
type RetrievalConfig struct {
	DefaultK        int `koanf:"default_k"`
	MaxContextChars int `koanf:"max_context_chars"`
	PerQueryK       int `koanf:"per_query_k"`
}

// ServerConfig holds HTTP admin server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// IndexRoot confines directories that HTTP and MCP clients may index.
	// Empty allows any directory.
	IndexRoot       string   `koanf:"index_root"`
}

// LoggingConfig is the user-facing subset of logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the user-facing subset of OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc, http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			MaxChunkSize: 1000,
			Overlap:      200,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "fastembed",
			Model:     "sentence-transformers/all-MiniLM-L6-v2",
			BaseURL:   "http://localhost:8080",
			Timeout:   Duration(10 * time.Second),
			Retries:   1,
			BatchSize: 32,
		},
		VectorStore: VectorStoreConfig{
			Provider:   "chromem",
			Path:       "./data/docindex",
			Collection: "docs",
			Metric:     "cosine",
			Qdrant: QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
		},
		Indexer: IndexerConfig{
			Extensions:    []string{".md", ".mdx"},
			Workers:       4,
			MaxFileSize:   1024 * 1024,
			IgnoreFiles:   []string{".gitignore", ".docindexignore"},
			WatchDebounce: Duration(500 * time.Millisecond),
		},
		Retrieval: RetrievalConfig{
			DefaultK:        5,
			MaxContextChars: 4000,
			PerQueryK:       2,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "docindex",
			SampleRate:  1.0,
		},
	}
}

var (
	embeddingProviders = []string{"fastembed", "tei", "openai", "hashing"}
	storeProviders     = []string{"chromem", "qdrant"}
	metrics            = []string{"cosine", "l2"}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Chunking.MaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunking.max_chunk_size must be positive, got %d", c.Chunking.MaxChunkSize))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunking.overlap must be in [0, max_chunk_size), got %d", c.Chunking.Overlap))
	}

	if !oneOf(c.Embeddings.Provider, embeddingProviders) {
		errs = append(errs, fmt.Errorf("embeddings.provider must be one of %s, got %q",
			strings.Join(embeddingProviders, ", "), c.Embeddings.Provider))
	}
	if c.Embeddings.Model == "" {
		errs = append(errs, errors.New("embeddings.model is required"))
	}
	if c.Embeddings.Dimension < 0 {
		errs = append(errs, errors.New("embeddings.dimension cannot be negative"))
	}
	if c.Embeddings.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("embeddings.timeout must be positive"))
	}
	if c.Embeddings.Retries < 0 {
		errs = append(errs, errors.New("embeddings.retries cannot be negative"))
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, errors.New("embeddings.batch_size must be positive"))
	}

	if !oneOf(c.VectorStore.Provider, storeProviders) {
		errs = append(errs, fmt.Errorf("vectorstore.provider must be one of %s, got %q",
			strings.Join(storeProviders, ", "), c.VectorStore.Provider))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vectorstore.collection is required"))
	}
	if !oneOf(c.VectorStore.Metric, metrics) {
		errs = append(errs, fmt.Errorf("vectorstore.metric must be cosine or l2, got %q", c.VectorStore.Metric))
	}
	if c.VectorStore.Provider == "chromem" && c.VectorStore.Path == "" {
		errs = append(errs, errors.New("vectorstore.path is required for chromem"))
	}
	if c.VectorStore.Provider == "qdrant" {
		if c.VectorStore.Qdrant.Host == "" {
			errs = append(errs, errors.New("vectorstore.qdrant.host is required"))
		}
		if c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535 {
			errs = append(errs, fmt.Errorf("vectorstore.qdrant.port out of range: %d", c.VectorStore.Qdrant.Port))
		}
	}

	if len(c.Indexer.Extensions) == 0 {
		errs = append(errs, errors.New("indexer.extensions cannot be empty"))
	}
	if c.Indexer.Workers < 1 {
		errs = append(errs, fmt.Errorf("indexer.workers must be at least 1, got %d", c.Indexer.Workers))
	}
	if c.Indexer.MaxFileSize <= 0 {
		errs = append(errs, errors.New("indexer.max_file_size must be positive"))
	}

	if c.Retrieval.DefaultK <= 0 {
		errs = append(errs, errors.New("retrieval.default_k must be positive"))
	}
	if c.Retrieval.MaxContextChars <= 0 {
		errs = append(errs, errors.New("retrieval.max_context_chars must be positive"))
	}
	if c.Retrieval.PerQueryK <= 0 {
		errs = append(errs, errors.New("retrieval.per_query_k must be positive"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
		}
	}

	return errors.Join(errs...)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
