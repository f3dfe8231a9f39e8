// Package app wires configuration into a running docindex: store,
// embedder, chunker, indexing pipeline and retriever. The CLI, the HTTP
// server and the MCP server all go through an *App.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/chunking"
	"github.com/fyrsmithlabs/docindex/internal/config"
	"github.com/fyrsmithlabs/docindex/internal/embeddings"
	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/retrieval"
	"github.com/fyrsmithlabs/docindex/internal/secrets"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
	"github.com/fyrsmithlabs/docindex/internal/watch"
)

// App is a fully wired docindex instance.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     vectorstore.Store
	embedder  *embeddings.Resilient
	chunker   *chunking.Chunker
	redactor  *secrets.Redactor
	pipeline  *indexer.Pipeline
	retriever *retrieval.Retriever
}

type options struct {
	logger   *zap.Logger
	provider embeddings.Provider
	store    vectorstore.Store
	meter    metric.Meter
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProvider uses p instead of building the configured provider.
func WithProvider(p embeddings.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithStore uses s instead of opening the configured store.
func WithStore(s vectorstore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMeter records embedding metrics on m instead of the global meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// New builds an App from cfg. The returned App owns the store and the
// embedding provider; Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := o.meter
	if meter == nil {
		meter = otel.Meter("github.com/fyrsmithlabs/docindex/internal/embeddings")
	}

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = embeddings.NewProvider(embeddings.Config{
			Provider:  cfg.Embeddings.Provider,
			Model:     cfg.Embeddings.Model,
			BaseURL:   cfg.Embeddings.BaseURL,
			APIKey:    cfg.Embeddings.APIKey.Value(),
			CacheDir:  cfg.Embeddings.CacheDir,
			Dimension: cfg.Embeddings.Dimension,
			BatchSize: cfg.Embeddings.BatchSize,
			RateLimit: cfg.Embeddings.RateLimit,
			Timeout:   cfg.Embeddings.Timeout.Duration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}
	embedder := embeddings.NewResilient(
		embeddings.Instrument(provider, embeddings.NewMetrics(meter, logger)),
		embeddings.ResilientConfig{
			Timeout:   cfg.Embeddings.Timeout.Duration(),
			Retries:   cfg.Embeddings.Retries,
			BatchSize: cfg.Embeddings.BatchSize,
		},
		logger,
	)

	a := &App{cfg: cfg, logger: logger, embedder: embedder}
	if err := a.init(ctx, o.store); err != nil {
		_ = embedder.Close()
		if a.store != nil && o.store == nil {
			_ = a.store.Close()
		}
		return nil, err
	}

	logger.Info("docindex ready",
		zap.String("store", cfg.VectorStore.Provider),
		zap.String("collection", a.store.Collection()),
		zap.String("model", embedder.Model()),
		zap.Int("dimension", embedder.Dimension()),
		zap.Bool("redact_secrets", a.redactor != nil),
	)
	return a, nil
}

func (a *App) init(ctx context.Context, store vectorstore.Store) error {
	cfg := a.cfg

	if store == nil {
		m, err := vectorstore.ParseMetric(cfg.VectorStore.Metric)
		if err != nil {
			return err
		}
		store, err = vectorstore.New(ctx, vectorstore.Config{
			Provider: cfg.VectorStore.Provider,
			Settings: vectorstore.Settings{
				Metric:    m,
				Model:     a.embedder.Model(),
				Dimension: a.embedder.Dimension(),
			},
			Chromem: vectorstore.ChromemConfig{
				Path:       cfg.VectorStore.Path,
				Compress:   cfg.VectorStore.Compress,
				Collection: cfg.VectorStore.Collection,
			},
			Qdrant: vectorstore.QdrantConfig{
				Host:       cfg.VectorStore.Qdrant.Host,
				Port:       cfg.VectorStore.Qdrant.Port,
				UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
				APIKey:     cfg.VectorStore.Qdrant.APIKey.Value(),
				Collection: cfg.VectorStore.Collection,
			},
		}, a.logger)
		if err != nil {
			return fmt.Errorf("opening vector store: %w", err)
		}
	}
	a.store = store

	chunker, err := chunking.New(chunking.Config{
		MaxChunkSize: cfg.Chunking.MaxChunkSize,
		Overlap:      cfg.Chunking.Overlap,
	}, a.logger)
	if err != nil {
		return err
	}
	a.chunker = chunker

	pipelineOpts := []indexer.Option{indexer.WithLogger(a.logger)}
	if cfg.Chunking.RedactSecrets {
		a.redactor, err = secrets.NewRedactor()
		if err != nil {
			return fmt.Errorf("creating secret redactor: %w", err)
		}
		pipelineOpts = append(pipelineOpts, indexer.WithRedactor(a.redactor))
	}

	a.pipeline, err = indexer.New(indexer.Config{
		Extensions:  cfg.Indexer.Extensions,
		Workers:     cfg.Indexer.Workers,
		MaxFileSize: cfg.Indexer.MaxFileSize,
		Include:     cfg.Indexer.Include,
		Exclude:     cfg.Indexer.Exclude,
		IgnoreFiles: cfg.Indexer.IgnoreFiles,
	}, chunker, a.embedder, store, pipelineOpts...)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	a.retriever = retrieval.New(retrieval.Config{
		DefaultK:        cfg.Retrieval.DefaultK,
		PerQueryK:       cfg.Retrieval.PerQueryK,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
	}, a.embedder, store, a.logger)
	return nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the App's logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Redactor returns the secret redactor, or nil when redaction is off.
func (a *App) Redactor() *secrets.Redactor { return a.redactor }

// IndexOptions returns the indexing options set in configuration.
func (a *App) IndexOptions() indexer.Options {
	return indexer.Options{
		Prune:         a.cfg.Indexer.Prune,
		SkipUnchanged: a.cfg.Indexer.SkipUnchanged,
	}
}

// IndexDirectory indexes every eligible document under root.
func (a *App) IndexDirectory(ctx context.Context, root string, opts indexer.Options) (*indexer.Report, error) {
	return a.pipeline.IndexDirectory(ctx, root, opts)
}

// Search returns the k chunks nearest to query that satisfy filter.
func (a *App) Search(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]retrieval.Result, error) {
	return a.retriever.Search(ctx, query, k, filter)
}

// Assemble renders results into a context block of at most maxChars
// characters.
func (a *App) Assemble(results []retrieval.Result, maxChars int) string {
	return retrieval.Assemble(results, maxChars)
}

// KnowledgeContext builds a documentation context for req.
func (a *App) KnowledgeContext(ctx context.Context, req retrieval.Requirements, maxChars int) (*retrieval.Knowledge, error) {
	return a.retriever.KnowledgeContext(ctx, req, maxChars)
}

// Count returns the number of indexed chunks.
func (a *App) Count(ctx context.Context) (int, error) {
	return a.store.Count(ctx)
}

// Stats describes the index.
func (a *App) Stats(ctx context.Context) (indexer.Stats, error) {
	return a.pipeline.Stats(ctx)
}

// MetadataHealth checks the on-disk collections of a chromem store. Other
// backends report nil.
func (a *App) MetadataHealth(ctx context.Context) (*vectorstore.MetadataHealth, error) {
	cs, ok := a.store.(*vectorstore.ChromemStore)
	if !ok {
		return nil, nil
	}
	return vectorstore.CheckMetadataHealth(ctx, cs.Path(), a.logger)
}

// Reset removes every chunk and catalog record.
func (a *App) Reset(ctx context.Context) error {
	if err := a.store.Reset(ctx); err != nil {
		return err
	}
	a.logger.Info("index reset", zap.String("collection", a.store.Collection()))
	return nil
}

// Watch keeps root in sync with the index until ctx is cancelled.
func (a *App) Watch(ctx context.Context, root string) error {
	w, err := watch.New(root, a.pipeline, watch.Config{
		Debounce:    a.cfg.Indexer.WatchDebounce.Duration(),
		IgnoreFiles: a.cfg.Indexer.IgnoreFiles,
	}, a.logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Close releases the store and the embedding provider.
func (a *App) Close() error {
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if err := a.embedder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedder: %w", err))
	}
	return errors.Join(errs...)
}
