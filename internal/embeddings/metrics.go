package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// InstrumentationName identifies the embeddings meter.
const InstrumentationName = "github.com/fyrsmithlabs/docindex/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates the instruments on meter. Instruments that fail to
// register are logged and skipped.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	m.duration, err = meter.Float64Histogram(
		"docindex.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"docindex.embedding.batch_size",
		metric.WithDescription("Texts per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"docindex.embedding.errors_total",
		metric.WithDescription("Failed embedding calls by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return m
}

// Record records one provider call.
func (m *Metrics) Record(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// Instrumented records metrics around every call of the wrapped provider.
type Instrumented struct {
	Provider
	metrics *Metrics
}

// Instrument wraps p so its calls are measured.
func Instrument(p Provider, m *Metrics) *Instrumented {
	return &Instrumented{Provider: p, metrics: m}
}

func (i *Instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	v, err := i.Provider.EmbedDocuments(ctx, texts)
	i.metrics.Record(ctx, i.Model(), "embed_documents", time.Since(start), len(texts), err)
	return v, err
}

func (i *Instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := i.Provider.EmbedQuery(ctx, text)
	i.metrics.Record(ctx, i.Model(), "embed_query", time.Since(start), 0, err)
	return v, err
}
