package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// ResilientConfig bounds each provider call.
type ResilientConfig struct {
	Timeout   time.Duration // per call; 0 disables
	Retries   int           // extra attempts after the first
	BatchSize int           // texts per provider call; <= 0 means all at once
	Backoff   time.Duration // wait between attempts
}

// BatchResult holds per-text outcomes of EmbedBatch. Exactly one of
// Vectors[i] and Errors[i] is set for each input.
type BatchResult struct {
	Vectors [][]float32
	Errors  []error
}

// Failed returns the number of texts that could not be embedded.
func (r BatchResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

// Resilient wraps a Provider with timeouts, a bounded retry, output
// validation and per-text failure isolation.
type Resilient struct {
	Provider
	cfg    ResilientConfig
	logger *zap.Logger
}

// NewResilient wraps p.
func NewResilient(p Provider, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Resilient{Provider: p, cfg: cfg, logger: logger}
}

// EmbedDocuments embeds all texts or fails as a whole.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	res := r.EmbedBatch(ctx, texts)
	for i, err := range res.Errors {
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
	}
	return res.Vectors, nil
}

// EmbedQuery embeds a query under the configured timeout and retries.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	var vec []float32
	err := r.attempt(ctx, func(ctx context.Context) error {
		v, err := r.Provider.EmbedQuery(ctx, text)
		if err != nil {
			return err
		}
		if err := r.check(v); err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, wrapFailed(err)
	}
	return vec, nil
}

// EmbedBatch embeds texts in batches. When a batch call fails, its texts
// are retried one by one so a single bad input only costs itself.
func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) BatchResult {
	res := BatchResult{
		Vectors: make([][]float32, len(texts)),
		Errors:  make([]error, len(texts)),
	}
	size := r.cfg.BatchSize
	if size <= 0 || size > len(texts) {
		size = len(texts)
	}

	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batch := texts[start:end]

		var vectors [][]float32
		err := r.attempt(ctx, func(ctx context.Context) error {
			v, err := r.Provider.EmbedDocuments(ctx, batch)
			if err != nil {
				return err
			}
			if len(v) != len(batch) {
				return fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmbeddingFailed, len(batch), len(v))
			}
			vectors = v
			return nil
		})

		if err == nil {
			for i, v := range vectors {
				if cerr := r.check(v); cerr != nil {
					res.Errors[start+i] = wrapFailed(cerr)
					continue
				}
				res.Vectors[start+i] = v
			}
			continue
		}
		if ctx.Err() != nil {
			for i := start; i < len(texts); i++ {
				res.Errors[i] = ctx.Err()
			}
			return res
		}
		if len(batch) == 1 {
			res.Errors[start] = wrapFailed(err)
			continue
		}

		r.logger.Warn("embedding batch failed, isolating texts",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		for i, text := range batch {
			v, err := r.single(ctx, text)
			if err != nil {
				res.Errors[start+i] = err
				continue
			}
			res.Vectors[start+i] = v
		}
	}
	return res
}

func (r *Resilient) single(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := r.attempt(ctx, func(ctx context.Context) error {
		v, err := r.Provider.EmbedDocuments(ctx, []string{text})
		if err != nil {
			return err
		}
		if len(v) != 1 {
			return fmt.Errorf("%w: expected 1 embedding, got %d", ErrEmbeddingFailed, len(v))
		}
		if err := r.check(v[0]); err != nil {
			return err
		}
		vec = v[0]
		return nil
	})
	if err != nil {
		return nil, wrapFailed(err)
	}
	return vec, nil
}

// attempt runs fn up to 1+Retries times. Empty input and configuration
// errors are not retried.
func (r *Resilient) attempt(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for i := 0; i <= r.cfg.Retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.Backoff * time.Duration(i)):
			}
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		}
		err = fn(callCtx)
		cancel()

		if err == nil || errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidConfig) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// check rejects vectors the store cannot use.
func (r *Resilient) check(v []float32) error {
	if dim := r.Provider.Dimension(); dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: vector has %d dimensions, want %d", ErrEmbeddingFailed, len(v), dim)
	}
	var norm float64
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: vector contains NaN or Inf", ErrEmbeddingFailed)
		}
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return fmt.Errorf("%w: zero vector", ErrEmbeddingFailed)
	}
	return nil
}

func wrapFailed(err error) error {
	if errors.Is(err, ErrEmbeddingFailed) || errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
}
