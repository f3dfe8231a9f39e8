package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/docindex/internal/chunking"
	"github.com/fyrsmithlabs/docindex/internal/embeddings"
	"github.com/fyrsmithlabs/docindex/internal/secrets"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

var tracer = otel.Tracer("docindex.indexer")

// Embedder embeds chunk texts, isolating failures per text.
// *embeddings.Resilient satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) embeddings.BatchResult
	Model() string
}

// Pipeline indexes documents into a store. It is safe for concurrent use,
// though concurrent runs over the same root race on the catalog.
type Pipeline struct {
	cfg      Config
	chunker  *chunking.Chunker
	embedder Embedder
	store    vectorstore.Store
	redactor *secrets.Redactor
	logger   *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRedactor removes secrets from documents before chunking.
func WithRedactor(r *secrets.Redactor) Option {
	return func(p *Pipeline) { p.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline.
func New(cfg Config, chunker *chunking.Chunker, embedder Embedder, store vectorstore.Store, opts ...Option) (*Pipeline, error) {
	if chunker == nil {
		return nil, errors.New("chunker is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	p := &Pipeline{
		cfg:      cfg.withDefaults(),
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// run collects report updates from concurrent workers.
type run struct {
	mu  sync.Mutex
	rep *Report
}

func (r *run) update(fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.rep)
}

// IndexDirectory indexes every eligible document under root.
//
// Documents are processed independently; a document that cannot be read
// or embedded is recorded in the report and the run continues. A store
// error stops the run: documents already in flight finish, no new ones
// start, and the error is returned with the partial report. Cancelling ctx
// behaves the same way.
func (p *Pipeline) IndexDirectory(ctx context.Context, root string, opts Options) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.IndexDirectory")
	defer span.End()
	start := time.Now()

	root, err := validateRoot(root)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("root", root),
		attribute.Bool("prune", opts.Prune),
		attribute.Bool("skip_unchanged", opts.SkipUnchanged),
	)

	rep := &Report{Root: root}
	err = p.indexDirectory(ctx, root, opts, rep)
	rep.Elapsed = time.Since(start)
	recordRun(rep, err)

	span.SetAttributes(
		attribute.Int("documents_seen", rep.DocumentsSeen),
		attribute.Int("documents_failed", rep.DocumentsFailed),
		attribute.Int("chunks_stored", rep.ChunksStored),
	)
	fields := []zap.Field{
		zap.String("root", root),
		zap.Int("documents_seen", rep.DocumentsSeen),
		zap.Int("documents_succeeded", rep.DocumentsSucceeded),
		zap.Int("documents_failed", rep.DocumentsFailed),
		zap.Int("documents_unchanged", rep.DocumentsUnchanged),
		zap.Int("documents_pruned", rep.DocumentsPruned),
		zap.Int("chunks_stored", rep.ChunksStored),
		zap.Int("chunks_skipped", rep.ChunksSkipped),
		zap.Duration("elapsed", rep.Elapsed),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("indexing aborted", append(fields, zap.Error(err))...)
		return rep, err
	}
	span.SetStatus(codes.Ok, "success")
	p.logger.Info("indexing complete", fields...)
	return rep, nil
}

func (p *Pipeline) indexDirectory(ctx context.Context, root string, opts Options, rep *Report) error {
	m, err := p.matcher(root)
	if err != nil {
		return fmt.Errorf("loading ignore rules: %w", err)
	}
	files, oversize, warnings, err := p.discover(ctx, root, m)
	rep.Warnings = append(rep.Warnings, warnings...)
	if err != nil {
		return err
	}

	rep.DocumentsSeen = len(files) + len(oversize)
	rep.DocumentsSkipped = len(oversize)
	for _, rel := range oversize {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: larger than %d bytes, skipped", rel, p.cfg.MaxFileSize))
	}

	r := &run{rep: rep}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// A started document runs to completion so its chunks and
			// catalog record are written together.
			return p.indexDocument(context.WithoutCancel(gctx), root, f, opts, r)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !opts.Prune {
		return nil
	}
	present := make(map[string]bool, len(files)+len(oversize))
	for _, f := range files {
		present[f.rel] = true
	}
	for _, rel := range oversize {
		present[rel] = true
	}
	return p.prune(ctx, root, present, rep)
}

// IndexFile indexes a single document under root. path may be absolute or
// relative to root. Ignored and unsupported files are not indexed, and a
// document whose content and model match its catalog record is skipped.
func (p *Pipeline) IndexFile(ctx context.Context, root, path string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.IndexFile")
	defer span.End()
	start := time.Now()

	root, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	rel, err := relative(root, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	span.SetAttributes(attribute.String("path", rel))

	rep := &Report{Root: root}
	m, err := p.matcher(root)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}
	if !p.supported(rel) || m.Ignored(rel) {
		p.logger.Debug("file not eligible for indexing", zap.String("path", rel))
		return rep, nil
	}

	abs := filepath.Join(root, filepath.FromSlash(rel))
	rep.DocumentsSeen = 1
	r := &run{rep: rep}
	info, statErr := os.Stat(abs)
	switch {
	case statErr != nil:
		r.fail(rel, FailureRead, statErr)
	case info.Size() > p.cfg.MaxFileSize:
		rep.DocumentsSkipped++
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: larger than %d bytes, skipped", rel, p.cfg.MaxFileSize))
	default:
		err = p.indexDocument(ctx, root, file{rel: rel, abs: abs, size: info.Size()}, Options{SkipUnchanged: true}, r)
	}
	rep.Elapsed = time.Since(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return rep, err
	}
	return rep, nil
}

// RemoveFile deletes a document's chunks and catalog record. It returns
// the number of chunks removed; a document that was never indexed removes
// nothing.
func (p *Pipeline) RemoveFile(ctx context.Context, root, path string) (int, error) {
	root, err := validateRoot(root)
	if err != nil {
		return 0, err
	}
	rel, err := relative(root, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	rec, found, err := p.previous(ctx, root, rel)
	if err != nil || !found {
		return 0, err
	}
	n, err := p.remove(ctx, rec)
	if err != nil {
		return 0, err
	}
	ChunksTotal.WithLabelValues("removed").Add(float64(n))
	p.logger.Info("document removed", zap.String("path", rel), zap.Int("chunks", n))
	return n, nil
}

// Stats describes the index.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	count, err := p.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	sources, err := p.store.Sources(ctx)
	if err != nil {
		return Stats{}, err
	}
	settings := p.store.Settings()
	return Stats{
		Chunks:     count,
		Sources:    len(sources),
		Collection: p.store.Collection(),
		Model:      settings.Model,
		Metric:     settings.Metric,
		Dimension:  settings.Dimension,
	}, nil
}

func (p *Pipeline) indexDocument(ctx context.Context, root string, f file, opts Options, r *run) error {
	ctx, span := tracer.Start(ctx, "Pipeline.indexDocument", trace.WithAttributes(attribute.String("path", f.rel)))
	defer span.End()

	raw, err := os.ReadFile(f.abs)
	if err != nil {
		r.fail(f.rel, FailureRead, err)
		return nil
	}
	if !utf8.Valid(raw) {
		r.update(func(rep *Report) {
			rep.DocumentsSkipped++
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: not valid UTF-8, skipped", f.rel))
		})
		return nil
	}

	if err := p.indexContent(ctx, root, f.rel, raw, opts, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// indexContent chunks, embeds and stores one document. Only store errors
// are returned.
func (p *Pipeline) indexContent(ctx context.Context, root, rel string, raw []byte, opts Options, r *run) error {
	hash := contentHash(raw)
	model := p.embedder.Model()

	prev, found, err := p.previous(ctx, root, rel)
	if err != nil {
		return err
	}
	if opts.SkipUnchanged && found && prev.ContentHash == hash && prev.Model == model {
		p.logger.Debug("document unchanged", zap.String("path", rel))
		r.update(func(rep *Report) { rep.DocumentsUnchanged++ })
		return nil
	}

	content := string(raw)
	var redacted int
	if p.redactor != nil {
		var findings []secrets.Finding
		content, findings = p.redactor.Redact(content)
		redacted = len(findings)
		for _, f := range findings {
			p.logger.Warn("secret redacted",
				zap.String("path", rel),
				zap.String("rule_id", f.RuleID),
				zap.Int("line", f.Line),
			)
		}
	}

	res := p.chunker.Chunk(chunking.Document{Root: root, Path: rel, Content: content})
	warnings := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, w.Error())
	}

	var batch embeddings.BatchResult
	if len(res.Chunks) > 0 {
		texts := make([]string, len(res.Chunks))
		for i, ch := range res.Chunks {
			texts[i] = ch.EmbeddingText()
		}
		batch = p.embedder.EmbedBatch(ctx, texts)
	}

	docs := make([]vectorstore.Document, 0, len(res.Chunks))
	var skipped []ChunkSkip
	for i, ch := range res.Chunks {
		if err := batchError(batch, i); err != nil {
			skipped = append(skipped, ChunkSkip{Path: rel, ChunkID: ch.ID, Key: ch.Key, Reason: err.Error()})
			continue
		}
		docs = append(docs, vectorstore.Document{
			ID:        ch.ID,
			Content:   ch.Text,
			Embedding: batch.Vectors[i],
			Metadata:  ch.Metadata(),
		})
	}
	for _, s := range skipped {
		p.logger.Warn("chunk skipped", zap.String("path", rel), zap.String("chunk_key", s.Key), zap.String("reason", s.Reason))
	}

	if len(res.Chunks) > 0 && len(docs) == 0 {
		r.update(func(rep *Report) {
			rep.DocumentsFailed++
			rep.Failures = append(rep.Failures, DocumentFailure{
				Path:   rel,
				Kind:   FailureEmbedding,
				Reason: fmt.Sprintf("none of %d chunks could be embedded: %s", len(res.Chunks), skipped[0].Reason),
			})
			rep.ChunksSkipped += len(skipped)
			rep.Skipped = append(rep.Skipped, skipped...)
			rep.Warnings = append(rep.Warnings, warnings...)
			rep.SecretsRedacted += redacted
		})
		return nil
	}

	if len(docs) > 0 {
		if err := p.store.Upsert(ctx, docs...); err != nil {
			return fmt.Errorf("storing chunks of %s: %w", rel, err)
		}
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	stale := staleIDs(prev.ChunkIDs, ids)
	if len(stale) > 0 {
		if err := p.store.Delete(ctx, stale...); err != nil {
			return fmt.Errorf("removing stale chunks of %s: %w", rel, err)
		}
	}

	rec := vectorstore.SourceRecord{
		Root:        root,
		SourcePath:  rel,
		ContentHash: hash,
		ChunkIDs:    ids,
		ChunkCount:  len(ids),
		IndexedAt:   time.Now().UTC(),
		Model:       model,
	}
	if err := p.store.PutSource(ctx, rec); err != nil {
		return fmt.Errorf("recording %s: %w", rel, err)
	}

	p.logger.Debug("document indexed",
		zap.String("path", rel),
		zap.Int("chunks", len(docs)),
		zap.Int("skipped", len(skipped)),
		zap.Int("stale", len(stale)),
	)
	r.update(func(rep *Report) {
		rep.DocumentsSucceeded++
		rep.ChunksStored += len(docs)
		rep.ChunksSkipped += len(skipped)
		rep.ChunksRemoved += len(stale)
		rep.Skipped = append(rep.Skipped, skipped...)
		rep.Warnings = append(rep.Warnings, warnings...)
		rep.SecretsRedacted += redacted
	})
	return nil
}

// prune removes catalog entries under root whose documents are not in
// present. Records of other roots are left alone.
func (p *Pipeline) prune(ctx context.Context, root string, present map[string]bool, rep *Report) error {
	sources, err := p.store.Sources(ctx)
	if err != nil {
		return fmt.Errorf("listing sources: %w", err)
	}
	for _, rec := range sources {
		if rec.Root != root || present[rec.SourcePath] {
			continue
		}
		n, err := p.remove(ctx, rec)
		if err != nil {
			return err
		}
		rep.DocumentsPruned++
		rep.ChunksRemoved += n
		p.logger.Info("document pruned", zap.String("path", rec.SourcePath), zap.Int("chunks", n))
	}
	return nil
}

func (p *Pipeline) remove(ctx context.Context, rec vectorstore.SourceRecord) (int, error) {
	if len(rec.ChunkIDs) > 0 {
		if err := p.store.Delete(ctx, rec.ChunkIDs...); err != nil {
			return 0, fmt.Errorf("removing chunks of %s: %w", rec.SourcePath, err)
		}
	}
	if err := p.store.DeleteSource(ctx, rec.Root, rec.SourcePath); err != nil {
		return 0, fmt.Errorf("removing catalog record of %s: %w", rec.SourcePath, err)
	}
	return len(rec.ChunkIDs), nil
}

// previous returns the catalog record for rel under root, if any.
func (p *Pipeline) previous(ctx context.Context, root, rel string) (vectorstore.SourceRecord, bool, error) {
	rec, err := p.store.Source(ctx, root, rel)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, vectorstore.ErrNotFound):
		return vectorstore.SourceRecord{}, false, nil
	default:
		return vectorstore.SourceRecord{}, false, fmt.Errorf("reading catalog record of %s: %w", rel, err)
	}
}

func (r *run) fail(path, kind string, err error) {
	r.update(func(rep *Report) {
		rep.DocumentsFailed++
		rep.Failures = append(rep.Failures, DocumentFailure{Path: path, Kind: kind, Reason: err.Error()})
	})
}

func batchError(b embeddings.BatchResult, i int) error {
	if i >= len(b.Errors) || i >= len(b.Vectors) {
		return fmt.Errorf("%w: no result for chunk %d", embeddings.ErrEmbeddingFailed, i)
	}
	if b.Errors[i] != nil {
		return b.Errors[i]
	}
	if len(b.Vectors[i]) == 0 {
		return fmt.Errorf("%w: empty vector for chunk %d", embeddings.ErrEmbeddingFailed, i)
	}
	return nil
}

func staleIDs(previous, current []string) []string {
	keep := make(map[string]bool, len(current))
	for _, id := range current {
		keep[id] = true
	}
	var stale []string
	for _, id := range previous {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	return stale
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
