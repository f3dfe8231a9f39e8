package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("docindex.vectorstore.chromem")

const (
	backendChromem = "chromem"

	// Catalog collection layout, shared with the Qdrant backend.
	kindField      = "kind"
	kindSource     = "source"
	kindSettings   = "settings"
	sourcePathKey  = "source_path"
	settingsID     = "settings"
	sourceIDPrefix = "source:"
	sourcesSuffix  = "_sources"
)

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. A leading ~ is expanded.
	Path       string
	Compress   bool
	Collection string
	Settings   Settings
}

// ChromemStore is a Store on chromem-go. chromem keeps every collection in
// memory and writes each document to its own gob file, so writes are
// durable once Upsert returns.
type ChromemStore struct {
	db       *chromem.DB
	chunks   *chromem.Collection
	sources  *chromem.Collection
	cfg      ChromemConfig
	settings Settings
	logger   *zap.Logger
}

// NewChromemStore opens or creates the index at cfg.Path.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path required", ErrInvalidConfig)
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Settings.Metric == "" {
		cfg.Settings.Metric = MetricCosine
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, unavailable("expanding path", err)
	}
	cfg.Path = path

	db, err := OpenChromemDB(path, cfg.Compress, logger)
	if err != nil {
		return nil, unavailable("opening chromem db", err)
	}

	s := &ChromemStore{db: db, cfg: cfg, logger: logger}
	if err := s.openCollections(); err != nil {
		return nil, err
	}
	if err := s.pinSettings(context.Background()); err != nil {
		return nil, err
	}

	logger.Info("chromem store opened",
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Int("chunks", s.chunks.Count()),
		zap.String("metric", string(s.settings.Metric)),
	)
	return s, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// precomputed rejects chromem's lazy embedding; every document and query
// arrives with its vector.
func precomputed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embeddings must be precomputed")
}

func (s *ChromemStore) openCollections() error {
	chunks, err := s.db.GetOrCreateCollection(s.cfg.Collection, nil, precomputed)
	if err != nil {
		return unavailable("opening collection", err)
	}
	sources, err := s.db.GetOrCreateCollection(s.cfg.Collection+sourcesSuffix, nil, precomputed)
	if err != nil {
		return unavailable("opening catalog", err)
	}
	s.chunks, s.sources = chunks, sources
	return nil
}

func (s *ChromemStore) pinSettings(ctx context.Context) error {
	doc, err := s.sources.GetByID(ctx, settingsID)
	if err == nil {
		var pinned Settings
		if err := json.Unmarshal([]byte(doc.Content), &pinned); err != nil {
			return unavailable("reading settings", err)
		}
		if err := pinned.check(s.cfg.Settings); err != nil {
			return err
		}
		s.settings = pinned
		return nil
	}

	content, err := json.Marshal(s.cfg.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := s.sources.AddDocument(ctx, catalogDocument(settingsID, kindSettings, "", string(content))); err != nil {
		return unavailable("writing settings", err)
	}
	s.settings = s.cfg.Settings
	return nil
}

// catalogDocument builds a catalog entry. Catalog entries carry a constant
// one-dimensional vector; they are only ever listed, never ranked.
func catalogDocument(id, kind, path, content string) chromem.Document {
	meta := map[string]string{kindField: kind}
	if path != "" {
		meta[sourcePathKey] = path
	}
	return chromem.Document{
		ID:        id,
		Metadata:  meta,
		Embedding: []float32{1},
		Content:   content,
	}
}

// Upsert writes docs, replacing any with the same id.
func (s *ChromemStore) Upsert(ctx context.Context, docs ...Document) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))
	defer func(start time.Time) { observe(backendChromem, "upsert", start, err) }(time.Now())

	if len(docs) == 0 {
		return nil
	}
	if err := validateDocuments(docs, s.settings.Dimension); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	cdocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		cdocs[i] = chromem.Document{
			ID:        d.ID,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
			Content:   d.Content,
		}
	}
	if err := s.chunks.AddDocuments(ctx, cdocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unavailable("upsert", err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query returns the k nearest documents matching filter. Equals predicates
// are pushed down to chromem; every predicate is re-checked here.
func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, filter Filter) (results []Result, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Int("predicates", len(filter)))
	defer func(start time.Time) { observe(backendChromem, "query", start, err) }(time.Now())

	if err := validateQuery(vector, k, s.settings.Dimension, filter); err != nil {
		return nil, err
	}

	where := filter.equalities()
	var keep func(Document) bool
	if filter.needsPostFilter() {
		keep = func(d Document) bool { return filter.Match(d.Metadata) }
	}

	fetch := func(ctx context.Context, n int) ([]Result, bool, error) {
		hits, limit, total, err := s.queryEmbedding(ctx, vector, n, where)
		if err != nil {
			return nil, false, err
		}
		if total == 0 {
			return nil, true, nil
		}
		out := make([]Result, 0, len(hits))
		for _, h := range hits {
			out = append(out, Result{
				Document: Document{
					ID:        h.ID,
					Content:   h.Content,
					Embedding: h.Embedding,
					Metadata:  h.Metadata,
				},
				Distance: distance(s.settings.Metric, float64(h.Similarity)),
			})
		}
		return out, limit >= total || len(hits) < limit, nil
	}

	results, err = collectTopK(ctx, k, keep, fetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))
	return results, nil
}

// maxShrinkRetries bounds how often a query is retried after the
// collection shrank between Count and QueryEmbedding.
const maxShrinkRetries = 100

// queryEmbedding asks chromem for up to n neighbours. chromem rejects a
// limit above the current document count, and a concurrent Delete can
// shrink the collection after the count was read, so that case is retried
// against a fresh count.
func (s *ChromemStore) queryEmbedding(ctx context.Context, vector []float32, n int, where map[string]string) (hits []chromem.Result, limit, total int, err error) {
	for attempt := 0; ; attempt++ {
		total = s.chunks.Count()
		if total == 0 {
			return nil, 0, 0, nil
		}
		limit = min(n, total)
		hits, err = s.chunks.QueryEmbedding(ctx, vector, limit, where, nil)
		if err == nil {
			return hits, limit, total, nil
		}
		if !isShrinkRace(err) || attempt >= maxShrinkRetries {
			return nil, 0, 0, unavailable("query", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, 0, ctxErr
		}
	}
}

func isShrinkRace(err error) bool {
	return strings.Contains(err.Error(), "nResults must be <= the number of documents")
}

// Get returns one document.
func (s *ChromemStore) Get(ctx context.Context, id string) (Document, error) {
	doc, err := s.chunks.GetByID(ctx, id)
	if err != nil {
		return Document{}, fmt.Errorf("%w: document %q", ErrNotFound, id)
	}
	return Document{ID: doc.ID, Content: doc.Content, Embedding: doc.Embedding, Metadata: doc.Metadata}, nil
}

// Delete removes documents by id.
func (s *ChromemStore) Delete(ctx context.Context, ids ...string) (err error) {
	defer func(start time.Time) { observe(backendChromem, "delete", start, err) }(time.Now())
	present := existing(ctx, s.chunks, ids)
	if len(present) == 0 {
		return nil
	}
	if err := s.chunks.Delete(ctx, nil, nil, present...); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// existing filters ids down to those stored; chromem's Delete treats an
// empty id list as "no constraint".
func existing(ctx context.Context, c *chromem.Collection, ids []string) []string {
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := c.GetByID(ctx, id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of stored chunks.
func (s *ChromemStore) Count(context.Context) (int, error) {
	n := s.chunks.Count()
	ChunksStored.WithLabelValues(s.cfg.Collection).Set(float64(n))
	return n, nil
}

// Sources lists catalog records sorted by path.
func (s *ChromemStore) Sources(ctx context.Context) ([]SourceRecord, error) {
	total := s.sources.Count()
	if total == 0 {
		return nil, nil
	}
	hits, err := s.sources.QueryEmbedding(ctx, []float32{1}, total, map[string]string{kindField: kindSource}, nil)
	if err != nil {
		return nil, unavailable("listing sources", err)
	}
	records := make([]SourceRecord, 0, len(hits))
	for _, h := range hits {
		var rec SourceRecord
		if err := json.Unmarshal([]byte(h.Content), &rec); err != nil {
			s.logger.Warn("skipping unreadable catalog record", zap.String("id", h.ID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	sortSources(records)
	return records, nil
}

// Source returns the catalog record for path under root.
func (s *ChromemStore) Source(ctx context.Context, root, path string) (SourceRecord, error) {
	doc, err := s.sources.GetByID(ctx, sourceID(root, path))
	if err != nil {
		return SourceRecord{}, fmt.Errorf("%w: source %q", ErrNotFound, path)
	}
	var rec SourceRecord
	if err := json.Unmarshal([]byte(doc.Content), &rec); err != nil {
		return SourceRecord{}, unavailable("reading source", err)
	}
	return rec, nil
}

// PutSource writes a catalog record.
func (s *ChromemStore) PutSource(ctx context.Context, rec SourceRecord) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding source record: %w", err)
	}
	doc := catalogDocument(sourceID(rec.Root, rec.SourcePath), kindSource, rec.SourcePath, string(content))
	if err := s.sources.AddDocument(ctx, doc); err != nil {
		return unavailable("writing source", err)
	}
	return nil
}

// DeleteSource removes a catalog record.
func (s *ChromemStore) DeleteSource(ctx context.Context, root, path string) error {
	ids := existing(ctx, s.sources, []string{sourceID(root, path)})
	if len(ids) == 0 {
		return nil
	}
	if err := s.sources.Delete(ctx, nil, nil, ids...); err != nil {
		return unavailable("deleting source", err)
	}
	return nil
}

func (s *ChromemStore) Settings() Settings { return s.settings }

func (s *ChromemStore) Collection() string { return s.cfg.Collection }

// Reset drops both collections and re-pins the configured settings.
func (s *ChromemStore) Reset(ctx context.Context) error {
	for _, name := range []string{s.cfg.Collection, s.cfg.Collection + sourcesSuffix} {
		if err := s.db.DeleteCollection(name); err != nil {
			return unavailable("dropping "+name, err)
		}
	}
	if err := s.openCollections(); err != nil {
		return err
	}
	s.settings = Settings{}
	if err := s.pinSettings(ctx); err != nil {
		return err
	}
	s.logger.Info("index reset", zap.String("collection", s.cfg.Collection))
	return nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error { return nil }

// Path is the persistence directory.
func (s *ChromemStore) Path() string { return s.cfg.Path }
