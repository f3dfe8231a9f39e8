package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("docindex.vectorstore.qdrant")

const (
	backendQdrant = "qdrant"

	// contentKey holds the chunk text in the point payload.
	contentKey = "_content"
)

var catalogNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/fyrsmithlabs/docindex/catalog"))

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host       string
	Port       int // gRPC port, not the 6333 REST port
	UseTLS     bool
	APIKey     string
	Collection string
	Settings   Settings

	// MaxRetries bounds retries of read operations on transient errors.
	// Writes are never retried.
	MaxRetries   int
	RetryBackoff time.Duration

	MaxMessageSize int

	// CircuitBreakerThreshold is the number of consecutive failures after
	// which calls fail fast for 30 seconds.
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.Settings.Metric == "" {
		c.Settings.Metric = MetricCosine
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name required", ErrInvalidConfig)
	}
	return c.Settings.Validate()
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store on a Qdrant server.
type QdrantStore struct {
	client   *qdrant.Client
	cfg      QdrantConfig
	settings Settings
	logger   *zap.Logger

	circuitBreaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantStore connects, creates missing collections and pins settings.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC connection is plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, unavailable("connecting to qdrant", err)
	}

	s := &QdrantStore{client: client, cfg: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, unavailable("health check", err)
	}

	if err := s.ensureCollections(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.pinSettings(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store opened",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
		zap.String("metric", string(s.settings.Metric)),
	)
	return s, nil
}

func (s *QdrantStore) sourcesCollection() string {
	return s.cfg.Collection + sourcesSuffix
}

func qdrantDistance(m Metric) qdrant.Distance {
	if m == MetricL2 {
		return qdrant.Distance_Euclid
	}
	return qdrant.Distance_Cosine
}

func (s *QdrantStore) ensureCollections(ctx context.Context) error {
	wanted := []struct {
		name     string
		size     uint64
		distance qdrant.Distance
	}{
		{s.cfg.Collection, uint64(s.cfg.Settings.Dimension), qdrantDistance(s.cfg.Settings.Metric)},
		{s.sourcesCollection(), 1, qdrant.Distance_Cosine},
	}
	for _, c := range wanted {
		exists, err := s.client.CollectionExists(ctx, c.name)
		if err != nil {
			return unavailable("checking collection "+c.name, err)
		}
		if exists {
			continue
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: c.name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     c.size,
				Distance: c.distance,
			}),
		})
		if err != nil {
			return unavailable("creating collection "+c.name, err)
		}
		s.logger.Info("created qdrant collection", zap.String("collection", c.name))
	}
	return nil
}

func (s *QdrantStore) pinSettings(ctx context.Context) error {
	content, found, err := s.getCatalog(ctx, catalogID(settingsID))
	if err != nil {
		return err
	}
	if found {
		var pinned Settings
		if err := json.Unmarshal([]byte(content), &pinned); err != nil {
			return unavailable("reading settings", err)
		}
		if err := pinned.check(s.cfg.Settings); err != nil {
			return err
		}
		s.settings = pinned
		return nil
	}

	raw, err := json.Marshal(s.cfg.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := s.putCatalog(ctx, catalogID(settingsID), kindSettings, "", string(raw)); err != nil {
		return err
	}
	s.settings = s.cfg.Settings
	return nil
}

// catalogID derives a point id for a catalog entry; Qdrant ids must be
// UUIDs or integers.
func catalogID(key string) string {
	return uuid.NewSHA1(catalogNamespace, []byte(key)).String()
}

// withRetry runs a read with exponential backoff on transient errors.
func (s *QdrantStore) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		if s.isCircuitOpen() {
			return unavailable(op, errors.New("circuit breaker open"))
		}
		err := fn()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		s.recordFailure()
		if !IsTransientError(err) || attempt >= s.cfg.MaxRetries {
			return unavailable(op, err)
		}
		s.logger.Debug("retrying qdrant read", zap.String("operation", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return unavailable(op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// once runs a write a single time.
func (s *QdrantStore) once(op string, fn func() error) error {
	if s.isCircuitOpen() {
		return unavailable(op, errors.New("circuit breaker open"))
	}
	if err := fn(); err != nil {
		s.recordFailure()
		return unavailable(op, err)
	}
	s.resetCircuitBreaker()
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	if s.circuitBreaker.failures < s.cfg.CircuitBreakerThreshold {
		return false
	}
	if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
		s.circuitBreaker.failures = 0
		return false
	}
	return true
}

// Upsert writes docs, replacing any with the same id.
func (s *QdrantStore) Upsert(ctx context.Context, docs ...Document) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))
	defer func(start time.Time) { observe(backendQdrant, "upsert", start, err) }(time.Now())

	if len(docs) == 0 {
		return nil
	}
	if err := validateDocuments(docs, s.settings.Dimension); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		if _, err := uuid.Parse(d.ID); err != nil {
			return fmt.Errorf("%w: id %q is not a UUID", ErrInvalidDocument, d.ID)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(d.ID),
			Vectors: qdrant.NewVectors(d.Embedding...),
			Payload: qdrant.NewValueMap(toPayload(d.Metadata, d.Content)),
		}
	}

	err = s.once("upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func toPayload(metadata map[string]string, content string) map[string]any {
	payload := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	payload[contentKey] = content
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) (map[string]string, string) {
	metadata := make(map[string]string, len(payload))
	var content string
	for k, v := range payload {
		if k == contentKey {
			content = v.GetStringValue()
			continue
		}
		metadata[k] = v.GetStringValue()
	}
	return metadata, content
}

// toQdrantFilter pushes Equals and OneOf predicates down as keyword
// matches. Contains is evaluated after the fetch.
func toQdrantFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	for _, p := range f {
		switch p.Op {
		case OpEquals:
			must = append(must, qdrant.NewMatchKeyword(p.Field, p.Values[0]))
		case OpOneOf:
			must = append(must, qdrant.NewMatchKeywords(p.Field, p.Values...))
		}
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func hasContains(f Filter) bool {
	for _, p := range f {
		if p.Op == OpContains {
			return true
		}
	}
	return false
}

// Query returns the k nearest documents matching filter.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int, filter Filter) (results []Result, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Int("predicates", len(filter)))
	defer func(start time.Time) { observe(backendQdrant, "query", start, err) }(time.Now())

	if err := validateQuery(vector, k, s.settings.Dimension, filter); err != nil {
		return nil, err
	}

	qfilter := toQdrantFilter(filter)
	var keep func(Document) bool
	if hasContains(filter) {
		keep = func(d Document) bool { return filter.Match(d.Metadata) }
	}

	fetch := func(ctx context.Context, n int) ([]Result, bool, error) {
		var points []*qdrant.ScoredPoint
		err := s.withRetry(ctx, "query", func() error {
			var err error
			points, err = s.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: s.cfg.Collection,
				Query:          qdrant.NewQuery(vector...),
				Limit:          qdrant.PtrOf(uint64(n)),
				Filter:         qfilter,
				WithPayload:    qdrant.NewWithPayload(true),
				Params:         &qdrant.SearchParams{Exact: qdrant.PtrOf(true)},
			})
			return err
		})
		if err != nil {
			return nil, false, err
		}
		out := make([]Result, 0, len(points))
		for _, p := range points {
			metadata, content := fromPayload(p.GetPayload())
			out = append(out, Result{
				Document: Document{ID: p.GetId().GetUuid(), Content: content, Metadata: metadata},
				Distance: s.scoreToDistance(float64(p.GetScore())),
			})
		}
		return out, len(points) < n, nil
	}

	results, err = collectTopK(ctx, k, keep, fetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return results, nil
}

// scoreToDistance maps a Qdrant score to a distance. Euclid scores are
// already distances.
func (s *QdrantStore) scoreToDistance(score float64) float64 {
	if s.settings.Metric == MetricL2 {
		return score
	}
	return 1 - score
}

// Get returns one document without its vector.
func (s *QdrantStore) Get(ctx context.Context, id string) (Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Document{}, fmt.Errorf("%w: document %q", ErrNotFound, id)
	}
	var points []*qdrant.RetrievedPoint
	err := s.withRetry(ctx, "get", func() error {
		var err error
		points, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.cfg.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return Document{}, err
	}
	if len(points) == 0 {
		return Document{}, fmt.Errorf("%w: document %q", ErrNotFound, id)
	}
	metadata, content := fromPayload(points[0].GetPayload())
	return Document{ID: id, Content: content, Metadata: metadata}, nil
}

// Delete removes documents by id.
func (s *QdrantStore) Delete(ctx context.Context, ids ...string) (err error) {
	defer func(start time.Time) { observe(backendQdrant, "delete", start, err) }(time.Now())
	return s.deletePoints(ctx, s.cfg.Collection, ids)
}

func (s *QdrantStore) deletePoints(ctx context.Context, collection string, ids []string) error {
	var pids []*qdrant.PointId
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			pids = append(pids, qdrant.NewIDUUID(id))
		}
	}
	if len(pids) == 0 {
		return nil
	}
	return s.once("delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(pids...),
		})
		return err
	})
}

// Count returns the number of stored chunks.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var n uint64
	err := s.withRetry(ctx, "count", func() error {
		var err error
		n, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.cfg.Collection,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	ChunksStored.WithLabelValues(s.cfg.Collection).Set(float64(n))
	return int(n), nil
}

func (s *QdrantStore) getCatalog(ctx context.Context, id string) (string, bool, error) {
	var points []*qdrant.RetrievedPoint
	err := s.withRetry(ctx, "get catalog", func() error {
		var err error
		points, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.sourcesCollection(),
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return "", false, err
	}
	if len(points) == 0 {
		return "", false, nil
	}
	_, content := fromPayload(points[0].GetPayload())
	return content, true, nil
}

func (s *QdrantStore) putCatalog(ctx context.Context, id, kind, path, content string) error {
	payload := map[string]any{kindField: kind, contentKey: content}
	if path != "" {
		payload[sourcePathKey] = path
	}
	return s.once("put catalog", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.sourcesCollection(),
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(id),
				Vectors: qdrant.NewVectors(1),
				Payload: qdrant.NewValueMap(payload),
			}},
		})
		return err
	})
}

// Sources lists catalog records sorted by path.
func (s *QdrantStore) Sources(ctx context.Context) ([]SourceRecord, error) {
	var (
		records []SourceRecord
		offset  *qdrant.PointId
	)
	for {
		var (
			points []*qdrant.RetrievedPoint
			next   *qdrant.PointId
		)
		err := s.withRetry(ctx, "list sources", func() error {
			var err error
			points, next, err = s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: s.sourcesCollection(),
				Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(kindField, kindSource)}},
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(256)),
				WithPayload:    qdrant.NewWithPayload(true),
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			_, content := fromPayload(p.GetPayload())
			var rec SourceRecord
			if err := json.Unmarshal([]byte(content), &rec); err != nil {
				s.logger.Warn("skipping unreadable catalog record", zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		if next == nil {
			break
		}
		offset = next
	}
	sortSources(records)
	return records, nil
}

// Source returns the catalog record for path under root.
func (s *QdrantStore) Source(ctx context.Context, root, path string) (SourceRecord, error) {
	content, found, err := s.getCatalog(ctx, catalogID(sourceID(root, path)))
	if err != nil {
		return SourceRecord{}, err
	}
	if !found {
		return SourceRecord{}, fmt.Errorf("%w: source %q", ErrNotFound, path)
	}
	var rec SourceRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return SourceRecord{}, unavailable("reading source", err)
	}
	return rec, nil
}

// PutSource writes a catalog record.
func (s *QdrantStore) PutSource(ctx context.Context, rec SourceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding source record: %w", err)
	}
	return s.putCatalog(ctx, catalogID(sourceID(rec.Root, rec.SourcePath)), kindSource, rec.SourcePath, string(raw))
}

// DeleteSource removes a catalog record.
func (s *QdrantStore) DeleteSource(ctx context.Context, root, path string) error {
	return s.deletePoints(ctx, s.sourcesCollection(), []string{catalogID(sourceID(root, path))})
}

func (s *QdrantStore) Settings() Settings { return s.settings }

func (s *QdrantStore) Collection() string { return s.cfg.Collection }

// Reset drops both collections, recreates them and re-pins settings.
func (s *QdrantStore) Reset(ctx context.Context) error {
	for _, name := range []string{s.cfg.Collection, s.sourcesCollection()} {
		if err := s.once("drop "+name, func() error { return s.client.DeleteCollection(ctx, name) }); err != nil {
			return err
		}
	}
	if err := s.ensureCollections(ctx); err != nil {
		return err
	}
	s.settings = Settings{}
	return s.pinSettings(ctx)
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
