// Package http serves the docindex admin API: health, indexing, search,
// counts, stats, knowledge context and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/logging"
	"github.com/fyrsmithlabs/docindex/internal/retrieval"
	"github.com/fyrsmithlabs/docindex/internal/sanitize"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// Service is the functionality the API exposes. *app.App implements it.
type Service interface {
	IndexDirectory(ctx context.Context, root string, opts indexer.Options) (*indexer.Report, error)
	Search(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]retrieval.Result, error)
	Assemble(results []retrieval.Result, maxChars int) string
	KnowledgeContext(ctx context.Context, req retrieval.Requirements, maxChars int) (*retrieval.Knowledge, error)
	Count(ctx context.Context) (int, error)
	Stats(ctx context.Context) (indexer.Stats, error)
}

// MetadataChecker is implemented by services backed by an on-disk store
// whose collection metadata can be checked.
type MetadataChecker interface {
	MetadataHealth(ctx context.Context) (*vectorstore.MetadataHealth, error)
}

// Server provides HTTP endpoints for docindex.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// IndexRoot, when set, confines index requests to directories below
	// it. Relative roots in requests are resolved against it.
	IndexRoot string
}

// NewServer creates a new HTTP server. metrics may be nil.
func NewServer(svc Service, logger *logging.Logger, cfg *Config, metrics *HTTPMetrics) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/index", s.handleIndex)
	v1.POST("/search", s.handleSearch)
	v1.GET("/count", s.handleCount)
	v1.GET("/stats", s.handleStats)
	v1.POST("/context", s.handleContext)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth reports whether the store answers and, for chromem, the
// state of its collection metadata.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.svc.Count(ctx); err != nil {
		s.logger.Warn(ctx, "health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}

	resp := HealthResponse{Status: "ok"}
	if checker, ok := s.svc.(MetadataChecker); ok {
		h, err := checker.MetadataHealth(ctx)
		if err != nil {
			s.logger.Warn(ctx, "metadata health check failed", zap.Error(err))
		} else if h != nil {
			vectorstore.UpdateHealthMetrics(h)
			resp.Metadata = &MetadataHealthStatus{
				Status:        h.Status(),
				HealthyCount:  h.HealthyCount,
				CorruptCount:  h.CorruptCount,
				EmptyCount:    len(h.Empty),
				Total:         h.Total,
				CorruptHashes: h.Corrupt,
			}
			if !h.IsHealthy() {
				resp.Status = "degraded"
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleIndex(c echo.Context) error {
	ctx := c.Request().Context()
	var req IndexRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid index request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Root == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "root field is required")
	}
	root, err := sanitize.ContainedPath(req.Root, s.config.IndexRoot)
	if err != nil {
		s.logger.Warn(ctx, "index root rejected", zap.String("root", req.Root), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rep, err := s.svc.IndexDirectory(ctx, root, indexer.Options{
		Prune:         req.Prune,
		SkipUnchanged: req.SkipUnchanged,
	})
	if err != nil {
		return s.apiError(ctx, err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (s *Server) handleSearch(c echo.Context) error {
	ctx := c.Request().Context()
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	filter := req.Filter
	if len(req.Expressions) > 0 {
		parsed, err := retrieval.ParseFilter(req.Expressions)
		if err != nil {
			return s.apiError(ctx, err)
		}
		filter = append(filter, parsed...)
	}

	results, err := s.svc.Search(ctx, req.Query, req.K, filter)
	if err != nil {
		return s.apiError(ctx, err)
	}
	resp := SearchResponse{Results: retrieval.Citations(results)}
	if req.MaxChars > 0 {
		resp.Context = s.svc.Assemble(results, req.MaxChars)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCount(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := s.svc.Count(ctx)
	if err != nil {
		return s.apiError(ctx, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.svc.Stats(ctx)
	if err != nil {
		return s.apiError(ctx, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleContext(c echo.Context) error {
	ctx := c.Request().Context()
	var req ContextRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid context request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	k, err := s.svc.KnowledgeContext(ctx, req.Requirements, req.MaxChars)
	if err != nil {
		return s.apiError(ctx, err)
	}
	return c.JSON(http.StatusOK, ContextResponse{
		Queries: k.Queries,
		Failed:  k.Failed,
		Results: retrieval.Citations(k.Results),
		Context: k.Context,
	})
}

// apiError maps domain errors to HTTP status codes.
func (s *Server) apiError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, retrieval.ErrInvalidQuery), errors.Is(err, indexer.ErrInvalidRoot):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, vectorstore.ErrStoreUnavailable):
		s.logger.Error(ctx, "vector store unavailable", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error(ctx, "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
