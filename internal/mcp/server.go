package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/retrieval"
	"github.com/fyrsmithlabs/docindex/internal/secrets"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// Service is what the tools call into. *app.App implements it.
type Service interface {
	IndexDirectory(ctx context.Context, root string, opts indexer.Options) (*indexer.Report, error)
	Search(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]retrieval.Result, error)
	Assemble(results []retrieval.Result, maxChars int) string
	KnowledgeContext(ctx context.Context, req retrieval.Requirements, maxChars int) (*retrieval.Knowledge, error)
	Count(ctx context.Context) (int, error)
}

// Server is the docindex MCP server.
type Server struct {
	mcp      *mcp.Server
	svc      Service
	redactor *secrets.Redactor
	metrics  *Metrics
	logger   *zap.Logger

	indexRoot string
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "docindex")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Redactor scrubs chunk text before it is returned. Optional.
	Redactor *secrets.Redactor

	// IndexRoot confines docs_index to directories below it. Empty means
	// any directory may be indexed.
	IndexRoot string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "docindex",
		Version: "dev",
	}
}

// NewServer creates an MCP server with every docs_* tool registered.
func NewServer(cfg *Config, svc Service) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "docindex"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		svc:      svc,
		redactor: cfg.Redactor,
		metrics:  NewMetrics(logger),
		logger:   logger,

		indexRoot: cfg.IndexRoot,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server, for callers that bring their own
// transport.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves on stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
