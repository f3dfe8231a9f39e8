package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/indexer"
	"github.com/fyrsmithlabs/docindex/internal/retrieval"
	"github.com/fyrsmithlabs/docindex/internal/sanitize"
)

type docsSearchInput struct {
	Query    string   `json:"query" jsonschema:"Natural language search query"`
	K        int      `json:"k,omitempty" jsonschema:"Number of results (default: configured default_k)"`
	Filters  []string `json:"filters,omitempty" jsonschema:"Metadata filters: field=value, field=a,b (any of) or field~value (contains), ANDed together"`
	MaxChars int      `json:"max_chars,omitempty" jsonschema:"When positive, also assemble a context block of at most this many characters"`
}

type docsSearchOutput struct {
	Query   string               `json:"query" jsonschema:"Search query used"`
	Results []retrieval.Citation `json:"results" jsonschema:"Matching chunks ordered by ascending distance"`
	Count   int                  `json:"count" jsonschema:"Number of results"`
	Context string               `json:"context,omitempty" jsonschema:"Assembled context when max_chars was given"`
}

type docsIndexInput struct {
	Root          string `json:"root" jsonschema:"Directory to index"`
	Prune         bool   `json:"prune,omitempty" jsonschema:"Remove chunks of documents no longer present"`
	SkipUnchanged bool   `json:"skip_unchanged,omitempty" jsonschema:"Skip documents whose content hash is unchanged"`
}

type docsIndexOutput struct {
	Report  indexer.Report `json:"report" jsonschema:"Indexing report"`
	Summary string         `json:"summary" jsonschema:"One-line summary of the run"`
}

type docsCountInput struct{}

type docsCountOutput struct {
	Count int `json:"count" jsonschema:"Number of chunks in the index"`
}

type docsContextInput struct {
	UseCase   string   `json:"use_case" jsonschema:"What the agent should do, e.g. customer support"`
	Channels  []string `json:"channels,omitempty" jsonschema:"Integration channels, e.g. twilio"`
	Languages []string `json:"languages,omitempty" jsonschema:"Spoken languages (default: english)"`
	MaxChars  int      `json:"max_chars,omitempty" jsonschema:"Context budget in characters (default: configured max_context_chars)"`
}

type docsContextOutput struct {
	Queries []string             `json:"queries" jsonschema:"Searches that were run"`
	Failed  []string             `json:"failed,omitempty" jsonschema:"Searches that failed and were skipped"`
	Results []retrieval.Citation `json:"results" jsonschema:"Chunks used to build the context"`
	Context string               `json:"context" jsonschema:"Assembled documentation context"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "docs_search",
		Description: "Semantic search over the indexed documentation. Returns chunks with source path, section heading and distance, and optionally an assembled context block.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docsSearchInput) (*mcp.CallToolResult, docsSearchOutput, error) {
		var toolErr error
		defer s.track(ctx, "docs_search", &toolErr)()

		filter, err := retrieval.ParseFilter(args.Filters)
		if err != nil {
			toolErr = err
			return nil, docsSearchOutput{}, err
		}
		results, err := s.svc.Search(ctx, args.Query, args.K, filter)
		if err != nil {
			toolErr = err
			return nil, docsSearchOutput{}, fmt.Errorf("search failed: %w", err)
		}

		results, _ = s.redactResults(results)
		out := docsSearchOutput{
			Query:   args.Query,
			Results: retrieval.Citations(results),
			Count:   len(results),
		}
		if args.MaxChars > 0 {
			out.Context = s.svc.Assemble(results, args.MaxChars)
		}
		return nil, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "docs_index",
		Description: "Index every supported document under a directory. Re-indexing unchanged content is a no-op.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docsIndexInput) (*mcp.CallToolResult, docsIndexOutput, error) {
		var toolErr error
		defer s.track(ctx, "docs_index", &toolErr)()

		if strings.TrimSpace(args.Root) == "" {
			toolErr = errors.New("root is required")
			return nil, docsIndexOutput{}, toolErr
		}
		root, err := sanitize.ContainedPath(args.Root, s.indexRoot)
		if err != nil {
			toolErr = fmt.Errorf("%w: %w", indexer.ErrInvalidRoot, err)
			return nil, docsIndexOutput{}, toolErr
		}
		rep, err := s.svc.IndexDirectory(ctx, root, indexer.Options{
			Prune:         args.Prune,
			SkipUnchanged: args.SkipUnchanged,
		})
		if err != nil {
			toolErr = err
			return nil, docsIndexOutput{}, fmt.Errorf("indexing failed: %w", err)
		}
		return nil, docsIndexOutput{Report: *rep, Summary: rep.String()}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "docs_count",
		Description: "Number of chunks currently in the documentation index.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docsCountInput) (*mcp.CallToolResult, docsCountOutput, error) {
		var toolErr error
		defer s.track(ctx, "docs_count", &toolErr)()

		n, err := s.svc.Count(ctx)
		if err != nil {
			toolErr = err
			return nil, docsCountOutput{}, fmt.Errorf("count failed: %w", err)
		}
		return nil, docsCountOutput{Count: n}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "docs_context",
		Description: "Build a documentation context for an agent from its requirements (use case, channels, languages).",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args docsContextInput) (*mcp.CallToolResult, docsContextOutput, error) {
		var toolErr error
		defer s.track(ctx, "docs_context", &toolErr)()

		k, err := s.svc.KnowledgeContext(ctx, retrieval.Requirements{
			UseCase:   args.UseCase,
			Channels:  args.Channels,
			Languages: args.Languages,
		}, args.MaxChars)
		if err != nil {
			toolErr = err
			return nil, docsContextOutput{}, fmt.Errorf("building context failed: %w", err)
		}
		results, changed := s.redactResults(k.Results)
		assembled := k.Context
		if changed {
			// Replacements change chunk lengths, so the budget is re-applied.
			assembled = s.svc.Assemble(results, k.MaxChars)
		}
		return nil, docsContextOutput{
			Queries: k.Queries,
			Failed:  k.Failed,
			Results: retrieval.Citations(results),
			Context: assembled,
		}, nil
	})
}

// track records metrics for one tool call. The returned func must be
// deferred; it reads *errp when the call finishes.
func (s *Server) track(ctx context.Context, tool string, errp *error) func() {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func() {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), *errp)
		if *errp != nil {
			s.logger.Warn("tool call failed", zap.String("tool", tool), zap.Error(*errp))
		}
	}
}

// redactResults returns a copy of results with secrets replaced in each
// chunk text, and whether anything was replaced. Context blocks must be
// assembled from the copy so the replacement counts against the budget.
func (s *Server) redactResults(results []retrieval.Result) ([]retrieval.Result, bool) {
	if s.redactor == nil {
		return results, false
	}
	out := make([]retrieval.Result, len(results))
	found := 0
	for i, r := range results {
		if r.Chunk.Text != "" {
			clean, findings := s.redactor.Redact(r.Chunk.Text)
			r.Chunk.Text = clean
			found += len(findings)
		}
		out[i] = r
	}
	if found > 0 {
		s.logger.Warn("secret redacted from tool output", zap.Int("findings", found))
	}
	return out, found > 0
}
