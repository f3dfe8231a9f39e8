package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// Requirements describe the agent a prompt is being built for.
type Requirements struct {
	UseCase   string   `json:"use_case"`
	Channels  []string `json:"channels"`
	Languages []string `json:"languages"`
}

// Queries derives the knowledge searches for req.
func (req Requirements) Queries() []string {
	language := "english"
	if len(req.Languages) > 0 && strings.TrimSpace(req.Languages[0]) != "" {
		language = req.Languages[0]
	}
	return []string{
		squash(req.UseCase + " agent"),
		squash("pipecat " + strings.Join(req.Channels, " ") + " integration"),
		squash("speech to text " + language),
		"pipeline configuration examples",
	}
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Knowledge is the outcome of KnowledgeContext.
type Knowledge struct {
	Queries []string `json:"queries"`
	Results []Result `json:"results"`
	Context string   `json:"context"`
	// MaxChars is the budget Context was assembled with.
	MaxChars int `json:"max_chars"`
	// Failed lists queries that errored and were skipped.
	Failed []string `json:"failed,omitempty"`
}

// KnowledgeContext runs the searches derived from req with PerQueryK
// results each, drops chunks already retrieved by an earlier query, and
// assembles the rest into at most maxChars characters (the configured
// budget when maxChars <= 0). A failing query is logged and skipped unless
// every query fails, or the failure is a store outage.
func (r *Retriever) KnowledgeContext(ctx context.Context, req Requirements, maxChars int) (*Knowledge, error) {
	ctx, span := tracer.Start(ctx, "Retriever.KnowledgeContext")
	defer span.End()

	if maxChars <= 0 {
		maxChars = r.cfg.MaxContextChars
	}
	k := &Knowledge{Queries: req.Queries(), MaxChars: maxChars}
	seen := make(map[string]bool)
	var lastErr error

	for _, q := range k.Queries {
		results, err := r.Search(ctx, q, r.cfg.PerQueryK, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, vectorstore.ErrStoreUnavailable) {
				return nil, err
			}
			r.logger.Warn("knowledge query failed", zap.String("query", q), zap.Error(err))
			k.Failed = append(k.Failed, q)
			lastErr = err
			continue
		}
		for _, res := range results {
			if seen[res.Chunk.ID] {
				continue
			}
			seen[res.Chunk.ID] = true
			k.Results = append(k.Results, res)
		}
	}
	if len(k.Failed) == len(k.Queries) {
		return nil, fmt.Errorf("all knowledge queries failed: %w", lastErr)
	}

	k.Context = Assemble(k.Results, maxChars)
	r.logger.Debug("knowledge context assembled",
		zap.Int("results", len(k.Results)),
		zap.Int("failed_queries", len(k.Failed)),
		zap.Int("chars", len([]rune(k.Context))),
	)
	return k, nil
}
