package retrieval

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docindex/internal/logging"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

func TestRequirements_Queries(t *testing.T) {
	tests := []struct {
		name string
		req  Requirements
		want []string
	}{
		{
			name: "full",
			req:  Requirements{UseCase: "customer support", Channels: []string{"phone", "web"}, Languages: []string{"spanish", "english"}},
			want: []string{
				"customer support agent",
				"pipecat phone web integration",
				"speech to text spanish",
				"pipeline configuration examples",
			},
		},
		{
			name: "empty",
			req:  Requirements{},
			want: []string{
				"agent",
				"pipecat integration",
				"speech to text english",
				"pipeline configuration examples",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Queries())
		})
	}
}

// refusingEmbedder fails for one query text.
type refusingEmbedder struct {
	QueryEmbedder
	refuse map[string]bool
}

func (e refusingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.refuse[text] {
		return nil, errors.New("embedding service timeout")
	}
	return e.QueryEmbedder.EmbedQuery(ctx, text)
}

func TestKnowledgeContext(t *testing.T) {
	f := newFixture(t, corpus)
	ctx := context.Background()
	req := Requirements{UseCase: "documentation search", Channels: []string{"web"}}

	t.Run("deduplicated and bounded", func(t *testing.T) {
		k, err := f.retriever.KnowledgeContext(ctx, req, 300)
		require.NoError(t, err)
		assert.Equal(t, req.Queries(), k.Queries)
		assert.Empty(t, k.Failed)

		require.NotEmpty(t, k.Results)
		assert.LessOrEqual(t, len(k.Results), len(k.Queries)*DefaultConfig().PerQueryK)
		seen := map[string]bool{}
		for _, r := range k.Results {
			assert.False(t, seen[r.Chunk.ID], "duplicate chunk %s", r.Chunk.ID)
			seen[r.Chunk.ID] = true
		}
		assert.LessOrEqual(t, utf8.RuneCountInString(k.Context), 300)
		assert.Equal(t, Assemble(k.Results, 300), k.Context)
		assert.Equal(t, 300, k.MaxChars)
	})

	t.Run("failed query is skipped", func(t *testing.T) {
		tl := logging.NewTestLogger()
		r := New(DefaultConfig(), refusingEmbedder{
			QueryEmbedder: f.embedder,
			refuse:        map[string]bool{"pipeline configuration examples": true},
		}, f.store, tl.Underlying())

		k, err := r.KnowledgeContext(ctx, req, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"pipeline configuration examples"}, k.Failed)
		assert.NotEmpty(t, k.Results)
		assert.LessOrEqual(t, utf8.RuneCountInString(k.Context), DefaultConfig().MaxContextChars)
		assert.Equal(t, DefaultConfig().MaxContextChars, k.MaxChars)
		tl.AssertLogged(t, zapcore.WarnLevel, "knowledge query failed")
	})

	t.Run("every query failing is an error", func(t *testing.T) {
		refuse := map[string]bool{}
		for _, q := range req.Queries() {
			refuse[q] = true
		}
		r := New(DefaultConfig(), refusingEmbedder{QueryEmbedder: f.embedder, refuse: refuse}, f.store, zap.NewNop())

		_, err := r.KnowledgeContext(ctx, req, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all knowledge queries failed")
	})

	t.Run("store outage aborts", func(t *testing.T) {
		r := New(DefaultConfig(), f.embedder, brokenStore{}, zap.NewNop())

		_, err := r.KnowledgeContext(ctx, req, 0)
		assert.ErrorIs(t, err, vectorstore.ErrStoreUnavailable)
	})
}
