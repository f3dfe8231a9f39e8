package retrieval

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docindex/internal/chunking"
)

func result(path, heading, text string) Result {
	return Result{Chunk: chunking.Chunk{
		ID:             chunking.ChunkID(path + "#" + text),
		SourcePath:     path,
		SectionHeading: heading,
		Type:           chunking.TypeProse,
		Text:           text,
	}}
}

func TestAssemble(t *testing.T) {
	// With headers, alpha is 25 characters and beta 16.
	alpha := result("docs/a.md", "Setup", "alpha")
	beta := result("docs/b.md", "", "beta")
	big := result("docs/c.md", "Big", strings.Repeat("x", 200))

	tests := []struct {
		name     string
		results  []Result
		maxChars int
		want     string
	}{
		{"zero budget", []Result{alpha}, 0, ""},
		{"negative budget", []Result{alpha}, -10, ""},
		{"no results", nil, 100, ""},
		{"exact fit", []Result{alpha}, 25, "[docs/a.md > Setup]\nalpha"},
		{"one short", []Result{alpha}, 24, ""},
		{"two entries", []Result{alpha, beta}, 43, "[docs/a.md > Setup]\nalpha\n\n[docs/b.md]\nbeta"},
		{"separator counts", []Result{alpha, beta}, 42, "[docs/a.md > Setup]\nalpha"},
		{"stops at first misfit", []Result{alpha, big, beta}, 100, "[docs/a.md > Setup]\nalpha"},
		{"order preserved", []Result{beta, alpha}, 1000, "[docs/b.md]\nbeta\n\n[docs/a.md > Setup]\nalpha"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assemble(tt.results, tt.maxChars)
			assert.Equal(t, tt.want, got)
			if tt.maxChars > 0 {
				assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.maxChars)
			}
		})
	}
}

func TestAssemble_CountsCharacters(t *testing.T) {
	r := result("docs/é.md", "Über", "héllo wörld")
	entry := "[docs/é.md > Über]\nhéllo wörld"
	n := utf8.RuneCountInString(entry)
	require.Less(t, n, len(entry), "entry must contain multi-byte runes")

	assert.Equal(t, entry, Assemble([]Result{r}, n))
	assert.Empty(t, Assemble([]Result{r}, n-1))
}

func TestAssemble_SearchResultsWithinBudget(t *testing.T) {
	f := newFixture(t, corpus)
	results, err := f.retriever.Search(context.Background(), "setup instructions", corpusChunks, nil)
	require.NoError(t, err)
	require.Len(t, results, corpusChunks)

	out := Assemble(results, 200)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 200)
	require.NotEmpty(t, out, "the best match fits in 200 characters")

	// The output is exactly a prefix of whole entries.
	var entries []string
	for _, r := range results {
		entries = append(entries, Header(r)+"\n"+r.Chunk.Text)
		if strings.Join(entries, "\n\n") == out {
			return
		}
	}
	t.Fatalf("output is not a whole-entry prefix of the results:\n%s", out)
}

func TestHeader(t *testing.T) {
	assert.Equal(t, "[docs/a.md > Setup]", Header(result("docs/a.md", "Setup", "x")))
	assert.Equal(t, "[docs/a.md]", Header(result("docs/a.md", "", "x")))
}

func TestCitations(t *testing.T) {
	r := result("docs/a.md", "Usage", "print(1)")
	r.Chunk.Type = chunking.TypeCode
	r.Chunk.LanguageTag = "python"
	r.Distance = 0.25

	got := Citations([]Result{r})
	require.Len(t, got, 1)
	assert.Equal(t, Citation{
		ID:         r.Chunk.ID,
		SourcePath: "docs/a.md",
		Heading:    "Usage",
		ChunkType:  "code_block",
		Language:   "python",
		Distance:   0.25,
		Text:       "print(1)",
	}, got[0])
	assert.Empty(t, Citations(nil))
}
