package chunking

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestChunker(t *testing.T, max, overlap int) *Chunker {
	t.Helper()
	c, err := New(Config{MaxChunkSize: max, Overlap: overlap}, nil)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{MaxChunkSize: 0}, nil)
	assert.Error(t, err)

	_, err = New(Config{MaxChunkSize: 100, Overlap: 100}, nil)
	assert.Error(t, err)

	assert.NoError(t, DefaultConfig().Validate())
}

func TestChunk_YAMLFrontMatter(t *testing.T) {
	c := newTestChunker(t, 1000, 200)

	res := c.Chunk(Document{
		Path:    "guides/intro.md",
		Content: "---\ntitle: Intro\ntags: [voice, setup]\ndraft: false\n---\n# Intro\n\nHello world.\n",
	})

	require.Empty(t, res.Warnings)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Intro", res.FrontMatter["title"])

	ch := res.Chunks[0]
	assert.Equal(t, "# Intro\n\nHello world.", ch.Text)
	assert.Equal(t, "Intro", ch.SectionHeading)
	assert.Equal(t, "guides", ch.Section)
	assert.Equal(t, ".md", ch.FileType)
	assert.Equal(t, TypeProse, ch.Type)

	meta := ch.Metadata()
	assert.Equal(t, "Intro", meta["fm.title"])
	assert.Equal(t, `["voice","setup"]`, meta["fm.tags"])
	assert.Equal(t, "false", meta["fm.draft"])
	assert.Equal(t, "guides/intro.md", meta[FieldSourcePath])
	assert.NotContains(t, meta, FieldLanguageTag)
}

func TestChunk_TOMLFrontMatter(t *testing.T) {
	c := newTestChunker(t, 1000, 200)

	res := c.Chunk(Document{
		Path:    "ref.md",
		Content: "+++\ntitle = \"Reference\"\nweight = 3\n+++\nBody text here.",
	})

	require.Empty(t, res.Warnings)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Reference", res.FrontMatter["title"])
	assert.Equal(t, "3", res.Chunks[0].Metadata()["fm.weight"])
	assert.Equal(t, "Body text here.", res.Chunks[0].Text)
	assert.Equal(t, "root", res.Chunks[0].Section)
}

func TestChunk_MalformedFrontMatterIsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c, err := New(DefaultConfig(), zap.New(core))
	require.NoError(t, err)

	res := c.Chunk(Document{
		Path:    "broken.md",
		Content: "---\ntitle: [unclosed\n---\n## Usage\n\nStill indexed.",
	})

	require.Len(t, res.Warnings, 1)
	assert.True(t, errors.Is(res.Warnings[0], ErrFrontMatter))
	var perr *ParseError
	require.True(t, errors.As(res.Warnings[0], &perr))
	assert.Equal(t, "broken.md", perr.Path)

	assert.Nil(t, res.FrontMatter)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "## Usage\n\nStill indexed.", res.Chunks[0].Text)
	assert.NotContains(t, res.Chunks[0].Text, "unclosed")
	assert.Equal(t, 1, logs.FilterMessage("front matter ignored").Len())
}

func TestChunk_FrontMatterMustBeMapping(t *testing.T) {
	c := newTestChunker(t, 1000, 0)
	res := c.Chunk(Document{Path: "list.md", Content: "---\n- a\n- b\n---\nText"})
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], ErrFrontMatter)
}

func TestChunk_UnclosedFrontMatterIsBody(t *testing.T) {
	c := newTestChunker(t, 1000, 0)
	res := c.Chunk(Document{Path: "rule.md", Content: "---\nJust a document that starts with a rule."})
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Chunks, 1)
	assert.Contains(t, res.Chunks[0].Text, "starts with a rule")
}

func TestChunk_CodeBlocksAreSeparate(t *testing.T) {
	c := newTestChunker(t, 1000, 200)

	res := c.Chunk(Document{
		Path:    "examples/bot.md",
		Content: "## Example\n\nSome intro.\n\n```Python\nprint('hi')\n```\n\nAfter text.\n\n~~~\nplain\n~~~\n",
	})

	require.Len(t, res.Chunks, 4)

	assert.Equal(t, TypeProse, res.Chunks[0].Type)
	assert.Equal(t, "## Example\n\nSome intro.", res.Chunks[0].Text)
	assert.Equal(t, "examples/bot.md#prose-0", res.Chunks[0].Key)

	code := res.Chunks[1]
	assert.Equal(t, TypeCode, code.Type)
	assert.Equal(t, "python", code.LanguageTag)
	assert.Equal(t, "print('hi')", code.Text)
	assert.Equal(t, "Example", code.SectionHeading)
	assert.Equal(t, "examples/bot.md#code-0", code.Key)
	assert.Equal(t, "python", code.Metadata()[FieldLanguageTag])
	assert.Contains(t, code.EmbeddingText(), "python code example: Example")

	assert.Equal(t, "After text.", res.Chunks[2].Text)
	assert.Equal(t, "examples/bot.md#prose-1", res.Chunks[2].Key)

	assert.Equal(t, "plain", res.Chunks[3].Text)
	assert.Empty(t, res.Chunks[3].LanguageTag)

	for i, ch := range res.Chunks {
		assert.Equal(t, i, ch.Index)
		assert.True(t, ch.HasCode)
	}
}

func TestChunk_EmptyCodeBlockDropped(t *testing.T) {
	c := newTestChunker(t, 1000, 0)
	res := c.Chunk(Document{Path: "a.md", Content: "Intro\n\n```bash\n\n   \n```\n"})
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, TypeProse, res.Chunks[0].Type)
}

func TestChunk_UnclosedFence(t *testing.T) {
	c := newTestChunker(t, 1000, 0)
	res := c.Chunk(Document{Path: "a.md", Content: "```go\nfunc main() {}\n\n## not a heading\n"})
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, TypeCode, res.Chunks[0].Type)
	assert.Equal(t, "go", res.Chunks[0].LanguageTag)
	assert.Contains(t, res.Chunks[0].Text, "## not a heading")
}

func TestChunk_HeadingPaths(t *testing.T) {
	c := newTestChunker(t, 1000, 0)

	res := c.Chunk(Document{
		Path:    "a.md",
		Content: "# Guide\n## Install ##\nRun it.\n### Linux\nUse apt.\n## Configure\nEdit file.",
	})

	require.Len(t, res.Chunks, 3)
	assert.Equal(t, []string{"Guide", "Install"}, res.Chunks[0].HeadingPath)
	assert.Equal(t, "Install", res.Chunks[0].SectionHeading)
	assert.Equal(t, []string{"Guide", "Install", "Linux"}, res.Chunks[1].HeadingPath)
	assert.Equal(t, []string{"Guide", "Configure"}, res.Chunks[2].HeadingPath)
	assert.Equal(t, "Guide > Configure\n\n## Configure\nEdit file.", res.Chunks[2].EmbeddingText())
}

func TestChunk_MDXStatementsDropped(t *testing.T) {
	c := newTestChunker(t, 1000, 0)

	res := c.Chunk(Document{
		Path: "docs/page.mdx",
		Content: "import Tabs from '@theme/Tabs'\nimport {\n  TabItem,\n} from '@theme/TabItem'\nexport const meta = 1\n\n" +
			"# Page\n\nVisible text.\n\n```js\nimport x from 'y'\n```\n",
	})

	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "# Page\n\nVisible text.", res.Chunks[0].Text)
	assert.Equal(t, "import x from 'y'", res.Chunks[1].Text, "imports inside code are kept")
	assert.Equal(t, ".mdx", res.Chunks[0].FileType)
}

func TestChunk_SizeBoundAndNoEmptyChunks(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Long\n\n")
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "Sentence %d talks about pipelines and agents. ", i)
		if i%17 == 0 {
			b.WriteString("\n\n")
		}
	}
	b.WriteString("\n\n" + strings.Repeat("x", 2500) + "\n\n")
	b.WriteString(strings.Repeat("é", 1500) + "\n\n```\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "line_%d = compute(%d)\n", i, i)
	}
	b.WriteString("```\n\n   \n\n")

	for _, cfg := range []Config{{100, 20}, {1000, 200}, {37, 0}} {
		c, err := New(cfg, nil)
		require.NoError(t, err)

		res := c.Chunk(Document{Path: "long.md", Content: b.String()})
		require.NotEmpty(t, res.Chunks)
		for _, ch := range res.Chunks {
			assert.LessOrEqual(t, runeLen(ch.Text), cfg.MaxChunkSize, "chunk %s", ch.Key)
			assert.NotEmpty(t, strings.TrimSpace(ch.Text), "chunk %s", ch.Key)
		}
	}
}

func TestChunk_OverlapCarriesBoundary(t *testing.T) {
	c := newTestChunker(t, 100, 40)

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "Sentence number %02d is here. ", i)
	}

	res := c.Chunk(Document{Path: "a.md", Content: b.String()})
	require.Greater(t, len(res.Chunks), 1)

	for i := 1; i < len(res.Chunks); i++ {
		first, _, _ := strings.Cut(res.Chunks[i].Text, ". ")
		assert.Contains(t, res.Chunks[i-1].Text, first)
	}
}

func TestChunk_StableIDs(t *testing.T) {
	c := newTestChunker(t, 1000, 200)
	doc := Document{Path: "a.md", Content: "# A\n\ntext\n\n```sh\nls\n```"}

	first := c.Chunk(doc)
	second := c.Chunk(doc)
	require.Len(t, first.Chunks, 2)
	for i := range first.Chunks {
		assert.Equal(t, first.Chunks[i].ID, second.Chunks[i].ID)
	}
	assert.NotEqual(t, first.Chunks[0].ID, first.Chunks[1].ID)

	other := c.Chunk(Document{Path: "b.md", Content: doc.Content})
	assert.NotEqual(t, first.Chunks[0].ID, other.Chunks[0].ID)
	assert.Equal(t, ChunkID("a.md#prose-0"), first.Chunks[0].ID)

	t.Run("scoped by root", func(t *testing.T) {
		docsA := c.Chunk(Document{Root: "/srv/a", Path: "a.md", Content: doc.Content})
		docsB := c.Chunk(Document{Root: "/srv/b", Path: "a.md", Content: doc.Content})
		assert.NotEqual(t, docsA.Chunks[0].ID, docsB.Chunks[0].ID)
		assert.Equal(t, docsA.Chunks[0].Key, docsB.Chunks[0].Key)
		assert.Equal(t, ChunkID("/srv/a//a.md#prose-0"), docsA.Chunks[0].ID)
	})
}

func TestChunk_CRLFAndBOM(t *testing.T) {
	c := newTestChunker(t, 1000, 0)
	res := c.Chunk(Document{Path: "w.md", Content: "\ufeff---\r\ntitle: Win\r\n---\r\n# Title\r\n\r\nBody"})
	require.Empty(t, res.Warnings)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Win", res.FrontMatter["title"])
	assert.Equal(t, "# Title\n\nBody", res.Chunks[0].Text)
}

func TestChunk_EmptyDocument(t *testing.T) {
	c := newTestChunker(t, 1000, 0)
	assert.Empty(t, c.Chunk(Document{Path: "e.md", Content: ""}).Chunks)
	assert.Empty(t, c.Chunk(Document{Path: "e.md", Content: "---\ntitle: x\n---\n\n  \n"}).Chunks)
	assert.Empty(t, c.Chunk(Document{Path: "e.md", Content: "# Only a heading\n"}).Chunks)
}

func TestFromMetadata(t *testing.T) {
	orig := Chunk{
		ID:             "id-1",
		Key:            "g/a.md#code-0",
		Text:           "print(1)",
		SourcePath:     "g/a.md",
		SectionHeading: "Run",
		HeadingPath:    []string{"Guide", "Run"},
		Type:           TypeCode,
		LanguageTag:    "python",
		Index:          3,
		Section:        "g",
		FileType:       ".md",
		HasCode:        true,
		FrontMatter:    map[string]any{"title": "Guide"},
	}

	got := FromMetadata(orig.ID, orig.Text, orig.Metadata())
	assert.Equal(t, orig, got)
}

func TestResolveField(t *testing.T) {
	assert.Equal(t, "chunk_type", ResolveField("chunk_type"))
	assert.Equal(t, "language_tag", ResolveField(" language_tag "))
	assert.Equal(t, "fm.tags", ResolveField("tags"))
	assert.Equal(t, "fm.tags", ResolveField("front_matter.tags"))
	assert.Equal(t, "fm.tags", ResolveField("fm.tags"))
	assert.Equal(t, "", ResolveField(""))
}
