package chunking

import (
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Config controls chunk sizes, measured in characters (runes).
type Config struct {
	MaxChunkSize int
	Overlap      int
}

// DefaultConfig returns 1000-character chunks with 200 characters of
// overlap.
func DefaultConfig() Config {
	return Config{MaxChunkSize: 1000, Overlap: 200}
}

// Validate checks the size settings.
func (c Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("max chunk size must be positive, got %d", c.MaxChunkSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxChunkSize {
		return fmt.Errorf("overlap must be in [0, %d), got %d", c.MaxChunkSize, c.Overlap)
	}
	return nil
}

// Result is the outcome of chunking one document.
type Result struct {
	Chunks      []Chunk
	FrontMatter map[string]any
	// Warnings holds non-fatal *ParseError values.
	Warnings []error
}

// Chunker splits documents. It is safe for concurrent use.
type Chunker struct {
	cfg    Config
	prose  splitter
	code   splitter
	logger *zap.Logger
}

// New creates a Chunker.
func New(cfg Config, logger *zap.Logger) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunking config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		cfg:    cfg,
		prose:  splitter{max: cfg.MaxChunkSize, overlap: cfg.Overlap, seps: proseSeparators, trim: trimProse},
		code:   splitter{max: cfg.MaxChunkSize, overlap: cfg.Overlap, seps: codeSeparators, trim: trimCode},
		logger: logger,
	}, nil
}

// Config returns the chunker's settings.
func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk splits doc into chunks. It never fails: a malformed front-matter
// block is reported in Result.Warnings and the document is chunked with
// empty metadata.
func (c *Chunker) Chunk(doc Document) Result {
	var res Result

	content := strings.TrimPrefix(doc.Content, "\ufeff")
	content = strings.ReplaceAll(content, "\r\n", "\n")

	fm, body, err := splitFrontMatter(content)
	if err != nil {
		perr := &ParseError{Path: doc.Path, Err: err}
		c.logger.Warn("front matter ignored", zap.String("path", doc.Path), zap.Error(err))
		res.Warnings = append(res.Warnings, perr)
		fm = nil
	}
	res.FrontMatter = fm

	fileType := strings.ToLower(path.Ext(doc.Path))
	base := Chunk{
		SourcePath:  doc.Path,
		Section:     topSection(doc.Path),
		FileType:    fileType,
		FrontMatter: fm,
	}

	counters := map[Type]int{}
	emit := func(sec section, typ Type, lang, text string) {
		ch := base
		ch.Type = typ
		ch.LanguageTag = lang
		ch.Text = text
		ch.SectionHeading = sec.heading
		ch.HeadingPath = sec.headingPath
		ch.HasCode = sec.hasCode
		ch.Index = len(res.Chunks)
		ch.Key = fmt.Sprintf("%s#%s-%d", doc.Path, kindLabel(typ), counters[typ])
		ch.ID = ChunkID(ScopedKey(doc.Root, ch.Key))
		counters[typ]++
		res.Chunks = append(res.Chunks, ch)
	}

	for _, sec := range parseSections(body, fileType == ".mdx") {
		for _, b := range sec.blocks {
			switch b.kind {
			case blockCode:
				for _, piece := range c.code.split(b.text) {
					emit(sec, TypeCode, b.lang, piece)
				}
			default:
				if isHeadingOnly(b.text) {
					continue
				}
				for _, piece := range c.prose.split(b.text) {
					emit(sec, TypeProse, "", piece)
				}
			}
		}
	}

	c.logger.Debug("document chunked",
		zap.String("path", doc.Path),
		zap.Int("chunks", len(res.Chunks)),
		zap.Int("code_chunks", counters[TypeCode]),
	)
	return res
}

func kindLabel(t Type) string {
	if t == TypeCode {
		return "code"
	}
	return "prose"
}

// topSection is the first directory of a relative path, or "root" for
// files at the top level.
func topSection(p string) string {
	if dir, _, ok := strings.Cut(p, "/"); ok && dir != "" {
		return dir
	}
	return "root"
}
