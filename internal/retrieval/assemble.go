package retrieval

import (
	"strings"
	"unicode/utf8"
)

const entrySeparator = "\n\n"

// Assemble concatenates results, in the order given, into a context block
// of at most maxChars characters. Each entry is the chunk text under a
// "[source_path > section_heading]" header, and entries are separated by a
// blank line. Chunks are never cut: assembly stops at the first entry that
// does not fit, so an oversized chunk ends the block. maxChars <= 0 yields
// an empty string.
func Assemble(results []Result, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	var b strings.Builder
	used := 0
	for _, r := range results {
		entry := Header(r) + "\n" + r.Chunk.Text
		n := utf8.RuneCountInString(entry)
		if used > 0 {
			n += utf8.RuneCountInString(entrySeparator)
		}
		if used+n > maxChars {
			break
		}
		if used > 0 {
			b.WriteString(entrySeparator)
		}
		b.WriteString(entry)
		used += n
	}
	return b.String()
}

// Header labels a result with its source and section.
func Header(r Result) string {
	if r.Chunk.SectionHeading == "" {
		return "[" + r.Chunk.SourcePath + "]"
	}
	return "[" + r.Chunk.SourcePath + " > " + r.Chunk.SectionHeading + "]"
}

// Citation is the structured form of a result.
type Citation struct {
	ID         string  `json:"id"`
	SourcePath string  `json:"source_path"`
	Heading    string  `json:"section_heading,omitempty"`
	ChunkType  string  `json:"chunk_type"`
	Language   string  `json:"language_tag,omitempty"`
	Distance   float64 `json:"distance"`
	Text       string  `json:"text"`
}

// Citations converts results for callers that render their own context.
func Citations(results []Result) []Citation {
	out := make([]Citation, len(results))
	for i, r := range results {
		out[i] = Citation{
			ID:         r.Chunk.ID,
			SourcePath: r.Chunk.SourcePath,
			Heading:    r.Chunk.SectionHeading,
			ChunkType:  string(r.Chunk.Type),
			Language:   r.Chunk.LanguageTag,
			Distance:   r.Distance,
			Text:       r.Chunk.Text,
		}
	}
	return out
}
