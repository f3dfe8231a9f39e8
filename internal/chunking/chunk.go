// Package chunking splits markdown and MDX documents into retrieval
// chunks.
//
// A document is first stripped of its front-matter, then split at heading
// boundaries. Fenced code blocks become their own chunks carrying the
// fence's language tag, and prose that is still too long is split again
// with a recursive separator splitter and a sliding overlap. Every chunk
// is non-empty and at most MaxChunkSize characters long.
package chunking

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes prose from extracted code.
type Type string

const (
	TypeProse Type = "prose"
	TypeCode  Type = "code_block"
)

// Metadata keys written for every stored chunk.
const (
	FieldSourcePath     = "source_path"
	FieldSection        = "section"
	FieldSectionHeading = "section_heading"
	FieldHeadingPath    = "heading_path"
	FieldChunkType      = "chunk_type"
	FieldLanguageTag    = "language_tag"
	FieldChunkIndex     = "chunk_index"
	FieldChunkKey       = "chunk_key"
	FieldFileType       = "file_type"
	FieldHasCode        = "has_code"

	// FrontMatterPrefix prefixes flattened front-matter keys.
	FrontMatterPrefix = "fm."

	headingSeparator = " > "
)

var reservedFields = map[string]bool{
	FieldSourcePath:     true,
	FieldSection:        true,
	FieldSectionHeading: true,
	FieldHeadingPath:    true,
	FieldChunkType:      true,
	FieldLanguageTag:    true,
	FieldChunkIndex:     true,
	FieldChunkKey:       true,
	FieldFileType:       true,
	FieldHasCode:        true,
}

// ResolveField maps a user-facing filter field to its metadata key. Known
// chunk fields map to themselves; anything else is a front-matter key,
// optionally written with a "front_matter." prefix.
func ResolveField(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ""
	case reservedFields[name], strings.HasPrefix(name, FrontMatterPrefix):
		return name
	case strings.HasPrefix(name, "front_matter."):
		return FrontMatterPrefix + strings.TrimPrefix(name, "front_matter.")
	default:
		return FrontMatterPrefix + name
	}
}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/fyrsmithlabs/docindex/chunk"))

// ChunkID derives the stable identifier for a chunk key.
func ChunkID(key string) string {
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// Document is one source file, with Path relative to the indexed root
// using forward slashes. Root is the indexed directory; it scopes chunk ids
// so that equal paths under different roots do not collide.
type Document struct {
	Root    string
	Path    string
	Content string
}

// ScopedKey qualifies a chunk key with its root. Clean absolute roots never
// contain "//", so the result is unambiguous.
func ScopedKey(root, key string) string {
	if root == "" {
		return key
	}
	return filepath.ToSlash(root) + "//" + key
}

// Chunk is a retrievable unit of a document.
type Chunk struct {
	ID             string
	Key            string // source_path#kind-ordinal
	Text           string
	SourcePath     string
	SectionHeading string
	HeadingPath    []string
	Type           Type
	LanguageTag    string
	Index          int
	Section        string
	FileType       string
	HasCode        bool
	FrontMatter    map[string]any
	Embedding      []float32
}

// EmbeddingText is the text handed to the embedder. Prose is prefixed with
// its heading path; code is described by language and heading so that
// natural-language queries can reach it.
func (c Chunk) EmbeddingText() string {
	heading := strings.Join(c.HeadingPath, headingSeparator)
	if c.Type == TypeCode {
		label := "code example"
		if c.LanguageTag != "" {
			label = c.LanguageTag + " code example"
		}
		if heading != "" {
			label += ": " + heading
		}
		return label + "\n\n" + c.Text
	}
	if heading == "" {
		return c.Text
	}
	return heading + "\n\n" + c.Text
}

// Metadata flattens the chunk into string metadata for the vector store.
func (c Chunk) Metadata() map[string]string {
	m := map[string]string{
		FieldSourcePath:     c.SourcePath,
		FieldSection:        c.Section,
		FieldSectionHeading: c.SectionHeading,
		FieldHeadingPath:    strings.Join(c.HeadingPath, headingSeparator),
		FieldChunkType:      string(c.Type),
		FieldChunkIndex:     strconv.Itoa(c.Index),
		FieldChunkKey:       c.Key,
		FieldFileType:       c.FileType,
		FieldHasCode:        strconv.FormatBool(c.HasCode),
	}
	if c.LanguageTag != "" {
		m[FieldLanguageTag] = c.LanguageTag
	}
	for k, v := range c.FrontMatter {
		m[FrontMatterPrefix+k] = FormatValue(v)
	}
	return m
}

// FromMetadata rebuilds a chunk from stored metadata. Front-matter values
// come back in their stored string form.
func FromMetadata(id, text string, m map[string]string) Chunk {
	c := Chunk{
		ID:             id,
		Key:            m[FieldChunkKey],
		Text:           text,
		SourcePath:     m[FieldSourcePath],
		SectionHeading: m[FieldSectionHeading],
		Type:           Type(m[FieldChunkType]),
		LanguageTag:    m[FieldLanguageTag],
		Section:        m[FieldSection],
		FileType:       m[FieldFileType],
		HasCode:        m[FieldHasCode] == "true",
	}
	if hp := m[FieldHeadingPath]; hp != "" {
		c.HeadingPath = strings.Split(hp, headingSeparator)
	}
	c.Index, _ = strconv.Atoi(m[FieldChunkIndex])

	keys := make([]string, 0)
	for k := range m {
		if strings.HasPrefix(k, FrontMatterPrefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		c.FrontMatter = make(map[string]any, len(keys))
		for _, k := range keys {
			c.FrontMatter[strings.TrimPrefix(k, FrontMatterPrefix)] = m[k]
		}
	}
	return c
}

// FormatValue renders a front-matter value as a metadata string. Scalars
// use their plain form; sequences and mappings are JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format(time.DateOnly)
		}
		return val.Format(time.RFC3339)
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(normalizeJSON(val))
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// normalizeJSON converts map[any]any produced by some decoders into
// map[string]any so it can be marshalled.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[fmt.Sprint(k)] = normalizeJSON(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = normalizeJSON(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = normalizeJSON(x)
		}
		return out
	case time.Time:
		return FormatValue(val)
	default:
		return val
	}
}
