package chunking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrFrontMatter marks a document whose front-matter block could not be
// parsed. Such documents are still chunked, with empty metadata.
var ErrFrontMatter = errors.New("invalid front matter")

// ParseError reports a non-fatal problem with one document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// splitFrontMatter separates a leading front-matter block from the body.
// YAML blocks are fenced by "---" lines (closed by "---" or "..."), TOML
// blocks by "+++". The block is removed from the body even when it fails
// to parse. Content must already use "\n" line endings.
func splitFrontMatter(content string) (map[string]any, string, error) {
	first, rest, ok := strings.Cut(content, "\n")
	if !ok {
		return nil, content, nil
	}

	var closers []string
	switch strings.TrimRight(first, " \t") {
	case "---":
		closers = []string{"---", "..."}
	case "+++":
		closers = []string{"+++"}
	default:
		return nil, content, nil
	}

	block, body, found := cutAtLine(rest, closers)
	if !found {
		// An opening rule with no closing line is just a thematic break.
		return nil, content, nil
	}

	var (
		fm  map[string]any
		err error
	)
	if closers[0] == "+++" {
		fm, err = parseTOML(block)
	} else {
		fm, err = parseYAML(block)
	}
	if err != nil {
		return nil, body, fmt.Errorf("%w: %v", ErrFrontMatter, err)
	}
	return fm, body, nil
}

// cutAtLine splits s at the first line equal to one of closers.
func cutAtLine(s string, closers []string) (before, after string, found bool) {
	offset := 0
	for offset <= len(s) {
		end := strings.IndexByte(s[offset:], '\n')
		line := s[offset:]
		next := len(s) + 1
		if end >= 0 {
			line = s[offset : offset+end]
			next = offset + end + 1
		}
		trimmed := strings.TrimRight(line, " \t")
		for _, c := range closers {
			if trimmed == c {
				before = s[:offset]
				if next <= len(s) {
					after = s[next:]
				}
				return strings.TrimSuffix(before, "\n"), after, true
			}
		}
		offset = next
	}
	return "", s, false
}

func parseYAML(block string) (map[string]any, error) {
	if strings.TrimSpace(block) == "" {
		return map[string]any{}, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(block), &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return map[string]any{}, nil
	}
	if node.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("front matter must be a mapping")
	}
	fm := map[string]any{}
	if err := node.Content[0].Decode(&fm); err != nil {
		return nil, err
	}
	return fm, nil
}

func parseTOML(block string) (map[string]any, error) {
	fm := map[string]any{}
	if _, err := toml.Decode(block, &fm); err != nil {
		return nil, err
	}
	return fm, nil
}
