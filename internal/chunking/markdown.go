package chunking

import (
	"regexp"
	"strings"
)

var (
	atxHeading = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*?))?(?:[ \t]+#+)?[ \t]*$`)
	fenceOpen  = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})[ \t]*([^`\\s]*)")
	mdxStmt    = regexp.MustCompile(`^(import|export)\s`)
)

type blockKind int

const (
	blockProse blockKind = iota
	blockCode
)

// block is a run of prose or one fenced code block within a section.
type block struct {
	kind blockKind
	lang string
	text string
}

// section is the content under one heading. The heading line itself opens
// the first prose block.
type section struct {
	heading     string
	headingPath []string
	hasCode     bool
	blocks      []block
}

// parseSections splits a markdown body into heading sections, separating
// fenced code from prose. An unclosed fence runs to the end of the body.
func parseSections(body string, mdx bool) []section {
	var (
		sections []section
		stack    [6]string
		cur      = section{}
		prose    []string
		code     []string
		fence    string
		lang     string
		inFence  bool
		inImport bool
	)

	flushProse := func() {
		text := strings.Join(prose, "\n")
		prose = prose[:0]
		if strings.TrimSpace(text) == "" {
			return
		}
		cur.blocks = append(cur.blocks, block{kind: blockProse, text: text})
	}
	flushCode := func() {
		cur.blocks = append(cur.blocks, block{kind: blockCode, lang: lang, text: strings.Join(code, "\n")})
		cur.hasCode = true
		code = code[:0]
	}
	flushSection := func() {
		flushProse()
		if len(cur.blocks) > 0 {
			sections = append(sections, cur)
		}
	}

	for _, line := range strings.Split(body, "\n") {
		if inFence {
			if isFenceClose(line, fence) {
				flushCode()
				inFence = false
				continue
			}
			code = append(code, line)
			continue
		}

		if mdx {
			if inImport {
				if strings.Contains(line, "}") || strings.HasSuffix(strings.TrimSpace(line), ";") {
					inImport = false
				}
				continue
			}
			if mdxStmt.MatchString(line) {
				if strings.Contains(line, "{") && !strings.Contains(line, "}") {
					inImport = true
				}
				continue
			}
		}

		if m := fenceOpen.FindStringSubmatch(line); m != nil {
			flushProse()
			inFence = true
			fence = m[1]
			lang = normalizeLang(m[2])
			continue
		}

		if m := atxHeading.FindStringSubmatch(line); m != nil {
			flushSection()
			level := len(m[1])
			stack[level-1] = strings.TrimSpace(m[2])
			for i := level; i < len(stack); i++ {
				stack[i] = ""
			}
			cur = section{heading: stack[level-1], headingPath: headingPath(stack[:level])}
			prose = append(prose, line)
			continue
		}

		prose = append(prose, line)
	}

	if inFence {
		flushCode()
	}
	flushSection()
	return sections
}

func isFenceClose(line, fence string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return false
	}
	trimmed = strings.TrimRight(trimmed, " \t")
	if len(trimmed) < len(fence) {
		return false
	}
	return strings.Trim(trimmed, fence[:1]) == ""
}

func headingPath(stack []string) []string {
	var out []string
	for _, h := range stack {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// normalizeLang reduces an info string such as "Python {linenos}" or
// "language-go" to a lowercase tag.
func normalizeLang(info string) string {
	info = strings.ToLower(strings.TrimSpace(info))
	info = strings.TrimPrefix(info, "language-")
	if i := strings.IndexAny(info, "{,"); i >= 0 {
		info = info[:i]
	}
	return info
}

// isHeadingOnly reports whether a prose block holds nothing but its
// heading line.
func isHeadingOnly(text string) bool {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return len(lines) == 1 && atxHeading.MatchString(lines[0])
}
