package chunking

import (
	"strings"
	"unicode/utf8"
)

var (
	proseSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}
	codeSeparators  = []string{"\n\n", "\n", " ", ""}
)

// splitter breaks text into pieces of at most max runes, trying coarse
// separators before fine ones and carrying up to overlap runes between
// consecutive pieces.
type splitter struct {
	max     int
	overlap int
	seps    []string
	trim    func(string) string
}

func trimProse(s string) string { return strings.TrimSpace(s) }

// trimCode keeps indentation on the first line.
func trimCode(s string) string {
	s = strings.TrimRight(s, " \t\n")
	for {
		line, rest, ok := strings.Cut(s, "\n")
		if !ok || strings.TrimSpace(line) != "" {
			return s
		}
		s = rest
	}
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// split returns the non-empty pieces of text.
func (sp splitter) split(text string) []string {
	var out []string
	for _, piece := range sp.splitWith(text, sp.seps) {
		piece = sp.trim(piece)
		if strings.TrimSpace(piece) == "" {
			continue
		}
		out = append(out, piece)
	}
	return out
}

func (sp splitter) splitWith(text string, seps []string) []string {
	if runeLen(text) <= sp.max {
		return []string{text}
	}

	sep, remaining := "", []string(nil)
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep, remaining = s, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return sp.window(text)
	}

	var (
		out  []string
		good []string
	)
	for _, part := range splitKeep(text, sep) {
		if runeLen(part) <= sp.max {
			good = append(good, part)
			continue
		}
		out = append(out, sp.merge(good)...)
		good = nil
		out = append(out, sp.splitWith(part, remaining)...)
	}
	return append(out, sp.merge(good)...)
}

// splitKeep splits on sep and keeps the separator at the end of each part.
func splitKeep(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	return parts
}

// merge greedily packs parts into pieces of at most max runes. After each
// emitted piece, parts are dropped from the front until at most overlap
// runes remain to be repeated in the next piece.
func (sp splitter) merge(parts []string) []string {
	var (
		out     []string
		current []string
		total   int
	)
	for _, p := range parts {
		n := runeLen(p)
		if total+n > sp.max && len(current) > 0 {
			out = append(out, strings.Join(current, ""))
			for len(current) > 0 && (total > sp.overlap || total+n > sp.max) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, ""))
	}
	return out
}

// window cuts text with no usable separator into fixed rune windows.
func (sp splitter) window(text string) []string {
	runes := []rune(text)
	step := sp.max - sp.overlap
	if step < 1 {
		step = 1
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + sp.max
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
