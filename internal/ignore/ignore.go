// Package ignore decides which files under a documentation root are
// skipped. It combines gitignore-style files with include and exclude
// globs; all patterns are matched with doublestar.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultSkipDirs are never descended into.
var DefaultSkipDirs = []string{".git", ".hg", ".svn", "node_modules", "vendor", ".venv", "__pycache__", ".idea", ".vscode"}

// rule is one parsed ignore line.
type rule struct {
	glob    string
	negate  bool
	dirOnly bool
}

// Matcher reports whether a slash-separated path relative to the root is
// ignored.
type Matcher struct {
	rules    []rule
	include  []string
	exclude  []string
	skipDirs map[string]bool
}

// Parser reads ignore files from a root directory.
type Parser struct {
	// IgnoreFiles are file names looked up at the root, e.g. .gitignore.
	IgnoreFiles []string
	Include     []string
	Exclude     []string
}

// NewParser creates a parser. include and exclude are doublestar globs
// matched against root-relative paths.
func NewParser(ignoreFiles, include, exclude []string) (*Parser, error) {
	for _, g := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid glob pattern %q", g)
		}
	}
	return &Parser{IgnoreFiles: ignoreFiles, Include: include, Exclude: exclude}, nil
}

// ParseProject reads every configured ignore file present at root and
// returns the combined matcher. Missing ignore files are skipped.
func (p *Parser) ParseProject(root string) (*Matcher, error) {
	m := &Matcher{
		include:  p.Include,
		exclude:  p.Exclude,
		skipDirs: make(map[string]bool, len(DefaultSkipDirs)),
	}
	for _, d := range DefaultSkipDirs {
		m.skipDirs[d] = true
	}

	for _, name := range p.IgnoreFiles {
		lines, err := readLines(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		for _, line := range lines {
			if r, ok := parseLine(line); ok {
				m.rules = append(m.rules, r)
			}
		}
	}
	return m, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// parseLine converts a gitignore line to a rule. Blank lines and comments
// yield no rule.
func parseLine(line string) (rule, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	line = strings.TrimPrefix(line, `\`)
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}

	// A slash anywhere but the end anchors the pattern to the root.
	anchored := strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if line == "" {
		return rule{}, false
	}
	if !anchored && !strings.HasPrefix(line, "**/") {
		line = "**/" + line
	}
	if !doublestar.ValidatePattern(line) {
		return rule{}, false
	}
	r.glob = line
	return r, true
}

// SkipDir reports whether the walk should not descend into dir.
func (m *Matcher) SkipDir(rel string) bool {
	if m == nil {
		return false
	}
	if m.skipDirs[filepath.Base(rel)] {
		return true
	}
	return m.ignoredByRules(rel, true)
}

// Ignored reports whether a file is excluded.
func (m *Matcher) Ignored(rel string) bool {
	if m == nil {
		return false
	}
	for _, dir := range parents(rel) {
		if m.skipDirs[filepath.Base(dir)] {
			return true
		}
	}
	if m.ignoredByRules(rel, false) {
		return true
	}
	for _, g := range m.exclude {
		if match(g, rel) {
			return true
		}
	}
	if len(m.include) == 0 {
		return false
	}
	for _, g := range m.include {
		if match(g, rel) {
			return false
		}
	}
	return true
}

// ignoredByRules applies rules in order; the last matching rule wins. A
// file inside an ignored directory stays ignored.
func (m *Matcher) ignoredByRules(rel string, isDir bool) bool {
	for _, dir := range parents(rel) {
		if m.evaluate(dir, true) {
			return true
		}
	}
	return m.evaluate(rel, isDir)
}

func (m *Matcher) evaluate(rel string, isDir bool) bool {
	ignored := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if match(r.glob, rel) {
			ignored = !r.negate
		}
	}
	return ignored
}

// parents lists the ancestor directories of rel, outermost first.
func parents(rel string) []string {
	var out []string
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			out = append(out, rel[:i])
		}
	}
	return out
}

func match(glob, rel string) bool {
	ok, err := doublestar.Match(glob, rel)
	return err == nil && ok
}
