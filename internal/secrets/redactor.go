// Package secrets removes credentials from document text before it is
// chunked and embedded, so they never reach the vector store.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Replacement is substituted for every detected secret.
const Replacement = "[REDACTED]"

// Finding describes one detected secret. The secret itself is not kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// DetectFunc returns findings for content: rule metadata plus the matched
// secret text.
type DetectFunc func(content string) []Match

// Match is a raw detection including the secret text.
type Match struct {
	Finding
	Secret string
}

// Redactor replaces detected secrets in text.
type Redactor struct {
	detect DetectFunc
}

// NewRedactor builds a Redactor backed by the default gitleaks rule set.
func NewRedactor() (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	var mu sync.Mutex
	return &Redactor{detect: func(content string) []Match {
		// gitleaks detectors keep per-scan state.
		mu.Lock()
		defer mu.Unlock()
		var out []Match
		for _, f := range detector.DetectString(content) {
			out = append(out, Match{
				Finding: Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine},
				Secret:  f.Secret,
			})
		}
		return out
	}}, nil
}

// NewRedactorWithDetector builds a Redactor around a custom detector.
func NewRedactorWithDetector(fn DetectFunc) *Redactor {
	return &Redactor{detect: fn}
}

// Redact returns content with every detected secret replaced.
func (r *Redactor) Redact(content string) (string, []Finding) {
	if r == nil || r.detect == nil || content == "" {
		return content, nil
	}
	matches := r.detect(content)
	if len(matches) == 0 {
		return content, nil
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].Secret) > len(matches[j].Secret)
	})

	findings := make([]Finding, 0, len(matches))
	for _, m := range matches {
		findings = append(findings, m.Finding)
		if strings.TrimSpace(m.Secret) == "" {
			continue
		}
		content = strings.ReplaceAll(content, m.Secret, Replacement)
	}
	return content, findings
}
