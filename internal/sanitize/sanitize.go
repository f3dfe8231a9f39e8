// Package sanitize normalizes collection names and confines request paths.
//
// Collection names are kept to ^[a-z0-9_]{1,64}$ so the same name works
// for chromem directories and Qdrant collections.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the longest identifier Identifier returns.
	MaxIdentifierLength = 64

	// hashSuffixLength is "_" plus eight hex characters.
	hashSuffixLength = 9

	// DefaultIdentifier replaces names with no usable characters.
	DefaultIdentifier = "docs"
)

// Identifier maps s onto a valid collection name: lowercase, runs of
// other characters folded to one underscore, no leading or trailing
// underscore. Names longer than MaxIdentifierLength keep a hash of the
// full name so that distinct long names stay distinct.
//
//	"Product Docs"    -> "product_docs"
//	"docs.example.io" -> "docs_example_io"
//	"" or "!!!"       -> "docs"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	underscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		sum := sha256.Sum256([]byte(out))
		out = strings.TrimRight(out[:MaxIdentifierLength-hashSuffixLength], "_") + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return out
}
