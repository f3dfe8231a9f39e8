package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashingDimension is used when no dimension is configured.
const DefaultHashingDimension = 256

// HashingModel is the model name recorded for hashing embeddings.
const HashingModel = "hashing-v1"

// HashingProvider embeds text by feature hashing its lowercase word tokens.
// It needs no model files, is fully deterministic, and is what tests and
// air-gapped installs run on. Texts with no word tokens fall back to
// character trigrams so that every non-empty text gets a non-zero vector.
type HashingProvider struct {
	dimension int
}

// NewHashingProvider creates a hashing provider. A dimension <= 0 uses
// DefaultHashingDimension.
func NewHashingProvider(dimension int) *HashingProvider {
	if dimension <= 0 {
		dimension = DefaultHashingDimension
	}
	return &HashingProvider{dimension: dimension}
}

func (p *HashingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

func (p *HashingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

func (p *HashingProvider) Dimension() int { return p.dimension }

func (p *HashingProvider) Model() string { return HashingModel }

func (p *HashingProvider) Close() error { return nil }

func (p *HashingProvider) vector(text string) []float32 {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	if len(counts) == 0 {
		for _, g := range trigrams(text) {
			counts[g]++
		}
	}

	vec := make([]float32, p.dimension)
	for tok, n := range counts {
		h := hash64(tok)
		idx := int(h % uint64(p.dimension))
		weight := 1 + math.Log(float64(n))
		if h>>63 == 1 {
			weight = -weight
		}
		vec[idx] += float32(weight)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Colliding tokens cancelled out; keep the vector usable.
		vec[0] = 1
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func trigrams(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) < 3 {
		return []string{string(runes)}
	}
	out := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out = append(out, string(runes[i:i+3]))
	}
	return out
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
