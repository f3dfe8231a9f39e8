package http

import (
	"github.com/fyrsmithlabs/docindex/internal/retrieval"
	"github.com/fyrsmithlabs/docindex/internal/vectorstore"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string                `json:"status"`
	Error    string                `json:"error,omitempty"`
	Metadata *MetadataHealthStatus `json:"metadata,omitempty"`
}

// MetadataHealthStatus contains chromem metadata integrity information.
type MetadataHealthStatus struct {
	Status        string   `json:"status"`         // "healthy" or "degraded"
	HealthyCount  int      `json:"healthy_count"`  // Number of healthy collections
	CorruptCount  int      `json:"corrupt_count"`  // Number of corrupt collections
	EmptyCount    int      `json:"empty_count"`    // Number of empty collections
	Total         int      `json:"total"`          // Total collections
	CorruptHashes []string `json:"corrupt_hashes"` // List of corrupt collection hashes
}

// IndexRequest is the request body for POST /api/v1/index.
type IndexRequest struct {
	Root          string `json:"root"`
	Prune         bool   `json:"prune"`
	SkipUnchanged bool   `json:"skip_unchanged"`
}

// SearchRequest is the request body for POST /api/v1/search. Filters may
// be given structurally, as expressions ("language_tag=go"), or both.
type SearchRequest struct {
	Query       string             `json:"query"`
	K           int                `json:"k"`
	Filter      vectorstore.Filter `json:"filter,omitempty"`
	Expressions []string           `json:"filters,omitempty"`
	// MaxChars, when positive, also assembles a context block.
	MaxChars int `json:"max_chars,omitempty"`
}

// SearchResponse is the response body for POST /api/v1/search.
type SearchResponse struct {
	Results []retrieval.Citation `json:"results"`
	Context string               `json:"context,omitempty"`
}

// CountResponse is the response body for GET /api/v1/count.
type CountResponse struct {
	Count int `json:"count"`
}

// ContextRequest is the request body for POST /api/v1/context.
type ContextRequest struct {
	Requirements retrieval.Requirements `json:"requirements"`
	MaxChars     int                    `json:"max_chars,omitempty"`
}

// ContextResponse is the response body for POST /api/v1/context.
type ContextResponse struct {
	Queries []string             `json:"queries"`
	Failed  []string             `json:"failed,omitempty"`
	Results []retrieval.Citation `json:"results"`
	Context string               `json:"context"`
}
