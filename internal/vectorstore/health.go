package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MetadataHealth summarizes the collection directories of a chromem DB.
type MetadataHealth struct {
	Healthy       []string      `json:"healthy"`
	Corrupt       []string      `json:"corrupt"`
	Empty         []string      `json:"empty"`
	Total         int           `json:"total"`
	HealthyCount  int           `json:"healthy_count"`
	CorruptCount  int           `json:"corrupt_count"`
	LastCheckTime time.Time     `json:"last_check_time"`
	CheckDuration time.Duration `json:"check_duration"`
}

// IsHealthy reports whether no collection is corrupt.
func (h *MetadataHealth) IsHealthy() bool {
	return h.CorruptCount == 0
}

// Status returns "healthy" or "degraded".
func (h *MetadataHealth) Status() string {
	if h.IsHealthy() {
		return "healthy"
	}
	return "degraded"
}

// CheckMetadataHealth classifies every collection directory under path.
func CheckMetadataHealth(ctx context.Context, path string, logger *zap.Logger) (*MetadataHealth, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	h := &MetadataHealth{
		Healthy:       []string{},
		Corrupt:       []string{},
		Empty:         []string{},
		LastCheckTime: start,
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading vectorstore directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		h.Total++
		dir := filepath.Join(path, entry.Name())

		n, err := countDocumentFiles(dir)
		if err != nil {
			logger.Warn("failed to read collection directory", zap.String("collection_hash", entry.Name()), zap.Error(err))
			continue
		}
		switch {
		case hasMetadata(dir):
			h.Healthy = append(h.Healthy, entry.Name())
			h.HealthyCount++
		case n > 0:
			h.Corrupt = append(h.Corrupt, entry.Name())
			h.CorruptCount++
			logger.Warn("corrupt collection detected", zap.String("collection_hash", entry.Name()), zap.Int("documents", n))
		default:
			h.Empty = append(h.Empty, entry.Name())
		}
	}

	h.CheckDuration = time.Since(start)
	UpdateHealthMetrics(h)
	return h, nil
}
