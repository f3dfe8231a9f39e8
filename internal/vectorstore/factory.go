package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Config selects a backend. Only the selected backend's section is used;
// Settings is copied into it.
type Config struct {
	Provider string // chromem, qdrant
	Settings Settings
	Chromem  ChromemConfig
	Qdrant   QdrantConfig
}

// New opens the configured backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case backendChromem, "":
		c := cfg.Chromem
		c.Settings = cfg.Settings
		return NewChromemStore(c, logger)
	case backendQdrant:
		c := cfg.Qdrant
		c.Settings = cfg.Settings
		return NewQdrantStore(ctx, c, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
