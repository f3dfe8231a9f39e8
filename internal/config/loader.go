package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/docindex/internal/sanitize"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix for environment overrides.
	EnvPrefix = "DOCINDEX_"
)

// nestedSections lists sub-sections whose environment names would
// otherwise be ambiguous with field names containing underscores.
var nestedSections = map[string][]string{
	"vectorstore": {"qdrant"},
}

// DefaultPath returns ~/.config/docindex/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "docindex", "config.yaml"), nil
}

// Load reads configuration from a YAML file, then applies DOCINDEX_*
// environment overrides, then validates.
//
// Precedence (highest first):
//  1. Environment variables (DOCINDEX_EMBEDDINGS_PROVIDER, ...)
//  2. YAML file
//  3. Defaults
//
// An empty path means the default location, which may be absent. An
// explicit path must exist.
//
// Environment names map to keys by splitting on the first underscore after
// the prefix:
//
//	DOCINDEX_CHUNKING_MAX_CHUNK_SIZE -> chunking.max_chunk_size
//	DOCINDEX_VECTORSTORE_QDRANT_HOST -> vectorstore.qdrant.host
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	content, err := readConfigFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps DOCINDEX_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	for _, sub := range nestedSections[section] {
		if rest, ok := strings.CutPrefix(field, sub+"_"); ok {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

// readConfigFile opens the file once and checks its properties on the open
// descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateFileProperties rejects oversized files and files writable by
// group or others.
func validateFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// normalize cleans up values that decode loosely from env and YAML.
func normalize(cfg *Config) {
	exts := cfg.Indexer.Extensions[:0]
	for _, e := range cfg.Indexer.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	cfg.Indexer.Extensions = exts

	cfg.VectorStore.Metric = strings.ToLower(cfg.VectorStore.Metric)
	cfg.Embeddings.Provider = strings.ToLower(cfg.Embeddings.Provider)
	cfg.VectorStore.Provider = strings.ToLower(cfg.VectorStore.Provider)
	cfg.VectorStore.Collection = sanitize.Identifier(cfg.VectorStore.Collection)
}
